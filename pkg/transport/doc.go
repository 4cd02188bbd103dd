// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport implements the channels messages travel over.

# Durable Channel

[HTTPSClient] posts batches of envelopes as a JSON array to a peer's
"/inbox" endpoint, gzip encoding large batches. Non-2xx answers are returned
as [*StatusError] so callers can classify them:

	client := transport.NewHTTPSClient(transport.DefaultHTTPSConfig())
	err := client.SendBatch(ctx, friend.URL, msgs)

# Live Channel

[Hub] serves websocket sessions. Each connected identity has at most one
[Session]; a newer connection replaces an older one. Messages are written as
a [Frame] and inbound frames are answered with one [Ack] per message.

Sessions are tracked in a [Registry]. [LocalRegistry] serves a single node.
[RedisRelay] shares sessions between nodes through Redis and forwards frames
to the node holding the session over pub/sub:

	relay := transport.NewRedisRelay(redisClient, nodeID, logger)
	hub := transport.NewHub(transport.DefaultHubConfig(nodeID), relay, logger)
	go relay.Run(ctx, hub.SendLocal)

A recipient that is not connected anywhere yields errs.ErrClientUnreachable.
*/
package transport
