// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package courier is a store-and-forward messaging node for signed objects.

# Overview

A courier node holds an Ed25519 identity, exchanges signed envelopes with
counterparties and keeps a per-counterparty ledger of everything it sends
and receives. Envelopes are content addressed: the link of an object is a
CID over its canonical JSON form, and every outbound envelope names the
link of the previous envelope to the same recipient.

Delivery is attempted immediately over a live websocket session or to the
inbox of a friend node. When it fails, the node records where delivery
stopped and resends the backlog later, in order.

# Package Structure

	github.com/tradle/mycloud-sub005/pkg/object      - Objects, envelopes, links and the virtual sidecar
	github.com/tradle/mycloud-sub005/pkg/identity    - Ed25519 keys, signing and verification
	github.com/tradle/mycloud-sub005/pkg/content     - Content-addressed object and media storage
	github.com/tradle/mycloud-sub005/pkg/ledger      - The per-counterparty message ledger
	github.com/tradle/mycloud-sub005/pkg/delivery    - Live and durable delivery with error records
	github.com/tradle/mycloud-sub005/pkg/transport   - HTTPS inbox client, websocket hub, Redis relay
	github.com/tradle/mycloud-sub005/pkg/discovery   - DNS discovery of friend inboxes
	github.com/tradle/mycloud-sub005/pkg/compression - GZIP batch compression
	github.com/tradle/mycloud-sub005/pkg/engine      - Receiving, queueing and delivering messages
	github.com/tradle/mycloud-sub005/pkg/errs        - The shared error taxonomy

The node itself is assembled in cmd/courierd from the internal packages:
configuration, MongoDB, PostgreSQL and in-memory storage, the HTTP server,
the background resender, seal watches, push notifications and the task
registry.

# Quick Start

To queue and deliver a message from an assembled engine:

	msg, err := eng.SendMessage(ctx, engine.QueueRequest{
	    Recipient: friendPermalink,
	    Object:    object.New("example.Note", map[string]any{"text": "hello"}),
	})

To run a node:

	courierd -config courier.yaml

# Ordering

Sequence numbers start at 0 for every recipient. Concurrent writers race on
a unique (recipient, seq) key in the ledger and the loser redrafts, so a
sequence never has gaps or duplicates across nodes sharing a store.

# License

BSD-2-Clause License
*/
package courier
