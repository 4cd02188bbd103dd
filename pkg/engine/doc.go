// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package engine implements the message engine of a courier node.

The engine receives signed envelopes from counterparties, validates and
persists them, and queues outbound envelopes with per-recipient sequence
numbers. Every outbound envelope names the link of the previous one, so a
recipient can detect gaps.

# Inbound

[Engine.ReceiveMessage] strips virtual fields a sender supplied, registers
identities carried by introductions, then validates the envelope:

 1. binary fields are normalized
 2. embedded media in the payload is resolved
 3. links are attached, the envelope structure is checked and the
    recipient must be this node
 4. forbidden payload types are rejected
 5. the envelope and, when signed with another key, the payload are verified
 6. optionally, timestamps must not regress per author
 7. the envelope is marked inbound

The payload and the envelope are then persisted concurrently and a seal
watch is registered when the envelope carries a seal.

# Outbound

[Engine.QueueMessage] allocates sequence numbers optimistically: the ledger
rejects a second envelope with the same (recipient, seq) and the engine
redrafts on the new ledger head. No lock is held between nodes.

	msg, err := eng.QueueMessage(ctx, engine.QueueRequest{
		Recipient: peer,
		Object:    object.New("example.Note", map[string]any{"text": "hi"}),
	})

[Engine.AttemptLiveDelivery] then pushes queued envelopes over a live
session or to a friend's inbox. Failed deliveries leave an error record,
and [Engine.ResumeDelivery] redelivers everything after the last envelope
known to have arrived. The record is cleared only once that backlog is
flushed, so failed resumes keep counting attempts toward the stuck limit.
*/
package engine
