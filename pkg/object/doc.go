// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package object defines the signed, content-addressed objects exchanged by the
messaging core.

# Objects and Envelopes

Every signed value carries a [Header] with its type, author permalink,
timestamp, signing public key and signature. Application payloads are
[Object] values; the envelope that carries a payload to a recipient is a
[Message] with a per-recipient sequence number and a link to the previous
message sent to that recipient.

# Links

A link is a CIDv1 (raw codec, sha2-256) of the canonical JSON form of a
signed object:

	link, err := object.LinkOf(obj)

The permalink of an object is the link of its first version. Versions point
back with PrevLink (the previous version) and RootLink (the first version).

# Virtual Fields

Computed values such as the link, permalink and the inbound flag live in a
[Meta] sidecar that is never serialized. A sender cannot supply them; any
"_virtual" member found on an incoming object is discarded with
[Message.StripVirtual].

# Payload Classification

[Classify] maps a payload to a [Kind]; [EmbeddedIdentity] extracts the
identity carried by identity, introduction and publish-request payloads.
*/
package object
