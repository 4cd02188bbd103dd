// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package identity signs objects on behalf of local identities and verifies
the authorship of objects received from others.

# Identities

An identity is a self-signed object listing Ed25519 public keys. Its
permalink (the link of its first version) is the stable name used as the
author of everything the identity signs.

# Key Ring

[KeyRing] holds the private keys of local identities and resolves remote
identities through a [Resolver]:

	ring := identity.NewKeyRing(directory)
	self, err := ring.CreateIdentity(priv)

	err = ring.Sign(ctx, permalink, obj)
	err = ring.VerifyAuthor(ctx, obj)

Keys are loaded from PKCS#8 PEM files with [LoadPrivateKey] or created on
first start with [LoadOrGenerate]. File keys are intended for single-node
deployments; the key never leaves the process.
*/
package identity
