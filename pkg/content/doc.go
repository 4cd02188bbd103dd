// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package content stores signed objects by link.

Objects are immutable once written. Saving an object computes its link and
permalink over the resolved form, moves base64 data URIs found in the body
into a blob store, and persists the remaining JSON with "embed:<id>"
placeholders in their place. [Store.ResolveEmbeds] reverses the substitution
before an object is transmitted or verified.

	stored, err := store.Save(ctx, signed, content.SaveOptions{Index: true})
	wire, err := store.ResolveEmbeds(ctx, stored)

Persistence is delegated to a [Backend]; the storage packages provide
in-memory and MongoDB implementations.
*/
package content
