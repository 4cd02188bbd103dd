// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package discovery finds the inbox of a counterparty from its domain.

Operators publish the base URL of their node in a DNS TXT record under a
well-known label:

	_courier-inbox.example.com. 3600 IN TXT "v=courier1 url=https://courier.example.com"

The resolver queries the configured DNS server directly:

	resolver := discovery.NewResolver(discovery.Config{DNSServer: "8.8.8.8:53"})
	inbox, err := resolver.Lookup(ctx, "example.com")

Only https URLs are accepted unless Config.AllowHTTP is set.
*/
package discovery
