// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package delivery routes outbound batches to a channel and tracks failures.

A [Dispatcher] sends a [Batch] over the live channel when the recipient has
a session and to the recipient's inbox when it is a known [Friend]. When a
send fails the dispatcher writes an [ErrorRecord] for the counterparty
holding the highest sequence number known to be delivered, the number of
attempts and the time of the next retry.

# Retry Policy

Retries back off exponentially from Config.InitialBackoff up to
Config.MaxBackoff. A record becomes stuck when the peer answers 401, 403 or
410, or after Config.MaxAttempts failures. Stuck records are never retried
automatically; an operator clears them with [Dispatcher.Unstick].
*/
package delivery
