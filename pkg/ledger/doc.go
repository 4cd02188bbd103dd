// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package ledger records the envelopes a node sends and receives.
//
// Each counterparty has an outbound sequence starting at 0. The backend
// enforces uniqueness of (counterparty, direction, seq), which is the only
// thing that serializes concurrent writers: a writer that loses the race
// gets errs.ErrDuplicate and must redraft on the new head.
package ledger
