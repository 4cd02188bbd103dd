package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/ledger"
)

// newTestLedger connects to COURIER_TEST_POSTGRES_URL or skips
func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	url := os.Getenv("COURIER_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("COURIER_TEST_POSTGRES_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l, err := NewLedger(ctx, url, 4)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func record(counterparty string, seq int64) *ledger.Record {
	return &ledger.Record{
		Link:         fmt.Sprintf("link-%s-%d-%d", counterparty, seq, time.Now().UnixNano()),
		Counterparty: counterparty,
		Direction:    ledger.Outbound,
		Seq:          seq,
		Author:       "me",
		Recipient:    counterparty,
		Time:         time.Now().UnixMilli(),
		PayloadLink:  "payload",
		PayloadType:  "example.Note",
		Body:         []byte(`{}`),
	}
}

func TestLedger_SequenceUniqueness(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	peer := fmt.Sprintf("peer-%d", time.Now().UnixNano())

	_, err := l.LastMessage(ctx, peer, ledger.Outbound)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, l.InsertMessage(ctx, record(peer, 0)))
	require.NoError(t, l.InsertMessage(ctx, record(peer, 1)))
	assert.ErrorIs(t, l.InsertMessage(ctx, record(peer, 1)), errs.ErrDuplicate)

	last, err := l.LastMessage(ctx, peer, ledger.Outbound)
	require.NoError(t, err)
	assert.Equal(t, int64(1), last.Seq)
	assert.Equal(t, ledger.Outbound, last.Direction)

	all, err := l.ListMessages(ctx, peer, ledger.Outbound, -1, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	page, err := l.ListMessages(ctx, peer, ledger.Outbound, 0, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(1), page[0].Seq)
}
