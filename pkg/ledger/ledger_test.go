package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/object"
)

type key struct {
	counterparty string
	dir          Direction
	seq          int64
}

// mapBackend is an in-package Backend
type mapBackend struct {
	mu   sync.Mutex
	recs map[key]*Record
}

func newMapBackend() *mapBackend {
	return &mapBackend{recs: make(map[key]*Record)}
}

func (b *mapBackend) InsertMessage(ctx context.Context, rec *Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key{rec.Counterparty, rec.Direction, rec.Seq}
	if _, ok := b.recs[k]; ok {
		return errs.ErrDuplicate
	}
	b.recs[k] = rec
	return nil
}

func (b *mapBackend) LastMessage(ctx context.Context, counterparty string, dir Direction) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var last *Record
	for k, rec := range b.recs {
		if k.counterparty == counterparty && k.dir == dir && (last == nil || rec.Seq > last.Seq) {
			last = rec
		}
	}
	if last == nil {
		return nil, errs.ErrNotFound
	}
	return last, nil
}

func (b *mapBackend) ListMessages(ctx context.Context, counterparty string, dir Direction, afterSeq int64, limit int) ([]*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Record
	for k, rec := range b.recs {
		if k.counterparty == counterparty && k.dir == dir && k.seq > afterSeq {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func envelope(author, recipient string, seq, at int64) *object.Message {
	msg := &object.Message{
		Header:    object.Header{Type: object.TypeMessage, Author: author, Time: at, Sig: "sig"},
		Recipient: recipient,
		Seq:       seq,
		Object:    object.New("example.Note", map[string]any{"n": fmt.Sprint(seq)}),
	}
	msg.Object.Sig = "sig"
	if err := object.Stamp(msg.Object); err != nil {
		panic(err)
	}
	if err := object.Stamp(msg); err != nil {
		panic(err)
	}
	return msg
}

func TestGetLastSeqAndLink(t *testing.T) {
	ctx := context.Background()
	m := New(newMapBackend(), nil)

	last, err := m.GetLastSeqAndLink(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), last.Seq)
	assert.Empty(t, last.Link)
	assert.Equal(t, object.FirstSeq, last.Next())

	first := envelope("me", "bob", 0, 1)
	require.NoError(t, m.Save(ctx, first))

	last, err = m.GetLastSeqAndLink(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(0), last.Seq)
	assert.Equal(t, first.Meta().Link, last.Link)
}

func TestSave_Duplicate(t *testing.T) {
	ctx := context.Background()
	m := New(newMapBackend(), nil)

	require.NoError(t, m.Save(ctx, envelope("me", "bob", 0, 1)))
	err := m.Save(ctx, envelope("me", "bob", 0, 2))
	assert.ErrorIs(t, err, errs.ErrDuplicate)
}

func TestSave_RequiresLink(t *testing.T) {
	msg := &object.Message{Header: object.Header{Type: object.TypeMessage}, Recipient: "bob"}
	err := New(newMapBackend(), nil).Save(context.Background(), msg)
	assert.ErrorIs(t, err, errs.ErrInvalidMessage)
}

func TestSave_InboundKeyedByAuthor(t *testing.T) {
	ctx := context.Background()
	backend := newMapBackend()
	m := New(backend, nil)

	msg := envelope("alice", "me", 0, 1)
	msg.Meta().Inbound = true
	require.NoError(t, m.Save(ctx, msg))

	rec, err := backend.LastMessage(ctx, "alice", Inbound)
	require.NoError(t, err)
	assert.Equal(t, "me", rec.Recipient)
	assert.Equal(t, msg.Object.Meta().Link, rec.PayloadLink)

	last, err := m.GetLastSeqAndLink(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), last.Seq, "inbound messages do not advance the outbound sequence")
}

func TestAssertTimestampIncreased(t *testing.T) {
	ctx := context.Background()
	m := New(newMapBackend(), nil)

	require.NoError(t, m.AssertTimestampIncreased(ctx, envelope("alice", "me", 0, 100)))

	prev := envelope("alice", "me", 0, 100)
	prev.Meta().Inbound = true
	require.NoError(t, m.Save(ctx, prev))

	tests := []struct {
		name    string
		at      int64
		wantErr bool
	}{
		{"older", 99, true},
		{"equal", 100, false},
		{"newer", 101, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.AssertTimestampIncreased(ctx, envelope("alice", "me", 1, tt.at))
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrTimeTravel)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateInbound(t *testing.T) {
	m := New(newMapBackend(), nil)

	tests := []struct {
		name   string
		mutate func(*object.Message)
	}{
		{"wrong type", func(msg *object.Message) { msg.Type = "example.Other" }},
		{"no author", func(msg *object.Message) { msg.Author = "" }},
		{"no recipient", func(msg *object.Message) { msg.Recipient = "" }},
		{"negative seq", func(msg *object.Message) { msg.Seq = -1 }},
		{"no time", func(msg *object.Message) { msg.Time = 0 }},
		{"no payload", func(msg *object.Message) { msg.Object = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := envelope("alice", "me", 0, 1)
			tt.mutate(msg)
			assert.ErrorIs(t, m.ValidateInbound(msg), errs.ErrInvalidMessage)
		})
	}

	assert.NoError(t, m.ValidateInbound(envelope("alice", "me", 0, 1)))
}

func TestListOutbound(t *testing.T) {
	ctx := context.Background()
	m := New(newMapBackend(), nil)
	for seq := int64(0); seq < 5; seq++ {
		require.NoError(t, m.Save(ctx, envelope("me", "bob", seq, seq+1)))
	}

	msgs, err := m.ListOutbound(ctx, "bob", Range{After: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(2), msgs[0].Seq)
	assert.Equal(t, int64(3), msgs[1].Seq)
	assert.NotEmpty(t, msgs[0].Meta().Link)
	assert.False(t, msgs[0].Meta().Inbound)
	assert.Equal(t, "2", msgs[0].Object.Body["n"])
	assert.NotEmpty(t, msgs[0].Object.Meta().Link)
}
