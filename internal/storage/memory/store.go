// Package memory implements storage.Store in process memory.
//
// It is used by tests and by single-node development setups. Records are
// copied on the way in and out so callers cannot alias stored state.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tradle/mycloud-sub005/internal/storage"
	"github.com/tradle/mycloud-sub005/pkg/content"
	"github.com/tradle/mycloud-sub005/pkg/delivery"
	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/ledger"
)

type ledgerKey struct {
	counterparty string
	direction    ledger.Direction
	seq          int64
}

// Store implements storage.Store
type Store struct {
	mu sync.RWMutex

	objects  map[string]*content.Record
	blobs    map[string]*content.Blob
	messages map[string]*ledger.Record
	seqs     map[ledgerKey]string
	errors   map[string]*delivery.ErrorRecord
	watches  map[string]*storage.Watch
	friends  map[string]*delivery.Friend
	contacts map[string]*storage.Contact
}

var _ storage.Store = (*Store)(nil)

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		objects:  make(map[string]*content.Record),
		blobs:    make(map[string]*content.Blob),
		messages: make(map[string]*ledger.Record),
		seqs:     make(map[ledgerKey]string),
		errors:   make(map[string]*delivery.ErrorRecord),
		watches:  make(map[string]*storage.Watch),
		friends:  make(map[string]*delivery.Friend),
		contacts: make(map[string]*storage.Contact),
	}
}

func (s *Store) Close(ctx context.Context) error { return nil }

func (s *Store) Ping(ctx context.Context) error { return nil }

// Objects

func (s *Store) PutObject(ctx context.Context, rec *content.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[rec.Link]; ok {
		return nil
	}
	c := *rec
	c.Data = append([]byte(nil), rec.Data...)
	s.objects[rec.Link] = &c
	return nil
}

func (s *Store) GetObject(ctx context.Context, link string) (*content.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.objects[link]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", link, errs.ErrNotFound)
	}
	c := *rec
	return &c, nil
}

func (s *Store) PutBlob(ctx context.Context, blob *content.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[blob.ID]; ok {
		return nil
	}
	c := *blob
	c.Data = append([]byte(nil), blob.Data...)
	s.blobs[blob.ID] = &c
	return nil
}

func (s *Store) GetBlob(ctx context.Context, id string) (*content.Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[id]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", id, errs.ErrNotFound)
	}
	c := *blob
	return &c, nil
}

// CountObjects returns the number of stored objects
func (s *Store) CountObjects() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Ledger

func (s *Store) InsertMessage(ctx context.Context, rec *ledger.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ledgerKey{rec.Counterparty, rec.Direction, rec.Seq}
	if _, ok := s.seqs[key]; ok {
		return fmt.Errorf("%s seq %d to %s: %w", rec.Direction, rec.Seq, rec.Counterparty, errs.ErrDuplicate)
	}
	if _, ok := s.messages[rec.Link]; ok {
		return fmt.Errorf("message %s: %w", rec.Link, errs.ErrDuplicate)
	}
	c := *rec
	c.Body = append([]byte(nil), rec.Body...)
	s.messages[rec.Link] = &c
	s.seqs[key] = rec.Link
	return nil
}

func (s *Store) LastMessage(ctx context.Context, counterparty string, dir ledger.Direction) (*ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *ledger.Record
	for _, rec := range s.messages {
		if rec.Counterparty != counterparty || rec.Direction != dir {
			continue
		}
		if last == nil || rec.Seq > last.Seq {
			last = rec
		}
	}
	if last == nil {
		return nil, fmt.Errorf("%s messages of %s: %w", dir, counterparty, errs.ErrNotFound)
	}
	c := *last
	return &c, nil
}

func (s *Store) ListMessages(ctx context.Context, counterparty string, dir ledger.Direction, afterSeq int64, limit int) ([]*ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ledger.Record
	for _, rec := range s.messages {
		if rec.Counterparty == counterparty && rec.Direction == dir && rec.Seq > afterSeq {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountMessages returns the number of ledger records
func (s *Store) CountMessages() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Delivery errors

func (s *Store) GetError(ctx context.Context, counterparty string) (*delivery.ErrorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.errors[counterparty]
	if !ok {
		return nil, fmt.Errorf("delivery error of %s: %w", counterparty, errs.ErrNotFound)
	}
	c := *rec
	return &c, nil
}

func (s *Store) PutError(ctx context.Context, rec *delivery.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	s.errors[rec.Counterparty] = &c
	return nil
}

func (s *Store) DeleteError(ctx context.Context, counterparty string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.errors[counterparty]
	delete(s.errors, counterparty)
	return ok, nil
}

func (s *Store) ListDueErrors(ctx context.Context, channel delivery.Channel, now time.Time, limit int) ([]*delivery.ErrorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*delivery.ErrorRecord
	for _, rec := range s.errors {
		if rec.Channel == channel && !rec.Stuck && !rec.NextRetryAt.After(now) {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Seal watches

func (s *Store) InsertWatch(ctx context.Context, w *storage.Watch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watches[w.Key]; ok {
		return fmt.Errorf("watch %s: %w", w.Key, errs.ErrDuplicate)
	}
	c := *w
	s.watches[w.Key] = &c
	return nil
}

func (s *Store) GetWatch(ctx context.Context, key string) (*storage.Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.watches[key]
	if !ok {
		return nil, fmt.Errorf("watch %s: %w", key, errs.ErrNotFound)
	}
	c := *w
	return &c, nil
}

func (s *Store) ListWatches(ctx context.Context, filter *storage.WatchFilter) ([]*storage.Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Watch
	for _, w := range s.watches {
		if filter != nil {
			if filter.Network != "" && w.Network != filter.Network {
				continue
			}
			if filter.Status != "" && w.Status != filter.Status {
				continue
			}
		}
		c := *w
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Friends

func (s *Store) PutFriend(ctx context.Context, f *delivery.Friend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *f
	s.friends[f.Permalink] = &c
	return nil
}

func (s *Store) GetFriend(ctx context.Context, permalink string) (*delivery.Friend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.friends[permalink]
	if !ok {
		return nil, fmt.Errorf("friend %s: %w", permalink, errs.ErrNotFound)
	}
	c := *f
	return &c, nil
}

func (s *Store) ListFriends(ctx context.Context) ([]*delivery.Friend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*delivery.Friend, 0, len(s.friends))
	for _, f := range s.friends {
		c := *f
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Permalink < out[j].Permalink })
	return out, nil
}

func (s *Store) DeleteFriend(ctx context.Context, permalink string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.friends[permalink]; !ok {
		return fmt.Errorf("friend %s: %w", permalink, errs.ErrNotFound)
	}
	delete(s.friends, permalink)
	return nil
}

// Contacts

func (s *Store) InsertContact(ctx context.Context, c *storage.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[c.Permalink]; ok {
		return fmt.Errorf("contact %s: %w", c.Permalink, errs.ErrDuplicate)
	}
	cc := *c
	cc.Data = append([]byte(nil), c.Data...)
	s.contacts[c.Permalink] = &cc
	return nil
}

func (s *Store) GetContact(ctx context.Context, permalink string) (*storage.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[permalink]
	if !ok {
		return nil, fmt.Errorf("contact %s: %w", permalink, errs.ErrNotFound)
	}
	cc := *c
	return &cc, nil
}
