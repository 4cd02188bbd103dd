// Package storage defines the persistence interfaces of the courier node.
//
// # Interface Design
//
// The storage layer is organized into focused interfaces, most of them
// declared next to the component that consumes them:
//
//   - [content.Backend]: immutable signed objects and embedded media blobs
//   - [ledger.Backend]: the per-counterparty message ledger
//   - [delivery.ErrorStore]: delivery error records
//   - [WatchStore]: seal watches
//   - [FriendStore]: counterparties reachable over HTTP
//   - [ContactStore]: known identities
//
// The [Store] interface combines all sub-stores for convenience.
//
// # Implementations
//
// The mongodb sub-package is the production implementation. The postgres
// sub-package implements [ledger.Backend] only and can replace the MongoDB
// ledger. The memory sub-package serves tests and development.
//
// # Concurrency
//
// All store implementations must be safe for concurrent use from multiple
// goroutines. Uniqueness of ledger entries and watch keys is enforced by the
// store itself and reported as errs.ErrDuplicate.
package storage

import (
	"context"
	"time"

	"github.com/tradle/mycloud-sub005/pkg/content"
	"github.com/tradle/mycloud-sub005/pkg/delivery"
	"github.com/tradle/mycloud-sub005/pkg/ledger"
)

// Store is the main storage interface combining all sub-stores
type Store interface {
	content.Backend
	ledger.Backend
	delivery.ErrorStore
	WatchStore
	FriendStore
	ContactStore

	// Close releases storage resources
	Close(ctx context.Context) error

	// Ping checks database connectivity
	Ping(ctx context.Context) error
}

// WatchStore manages seal watches
type WatchStore interface {
	// InsertWatch stores a new watch. An existing key yields errs.ErrDuplicate.
	InsertWatch(ctx context.Context, w *Watch) error

	// GetWatch retrieves a watch by key
	GetWatch(ctx context.Context, key string) (*Watch, error)

	// ListWatches returns watches with filtering
	ListWatches(ctx context.Context, filter *WatchFilter) ([]*Watch, error)
}

// FriendStore manages friends
type FriendStore interface {
	// PutFriend creates or replaces a friend
	PutFriend(ctx context.Context, f *delivery.Friend) error

	// GetFriend retrieves a friend by identity permalink
	GetFriend(ctx context.Context, permalink string) (*delivery.Friend, error)

	// ListFriends returns all friends
	ListFriends(ctx context.Context) ([]*delivery.Friend, error)

	// DeleteFriend removes a friend
	DeleteFriend(ctx context.Context, permalink string) error
}

// ContactStore manages known identities
type ContactStore interface {
	// InsertContact stores a new contact. An existing permalink yields errs.ErrDuplicate.
	InsertContact(ctx context.Context, c *Contact) error

	// GetContact retrieves a contact by identity permalink
	GetContact(ctx context.Context, permalink string) (*Contact, error)
}

// Domain models

// Watch is a registered seal watch
type Watch struct {
	Key            string      `bson:"_id" json:"key"`
	Network        string      `bson:"network" json:"network"`
	Blockchain     string      `bson:"blockchain" json:"blockchain"`
	Curve          string      `bson:"curve,omitempty" json:"curve,omitempty"`
	BasePubKey     []byte      `bson:"base_pub_key,omitempty" json:"basePubKey,omitempty"`
	HeaderHash     string      `bson:"header_hash,omitempty" json:"headerHash,omitempty"`
	PrevHeaderHash string      `bson:"prev_header_hash,omitempty" json:"prevHeaderHash,omitempty"`
	Link           string      `bson:"link" json:"link"`
	PrevLink       string      `bson:"prev_link,omitempty" json:"prevLink,omitempty"`
	PayloadType    string      `bson:"payload_type,omitempty" json:"payloadType,omitempty"`
	Status         WatchStatus `bson:"status" json:"status"`
	CreatedAt      time.Time   `bson:"created_at" json:"createdAt"`
}

type WatchStatus string

const (
	WatchStatusPending   WatchStatus = "pending"   // Waiting for the seal to appear
	WatchStatusConfirmed WatchStatus = "confirmed" // Seal found on the ledger
)

type WatchFilter struct {
	Network string
	Status  WatchStatus
	Limit   int
}

// Contact is a known identity
type Contact struct {
	Permalink string    `bson:"_id" json:"permalink"`
	Link      string    `bson:"link" json:"link"`
	Data      []byte    `bson:"data" json:"-"` // encoded identity object
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}
