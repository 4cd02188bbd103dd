package engine

import (
	"context"

	"github.com/tradle/mycloud-sub005/pkg/content"
	"github.com/tradle/mycloud-sub005/pkg/delivery"
	"github.com/tradle/mycloud-sub005/pkg/ledger"
	"github.com/tradle/mycloud-sub005/pkg/object"
	"github.com/tradle/mycloud-sub005/pkg/transport"
)

// Signer signs and verifies objects on behalf of identities
type Signer interface {
	Sign(ctx context.Context, author string, v object.Signable) error
	VerifyAuthor(ctx context.Context, v object.Signable) error
	VerifyOrg(ctx context.Context, obj *object.Object) error
	PublicKey(ctx context.Context, author string) (string, error)
}

// ContentStore persists immutable payloads
type ContentStore interface {
	Save(ctx context.Context, obj *object.Object, opts content.SaveOptions) (*object.Object, error)
	GetByLink(ctx context.Context, link string) (*object.Object, error)
	ResolveEmbeds(ctx context.Context, obj *object.Object) (*object.Object, error)
	AddMetadata(v object.Signable) error
}

// Ledger is the per-counterparty sequence ledger
type Ledger interface {
	GetLastSeqAndLink(ctx context.Context, recipient string) (ledger.SeqLink, error)
	Save(ctx context.Context, msg *object.Message) error
	AssertTimestampIncreased(ctx context.Context, msg *object.Message) error
	ValidateInbound(msg *object.Message) error
	ListOutbound(ctx context.Context, recipient string, r ledger.Range) ([]*object.Message, error)
}

// Delivery sends batches and tracks failed deliveries
type Delivery interface {
	DeliverBatch(ctx context.Context, b delivery.Batch) error
	GetError(ctx context.Context, counterparty string) (*delivery.ErrorRecord, error)
	ResetError(ctx context.Context, counterparty string) (bool, error)
	// Advance records that everything up to through was delivered
	Advance(ctx context.Context, counterparty string, through int64) error
	// Defer postpones the next retry without counting an attempt
	Defer(ctx context.Context, counterparty, reason string) error
	IsStuck(rec *delivery.ErrorRecord) bool
	GetRangeFromError(rec *delivery.ErrorRecord) ledger.Range
}

// Sessions finds live sessions
type Sessions interface {
	Get(ctx context.Context, identity string) (*transport.Session, error)
}

// Friends finds counterparties reachable over the durable channel
type Friends interface {
	GetByIdentityPermalink(ctx context.Context, permalink string) (*delivery.Friend, error)
}

// Contacts is the directory of known identities
type Contacts interface {
	// AddContact stores ident and reports whether it was new
	AddContact(ctx context.Context, ident *object.Object) (bool, error)
	ByPermalink(ctx context.Context, permalink string) (*object.Object, error)
	// Warm loads the identity of permalink into the cache
	Warm(ctx context.Context, permalink string) error
}

// SealWatcher registers payloads anchored to a ledger
type SealWatcher interface {
	// Watch returns an error wrapping errs.ErrDuplicate when the watch exists
	Watch(ctx context.Context, req WatchRequest) error
}

// PushNotifier talks to the push notification server
type PushNotifier interface {
	Push(ctx context.Context, req PushRequest) error
	Register(ctx context.Context, reg PushRegistration) error
}

// Tasks runs background work the host drains on shutdown
type Tasks interface {
	Add(name string, fn func(ctx context.Context) error)
}
