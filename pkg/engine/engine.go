package engine

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tradle/mycloud-sub005/pkg/object"
)

// DefaultMaxQueueAttempts bounds the retries of a sequence allocation
const DefaultMaxQueueAttempts = 3

// DefaultBacklogPageSize is the number of undelivered messages sent per batch
// when a backlog is flushed
const DefaultBacklogPageSize = 100

// ErrPushDisabled is returned by push operations when no notifier is configured
var ErrPushDisabled = errors.New("push notifications are not configured")

// Network identifies the ledger seals are accepted from
type Network struct {
	Name       string `yaml:"name"`
	Blockchain string `yaml:"blockchain"`
}

// Config configures the engine
type Config struct {
	// Identity is the permalink of this node's identity
	Identity string
	Network  Network

	// NoTimeTravel rejects inbound messages older than the last one
	// received from the same author
	NoTimeTravel bool
	// ValidateVersions checks version continuity of inbound payloads
	ValidateVersions bool

	// ForbiddenInbound lists payload types a counterparty may not send
	ForbiddenInbound []string
	// Unindexed lists payload types stored without secondary indexes
	Unindexed []string

	MaxQueueAttempts int
	BacklogPageSize  int
}

// DefaultConfig returns the defaults for a node with the given identity
func DefaultConfig(identity string) *Config {
	return &Config{
		Identity:         identity,
		ForbiddenInbound: []string{object.TypeMessage},
		Unindexed:        []string{object.TypeSelfIntroduction, object.TypeIdentityPublishRequest},
		MaxQueueAttempts: DefaultMaxQueueAttempts,
		BacklogPageSize:  DefaultBacklogPageSize,
	}
}

// Deps holds the collaborators of the engine. Seals and Push are optional.
type Deps struct {
	Signer   Signer
	Content  ContentStore
	Ledger   Ledger
	Delivery Delivery
	Sessions Sessions
	Friends  Friends
	Contacts Contacts
	Seals    SealWatcher
	Push     PushNotifier
	Tasks    Tasks
}

// Engine is the message engine
type Engine struct {
	cfg       Config
	forbidden map[string]bool
	unindexed map[string]bool

	signer   Signer
	content  ContentStore
	ledger   Ledger
	delivery Delivery
	sessions Sessions
	friends  Friends
	contacts Contacts
	seals    SealWatcher
	push     PushNotifier
	tasks    Tasks

	logger *zap.Logger
	now    func() time.Time
}

// New creates an engine
func New(cfg *Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine config is required")
	}
	if cfg.Identity == "" {
		return nil, errors.New("engine identity is required")
	}
	switch {
	case deps.Signer == nil:
		return nil, fmt.Errorf("engine: signer is required")
	case deps.Content == nil:
		return nil, fmt.Errorf("engine: content store is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("engine: ledger is required")
	case deps.Delivery == nil:
		return nil, fmt.Errorf("engine: delivery is required")
	case deps.Sessions == nil:
		return nil, fmt.Errorf("engine: sessions are required")
	case deps.Friends == nil:
		return nil, fmt.Errorf("engine: friends are required")
	case deps.Contacts == nil:
		return nil, fmt.Errorf("engine: contacts are required")
	case deps.Tasks == nil:
		return nil, fmt.Errorf("engine: task registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := *cfg
	if c.MaxQueueAttempts <= 0 {
		c.MaxQueueAttempts = DefaultMaxQueueAttempts
	}
	if c.BacklogPageSize <= 0 {
		c.BacklogPageSize = DefaultBacklogPageSize
	}

	return &Engine{
		cfg:       c,
		forbidden: toSet(c.ForbiddenInbound),
		unindexed: toSet(c.Unindexed),
		signer:    deps.Signer,
		content:   deps.Content,
		ledger:    deps.Ledger,
		delivery:  deps.Delivery,
		sessions:  deps.Sessions,
		friends:   deps.Friends,
		contacts:  deps.Contacts,
		seals:     deps.Seals,
		push:      deps.Push,
		tasks:     deps.Tasks,
		logger:    logger.Named("engine"),
		now:       time.Now,
	}, nil
}

// Identity returns the permalink of this node's identity
func (e *Engine) Identity() string {
	return e.cfg.Identity
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// Payload is the result of resolving the payload of an outbound message
type Payload struct {
	// New is set when the payload was written by this call
	New bool
	// Stored is the persisted form, with embedded media as placeholders
	Stored *object.Object
	// Wire is the form sent to recipients, with embedded media inline
	Wire *object.Object
}

// QueueRequest describes an outbound message. Exactly one of Object and
// Link names the payload.
type QueueRequest struct {
	Recipient string
	// Author defaults to this node's identity
	Author  string
	Object  *object.Object
	Link    string
	Seal    *object.SealRef
	Context string
	Other   map[string]any
}

// ReceiveOptions carries what the transport knows about the sender
type ReceiveOptions struct {
	// SessionIdentity is the permalink of the identity the transport
	// session authenticated, if any
	SessionIdentity string
}

// InboundError wraps a failure to receive a message
type InboundError struct {
	Message *object.Message
	Err     error
}

func (e *InboundError) Error() string {
	if e.Message == nil {
		return fmt.Sprintf("receiving message: %v", e.Err)
	}
	return fmt.Sprintf("receiving message from %s seq %d: %v", e.Message.Author, e.Message.Seq, e.Err)
}

func (e *InboundError) Unwrap() error {
	return e.Err
}

// WatchRequest asks the seal watcher to track an anchored payload
type WatchRequest struct {
	Network        string
	Blockchain     string
	Curve          string
	BasePubKey     []byte
	HeaderHash     string
	PrevHeaderHash string
	Link           string
	PrevLink       string
	Object         *object.Object
}

// PushRequest asks the push server to wake a subscriber
type PushRequest struct {
	Key        string `json:"key"`
	Identity   string `json:"identity"`
	Subscriber string `json:"subscriber"`
}

// PushRegistration registers a publisher with the push server
type PushRegistration struct {
	Identity string `json:"identity"`
	Key      string `json:"key"`
}
