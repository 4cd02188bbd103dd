package engine_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tradle/mycloud-sub005/internal/friends"
	"github.com/tradle/mycloud-sub005/internal/seals"
	"github.com/tradle/mycloud-sub005/internal/storage/memory"
	"github.com/tradle/mycloud-sub005/internal/tasks"
	"github.com/tradle/mycloud-sub005/pkg/content"
	"github.com/tradle/mycloud-sub005/pkg/delivery"
	"github.com/tradle/mycloud-sub005/pkg/engine"
	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/identity"
	"github.com/tradle/mycloud-sub005/pkg/ledger"
	"github.com/tradle/mycloud-sub005/pkg/object"
	"github.com/tradle/mycloud-sub005/pkg/transport"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*transport.Session
}

func (f *fakeSessions) Get(ctx context.Context, ident string) (*transport.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[ident]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return sess, nil
}

func (f *fakeSessions) connect(ident string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[ident] = &transport.Session{ID: "sess-" + ident, Identity: ident, Node: "node-1"}
}

// recorder captures batches handed to a channel
type recorder struct {
	mu      sync.Mutex
	err     error
	batches [][]*object.Message
}

func (r *recorder) record(msgs []*object.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, msgs)
	return r.err
}

func (r *recorder) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recorder) seqs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, b := range r.batches {
		for _, m := range b {
			out = append(out, m.Seq)
		}
	}
	return out
}

type fakeLive struct{ recorder }

func (f *fakeLive) Deliver(ctx context.Context, sess *transport.Session, msgs []*object.Message) error {
	return f.record(msgs)
}

type fakeDurable struct{ recorder }

func (f *fakeDurable) SendBatch(ctx context.Context, baseURL string, msgs []*object.Message) error {
	return f.record(msgs)
}

type fakePush struct {
	mu       sync.Mutex
	err      error
	requests []engine.PushRequest
	regs     []engine.PushRegistration
}

func (f *fakePush) Push(ctx context.Context, req engine.PushRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.err
}

func (f *fakePush) Register(ctx context.Context, reg engine.PushRegistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs = append(f.regs, reg)
	return f.err
}

func (f *fakePush) pushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// countingContacts counts identities added through the engine
type countingContacts struct {
	*friends.Directory
	mu    sync.Mutex
	calls int
	added int
}

func (c *countingContacts) AddContact(ctx context.Context, ident *object.Object) (bool, error) {
	added, err := c.Directory.AddContact(ctx, ident)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if added {
		c.added++
	}
	return added, err
}

type harness struct {
	t        *testing.T
	store    *memory.Store
	ring     *identity.KeyRing
	dir      *friends.Directory
	contacts *countingContacts
	content  *content.Store
	ledger   *ledger.Messages
	delivery *delivery.Dispatcher
	sessions *fakeSessions
	live     *fakeLive
	durable  *fakeDurable
	push     *fakePush
	seals    *seals.Watcher
	tasks    *tasks.Registry
	eng      *engine.Engine
	me       string
}

type option func(cfg *engine.Config, deps *engine.Deps)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	h := &harness{
		t:        t,
		store:    memory.NewStore(),
		sessions: &fakeSessions{sessions: make(map[string]*transport.Session)},
		live:     &fakeLive{},
		durable:  &fakeDurable{},
		push:     &fakePush{},
		tasks:    tasks.NewRegistry(logger),
	}
	h.dir = friends.NewDirectory(h.store, h.store, logger)
	h.contacts = &countingContacts{Directory: h.dir}
	h.ring = identity.NewKeyRing(h.dir)
	h.content = content.NewStore(h.store, logger)
	h.ledger = ledger.New(h.store, logger)
	h.delivery = delivery.NewDispatcher(h.live, h.durable, h.store, nil, logger)
	h.seals = seals.NewWatcher(h.store, logger)
	h.me = h.newIdentity()

	cfg := engine.DefaultConfig(h.me)
	cfg.Network = engine.Network{Name: "testnet", Blockchain: "bitcoin"}
	deps := engine.Deps{
		Signer:   h.ring,
		Content:  h.content,
		Ledger:   h.ledger,
		Delivery: h.delivery,
		Sessions: h.sessions,
		Friends:  h.dir,
		Contacts: h.contacts,
		Seals:    h.seals,
		Push:     h.push,
		Tasks:    h.tasks,
	}
	for _, opt := range opts {
		opt(cfg, &deps)
	}

	eng, err := engine.New(cfg, deps, logger)
	require.NoError(t, err)
	h.eng = eng

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.tasks.Drain(ctx)
	})
	return h
}

// newIdentity creates a local identity known to the directory
func (h *harness) newIdentity() string {
	ident := h.newStranger()
	_, err := h.dir.AddContact(context.Background(), ident)
	require.NoError(h.t, err)
	return ident.Meta().Permalink
}

// newStranger creates an identity whose key is in the ring but which is
// not yet a contact
func (h *harness) newStranger() *object.Object {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(h.t, err)
	ident, err := h.ring.CreateIdentity(priv)
	require.NoError(h.t, err)
	return ident
}

// addFriend makes peer reachable over the durable channel
func (h *harness) addFriend(peer string) {
	err := h.store.PutFriend(context.Background(), &delivery.Friend{
		Permalink: peer,
		URL:       "https://" + peer[:12] + ".example.com",
	})
	require.NoError(h.t, err)
}

// inbound builds a message from author to this node carrying payload,
// signed by author
func (h *harness) inbound(author string, seq int64, at time.Time, payload *object.Object) *object.Message {
	h.t.Helper()
	ctx := context.Background()
	if !payload.IsSigned() {
		payload.Time = at.UnixMilli()
		require.NoError(h.t, h.ring.Sign(ctx, author, payload))
	}
	msg := &object.Message{
		Header:    object.Header{Type: object.TypeMessage, Time: at.UnixMilli()},
		Recipient: h.me,
		Seq:       seq,
		Object:    payload,
	}
	require.NoError(h.t, h.ring.Sign(ctx, author, msg))
	return msg
}

func note(text string) *object.Object {
	return object.New("example.Note", map[string]any{"text": text})
}

// asBody converts an object to the generic form it has after decoding
func asBody(t *testing.T, obj *object.Object) map[string]any {
	t.Helper()
	data, err := object.Encode(obj)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}
