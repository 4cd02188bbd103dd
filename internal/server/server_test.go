package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tradle/mycloud-sub005/internal/config"
	"github.com/tradle/mycloud-sub005/internal/storage"
	"github.com/tradle/mycloud-sub005/pkg/compression"
	"github.com/tradle/mycloud-sub005/pkg/delivery"
	"github.com/tradle/mycloud-sub005/pkg/engine"
	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/object"
	"github.com/tradle/mycloud-sub005/pkg/transport"
)

// fakeEngine answers by the payload text of each message
type fakeEngine struct {
	mu       sync.Mutex
	received []engine.ReceiveOptions
	sent     []engine.QueueRequest
	resumed  []string
	sendErr  error
}

func (f *fakeEngine) ReceiveMessage(ctx context.Context, msg *object.Message, opts engine.ReceiveOptions) (*object.Message, error) {
	f.mu.Lock()
	f.received = append(f.received, opts)
	f.mu.Unlock()

	var text string
	if msg.Object != nil {
		text, _ = msg.Object.Body["text"].(string)
	}
	switch text {
	case "duplicate":
		return nil, &engine.InboundError{Message: msg, Err: errs.ErrDuplicate}
	case "forged":
		return nil, &engine.InboundError{Message: msg, Err: errs.ErrInvalidSignature}
	case "outage":
		return nil, &engine.InboundError{Message: msg, Err: fmt.Errorf("mongo down")}
	}
	msg.Meta().Link = "link-" + text
	return msg, nil
}

func (f *fakeEngine) SendMessage(ctx context.Context, req engine.QueueRequest) (*object.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	if req.Recipient == "stranger" {
		return nil, fmt.Errorf("recipient: %w", errs.ErrNotFound)
	}
	msg := &object.Message{Recipient: req.Recipient, Seq: int64(len(f.sent) - 1)}
	msg.Meta().Link = "queued"
	return msg, f.sendErr
}

func (f *fakeEngine) ResumeDelivery(ctx context.Context, counterparty string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, counterparty)
	return counterparty != "stuck", nil
}

type fakeDeliveries map[string]*delivery.ErrorRecord

func (f fakeDeliveries) GetError(ctx context.Context, counterparty string) (*delivery.ErrorRecord, error) {
	if rec, ok := f[counterparty]; ok {
		return rec, nil
	}
	return nil, errs.ErrNotFound
}

func (f fakeDeliveries) Unstick(ctx context.Context, counterparty string) (*delivery.ErrorRecord, error) {
	rec, ok := f[counterparty]
	if !ok {
		return nil, errs.ErrNotFound
	}
	rec.Stuck = false
	rec.Attempts = 0
	return rec, nil
}

type fakeFriends struct{}

func (fakeFriends) AddByDomain(ctx context.Context, domain, name string) (*delivery.Friend, error) {
	return &delivery.Friend{Permalink: "p-" + domain, Domain: domain, Name: name, URL: "https://" + domain}, nil
}

type fakeSeals []*storage.Watch

func (f fakeSeals) Pending(ctx context.Context, limit int) ([]*storage.Watch, error) {
	return f, nil
}

type fakeLive struct{ identity string }

func (f *fakeLive) ServeWS(w http.ResponseWriter, r *http.Request, identity string) {
	f.identity = identity
	w.WriteHeader(http.StatusSwitchingProtocols)
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func newTestServer(t *testing.T, eng *fakeEngine, mutate ...func(*Deps)) (*Server, http.Handler) {
	t.Helper()
	cfg, err := config.Parse([]byte("storage: {type: memory}\nnetwork: {name: testnet, blockchain: bitcoin}\nserver: {adminKey: secret}\nobservability: {metrics: {enabled: true}}"))
	require.NoError(t, err)

	deps := Deps{
		Engine:     eng,
		Deliveries: fakeDeliveries{"bob": {Counterparty: "bob", Channel: delivery.ChannelHTTP, After: 3, Attempts: 2}},
		Friends:    fakeFriends{},
		Seals:      fakeSeals{{Key: "k1", Link: "l1", Status: storage.WatchStatusPending}},
		Live:       &fakeLive{},
		Health:     fakePinger{},
		Identity:   object.New(object.TypeIdentity, map[string]any{"name": "node"}),
	}
	for _, m := range mutate {
		m(&deps)
	}
	s, err := New(cfg, deps, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, s.Routes()
}

func batch(t *testing.T, texts ...string) []byte {
	t.Helper()
	raw := make([]json.RawMessage, 0, len(texts))
	for i, text := range texts {
		msg := &object.Message{
			Header:    object.Header{Type: object.TypeMessage, Author: "alice", Time: 1},
			Recipient: "me",
			Seq:       int64(i),
			Object:    object.New("example.Note", map[string]any{"text": text}),
		}
		data, err := json.Marshal(msg)
		require.NoError(t, err)
		raw = append(raw, data)
	}
	body, err := json.Marshal(raw)
	require.NoError(t, err)
	return body
}

func decodeAcks(t *testing.T, rec *httptest.ResponseRecorder) []transport.Ack {
	t.Helper()
	var resp InboxResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Acks
}

func TestInbox_AcksEachMessage(t *testing.T) {
	eng := &fakeEngine{}
	_, h := newTestServer(t, eng)

	req := httptest.NewRequest(http.MethodPost, transport.InboxPath, bytes.NewReader(batch(t, "hello", "duplicate", "forged")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	acks := decodeAcks(t, rec)
	require.Len(t, acks, 3)
	assert.Equal(t, transport.AckOK, acks[0].Status)
	assert.Equal(t, "link-hello", acks[0].Link)
	assert.Equal(t, transport.AckDuplicate, acks[1].Status)
	assert.Equal(t, transport.AckRejected, acks[2].Status)
	assert.NotEmpty(t, acks[2].Error)

	// Peers posting to the inbox carry no session identity
	for _, opts := range eng.received {
		assert.Empty(t, opts.SessionIdentity)
	}
}

func TestInbox_TransientFailureAsksForRetry(t *testing.T) {
	_, h := newTestServer(t, &fakeEngine{})

	req := httptest.NewRequest(http.MethodPost, transport.InboxPath, bytes.NewReader(batch(t, "hello", "outage")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	acks := decodeAcks(t, rec)
	require.Len(t, acks, 2)
	assert.Equal(t, transport.AckOK, acks[0].Status)
	assert.Equal(t, transport.AckRetry, acks[1].Status)
	assert.NotContains(t, acks[1].Error, "mongo")
}

func TestInbox_Gzip(t *testing.T) {
	_, h := newTestServer(t, &fakeEngine{})

	body, err := compression.NewCompressor().Compress(batch(t, "zipped"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, transport.InboxPath, bytes.NewReader(body))
	req.Header.Set("Content-Encoding", compression.EncodingGzip)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	acks := decodeAcks(t, rec)
	require.Len(t, acks, 1)
	assert.Equal(t, "link-zipped", acks[0].Link)
}

func TestInbox_RejectsMalformedBody(t *testing.T) {
	_, h := newTestServer(t, &fakeEngine{})

	for _, body := range []string{`{"not":"an array"}`, `nonsense`} {
		req := httptest.NewRequest(http.MethodPost, transport.InboxPath, bytes.NewReader([]byte(body)))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	// An undecodable element is rejected on its own
	req := httptest.NewRequest(http.MethodPost, transport.InboxPath, bytes.NewReader([]byte(`[42]`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	acks := decodeAcks(t, rec)
	require.Len(t, acks, 1)
	assert.Equal(t, transport.AckRejected, acks[0].Status)
}

func TestHandleLive_PassesSessionIdentity(t *testing.T) {
	eng := &fakeEngine{}
	s, _ := newTestServer(t, eng)

	var raw []json.RawMessage
	require.NoError(t, json.Unmarshal(batch(t, "live"), &raw))
	ack := s.HandleLive(context.Background(), &transport.Session{Identity: "alice"}, raw[0])

	assert.Equal(t, transport.AckOK, ack.Status)
	require.Len(t, eng.received, 1)
	assert.Equal(t, "alice", eng.received[0].SessionIdentity)
}

func TestIdentityAndHealth(t *testing.T) {
	_, h := newTestServer(t, &fakeEngine{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, transport.IdentityPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	ident, err := object.Decode(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, object.TypeIdentity, ident.Type)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReady(t *testing.T) {
	_, h := newTestServer(t, &fakeEngine{}, func(d *Deps) { d.Health = fakePinger{err: fmt.Errorf("down")} })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWS_RequiresIdentity(t *testing.T) {
	live := &fakeLive{}
	_, h := newTestServer(t, &fakeEngine{}, func(d *Deps) { d.Live = live })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set(IdentityHeader, "alice")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "alice", live.identity)
}

func adminRequest(method, path string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Admin-Key", "secret")
	return req
}

func TestAdmin_RequiresKey(t *testing.T) {
	_, h := newTestServer(t, &fakeEngine{})

	req := httptest.NewRequest(http.MethodGet, "/api/seals", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("X-Admin-Key", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmin_SendMessage(t *testing.T) {
	eng := &fakeEngine{}
	_, h := newTestServer(t, eng)

	t.Run("queued and delivered", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/messages", map[string]any{
			"recipient": "bob",
			"object":    map[string]any{"_t": "example.Note", "body": map[string]any{"text": "hi"}},
		}))
		require.Equal(t, http.StatusAccepted, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "queued", resp["link"])
		assert.NotContains(t, resp, "deliveryError")
		require.NotEmpty(t, eng.sent)
		require.NotNil(t, eng.sent[0].Object)
		assert.Equal(t, "example.Note", eng.sent[0].Object.Type)
	})

	t.Run("queued without delivery", func(t *testing.T) {
		eng.sendErr = fmt.Errorf("peer down")
		defer func() { eng.sendErr = nil }()

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/messages", map[string]any{"recipient": "bob", "link": "bafk"}))
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Contains(t, rec.Body.String(), "peer down")
	})

	t.Run("unknown recipient", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/messages", map[string]any{"recipient": "stranger", "link": "bafk"}))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing recipient", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/messages", map[string]any{"link": "bafk"}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAdmin_Deliveries(t *testing.T) {
	eng := &fakeEngine{}
	_, h := newTestServer(t, eng)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/deliveries/bob", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got delivery.ErrorRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(3), got.After)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/deliveries/carol", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/deliveries/stuck/resume", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"counterparty":"stuck","resumed":false}`, rec.Body.String())
	assert.Equal(t, []string{"stuck"}, eng.resumed)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/deliveries/bob/resume?force=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"counterparty":"bob","resumed":true}`, rec.Body.String())
	assert.Equal(t, []string{"stuck", "bob"}, eng.resumed)
}

func TestAdmin_FriendsAndSeals(t *testing.T) {
	_, h := newTestServer(t, &fakeEngine{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/friends", map[string]any{"domain": "example.com", "name": "Example"}))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "p-example.com")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/friends", map[string]any{}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/seals?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var watches []*storage.Watch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &watches))
	require.Len(t, watches, 1)
	assert.Equal(t, "l1", watches[0].Link)
}
