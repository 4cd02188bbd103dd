package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradle/mycloud-sub005/pkg/engine"
	"github.com/tradle/mycloud-sub005/pkg/transport"
)

func TestPush(t *testing.T) {
	received := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != NotificationPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClient(Config{ServerURL: srv.URL + "/"}, nil)
	require.NoError(t, err)

	err = c.Push(context.Background(), engine.PushRequest{Key: "k", Identity: "me", Subscriber: "you"})
	require.NoError(t, err)
	got := <-received
	assert.Equal(t, "k", got["key"])
	assert.Equal(t, "me", got["identity"])
	assert.Equal(t, "you", got["subscriber"])
	assert.NotEmpty(t, got["nonce"])
}

func TestRegister_ConflictIsSuccess(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusConflict)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c, err := NewClient(Config{ServerURL: srv.URL}, nil)
	require.NoError(t, err)
	reg := engine.PushRegistration{Identity: "me", Key: "k"}

	assert.NoError(t, c.Register(context.Background(), reg))

	status.Store(http.StatusInternalServerError)
	err = c.Register(context.Background(), reg)
	var statusErr *transport.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.ErrorIs(t, err, ErrNoServer)
}
