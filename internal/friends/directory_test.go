package friends

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradle/mycloud-sub005/internal/storage/memory"
	"github.com/tradle/mycloud-sub005/pkg/discovery"
	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/identity"
	"github.com/tradle/mycloud-sub005/pkg/object"
)

func newIdentity(t *testing.T) *object.Object {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ident, err := identity.NewKeyRing(nil).CreateIdentity(priv)
	require.NoError(t, err)
	return ident
}

type fakeResolver map[string]string

func (f fakeResolver) Lookup(ctx context.Context, domain string) (*discovery.Inbox, error) {
	url, ok := f[domain]
	if !ok {
		return nil, discovery.ErrNoRecordsFound
	}
	return &discovery.Inbox{Domain: domain, URL: url}, nil
}

type fakeFetcher map[string]*object.Object

func (f fakeFetcher) FetchIdentity(ctx context.Context, baseURL string) (*object.Object, error) {
	ident, ok := f[baseURL]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return ident.Clone(), nil
}

func TestAddContact_Once(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	d := NewDirectory(store, store, nil)
	ident := newIdentity(t)

	added, err := d.AddContact(ctx, ident)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = d.AddContact(ctx, ident)
	require.NoError(t, err)
	assert.False(t, added)

	got, err := d.ByPermalink(ctx, ident.Meta().Permalink)
	require.NoError(t, err)
	assert.Equal(t, ident.Meta().Link, got.Meta().Link)
	assert.Equal(t, ident.Sig, got.Sig)
}

func TestAddContact_RejectsForgedIdentity(t *testing.T) {
	ident := newIdentity(t)
	ident.Time++

	store := memory.NewStore()
	_, err := NewDirectory(store, store, nil).AddContact(context.Background(), ident)
	assert.ErrorIs(t, err, errs.ErrInvalidSignature)
}

func TestByPermalink_Unknown(t *testing.T) {
	store := memory.NewStore()
	_, err := NewDirectory(store, store, nil).ByPermalink(context.Background(), "nobody")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAddByDomain(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	peer := newIdentity(t)

	d := NewDirectory(store, store, nil, WithDiscovery(
		fakeResolver{"example.com": "https://courier.example.com"},
		fakeFetcher{"https://courier.example.com": peer},
	))

	friend, err := d.AddByDomain(ctx, "example.com", "")
	require.NoError(t, err)
	assert.Equal(t, peer.Meta().Permalink, friend.Permalink)
	assert.Equal(t, "https://courier.example.com", friend.URL)
	assert.Equal(t, "example.com", friend.Name)

	got, err := d.GetByIdentityPermalink(ctx, peer.Meta().Permalink)
	require.NoError(t, err)
	assert.Equal(t, friend.URL, got.URL)

	_, err = d.ByPermalink(ctx, peer.Meta().Permalink)
	require.NoError(t, err)

	_, err = d.AddByDomain(ctx, "unknown.org", "")
	assert.ErrorIs(t, err, discovery.ErrNoRecordsFound)

	list, err := d.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, d.Remove(ctx, friend.Permalink))
	_, err = d.GetByIdentityPermalink(ctx, friend.Permalink)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAddByDomain_WithoutDiscovery(t *testing.T) {
	store := memory.NewStore()
	_, err := NewDirectory(store, store, nil).AddByDomain(context.Background(), "example.com", "")
	assert.ErrorIs(t, err, ErrNoDiscovery)
}

func TestRedisCache(t *testing.T) {
	url := os.Getenv("COURIER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("COURIER_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	cache := NewRedisCache(client, time.Minute)
	ident := newIdentity(t)

	_, err = cache.Get(ctx, ident.Meta().Permalink)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, cache.Set(ctx, ident))
	got, err := cache.Get(ctx, ident.Meta().Permalink)
	require.NoError(t, err)
	assert.Equal(t, ident.Meta().Link, got.Meta().Link)
}
