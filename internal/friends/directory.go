// Package friends keeps the directory of known identities and of friends,
// the counterparties reachable over HTTP.
package friends

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tradle/mycloud-sub005/internal/storage"
	"github.com/tradle/mycloud-sub005/pkg/delivery"
	"github.com/tradle/mycloud-sub005/pkg/discovery"
	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/identity"
	"github.com/tradle/mycloud-sub005/pkg/object"
)

// ErrNoDiscovery is returned by AddByDomain when no resolver is configured
var ErrNoDiscovery = errors.New("inbox discovery is not configured")

// Cache holds decoded identities. Get returns an error wrapping
// errs.ErrNotFound on a miss.
type Cache interface {
	Get(ctx context.Context, permalink string) (*object.Object, error)
	Set(ctx context.Context, ident *object.Object) error
}

// InboxResolver finds the inbox URL a domain publishes
type InboxResolver interface {
	Lookup(ctx context.Context, domain string) (*discovery.Inbox, error)
}

// IdentityFetcher fetches the identity a node serves
type IdentityFetcher interface {
	FetchIdentity(ctx context.Context, baseURL string) (*object.Object, error)
}

// Directory resolves identities and friends
type Directory struct {
	friends  storage.FriendStore
	contacts storage.ContactStore
	cache    Cache
	resolver InboxResolver
	fetcher  IdentityFetcher
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Directory
type Option func(*Directory)

// WithCache sets the identity cache
func WithCache(c Cache) Option {
	return func(d *Directory) { d.cache = c }
}

// WithDiscovery enables adding friends by domain
func WithDiscovery(r InboxResolver, f IdentityFetcher) Option {
	return func(d *Directory) {
		d.resolver = r
		d.fetcher = f
	}
}

// NewDirectory creates a directory
func NewDirectory(friends storage.FriendStore, contacts storage.ContactStore, logger *zap.Logger, opts ...Option) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Directory{
		friends:  friends,
		contacts: contacts,
		logger:   logger.Named("friends"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddContact stores a self-signed identity and reports whether it was new
func (d *Directory) AddContact(ctx context.Context, ident *object.Object) (bool, error) {
	if err := identity.VerifySelfSigned(ident); err != nil {
		return false, err
	}
	ident = ident.Clone()
	if err := object.Stamp(ident); err != nil {
		return false, err
	}
	data, err := object.Encode(ident)
	if err != nil {
		return false, err
	}

	meta := ident.Meta()
	err = d.contacts.InsertContact(ctx, &storage.Contact{
		Permalink: meta.Permalink,
		Link:      meta.Link,
		Data:      data,
		CreatedAt: d.now().UTC(),
	})
	if errs.IsDuplicate(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	d.cacheSet(ctx, ident)
	d.logger.Debug("Added contact", zap.String("permalink", meta.Permalink))
	return true, nil
}

// ByPermalink returns the identity with the given permalink
func (d *Directory) ByPermalink(ctx context.Context, permalink string) (*object.Object, error) {
	if d.cache != nil {
		ident, err := d.cache.Get(ctx, permalink)
		if err == nil {
			return ident, nil
		}
		if !errs.IsNotFound(err) {
			d.logger.Debug("Identity cache read failed", zap.Error(err))
		}
	}

	c, err := d.contacts.GetContact(ctx, permalink)
	if err != nil {
		return nil, err
	}
	ident, err := decodeContact(c)
	if err != nil {
		return nil, err
	}
	d.cacheSet(ctx, ident)
	return ident, nil
}

// Warm loads the identity of permalink into the cache
func (d *Directory) Warm(ctx context.Context, permalink string) error {
	_, err := d.ByPermalink(ctx, permalink)
	return err
}

func (d *Directory) cacheSet(ctx context.Context, ident *object.Object) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Set(ctx, ident); err != nil {
		d.logger.Debug("Identity cache write failed", zap.Error(err))
	}
}

func decodeContact(c *storage.Contact) (*object.Object, error) {
	ident, err := object.Decode(c.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding contact %s: %w", c.Permalink, err)
	}
	ident.Meta().Link = c.Link
	ident.Meta().Permalink = c.Permalink
	return ident, nil
}

// GetByIdentityPermalink returns the friend with the given identity
func (d *Directory) GetByIdentityPermalink(ctx context.Context, permalink string) (*delivery.Friend, error) {
	return d.friends.GetFriend(ctx, permalink)
}

// AddFriend stores ident as a contact and as a friend reachable at url
func (d *Directory) AddFriend(ctx context.Context, ident *object.Object, url, name, domain string) (*delivery.Friend, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: friend url is required", errs.ErrInvalidMessage)
	}
	if _, err := d.AddContact(ctx, ident); err != nil {
		return nil, err
	}
	permalink, err := object.PermalinkOf(ident.Clone())
	if err != nil {
		return nil, err
	}

	now := d.now().UTC()
	friend := &delivery.Friend{
		Permalink: permalink,
		Name:      name,
		Domain:    domain,
		URL:       url,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing, err := d.friends.GetFriend(ctx, permalink); err == nil {
		friend.CreatedAt = existing.CreatedAt
	}
	if err := d.friends.PutFriend(ctx, friend); err != nil {
		return nil, err
	}
	d.logger.Info("Added friend",
		zap.String("permalink", permalink),
		zap.String("url", url))
	return friend, nil
}

// AddByDomain discovers the inbox of domain, fetches the identity served
// there and adds it as a friend
func (d *Directory) AddByDomain(ctx context.Context, domain, name string) (*delivery.Friend, error) {
	if d.resolver == nil || d.fetcher == nil {
		return nil, ErrNoDiscovery
	}
	inbox, err := d.resolver.Lookup(ctx, domain)
	if err != nil {
		return nil, err
	}
	ident, err := d.fetcher.FetchIdentity(ctx, inbox.URL)
	if err != nil {
		return nil, fmt.Errorf("fetching identity of %s: %w", domain, err)
	}
	if name == "" {
		name = domain
	}
	return d.AddFriend(ctx, ident, inbox.URL, name, domain)
}

// List returns all friends
func (d *Directory) List(ctx context.Context) ([]*delivery.Friend, error) {
	return d.friends.ListFriends(ctx)
}

// Remove deletes a friend. The contact is kept.
func (d *Directory) Remove(ctx context.Context, permalink string) error {
	return d.friends.DeleteFriend(ctx, permalink)
}
