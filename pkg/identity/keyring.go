package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/object"
)

// KeyTypeEd25519 is the key type recorded in identities
const KeyTypeEd25519 = "ed25519"

// ErrKeyNotFound is returned when no private key is held for an author
var ErrKeyNotFound = errors.New("signing key not found")

// Resolver looks up identities by permalink.
// Implementations return an error wrapping errs.ErrNotFound for unknown identities.
type Resolver interface {
	ByPermalink(ctx context.Context, permalink string) (*object.Object, error)
}

// KeyRing signs for local identities and verifies remote ones
//
// KeyRing is safe for concurrent use.
type KeyRing struct {
	resolver Resolver
	now      func() time.Time

	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// NewKeyRing creates a key ring resolving authors through resolver
func NewKeyRing(resolver Resolver) *KeyRing {
	return &KeyRing{
		resolver: resolver,
		now:      time.Now,
		keys:     make(map[string]ed25519.PrivateKey),
	}
}

// Add registers the private key of a local identity
func (k *KeyRing) Add(permalink string, priv ed25519.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[permalink] = priv
}

// CreateIdentity builds and self-signs an identity for priv and registers
// the key under the new identity's permalink.
func (k *KeyRing) CreateIdentity(priv ed25519.PrivateKey) (*object.Object, error) {
	pub := EncodePublicKey(priv.Public().(ed25519.PublicKey))
	ident := object.NewIdentity(object.PubKey{
		Type:    KeyTypeEd25519,
		Purpose: object.PurposeSign,
		Pub:     pub,
	})
	ident.Time = k.now().UnixMilli()

	if err := signWith(priv, "", ident); err != nil {
		return nil, err
	}
	if err := object.Stamp(ident); err != nil {
		return nil, err
	}
	k.Add(ident.Meta().Permalink, priv)
	return ident, nil
}

// Sign signs v as author
func (k *KeyRing) Sign(ctx context.Context, author string, v object.Signable) error {
	priv, err := k.key(author)
	if err != nil {
		return err
	}
	return signWith(priv, author, v)
}

// SignBytes signs raw data as author and returns the base64 signature
func (k *KeyRing) SignBytes(ctx context.Context, author string, data []byte) (string, error) {
	priv, err := k.key(author)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data)), nil
}

// Countersign adds an organizational signature by org to an author-signed object
func (k *KeyRing) Countersign(ctx context.Context, org string, obj *object.Object) error {
	priv, err := k.key(org)
	if err != nil {
		return err
	}
	obj.Org = &object.Countersig{
		Author:    org,
		SigPubKey: EncodePublicKey(priv.Public().(ed25519.PublicKey)),
	}
	data, err := obj.OrgSigningBytes()
	if err != nil {
		return err
	}
	obj.Org.Sig = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data))
	return nil
}

// PublicKey returns the encoded public signing key of a local identity
func (k *KeyRing) PublicKey(ctx context.Context, author string) (string, error) {
	priv, err := k.key(author)
	if err != nil {
		return "", err
	}
	return EncodePublicKey(priv.Public().(ed25519.PublicKey)), nil
}

// VerifyAuthor checks that v was signed by a key listed in its author's identity.
// Unauthored identity objects must be self-signed.
func (k *KeyRing) VerifyAuthor(ctx context.Context, v object.Signable) error {
	h := v.SignedHeader()
	if h.Sig == "" || h.SigPubKey == "" {
		return fmt.Errorf("%w: %s is not signed", errs.ErrInvalidSignature, h.Type)
	}

	if h.Author == "" {
		obj, ok := v.(*object.Object)
		if !ok || obj.Type != object.TypeIdentity {
			return fmt.Errorf("%w: %s declares no author", errs.ErrUnknownAuthor, h.Type)
		}
		return VerifySelfSigned(obj)
	}

	if err := k.checkKeyOwner(ctx, h.Author, h.SigPubKey); err != nil {
		return err
	}

	data, err := v.SigningBytes()
	if err != nil {
		return err
	}
	return verify(h.SigPubKey, h.Sig, data)
}

// VerifyOrg checks the organizational countersignature of obj, if any
func (k *KeyRing) VerifyOrg(ctx context.Context, obj *object.Object) error {
	if obj.Org == nil {
		return nil
	}
	if obj.Org.Author == "" || obj.Org.Sig == "" || obj.Org.SigPubKey == "" {
		return fmt.Errorf("%w: incomplete organizational signature", errs.ErrInvalidSignature)
	}
	if err := k.checkKeyOwner(ctx, obj.Org.Author, obj.Org.SigPubKey); err != nil {
		return err
	}

	data, err := obj.OrgSigningBytes()
	if err != nil {
		return err
	}
	return verify(obj.Org.SigPubKey, obj.Org.Sig, data)
}

func (k *KeyRing) checkKeyOwner(ctx context.Context, author, pub string) error {
	ident, err := k.resolver.ByPermalink(ctx, author)
	if errs.IsNotFound(err) {
		return fmt.Errorf("%w: %s", errs.ErrUnknownAuthor, author)
	}
	if err != nil {
		return fmt.Errorf("resolving author %s: %w", author, err)
	}
	if !object.HasSigningKey(ident, pub) {
		return fmt.Errorf("%w: key is not listed by author %s", errs.ErrInvalidSignature, author)
	}
	return nil
}

func (k *KeyRing) key(author string) (ed25519.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	priv, ok := k.keys[author]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, author)
	}
	return priv, nil
}

// VerifySelfSigned checks that an identity is signed by one of its own keys
func VerifySelfSigned(ident *object.Object) error {
	if ident.Type != object.TypeIdentity {
		return fmt.Errorf("%w: %s is not an identity", errs.ErrInvalidMessage, ident.Type)
	}
	if ident.Sig == "" || !object.HasSigningKey(ident, ident.SigPubKey) {
		return fmt.Errorf("%w: identity is not self-signed", errs.ErrInvalidSignature)
	}
	data, err := ident.SigningBytes()
	if err != nil {
		return err
	}
	return verify(ident.SigPubKey, ident.Sig, data)
}

// EncodePublicKey encodes an Ed25519 public key for identities and headers
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses an encoded Ed25519 public key
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func signWith(priv ed25519.PrivateKey, author string, v object.Signable) error {
	h := v.SignedHeader()
	h.Author = author
	h.SigPubKey = EncodePublicKey(priv.Public().(ed25519.PublicKey))
	h.Sig = ""

	data, err := v.SigningBytes()
	if err != nil {
		return err
	}
	h.Sig = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data))
	return nil
}

func verify(pubStr, sigStr string, data []byte) error {
	pub, err := DecodePublicKey(pubStr)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidSignature, err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigStr)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", errs.ErrInvalidSignature)
	}
	if !ed25519.Verify(pub, data, sig) {
		return errs.ErrInvalidSignature
	}
	return nil
}
