package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/object"
)

type mapResolver map[string]*object.Object

func (m mapResolver) ByPermalink(ctx context.Context, permalink string) (*object.Object, error) {
	if ident, ok := m[permalink]; ok {
		return ident, nil
	}
	return nil, errs.ErrNotFound
}

func newIdentity(t *testing.T, ring *KeyRing, dir mapResolver) (string, *object.Object) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ident, err := ring.CreateIdentity(priv)
	require.NoError(t, err)
	dir[ident.Meta().Permalink] = ident
	return ident.Meta().Permalink, ident
}

func TestCreateIdentity_SelfSigned(t *testing.T) {
	dir := mapResolver{}
	ring := NewKeyRing(dir)
	permalink, ident := newIdentity(t, ring, dir)

	assert.True(t, object.IsLink(permalink))
	assert.Empty(t, ident.Author)
	require.NoError(t, VerifySelfSigned(ident))
	require.NoError(t, ring.VerifyAuthor(context.Background(), ident))

	pub, err := ring.PublicKey(context.Background(), permalink)
	require.NoError(t, err)
	assert.True(t, object.HasSigningKey(ident, pub))
}

func TestSignAndVerify(t *testing.T) {
	ctx := context.Background()
	dir := mapResolver{}
	ring := NewKeyRing(dir)
	alice, _ := newIdentity(t, ring, dir)

	obj := object.New("app.Note", map[string]any{"text": "hi"})
	require.NoError(t, ring.Sign(ctx, alice, obj))
	assert.Equal(t, alice, obj.Author)
	assert.True(t, obj.IsSigned())
	require.NoError(t, ring.VerifyAuthor(ctx, obj))

	t.Run("tampered body", func(t *testing.T) {
		c := obj.Clone()
		c.Body["text"] = "bye"
		assert.ErrorIs(t, ring.VerifyAuthor(ctx, c), errs.ErrInvalidSignature)
	})

	t.Run("unsigned", func(t *testing.T) {
		assert.ErrorIs(t, ring.VerifyAuthor(ctx, object.New("app.Note", nil)), errs.ErrInvalidSignature)
	})

	t.Run("unknown author", func(t *testing.T) {
		c := obj.Clone()
		c.Author = "someone-else"
		assert.ErrorIs(t, ring.VerifyAuthor(ctx, c), errs.ErrUnknownAuthor)
	})

	t.Run("key not listed by author", func(t *testing.T) {
		bob, _ := newIdentity(t, ring, dir)
		c := obj.Clone()
		c.Author = bob
		assert.ErrorIs(t, ring.VerifyAuthor(ctx, c), errs.ErrInvalidSignature)
	})

	t.Run("unauthored non-identity", func(t *testing.T) {
		c := obj.Clone()
		c.Author = ""
		assert.ErrorIs(t, ring.VerifyAuthor(ctx, c), errs.ErrUnknownAuthor)
	})
}

func TestSign_UnknownKey(t *testing.T) {
	ring := NewKeyRing(mapResolver{})
	err := ring.Sign(context.Background(), "nobody", object.New("app.Note", nil))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestCountersign(t *testing.T) {
	ctx := context.Background()
	dir := mapResolver{}
	ring := NewKeyRing(dir)
	employee, _ := newIdentity(t, ring, dir)
	org, _ := newIdentity(t, ring, dir)

	obj := object.New("app.Note", map[string]any{"text": "signed twice"})
	require.NoError(t, ring.Sign(ctx, employee, obj))
	require.NoError(t, ring.Countersign(ctx, org, obj))

	require.NoError(t, ring.VerifyAuthor(ctx, obj), "countersignature must not break the author signature")
	require.NoError(t, ring.VerifyOrg(ctx, obj))

	obj.Org.Sig = obj.Sig
	assert.ErrorIs(t, ring.VerifyOrg(ctx, obj), errs.ErrInvalidSignature)

	assert.NoError(t, ring.VerifyOrg(ctx, object.New("app.Note", nil)))
}

func TestVerifyEnvelope(t *testing.T) {
	ctx := context.Background()
	dir := mapResolver{}
	ring := NewKeyRing(dir)
	alice, _ := newIdentity(t, ring, dir)
	bob, _ := newIdentity(t, ring, dir)

	payload := object.New("app.Note", map[string]any{"text": "x"})
	require.NoError(t, ring.Sign(ctx, alice, payload))

	msg := &object.Message{
		Header:    object.Header{Type: object.TypeMessage, Time: 1},
		Recipient: bob,
		Object:    payload,
	}
	require.NoError(t, ring.Sign(ctx, alice, msg))
	require.NoError(t, ring.VerifyAuthor(ctx, msg))

	msg.Seq = 7
	assert.ErrorIs(t, ring.VerifyAuthor(ctx, msg), errs.ErrInvalidSignature)
}

func TestSignBytes(t *testing.T) {
	dir := mapResolver{}
	ring := NewKeyRing(dir)
	alice, ident := newIdentity(t, ring, dir)

	sig, err := ring.SignBytes(context.Background(), alice, []byte("payload"))
	require.NoError(t, err)
	assert.NoError(t, verify(ident.SigPubKey, sig, []byte("payload")))
	assert.Error(t, verify(ident.SigPubKey, sig, []byte("other")))
}

func TestKeyFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")

	priv, generated, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.True(t, generated)

	again, generated, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, priv, again)

	_, err = LoadPrivateKey(filepath.Join(t.TempDir(), "missing.key"))
	assert.Error(t, err)
}

func TestDecodePublicKey(t *testing.T) {
	_, err := DecodePublicKey("not base64!")
	assert.Error(t, err)
	_, err = DecodePublicKey("AQID")
	assert.Error(t, err)
}
