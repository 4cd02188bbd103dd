package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradle/mycloud-sub005/pkg/content"
	"github.com/tradle/mycloud-sub005/pkg/engine"
	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/object"
)

func sealed(link, network, blockchain string) *object.Message {
	return &object.Message{
		Object: note("anchored"),
		Seal: &object.SealRef{
			Network:    network,
			Blockchain: blockchain,
			Link:       link,
			HeaderHash: "hh",
		},
	}
}

func TestWatchSealedPayload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("foreign network is ignored", func(t *testing.T) {
		require.NoError(t, h.eng.WatchSealedPayload(ctx, sealed("l1", "mainnet", "bitcoin")))
		require.NoError(t, h.eng.WatchSealedPayload(ctx, sealed("l1", "testnet", "ethereum")))

		pending, err := h.seals.Pending(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("one watch per key", func(t *testing.T) {
		require.NoError(t, h.eng.WatchSealedPayload(ctx, sealed("l2", "testnet", "bitcoin")))
		require.NoError(t, h.eng.WatchSealedPayload(ctx, sealed("l2", "testnet", "bitcoin")))

		pending, err := h.seals.Pending(ctx, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "l2", pending[0].Link)
	})

	t.Run("no seal", func(t *testing.T) {
		assert.NoError(t, h.eng.WatchSealedPayload(ctx, &object.Message{Object: note("plain")}))
	})
}

func TestQueueMessage_WatchesSeal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	peer := h.newIdentity()

	msg, err := h.eng.QueueMessage(ctx, engine.QueueRequest{
		Recipient: peer,
		Object:    note("anchored"),
		Seal:      &object.SealRef{Network: "testnet", Blockchain: "bitcoin", Link: "sealed-link", HeaderHash: "hh"},
	})
	require.NoError(t, err)
	require.NotNil(t, msg.Seal)

	pending, err := h.seals.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "sealed-link", pending[0].Link)

	_, err = h.eng.QueueMessage(ctx, engine.QueueRequest{
		Recipient: peer,
		Object:    note("foreign"),
		Seal:      &object.SealRef{Network: "mainnet", Blockchain: "bitcoin", Link: "other-link"},
	})
	require.NoError(t, err)
	pending, err = h.seals.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "seals on another network are not watched")
}

// version saves a signed version of obj and returns its stored form
func (h *harness) version(author string, obj *object.Object) *object.Object {
	h.t.Helper()
	ctx := context.Background()
	require.NoError(h.t, h.ring.Sign(ctx, author, obj))
	stored, err := h.content.Save(ctx, obj, content.SaveOptions{Index: true})
	require.NoError(h.t, err)
	return stored
}

func TestValidateNewVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob := h.newIdentity(), h.newIdentity()

	first := note("v1")
	first.Time = 1000
	v1 := h.version(alice, first)

	successor := func(prev *object.Object, text string) *object.Object {
		next := note(text)
		next.Time = prev.Time + 1
		next.PrevLink = prev.Meta().Link
		next.RootLink = prev.Meta().Permalink
		return next
	}

	t.Run("valid successor", func(t *testing.T) {
		next := successor(v1, "v2")
		require.NoError(t, h.ring.Sign(ctx, alice, next))
		assert.NoError(t, h.eng.ValidateNewVersion(ctx, next))
	})

	t.Run("author change without owners is allowed", func(t *testing.T) {
		next := successor(v1, "v2 by bob")
		require.NoError(t, h.ring.Sign(ctx, bob, next))
		assert.NoError(t, h.eng.ValidateNewVersion(ctx, next))
	})

	t.Run("author outside owners", func(t *testing.T) {
		owned := note("owned")
		owned.Owners = []string{alice}
		prev := h.version(alice, owned)

		next := successor(prev, "taken over")
		require.NoError(t, h.ring.Sign(ctx, bob, next))
		assert.ErrorIs(t, h.eng.ValidateNewVersion(ctx, next), errs.ErrInvalidAuthor)
	})

	t.Run("missing previous", func(t *testing.T) {
		next := note("orphan")
		next.PrevLink = "bafkreimissing"
		next.RootLink = v1.Meta().Permalink
		err := h.eng.ValidateNewVersion(ctx, next)
		assert.ErrorIs(t, err, errs.ErrInvalidVersion)
		assert.ErrorIs(t, err, object.ErrPreviousMissing)
	})

	t.Run("wrong permalink", func(t *testing.T) {
		other := h.version(alice, note("unrelated"))
		next := successor(v1, "v2")
		next.RootLink = other.Meta().Link
		err := h.eng.ValidateNewVersion(ctx, next)
		assert.ErrorIs(t, err, errs.ErrInvalidVersion)
		assert.ErrorIs(t, err, object.ErrBrokenChain)
	})

	t.Run("no previous declared", func(t *testing.T) {
		assert.ErrorIs(t, h.eng.ValidateNewVersion(ctx, note("first")), errs.ErrInvalidVersion)
	})
}
