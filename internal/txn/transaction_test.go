package txn

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolaris-network/round-dag/internal/ids"
)

func TestNewSetsContentHash(t *testing.T) {
	tx := New(ids.Address("alice"), ids.Address("bob"), 10, EmptyRef, 1, false)
	assert.NotEmpty(t, tx.ContentHash)
	assert.Equal(t, ComputeContentHash(tx.Source, tx.Destination, tx.Amount, tx.LastRef, tx.Ordinal, tx.IsDummy), tx.ContentHash)
}

func TestContentHashExcludesSignature(t *testing.T) {
	tx1 := New(ids.Address("alice"), ids.Address("bob"), 10, EmptyRef, 1, false)
	tx2 := New(ids.Address("alice"), ids.Address("bob"), 10, EmptyRef, 1, false)
	assert.Equal(t, tx1.ContentHash, tx2.ContentHash, "identical fields must hash identically regardless of signature state")

	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, tx1.Sign(priv))
	assert.Equal(t, tx1.ContentHash, tx2.ContentHash, "signing must not change content hash")
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	tx := New(ids.Address("alice"), ids.Address("bob"), 10, EmptyRef, 1, false)
	require.NoError(t, tx.Sign(priv))
	assert.NoError(t, tx.Verify(priv.PubKey()))
}

func TestVerifyRejectsTamperedAmount(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	tx := New(ids.Address("alice"), ids.Address("bob"), 10, EmptyRef, 1, false)
	require.NoError(t, tx.Sign(priv))

	tx.Amount = 999
	assert.ErrorIs(t, tx.Verify(priv.PubKey()), ErrSignatureInvalid)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	other, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	tx := New(ids.Address("alice"), ids.Address("bob"), 10, EmptyRef, 1, false)
	require.NoError(t, tx.Sign(priv))

	assert.ErrorIs(t, tx.Verify(other.PubKey()), ErrSignatureInvalid)
}

func TestVerifyRequiresSignature(t *testing.T) {
	tx := New(ids.Address("alice"), ids.Address("bob"), 10, EmptyRef, 1, false)
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	assert.ErrorIs(t, tx.Verify(priv.PubKey()), ErrSignatureMissing)
}

func TestSignNilKey(t *testing.T) {
	tx := New(ids.Address("alice"), ids.Address("bob"), 10, EmptyRef, 1, false)
	assert.ErrorIs(t, tx.Sign(nil), ErrNilKey)
}

func TestDummyFlagChangesContentHash(t *testing.T) {
	real := New(ids.Address("alice"), ids.Address("bob"), 0, EmptyRef, 1, false)
	dummy := New(ids.Address("alice"), ids.Address("bob"), 0, EmptyRef, 1, true)
	assert.NotEqual(t, real.ContentHash, dummy.ContentHash)
}
