// Package txn implements the Transaction and LastTransactionRef types
// from spec §3, including deterministic content hashing and secp256k1
// signing/verification.
package txn

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"lukechampine.com/blake3"

	"github.com/tolaris-network/round-dag/internal/ids"
)

var (
	ErrNilKey           = errors.New("txn: private key is nil")
	ErrSignatureMissing = errors.New("txn: signature missing")
	ErrSignatureInvalid = errors.New("txn: signature invalid")
)

// LastTransactionRef is {prev-hash, ordinal}. The zero value is the empty
// ref spec §3 requires: empty prev-hash, ordinal 0.
type LastTransactionRef struct {
	PrevHash string
	Ordinal  uint64
}

// EmptyRef is the canonical empty LastTransactionRef.
var EmptyRef = LastTransactionRef{}

// Transaction is the tuple defined in spec §3. ContentHash is a
// deterministic function of every field but Signature; IsDummy carries
// zero economic effect and exists only to extend a sender's chain.
type Transaction struct {
	Source      ids.Address
	Destination ids.Address
	Amount      uint64
	LastRef     LastTransactionRef
	Ordinal     uint64
	Signature   []byte
	IsDummy     bool
	ContentHash string
}

// signingPayload builds the deterministic byte sequence hashed for
// ContentHash and signed by Source's key. Every field but Signature
// participates, per spec §3.
func signingPayload(source, destination ids.Address, amount uint64, lastRef LastTransactionRef, ordinal uint64, isDummy bool) []byte {
	buf := make([]byte, 0, 64+len(source)+len(destination)+len(lastRef.PrevHash))
	buf = append(buf, []byte(source)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(destination)...)
	buf = append(buf, 0)

	var amtB [8]byte
	binary.BigEndian.PutUint64(amtB[:], amount)
	buf = append(buf, amtB[:]...)

	buf = append(buf, []byte(lastRef.PrevHash)...)
	buf = append(buf, 0)

	var ordB [8]byte
	binary.BigEndian.PutUint64(ordB[:], lastRef.Ordinal)
	buf = append(buf, ordB[:]...)

	binary.BigEndian.PutUint64(ordB[:], ordinal)
	buf = append(buf, ordB[:]...)

	if isDummy {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// ComputeContentHash recomputes the deterministic content hash for the
// given field set, independent of any particular Transaction value.
func ComputeContentHash(source, destination ids.Address, amount uint64, lastRef LastTransactionRef, ordinal uint64, isDummy bool) string {
	sum := blake3.Sum256(signingPayload(source, destination, amount, lastRef, ordinal, isDummy))
	return ids.HashHex(sum)
}

// New builds a Transaction with its ContentHash populated but unsigned.
func New(source, destination ids.Address, amount uint64, lastRef LastTransactionRef, ordinal uint64, isDummy bool) *Transaction {
	return &Transaction{
		Source:      source,
		Destination: destination,
		Amount:      amount,
		LastRef:     lastRef,
		Ordinal:     ordinal,
		IsDummy:     isDummy,
		ContentHash: ComputeContentHash(source, destination, amount, lastRef, ordinal, isDummy),
	}
}

// Sign signs tx's ContentHash with priv, setting tx.Signature.
func (tx *Transaction) Sign(priv *secp256k1.PrivateKey) error {
	if priv == nil {
		return ErrNilKey
	}
	digest, err := hexDigest(tx.ContentHash)
	if err != nil {
		return err
	}
	sig := ecdsa.Sign(priv, digest)
	tx.Signature = sig.Serialize()
	return nil
}

// Verify checks tx.Signature against pub and tx's recomputed content
// hash, rejecting any transaction whose stored ContentHash does not
// match its fields.
func (tx *Transaction) Verify(pub *secp256k1.PublicKey) error {
	if len(tx.Signature) == 0 {
		return ErrSignatureMissing
	}
	want := ComputeContentHash(tx.Source, tx.Destination, tx.Amount, tx.LastRef, tx.Ordinal, tx.IsDummy)
	if want != tx.ContentHash {
		return fmt.Errorf("%w: content hash mismatch", ErrSignatureInvalid)
	}
	digest, err := hexDigest(tx.ContentHash)
	if err != nil {
		return err
	}
	sig, err := ecdsa.ParseDERSignature(tx.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !sig.Verify(digest, pub) {
		return ErrSignatureInvalid
	}
	return nil
}

func hexDigest(hexHash string) ([]byte, error) {
	digest, err := hex.DecodeString(hexHash)
	if err != nil || len(digest) != 32 {
		return nil, fmt.Errorf("txn: malformed content hash %q", hexHash)
	}
	return digest, nil
}
