// Package ids defines the identifier and small value types shared across
// the consensus core: addresses, round identifiers, typed edge hashes and
// block heights.
package ids

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"lukechampine.com/blake3"
)

// Address is a stable textual identifier derived from a public key. The
// derivation (blake3 of the raw public key bytes, base58-encoded) is this
// module's concrete choice for an otherwise opaque identifier.
type Address string

// AddressFromPublicKey derives the Address for a serialized public key.
func AddressFromPublicKey(pubKey []byte) Address {
	sum := blake3.Sum256(pubKey)
	return Address(base58.Encode(sum[:]))
}

// RoundId is a universally unique identifier for one consensus round: 128
// random bits, per spec §3.
type RoundId uuid.UUID

// NewRoundId allocates a fresh, random RoundId.
func NewRoundId() RoundId {
	return RoundId(uuid.New())
}

func (r RoundId) String() string {
	return uuid.UUID(r).String()
}

// IsZero reports whether r is the zero value (never a real round id).
func (r RoundId) IsZero() bool {
	return r == RoundId{}
}

// EdgeType distinguishes what a TypedEdgeHash references.
type EdgeType string

const (
	// CheckpointHash marks an edge referencing a checkpoint block's SOE.
	CheckpointHash EdgeType = "CheckpointHash"
)

// CoinbaseHash is the sentinel hash genesis blocks reference as both of
// their own "parents" since no prior checkpoint exists.
const CoinbaseHash = "coinbase"

// TypedEdgeHash references another checkpoint block by its signed
// observation edge hash, tagged with the kind of edge it is.
type TypedEdgeHash struct {
	ReferencedHash string
	EdgeType       EdgeType
	BaseHash       string // optional
}

// CoinbaseEdge returns the sentinel self-reference genesis blocks use as
// both parent tips.
func CoinbaseEdge() TypedEdgeHash {
	return TypedEdgeHash{ReferencedHash: CoinbaseHash, EdgeType: CheckpointHash}
}

func (e TypedEdgeHash) String() string {
	return fmt.Sprintf("%s:%s", e.EdgeType, e.ReferencedHash)
}

// Height is the min/max height range of a checkpoint block's position in
// the DAG. Genesis is (0,0); its two distribution children are (1,1).
type Height struct {
	Min uint64
	Max uint64
}

// HashHex returns the lowercase hex encoding of a raw hash, the canonical
// string form used for ReferencedHash/BaseHash/soe-hash fields throughout
// this module.
func HashHex(sum [32]byte) string {
	return hex.EncodeToString(sum[:])
}
