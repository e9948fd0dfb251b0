// Package block implements CheckpointBlock (spec §3): the unit of commit
// in the DAG, bundling an ordered transaction list, an ordered
// observation list, exactly two parent tip references, and the set of
// facilitator signatures accumulated over the three-phase round.
package block

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"

	"lukechampine.com/blake3"

	"github.com/tolaris-network/round-dag/internal/ids"
	"github.com/tolaris-network/round-dag/internal/txn"
)

// ErrNotTwoParents enforces the spec §3 invariant that every block has
// exactly two parent tips.
var ErrNotTwoParents = errors.New("block: a checkpoint block must have exactly two parent tips")

// CheckpointBlock is the tuple defined in spec §3.
type CheckpointBlock struct {
	Transactions []*txn.Transaction
	Observations []*Observation
	ParentTips   [2]ids.TypedEdgeHash
	Signatures   [][]byte // set, deduplicated by byte equality
	SOEHash      string
	BaseHash     string
	Height       ids.Height
}

// New constructs a CheckpointBlock from an already-canonically-sorted
// payload (sorting is the protocol union's responsibility, spec §4.2
// Phase 1) and two parent tips, computing BaseHash. SOEHash is computed
// separately once signatures are attached, via RecomputeSOEHash.
func New(transactions []*txn.Transaction, observations []*Observation, parents [2]ids.TypedEdgeHash, height ids.Height) *CheckpointBlock {
	b := &CheckpointBlock{
		Transactions: transactions,
		Observations: observations,
		ParentTips:   parents,
		Height:       height,
	}
	b.BaseHash = b.computeBaseHash()
	return b
}

// computeBaseHash hashes the block payload excluding signatures: the
// ordered transaction and observation content-hashes, plus the two
// parent tip references.
func (b *CheckpointBlock) computeBaseHash() string {
	var buf bytes.Buffer
	for _, tx := range b.Transactions {
		buf.WriteString(tx.ContentHash)
		buf.WriteByte(0)
	}
	buf.WriteByte(1)
	for _, ob := range b.Observations {
		buf.WriteString(ob.ContentHash)
		buf.WriteByte(0)
	}
	buf.WriteByte(1)
	for _, p := range b.ParentTips {
		buf.WriteString(string(p.EdgeType))
		buf.WriteByte(0)
		buf.WriteString(p.ReferencedHash)
		buf.WriteByte(0)
	}
	sum := blake3.Sum256(buf.Bytes())
	return ids.HashHex(sum)
}

// AddSignature adds a facilitator's signature over BaseHash to the set,
// ignoring duplicates, and recomputes SOEHash.
func (b *CheckpointBlock) AddSignature(sig []byte) {
	for _, existing := range b.Signatures {
		if bytes.Equal(existing, sig) {
			return
		}
	}
	b.Signatures = append(b.Signatures, sig)
	b.RecomputeSOEHash()
}

// RecomputeSOEHash hashes the signed observation edge: BaseHash plus the
// canonically-ordered (sorted) signature set, so SOEHash is independent
// of the order signatures arrived in.
func (b *CheckpointBlock) RecomputeSOEHash() {
	sorted := append([][]byte(nil), b.Signatures...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	var buf bytes.Buffer
	buf.WriteString(b.BaseHash)
	buf.WriteByte(0)
	var lenB [8]byte
	for _, sig := range sorted {
		binary.BigEndian.PutUint64(lenB[:], uint64(len(sig)))
		buf.Write(lenB[:])
		buf.Write(sig)
	}
	sum := blake3.Sum256(buf.Bytes())
	b.SOEHash = ids.HashHex(sum)
}

// Edge returns the TypedEdgeHash other blocks use to reference this block
// as a parent, once it has been accepted.
func (b *CheckpointBlock) Edge() ids.TypedEdgeHash {
	return ids.TypedEdgeHash{ReferencedHash: b.SOEHash, EdgeType: ids.CheckpointHash, BaseHash: b.BaseHash}
}

// Validate enforces the exactly-two-parents invariant. Genesis blocks
// satisfy it with the coinbase sentinel in both slots.
func (b *CheckpointBlock) Validate() error {
	if b.ParentTips[0] == (ids.TypedEdgeHash{}) || b.ParentTips[1] == (ids.TypedEdgeHash{}) {
		return ErrNotTwoParents
	}
	return nil
}
