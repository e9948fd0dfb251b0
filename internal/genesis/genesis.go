// Package genesis builds the deterministic three-block genesis
// observation that bootstraps the DAG (spec §4.5): a coinbase chain and
// two sibling distribution blocks, with no network interaction.
package genesis

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/tolaris-network/round-dag/internal/block"
	"github.com/tolaris-network/round-dag/internal/ids"
	"github.com/tolaris-network/round-dag/internal/ports"
	"github.com/tolaris-network/round-dag/internal/txn"
)

// Allocation is one genesis balance grant: an address and the amount the
// coinbase chain pays it.
type Allocation struct {
	Address ids.Address
	Balance uint64
}

// Observation is the {genesisBlock, distributionBlock1, distributionBlock2}
// triple spec §4.5 names.
type Observation struct {
	GenesisBlock       *block.CheckpointBlock
	DistributionBlock1 *block.CheckpointBlock
	DistributionBlock2 *block.CheckpointBlock
	Balances           map[ids.Address]uint64
}

// Store is the narrow slice of CheckpointStore genesis bootstrap needs:
// persisting and accepting the three genesis blocks, plus installing the
// two distribution blocks as the DAG's initial tips (spec §4.5 step 4).
type Store interface {
	ports.CheckpointStore
	AddTip(b *block.CheckpointBlock) error
}

// Builder constructs and persists the genesis observation.
type Builder struct {
	coinbaseKey  *secp256k1.PrivateKey
	coinbaseAddr ids.Address
	store        Store
}

// NewBuilder returns a Builder that signs genesis transactions and blocks
// with coinbaseKey, persisting the result via store.
func NewBuilder(coinbaseKey *secp256k1.PrivateKey, store Store) *Builder {
	pub := coinbaseKey.PubKey().SerializeCompressed()
	return &Builder{
		coinbaseKey:  coinbaseKey,
		coinbaseAddr: ids.AddressFromPublicKey(pub),
		store:        store,
	}
}

// Build executes spec §4.5's four steps: it builds N distribution
// transactions from the coinbase source, the genesis block referencing
// the coinbase sentinel, the two sibling distribution blocks referencing
// the genesis SOE, persists all three at their fixed heights, and
// returns the seeded balances and the resulting Observation.
//
// Allocations are sorted by address before transaction construction so
// the genesis block's content — and therefore its base-hash — is
// independent of the order callers supply allocations in.
func (b *Builder) Build(ctx context.Context, allocations []Allocation) (*Observation, error) {
	sorted := append([]Allocation(nil), allocations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	balances := make(map[ids.Address]uint64, len(sorted))
	transactions := make([]*txn.Transaction, 0, len(sorted))
	ref := txn.EmptyRef
	for i, alloc := range sorted {
		tx := txn.New(b.coinbaseAddr, alloc.Address, alloc.Balance, ref, uint64(i+1), false)
		if err := tx.Sign(b.coinbaseKey); err != nil {
			return nil, fmt.Errorf("genesis: sign distribution tx for %s: %w", alloc.Address, err)
		}
		transactions = append(transactions, tx)
		ref = txn.LastTransactionRef{PrevHash: tx.ContentHash, Ordinal: tx.Ordinal}
		balances[alloc.Address] += alloc.Balance
	}

	coinbaseParents := [2]ids.TypedEdgeHash{ids.CoinbaseEdge(), ids.CoinbaseEdge()}
	genesisBlock := block.New(transactions, nil, coinbaseParents, ids.Height{Min: 0, Max: 0})
	if err := b.signBlock(genesisBlock); err != nil {
		return nil, fmt.Errorf("genesis: sign genesis block: %w", err)
	}

	genesisParents := [2]ids.TypedEdgeHash{genesisBlock.Edge(), genesisBlock.Edge()}
	dist1 := block.New(nil, []*block.Observation{siblingMarker(b.coinbaseAddr, 0)}, genesisParents, ids.Height{Min: 1, Max: 1})
	dist2 := block.New(nil, []*block.Observation{siblingMarker(b.coinbaseAddr, 1)}, genesisParents, ids.Height{Min: 1, Max: 1})
	for _, d := range []*block.CheckpointBlock{dist1, dist2} {
		if err := b.signBlock(d); err != nil {
			return nil, fmt.Errorf("genesis: sign distribution block: %w", err)
		}
	}

	for _, blk := range []*block.CheckpointBlock{genesisBlock, dist1, dist2} {
		if err := blk.Validate(); err != nil {
			return nil, err
		}
		if err := b.store.StoreSOE(ctx, blk); err != nil {
			return nil, fmt.Errorf("genesis: persist block %s: %w", blk.SOEHash, err)
		}
		if err := b.store.AddToAcceptance(ctx, blk); err != nil {
			return nil, fmt.Errorf("genesis: accept block %s: %w", blk.SOEHash, err)
		}
	}

	// The two distribution blocks are the DAG's only tips once genesis
	// bootstraps; the genesis block itself is immediately superseded by
	// both of them and is never a tip.
	for _, blk := range []*block.CheckpointBlock{dist1, dist2} {
		if err := b.store.AddTip(blk); err != nil {
			return nil, fmt.Errorf("genesis: install tip %s: %w", blk.SOEHash, err)
		}
	}

	for addr, balance := range balances {
		if err := b.store.Store(ctx, balanceCacheEntry(addr, balance)); err != nil {
			return nil, fmt.Errorf("genesis: seed balance for %s: %w", addr, err)
		}
	}

	return &Observation{
		GenesisBlock:       genesisBlock,
		DistributionBlock1: dist1,
		DistributionBlock2: dist2,
		Balances:           balances,
	}, nil
}

// balanceCacheEntry encodes a genesis allocation as the opaque cache
// entry CheckpointStore.Store persists; its key namespace ("balance:"
// prefix) is this package's convention, not a CheckpointStore contract.
func balanceCacheEntry(addr ids.Address, balance uint64) ports.CacheEntry {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, balance)
	return ports.CacheEntry{Key: "balance:" + string(addr), Payload: payload}
}

// siblingMarker distinguishes the two otherwise-identical distribution
// blocks: both are empty of transactions and share the same parents, so
// without some differing payload they would hash to the same base-hash
// and collapse into a single block rather than two DAG siblings.
func siblingMarker(coinbase ids.Address, index byte) *block.Observation {
	return block.NewObservation(coinbase, coinbase, []byte{index})
}

// signBlock attaches the sole coinbase signature over base-hash. Genesis
// has a facilitator set of one, so a single signature suffices to mark
// the block as signed.
func (b *Builder) signBlock(blk *block.CheckpointBlock) error {
	digest, err := hex.DecodeString(blk.BaseHash)
	if err != nil || len(digest) != 32 {
		return fmt.Errorf("genesis: malformed base-hash %q", blk.BaseHash)
	}
	sig := ecdsa.Sign(b.coinbaseKey, digest)
	blk.AddSignature(sig.Serialize())
	return nil
}
