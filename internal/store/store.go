// Package store provides a boltdb-backed reference implementation of
// ports.CheckpointStore. It is the one concrete adapter this module
// ships for an interface the spec otherwise treats as an external
// collaborator (spec §6); callers may substitute their own.
package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/boltdb/bolt"

	"github.com/tolaris-network/round-dag/internal/block"
	"github.com/tolaris-network/round-dag/internal/ports"
)

var (
	bucketBlocks     = []byte("blocks")
	bucketAcceptance = []byte("acceptance")
	bucketResolving  = []byte("resolving")
	bucketEntries    = []byte("entries")
	bucketTips       = []byte("tips")
	bucketVouchers   = []byte("vouchers")
)

// acceptanceState mirrors the four progress states parent resolution
// checks in spec §4.1.1.
type acceptanceState byte

const (
	stateNone acceptanceState = iota
	stateWaitingForResolving
	stateInAcceptance
	stateWaitingForAcceptance
	stateAwaiting
	stateAccepted
)

// BoltCheckpointStore implements ports.CheckpointStore over a single
// bolt.DB file.
type BoltCheckpointStore struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bolt database at path and ensures
// its buckets exist.
func Open(path string) (*BoltCheckpointStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBlocks, bucketAcceptance, bucketResolving, bucketEntries, bucketTips, bucketVouchers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &BoltCheckpointStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltCheckpointStore) Close() error {
	return s.db.Close()
}

func encodeBlock(b *block.CheckpointBlock) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, fmt.Errorf("store: encode block: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeBlock(raw []byte) (*block.CheckpointBlock, error) {
	var b block.CheckpointBlock
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&b); err != nil {
		return nil, fmt.Errorf("store: decode block: %w", err)
	}
	return &b, nil
}

// StoreSOE persists b under its SOE hash.
func (s *BoltCheckpointStore) StoreSOE(_ context.Context, b *block.CheckpointBlock) error {
	raw, err := encodeBlock(b)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).Put([]byte(b.SOEHash), raw)
	})
}

// Store persists an opaque cache entry alongside blocks, under its key.
func (s *BoltCheckpointStore) Store(_ context.Context, entry ports.CacheEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(entry.Key), entry.Payload)
	})
}

// AddToAcceptance marks b as accepted.
func (s *BoltCheckpointStore) AddToAcceptance(_ context.Context, b *block.CheckpointBlock) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAcceptance).Put([]byte(b.SOEHash), []byte{byte(stateAccepted)})
	})
}

// IsCheckpointAccepted reports whether hash has reached the accepted
// state.
func (s *BoltCheckpointStore) IsCheckpointAccepted(ctx context.Context, hash string) (bool, error) {
	return s.stateIs(hash, stateAccepted)
}

// GetCheckpoint looks up a previously stored block by SOE hash.
func (s *BoltCheckpointStore) GetCheckpoint(_ context.Context, hash string) (*block.CheckpointBlock, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlocks).Get([]byte(hash))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	b, err := decodeBlock(raw)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// IsWaitingForResolving reports whether hash is enqueued on the
// resolution work queue but not yet resolved.
func (s *BoltCheckpointStore) IsWaitingForResolving(_ context.Context, hash string) (bool, error) {
	return s.stateIs(hash, stateWaitingForResolving)
}

// IsCheckpointInAcceptance reports whether hash is mid-acceptance.
func (s *BoltCheckpointStore) IsCheckpointInAcceptance(_ context.Context, hash string) (bool, error) {
	return s.stateIs(hash, stateInAcceptance)
}

// IsCheckpointWaitingForAcceptance reports whether hash is queued behind
// its parents' acceptance.
func (s *BoltCheckpointStore) IsCheckpointWaitingForAcceptance(_ context.Context, hash string) (bool, error) {
	return s.stateIs(hash, stateWaitingForAcceptance)
}

// IsCheckpointAwaiting reports whether hash is awaiting any other
// precondition tracked by the acceptance pipeline.
func (s *BoltCheckpointStore) IsCheckpointAwaiting(_ context.Context, hash string) (bool, error) {
	return s.stateIs(hash, stateAwaiting)
}

// MarkResolving records that hash has been enqueued on the resolution
// work queue, used by internal/round's parent resolution to avoid
// re-enqueueing a hash already in progress.
func (s *BoltCheckpointStore) MarkResolving(_ context.Context, hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResolving).Put([]byte(hash), []byte{byte(stateWaitingForResolving)})
	})
}

// AddTip marks b as a confirmed tip. GenesisBuilder calls this for its
// two distribution blocks (spec §4.5 step 4); no other code in this
// module adds tips, and the round manager does not touch tip status.
func (s *BoltCheckpointStore) AddTip(b *block.CheckpointBlock) error {
	raw, err := encodeBlock(b)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTips).Put([]byte(b.SOEHash), raw)
	})
}

// RemoveTip clears hash's tip status. Nothing in this module calls it
// when a child block is accepted.
func (s *BoltCheckpointStore) RemoveTip(hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTips).Delete([]byte(hash))
	})
}

// CurrentTips returns every block currently marked as a tip.
func (s *BoltCheckpointStore) CurrentTips(_ context.Context) ([]*block.CheckpointBlock, error) {
	var tips []*block.CheckpointBlock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTips).ForEach(func(_, v []byte) error {
			b, err := decodeBlock(v)
			if err != nil {
				return err
			}
			tips = append(tips, b)
			return nil
		})
	})
	return tips, err
}

// RecordVoucher notes that peer is known to hold hash. Real peer
// discovery for which remote nodes can vouch for a tip is out of this
// module's scope (spec §1); callers wire this in as gossip/inventory
// messages arrive.
func (s *BoltCheckpointStore) RecordVoucher(hash string, peer ports.PeerId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketVouchers).CreateBucketIfNotExists([]byte(hash))
		if err != nil {
			return err
		}
		return b.Put([]byte(peer), []byte{1})
	})
}

// VouchPeers returns the set of peers recorded as holding hash.
func (s *BoltCheckpointStore) VouchPeers(_ context.Context, hash string) (map[ports.PeerId]struct{}, error) {
	peers := make(map[ports.PeerId]struct{})
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVouchers).Bucket([]byte(hash))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			peers[ports.PeerId(k)] = struct{}{}
			return nil
		})
	})
	return peers, err
}

func (s *BoltCheckpointStore) stateIs(hash string, want acceptanceState) (bool, error) {
	var got acceptanceState
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketAcceptance).Get([]byte(hash)); v != nil {
			got = acceptanceState(v[0])
			return nil
		}
		if v := tx.Bucket(bucketResolving).Get([]byte(hash)); v != nil {
			got = acceptanceState(v[0])
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return got == want, nil
}
