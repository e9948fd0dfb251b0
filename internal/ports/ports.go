// Package ports names the external collaborators this module consumes
// but does not implement: wire transport, persistent storage drivers,
// mempools, cluster membership, and the checkpoint-resolution work
// queue (spec §1, §6). Only internal/store provides a concrete
// implementation, of CheckpointStore, kept as a reference adapter.
package ports

import (
	"context"

	"github.com/tolaris-network/round-dag/internal/block"
	"github.com/tolaris-network/round-dag/internal/ids"
	"github.com/tolaris-network/round-dag/internal/txn"
)

// CheckpointStore persists checkpoint blocks and tracks their
// acceptance-pipeline progress (spec §6).
type CheckpointStore interface {
	StoreSOE(ctx context.Context, b *block.CheckpointBlock) error
	Store(ctx context.Context, entry CacheEntry) error
	AddToAcceptance(ctx context.Context, b *block.CheckpointBlock) error
	IsCheckpointAccepted(ctx context.Context, hash string) (bool, error)
	GetCheckpoint(ctx context.Context, hash string) (*block.CheckpointBlock, bool, error)
	IsWaitingForResolving(ctx context.Context, hash string) (bool, error)
	IsCheckpointInAcceptance(ctx context.Context, hash string) (bool, error)
	IsCheckpointWaitingForAcceptance(ctx context.Context, hash string) (bool, error)
	IsCheckpointAwaiting(ctx context.Context, hash string) (bool, error)
	MarkResolving(ctx context.Context, hash string) error
}

// CacheEntry is an opaque persisted record handed to CheckpointStore.Store;
// its shape belongs to the storage driver, not this module.
type CacheEntry struct {
	Key     string
	Payload []byte
}

// TransactionService is the consumed pull/return/accept contract over the
// transaction mempool (spec §6).
type TransactionService interface {
	PullForConsensus(ctx context.Context, maxN uint32) ([]*txn.Transaction, error)
	ReturnToPending(ctx context.Context, hashes []string) error
	ClearInConsensus(ctx context.Context, hashes []string) error
	Accept(ctx context.Context, entry CacheEntry) error
}

// ObservationService is the consumed pull/return/accept contract over the
// observation mempool (spec §6).
type ObservationService interface {
	PullForConsensus(ctx context.Context, maxN uint32) ([]*block.Observation, error)
	ReturnToPending(ctx context.Context, hashes []string) error
	ClearInConsensus(ctx context.Context, hashes []string) error
	Accept(ctx context.Context, entry CacheEntry) error
}

// PeerId identifies a cluster peer; PeerData is opaque beyond what
// RoundManager needs (reachability for tip vouching is resolved by
// ClusterStorage itself).
type PeerId string

// PeerData carries whatever membership metadata the cluster service
// tracks; this module only needs the peer's identity to address it.
type PeerData struct {
	Id ids.Address
}

// ClusterStorage is the consumed peer-membership contract (spec §6).
type ClusterStorage interface {
	GetPeers(ctx context.Context) (map[PeerId]PeerData, error)
	GetReadyAndFullPeers(ctx context.Context) (map[PeerId]PeerData, error)
}

// NodeState is the local node's lifecycle phase, as tracked by
// NodeStorage.
type NodeState string

const (
	NodeStateReady    NodeState = "Ready"
	NodeStateLoading  NodeState = "Loading"
	NodeStateOffline  NodeState = "Offline"
	NodeStateSnapshot NodeState = "SnapshotOnly"
)

// CanStartOwnConsensus reports whether state permits initiating a round.
func CanStartOwnConsensus(state NodeState) bool {
	return state == NodeStateReady
}

// CanParticipateConsensus reports whether state permits joining a round
// as a participant facilitator.
func CanParticipateConsensus(state NodeState) bool {
	return state == NodeStateReady
}

// NodeStorage is the consumed node-state contract (spec §6).
type NodeStorage interface {
	GetNodeState(ctx context.Context) (NodeState, error)
}

// RoundData is the payload a started round carries through the manager
// and the protocol state machine (spec §3).
type RoundData struct {
	RoundId              ids.RoundId
	Facilitators         []PeerId
	OwnFacilitatorId     PeerId
	SelectedTransactions []*txn.Transaction
	SelectedObservations []*block.Observation
	TipsSOE              TipsSOE
	ArrivedPeers         map[PeerId]struct{}
}

// TipsSOE is the two parent tip references plus their reported minimum
// height, as returned by TipSelector.
type TipsSOE struct {
	Tips      [2]ids.TypedEdgeHash
	MinHeight uint64
}

// RemoteSender is the consumed outbound-transport contract (spec §6).
// Wire serialization is explicitly out of scope; payloads are passed as
// already-constructed Go values.
type RemoteSender interface {
	NotifyFacilitators(ctx context.Context, data RoundData) ([]bool, error)
	BroadcastDataProposal(ctx context.Context, roundId ids.RoundId, peers []PeerId, payload ConsensusDataProposal) error
	BroadcastUnionBlock(ctx context.Context, roundId ids.RoundId, peers []PeerId, payload UnionBlockProposal) error
	BroadcastSelectedBlock(ctx context.Context, roundId ids.RoundId, peers []PeerId, payload SelectedUnionBlock) error
}

// ConsensusDataProposal is Phase 1's wire payload.
type ConsensusDataProposal struct {
	RoundId       ids.RoundId
	FacilitatorId PeerId
	Transactions  []*txn.Transaction
	Observations  []*block.Observation
}

// UnionBlockProposal is Phase 2's wire payload.
type UnionBlockProposal struct {
	RoundId       ids.RoundId
	FacilitatorId PeerId
	SignedBlock   *block.CheckpointBlock
}

// SelectedUnionBlock is Phase 3's wire payload.
type SelectedUnionBlock struct {
	RoundId           ids.RoundId
	FacilitatorId     PeerId
	SelectedBlockHash string
}

// ResolutionCallback is invoked by CheckpointResolutionQueue once a
// checkpoint hash it was asked to resolve becomes accepted (or the
// attempt is abandoned, in which case ok is false).
type ResolutionCallback func(hash string, ok bool)

// CheckpointResolutionQueue is the consumed parent-resolution work queue
// (spec §4.1.1, §6).
type CheckpointResolutionQueue interface {
	EnqueueCheckpoint(ctx context.Context, hash string, hintPeer PeerId, onResolved ResolutionCallback) error
}
