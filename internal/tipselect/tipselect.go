// Package tipselect implements TipSelector (spec §4.3): choosing two
// parent tips and the facilitator set for a round about to start.
package tipselect

import (
	"context"
	"sort"

	"github.com/tolaris-network/round-dag/internal/block"
	"github.com/tolaris-network/round-dag/internal/ids"
	"github.com/tolaris-network/round-dag/internal/ports"
)

// TipStore reports which checkpoints are currently confirmed tips: an
// accepted block with no accepted children. It is the narrow slice of
// CheckpointStore tip selection actually needs.
type TipStore interface {
	CurrentTips(ctx context.Context) ([]*block.CheckpointBlock, error)
	// VouchPeers reports which peers are known to hold hash, used to
	// filter the cluster's ready+full set down to reachable facilitators.
	VouchPeers(ctx context.Context, hash string) (map[ports.PeerId]struct{}, error)
}

// Selector selects tips and facilitators for a new round.
type Selector struct {
	tips    TipStore
	cluster ports.ClusterStorage
	self    ports.PeerId
}

// New returns a Selector that reports self as the local node's peer id.
func New(tips TipStore, cluster ports.ClusterStorage, self ports.PeerId) *Selector {
	return &Selector{tips: tips, cluster: cluster, self: self}
}

// PullTips implements spec §4.3's pullTips(facilitators). It returns
// ok=false (spec's "None") when fewer than two eligible tips exist.
func (s *Selector) PullTips(ctx context.Context) (ports.TipsSOE, []ports.PeerId, bool, error) {
	candidates, err := s.tips.CurrentTips(ctx)
	if err != nil {
		return ports.TipsSOE{}, nil, false, err
	}
	if len(candidates) < 2 {
		return ports.TipsSOE{}, nil, false, nil
	}

	// Deterministic selection among however many tips are eligible:
	// lowest SOE hash first, then second lowest. This keeps PullTips
	// pure and reproducible for a given tip set, matching the
	// union-computation determinism required elsewhere in the protocol.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].SOEHash < candidates[j].SOEHash })
	chosen := candidates[:2]

	minHeight := chosen[0].Height.Min
	if chosen[1].Height.Min < minHeight {
		minHeight = chosen[1].Height.Min
	}

	tipsSOE := ports.TipsSOE{
		Tips:      [2]ids.TypedEdgeHash{chosen[0].Edge(), chosen[1].Edge()},
		MinHeight: minHeight,
	}

	peers, err := s.facilitatorPeers(ctx, chosen)
	if err != nil {
		return ports.TipsSOE{}, nil, false, err
	}
	return tipsSOE, peers, true, nil
}

// facilitatorPeers computes the intersection of the cluster's ready+full
// peer set with peers able to vouch for both chosen tips, plus the local
// node (spec §4.3).
func (s *Selector) facilitatorPeers(ctx context.Context, chosen []*block.CheckpointBlock) ([]ports.PeerId, error) {
	ready, err := s.cluster.GetReadyAndFullPeers(ctx)
	if err != nil {
		return nil, err
	}

	var vouchSets []map[ports.PeerId]struct{}
	for _, tip := range chosen {
		vouchers, err := s.tips.VouchPeers(ctx, tip.SOEHash)
		if err != nil {
			return nil, err
		}
		vouchSets = append(vouchSets, vouchers)
	}

	peers := make([]ports.PeerId, 0, len(ready)+1)
	seen := map[ports.PeerId]struct{}{s.self: {}}
	peers = append(peers, s.self)

	for peerId := range ready {
		if !canVouchForAll(peerId, vouchSets) {
			continue
		}
		if _, dup := seen[peerId]; dup {
			continue
		}
		seen[peerId] = struct{}{}
		peers = append(peers, peerId)
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers, nil
}

func canVouchForAll(peerId ports.PeerId, vouchSets []map[ports.PeerId]struct{}) bool {
	for _, set := range vouchSets {
		if _, ok := set[peerId]; !ok {
			return false
		}
	}
	return true
}
