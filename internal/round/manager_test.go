package round

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolaris-network/round-dag/internal/block"
	"github.com/tolaris-network/round-dag/internal/config"
	"github.com/tolaris-network/round-dag/internal/ids"
	"github.com/tolaris-network/round-dag/internal/ports"
	"github.com/tolaris-network/round-dag/internal/tipselect"
	"github.com/tolaris-network/round-dag/internal/txn"
)

// --- fakes, wired concretely rather than through a mock framework ---

type fakeTipStore struct {
	tips    []*block.CheckpointBlock
	vouched map[ports.PeerId]struct{}
}

func (f *fakeTipStore) CurrentTips(context.Context) ([]*block.CheckpointBlock, error) {
	return f.tips, nil
}

func (f *fakeTipStore) VouchPeers(context.Context, string) (map[ports.PeerId]struct{}, error) {
	return f.vouched, nil
}

type fakeCluster struct {
	readyAndFull map[ports.PeerId]ports.PeerData
	peers        map[ports.PeerId]ports.PeerData
}

func (f *fakeCluster) GetPeers(context.Context) (map[ports.PeerId]ports.PeerData, error) {
	return f.peers, nil
}

func (f *fakeCluster) GetReadyAndFullPeers(context.Context) (map[ports.PeerId]ports.PeerData, error) {
	return f.readyAndFull, nil
}

type fakeNodes struct {
	state ports.NodeState
}

func (f *fakeNodes) GetNodeState(context.Context) (ports.NodeState, error) { return f.state, nil }

type fakeTxService struct {
	mu           sync.Mutex
	pull         []*txn.Transaction
	returned     [][]string
	clearedCalls [][]string
}

func (f *fakeTxService) PullForConsensus(context.Context, uint32) ([]*txn.Transaction, error) {
	return f.pull, nil
}
func (f *fakeTxService) ReturnToPending(_ context.Context, hashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returned = append(f.returned, hashes)
	return nil
}
func (f *fakeTxService) ClearInConsensus(_ context.Context, hashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearedCalls = append(f.clearedCalls, hashes)
	return nil
}
func (f *fakeTxService) Accept(context.Context, ports.CacheEntry) error { return nil }

type fakeObsService struct {
	pull []*block.Observation
}

func (f *fakeObsService) PullForConsensus(context.Context, uint32) ([]*block.Observation, error) {
	return f.pull, nil
}
func (f *fakeObsService) ReturnToPending(context.Context, []string) error     { return nil }
func (f *fakeObsService) ClearInConsensus(context.Context, []string) error    { return nil }
func (f *fakeObsService) Accept(context.Context, ports.CacheEntry) error      { return nil }

type fakeSender struct {
	acks []bool
	err  error
}

func (f *fakeSender) NotifyFacilitators(context.Context, ports.RoundData) ([]bool, error) {
	return f.acks, f.err
}
func (f *fakeSender) BroadcastDataProposal(context.Context, ids.RoundId, []ports.PeerId, ports.ConsensusDataProposal) error {
	return nil
}
func (f *fakeSender) BroadcastUnionBlock(context.Context, ids.RoundId, []ports.PeerId, ports.UnionBlockProposal) error {
	return nil
}
func (f *fakeSender) BroadcastSelectedBlock(context.Context, ids.RoundId, []ports.PeerId, ports.SelectedUnionBlock) error {
	return nil
}

type fakeCheckpointStore struct {
	mu        sync.Mutex
	blocks    map[string]*block.CheckpointBlock
	accepted  map[string]bool
	resolving map[string]bool
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{
		blocks:    make(map[string]*block.CheckpointBlock),
		accepted:  make(map[string]bool),
		resolving: make(map[string]bool),
	}
}
func (f *fakeCheckpointStore) StoreSOE(_ context.Context, b *block.CheckpointBlock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[b.SOEHash] = b
	return nil
}
func (f *fakeCheckpointStore) Store(context.Context, ports.CacheEntry) error { return nil }
func (f *fakeCheckpointStore) AddToAcceptance(_ context.Context, b *block.CheckpointBlock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[b.SOEHash] = b
	f.accepted[b.SOEHash] = true
	return nil
}
func (f *fakeCheckpointStore) IsCheckpointAccepted(_ context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted[hash], nil
}
func (f *fakeCheckpointStore) GetCheckpoint(_ context.Context, hash string) (*block.CheckpointBlock, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[hash]
	return b, ok, nil
}
func (f *fakeCheckpointStore) IsWaitingForResolving(_ context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolving[hash], nil
}
func (f *fakeCheckpointStore) IsCheckpointInAcceptance(context.Context, string) (bool, error) {
	return false, nil
}
func (f *fakeCheckpointStore) IsCheckpointWaitingForAcceptance(context.Context, string) (bool, error) {
	return false, nil
}
func (f *fakeCheckpointStore) IsCheckpointAwaiting(context.Context, string) (bool, error) { return false, nil }
func (f *fakeCheckpointStore) MarkResolving(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolving[hash] = true
	return nil
}

type fakeResolutionQueue struct {
	enqueued []string
}

func (f *fakeResolutionQueue) EnqueueCheckpoint(_ context.Context, hash string, _ ports.PeerId, onResolved ports.ResolutionCallback) error {
	f.enqueued = append(f.enqueued, hash)
	onResolved(hash, true)
	return nil
}

func tipWithHeight(t *testing.T, height uint64) *block.CheckpointBlock {
	t.Helper()
	parents := [2]ids.TypedEdgeHash{ids.CoinbaseEdge(), ids.CoinbaseEdge()}
	b := block.New(nil, []*block.Observation{block.NewObservation(ids.Address("x"), ids.Address("x"), []byte{byte(height)})}, parents, ids.Height{Min: height, Max: height})
	b.AddSignature([]byte{byte(height)})
	return b
}

func sampleTx(ordinal uint64) *txn.Transaction {
	return txn.New(ids.Address("alice"), ids.Address("bob"), ordinal, txn.EmptyRef, ordinal, false)
}

func newTestManager(t *testing.T, tips []*block.CheckpointBlock, txs []*txn.Transaction, acks []bool, nodeState ports.NodeState) (*Manager, *fakeTxService, *fakeCheckpointStore, clock.Clock) {
	t.Helper()
	tipStore := &fakeTipStore{tips: tips, vouched: map[ports.PeerId]struct{}{"self": {}, "p2": {}}}
	cluster := &fakeCluster{
		readyAndFull: map[ports.PeerId]ports.PeerData{"p2": {}},
		peers:        map[ports.PeerId]ports.PeerData{"p2": {}},
	}
	self := ports.PeerId("self")
	txService := &fakeTxService{pull: txs}
	store := newFakeCheckpointStore()
	mockClock := clock.NewMock()

	m := New(Deps{
		Tips:            tipselect.New(tipStore, cluster, self),
		Transactions:    txService,
		Observations:    &fakeObsService{},
		Cluster:         cluster,
		Nodes:           &fakeNodes{state: nodeState},
		Sender:          &fakeSender{acks: acks},
		ResolutionQueue: &fakeResolutionQueue{},
		Store:           store,
		SignBaseHash:    func(string) []byte { return []byte("sig") },
		Self:            self,
		Clock:           mockClock,
		Config:          config.Default(),
	})
	return m, txService, store, mockClock
}

func TestStartOwnRoundHappyPathInstallsRound(t *testing.T) {
	tips := []*block.CheckpointBlock{tipWithHeight(t, 1), tipWithHeight(t, 2)}
	m, _, store, _ := newTestManager(t, tips, []*txn.Transaction{sampleTx(1)}, []bool{true, true}, ports.NodeStateReady)
	for _, tip := range tips {
		require.NoError(t, store.AddToAcceptance(context.Background(), tip))
	}

	info, err := m.StartOwnRound(context.Background())
	require.NoError(t, err)
	require.NotNil(t, info)

	m.mu.Lock()
	_, installed := m.consensuses[info.RoundId]
	own := m.own
	m.mu.Unlock()
	assert.True(t, installed)
	require.NotNil(t, own)
	assert.Equal(t, info.RoundId, own.RoundId)

	require.NoError(t, m.StopRound(info.RoundId, nil, nil))
}

func TestStartOwnRoundRejectsWhileOneInProgress(t *testing.T) {
	tips := []*block.CheckpointBlock{tipWithHeight(t, 1), tipWithHeight(t, 2)}
	m, _, store, _ := newTestManager(t, tips, nil, []bool{true, true}, ports.NodeStateReady)
	for _, tip := range tips {
		require.NoError(t, store.AddToAcceptance(context.Background(), tip))
	}

	info, err := m.StartOwnRound(context.Background())
	require.NoError(t, err)

	_, err = m.StartOwnRound(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOwnRoundAlreadyInProgress)

	require.NoError(t, m.StopRound(info.RoundId, nil, nil))
}

func TestStartOwnRoundFailsWithInvalidNodeState(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil, nil, nil, ports.NodeStateOffline)
	_, err := m.StartOwnRound(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidNodeState)

	m.mu.Lock()
	own := m.own
	m.mu.Unlock()
	assert.Nil(t, own, "a rejected start must not leave a reserved own slot")
}

func TestStartOwnRoundFailsWithFewerThanTwoTips(t *testing.T) {
	m, _, _, _ := newTestManager(t, []*block.CheckpointBlock{tipWithHeight(t, 1)}, nil, nil, ports.NodeStateReady)
	_, err := m.StartOwnRound(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoTipsForConsensus)
}

func TestStartOwnRoundReturnsInputsWhenNotAllPeersParticipate(t *testing.T) {
	tips := []*block.CheckpointBlock{tipWithHeight(t, 1), tipWithHeight(t, 2)}
	tx := sampleTx(1)
	m, txService, store, _ := newTestManager(t, tips, []*txn.Transaction{tx}, []bool{true, false}, ports.NodeStateReady)
	for _, tip := range tips {
		require.NoError(t, store.AddToAcceptance(context.Background(), tip))
	}

	_, err := m.StartOwnRound(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAllPeersParticipate)

	txService.mu.Lock()
	defer txService.mu.Unlock()
	require.Len(t, txService.returned, 1)
	assert.Contains(t, txService.returned[0], tx.ContentHash)

	m.mu.Lock()
	own := m.own
	m.mu.Unlock()
	assert.Nil(t, own, "own slot must be cleared after NotAllPeersParticipate")
}

func TestResolveParentsFailsAndEnqueuesUnknownHashes(t *testing.T) {
	tips := []*block.CheckpointBlock{tipWithHeight(t, 1), tipWithHeight(t, 2)}
	m, _, store, _ := newTestManager(t, tips, nil, []bool{true, true}, ports.NodeStateReady)
	// Only accept one of the two tips; the other remains unknown.
	require.NoError(t, store.AddToAcceptance(context.Background(), tips[0]))

	_, err := m.StartOwnRound(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingParents)
	assert.Equal(t, []string{tips[1].SOEHash}, m.deps.ResolutionQueue.(*fakeResolutionQueue).enqueued)
}

func TestAddMissedProposalBufferedMessagesDrainOnInstall(t *testing.T) {
	tips := []*block.CheckpointBlock{tipWithHeight(t, 1), tipWithHeight(t, 2)}
	m, _, store, _ := newTestManager(t, tips, nil, []bool{true, true}, ports.NodeStateReady)
	for _, tip := range tips {
		require.NoError(t, store.AddToAcceptance(context.Background(), tip))
	}

	roundId := ids.NewRoundId()
	m.AddMissedProposal(roundId, PendingMessage{Proposal: &ports.ConsensusDataProposal{RoundId: roundId, FacilitatorId: "p2"}})
	m.AddMissedProposal(roundId, PendingMessage{Proposal: &ports.ConsensusDataProposal{RoundId: roundId, FacilitatorId: "p3"}})

	m.mu.Lock()
	bucket := m.proposals[roundId]
	m.mu.Unlock()
	require.NotNil(t, bucket)
	assert.Len(t, bucket.messages, 2)

	data := &ports.RoundData{
		RoundId:              roundId,
		Facilitators:         []ports.PeerId{"self", "p2", "p3"},
		OwnFacilitatorId:     "self",
		SelectedTransactions: nil,
		SelectedObservations: nil,
		TipsSOE: ports.TipsSOE{
			Tips:      [2]ids.TypedEdgeHash{tips[0].Edge(), tips[1].Edge()},
			MinHeight: 1,
		},
	}
	info, err := m.assembleAndRun(context.Background(), roundId, data)
	require.NoError(t, err)

	m.mu.Lock()
	_, stillBuffered := m.proposals[roundId]
	m.mu.Unlock()
	assert.False(t, stillBuffered, "passMissed must drain the buffer once the round installs")

	require.NoError(t, m.StopRound(info.RoundId, nil, nil))
}

func TestDispatchIncomingRoutesToInstalledRound(t *testing.T) {
	tips := []*block.CheckpointBlock{tipWithHeight(t, 1), tipWithHeight(t, 2)}
	m, _, store, _ := newTestManager(t, tips, nil, []bool{true, true}, ports.NodeStateReady)
	for _, tip := range tips {
		require.NoError(t, store.AddToAcceptance(context.Background(), tip))
	}

	info, err := m.StartOwnRound(context.Background())
	require.NoError(t, err)

	m.DispatchIncoming(info.RoundId, PendingMessage{Proposal: &ports.ConsensusDataProposal{RoundId: info.RoundId, FacilitatorId: "p2"}})

	require.NoError(t, m.StopRound(info.RoundId, nil, nil))
}

func TestDispatchIncomingBuffersUnknownRound(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil, nil, nil, ports.NodeStateReady)
	roundId := ids.NewRoundId()
	m.DispatchIncoming(roundId, PendingMessage{Proposal: &ports.ConsensusDataProposal{RoundId: roundId, FacilitatorId: "p2"}})

	m.mu.Lock()
	_, buffered := m.proposals[roundId]
	m.mu.Unlock()
	assert.True(t, buffered)
}

func TestStopRoundIsIdempotent(t *testing.T) {
	tips := []*block.CheckpointBlock{tipWithHeight(t, 1), tipWithHeight(t, 2)}
	m, _, store, _ := newTestManager(t, tips, nil, []bool{true, true}, ports.NodeStateReady)
	for _, tip := range tips {
		require.NoError(t, store.AddToAcceptance(context.Background(), tip))
	}

	info, err := m.StartOwnRound(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.StopRound(info.RoundId, nil, nil))
	require.NoError(t, m.StopRound(info.RoundId, nil, nil))
}

func TestCleanLongRunningEvictsExpiredRoundsAndIncrementsTimeoutMetric(t *testing.T) {
	tips := []*block.CheckpointBlock{tipWithHeight(t, 1), tipWithHeight(t, 2)}
	tx := sampleTx(7)
	m, txService, store, mockClock := newTestManager(t, tips, []*txn.Transaction{tx}, []bool{true, true}, ports.NodeStateReady)
	for _, tip := range tips {
		require.NoError(t, store.AddToAcceptance(context.Background(), tip))
	}
	m.deps.Config.Constellation.Consensus.FormCheckpointBlocksTimeout = 10 * time.Second

	info, err := m.StartOwnRound(context.Background())
	require.NoError(t, err)

	mc := mockClock.(*clock.Mock)
	mc.Add(11 * time.Second)

	m.CleanLongRunning()

	m.mu.Lock()
	_, stillInstalled := m.consensuses[info.RoundId]
	own := m.own
	m.mu.Unlock()
	assert.False(t, stillInstalled)
	assert.Nil(t, own)

	txService.mu.Lock()
	defer txService.mu.Unlock()
	found := false
	for _, hashes := range txService.returned {
		for _, h := range hashes {
			if h == tx.ContentHash {
				found = true
			}
		}
	}
	assert.True(t, found, "cleanLongRunning must return a timed-out round's own inputs")
}

func TestCheckNodeStateRejectsUnknownErrorAsInvalidNodeState(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil, nil, nil, ports.NodeStateReady)
	m.deps.Nodes = brokenNodes{}
	err := m.checkNodeState(context.Background(), ports.CanStartOwnConsensus)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidNodeState)
}

type brokenNodes struct{}

func (brokenNodes) GetNodeState(context.Context) (ports.NodeState, error) {
	return "", errors.New("boom")
}
