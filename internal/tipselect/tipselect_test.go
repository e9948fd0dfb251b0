package tipselect

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolaris-network/round-dag/internal/block"
	"github.com/tolaris-network/round-dag/internal/ids"
	"github.com/tolaris-network/round-dag/internal/ports"
	"github.com/tolaris-network/round-dag/internal/store"
)

// fakeCluster is a tiny in-memory ports.ClusterStorage, the teacher's
// style of wiring real concrete test doubles rather than mock frameworks.
type fakeCluster struct {
	readyAndFull map[ports.PeerId]ports.PeerData
}

func (f *fakeCluster) GetPeers(context.Context) (map[ports.PeerId]ports.PeerData, error) {
	return f.readyAndFull, nil
}

func (f *fakeCluster) GetReadyAndFullPeers(context.Context) (map[ports.PeerId]ports.PeerData, error) {
	return f.readyAndFull, nil
}

func openTestStore(t *testing.T) *store.BoltCheckpointStore {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tips.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func makeTip(t *testing.T, height uint64) *block.CheckpointBlock {
	t.Helper()
	parents := [2]ids.TypedEdgeHash{ids.CoinbaseEdge(), ids.CoinbaseEdge()}
	b := block.New(nil, []*block.Observation{block.NewObservation(ids.Address("x"), ids.Address("x"), []byte{byte(height)})}, parents, ids.Height{Min: height, Max: height})
	b.AddSignature([]byte{byte(height)})
	return b
}

func TestPullTipsReturnsFalseWhenFewerThanTwoTips(t *testing.T) {
	st := openTestStore(t)
	sel := New(st, &fakeCluster{}, ports.PeerId("self"))

	_, _, ok, err := sel.PullTips(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	tip := makeTip(t, 1)
	require.NoError(t, st.AddTip(tip))

	_, _, ok, err = sel.PullTips(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPullTipsChoosesLowestTwoSOEHashesDeterministically(t *testing.T) {
	st := openTestStore(t)
	a, b, c := makeTip(t, 1), makeTip(t, 2), makeTip(t, 3)
	for _, tip := range []*block.CheckpointBlock{a, b, c} {
		require.NoError(t, st.AddTip(tip))
	}

	sel := New(st, &fakeCluster{}, ports.PeerId("self"))
	tips, _, ok, err := sel.PullTips(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	hashes := []string{a.SOEHash, b.SOEHash, c.SOEHash}
	var lowest, second string
	for _, h := range hashes {
		if lowest == "" || h < lowest {
			second = lowest
			lowest = h
		} else if second == "" || h < second {
			second = h
		}
	}
	assert.Equal(t, lowest, tips.Tips[0].ReferencedHash)
	assert.Equal(t, second, tips.Tips[1].ReferencedHash)
}

func TestPullTipsMinHeightIsLowerOfTheTwoChosen(t *testing.T) {
	st := openTestStore(t)
	low, high := makeTip(t, 1), makeTip(t, 5)
	require.NoError(t, st.AddTip(low))
	require.NoError(t, st.AddTip(high))

	sel := New(st, &fakeCluster{}, ports.PeerId("self"))
	tips, _, ok, err := sel.PullTips(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), tips.MinHeight)
}

func TestPullTipsFacilitatorsIncludeSelfAndVouchingPeers(t *testing.T) {
	st := openTestStore(t)
	a, b := makeTip(t, 1), makeTip(t, 2)
	require.NoError(t, st.AddTip(a))
	require.NoError(t, st.AddTip(b))
	require.NoError(t, st.RecordVoucher(a.SOEHash, ports.PeerId("p1")))
	require.NoError(t, st.RecordVoucher(b.SOEHash, ports.PeerId("p1")))
	require.NoError(t, st.RecordVoucher(a.SOEHash, ports.PeerId("p2")))

	cluster := &fakeCluster{readyAndFull: map[ports.PeerId]ports.PeerData{
		ports.PeerId("p1"): {},
		ports.PeerId("p2"): {},
	}}
	sel := New(st, cluster, ports.PeerId("self"))
	_, peers, ok, err := sel.PullTips(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	assert.Contains(t, peers, ports.PeerId("self"))
	assert.Contains(t, peers, ports.PeerId("p1"))
	assert.NotContains(t, peers, ports.PeerId("p2"), "p2 cannot vouch for both chosen tips")
}
