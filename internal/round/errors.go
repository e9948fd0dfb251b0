package round

import (
	"errors"
	"fmt"

	"github.com/tolaris-network/round-dag/internal/block"
	"github.com/tolaris-network/round-dag/internal/ids"
	"github.com/tolaris-network/round-dag/internal/metrics"
	"github.com/tolaris-network/round-dag/internal/txn"
)

// Sentinel errors for the taxonomy in spec §7. RoundError wraps one of
// these with the round's unreturned inputs so callers can recover them.
var (
	ErrInvalidNodeState        = errors.New("round: node state does not permit this operation")
	ErrOwnRoundAlreadyInProgress = errors.New("round: an own round is already in progress")
	ErrNoTipsForConsensus       = errors.New("round: fewer than two eligible tips")
	ErrNoPeersForConsensus      = errors.New("round: facilitator set is empty after filtering")
	ErrNotAllPeersParticipate   = errors.New("round: not every facilitator acknowledged the round")
	ErrMissingParents           = errors.New("round: parent resolution left hashes unresolved")
	ErrConsensusError           = errors.New("round: protocol divergence or phase mismatch")
	ErrSnapshotHeightAboveTip   = errors.New("round: tip height is at or below the accepted snapshot")
)

var kindByError = map[error]metrics.ErrorKind{
	ErrInvalidNodeState:          metrics.InvalidNodeState,
	ErrOwnRoundAlreadyInProgress: metrics.OwnRoundAlreadyInProgress,
	ErrNoTipsForConsensus:        metrics.NoTipsForConsensus,
	ErrNoPeersForConsensus:       metrics.NoPeersForConsensus,
	ErrNotAllPeersParticipate:    metrics.NotAllPeersParticipate,
	ErrMissingParents:            metrics.MissingParents,
	ErrConsensusError:            metrics.ConsensusError,
	ErrSnapshotHeightAboveTip:    metrics.SnapshotHeightAboveTip,
}

// RoundError is the classified error shape spec §7 requires: every kind
// carries the round-id (zero when the error surfaces before a round-id is
// allocated, as for InvalidNodeState and OwnRoundAlreadyInProgress) and
// whatever transactions/observations were not returned to a mempool by
// the time the error surfaced.
type RoundError struct {
	RoundId      ids.RoundId
	Kind         error
	Transactions []*txn.Transaction
	Observations []*block.Observation
}

func (e *RoundError) Error() string {
	return fmt.Sprintf("round %s: %v", e.RoundId, e.Kind)
}

func (e *RoundError) Unwrap() error {
	return e.Kind
}

// classify records the metric for a RoundError's kind, returning the
// argument unchanged so call sites can do `return classify(err)`.
func classify(err *RoundError) *RoundError {
	if kind, ok := kindByError[err.Kind]; ok {
		metrics.IncError(kind)
	}
	return err
}
