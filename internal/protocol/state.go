// Package protocol implements RoundProtocol (spec §4.2): the per-round
// three-phase block-selection state machine. One instance runs per
// round as its own actor with a small inbox, following the
// request/mailbox pattern the consensus corpus uses to keep per-round
// state single-threaded without a global lock.
package protocol

import (
	"bytes"
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/tolaris-network/round-dag/internal/block"
	"github.com/tolaris-network/round-dag/internal/ids"
	"github.com/tolaris-network/round-dag/internal/metrics"
	"github.com/tolaris-network/round-dag/internal/ports"
	"github.com/tolaris-network/round-dag/internal/txn"
)

// Phase is one of RoundProtocol's states.
type Phase int

const (
	WaitingForProposals Phase = iota
	WaitingForBlockUnions
	WaitingForSelection
	Committed
	Failed
)

func (p Phase) String() string {
	switch p {
	case WaitingForProposals:
		return "WaitingForProposals"
	case WaitingForBlockUnions:
		return "WaitingForBlockUnions"
	case WaitingForSelection:
		return "WaitingForSelection"
	case Committed:
		return "Committed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// terminal reports whether p admits no further transitions.
func (p Phase) terminal() bool {
	return p == Committed || p == Failed
}

// ErrConsensusDivergence is ConsensusError's trigger in spec §7: facilitators
// disagreed on the selected block hash in Phase 3.
var ErrConsensusDivergence = errors.New("protocol: facilitators diverged on selected block")

// OnComplete is the narrow callback the owning RoundManager supplies
// instead of holding a full back-reference to the protocol (spec §9:
// "protocol holds a weak back-reference... onRoundComplete,
// onRoundFailed").
type OnComplete func(result Result)

// Result is handed to OnComplete once the round reaches a terminal
// phase.
type Result struct {
	RoundId ids.RoundId
	Phase   Phase
	Block   *block.CheckpointBlock
	Err     error

	// OwnTransactions/OwnObservations are this facilitator's own
	// contributed inputs, tracked separately from the union so a
	// cancellation can return exactly what this node contributed
	// (spec §4.2 "Cancellation").
	OwnTransactions []*txn.Transaction
	OwnObservations []*block.Observation
}

// inboxMsg wraps one of the three wire payload kinds addressed to a
// phase, so out-of-order arrivals can be buffered (spec §4.2 "Ordering
// guarantee").
type inboxMsg struct {
	phase       Phase
	proposal    *ports.ConsensusDataProposal
	unionBlock  *ports.UnionBlockProposal
	selected    *ports.SelectedUnionBlock
	stopRequest bool
}

// Protocol is one round's three-phase state machine, run on its own
// goroutine with its own inbox.
type Protocol struct {
	roundId       ids.RoundId
	facilitators  []ports.PeerId
	ownId         ports.PeerId
	tips          ports.TipsSOE
	sender        ports.RemoteSender
	onComplete    OnComplete
	log           *zap.Logger

	inbox  chan inboxMsg
	done   chan struct{}

	phase      Phase
	buffered   map[Phase][]inboxMsg
	proposals  map[ports.PeerId]ports.ConsensusDataProposal
	unions     map[ports.PeerId]*block.CheckpointBlock
	selections map[ports.PeerId]string

	ownTransactions []*txn.Transaction
	ownObservations []*block.Observation

	signBaseHash func(baseHash string) []byte
}

// New starts a round's protocol actor on its own goroutine and returns a
// handle to address it.
func New(
	ctx context.Context,
	roundId ids.RoundId,
	facilitators []ports.PeerId,
	ownId ports.PeerId,
	ownTransactions []*txn.Transaction,
	ownObservations []*block.Observation,
	tips ports.TipsSOE,
	sender ports.RemoteSender,
	signBaseHash func(baseHash string) []byte,
	onComplete OnComplete,
	log *zap.Logger,
) *Protocol {
	p := &Protocol{
		roundId:         roundId,
		facilitators:    facilitators,
		ownId:           ownId,
		tips:            tips,
		sender:          sender,
		onComplete:      onComplete,
		log:             log.With(zap.String("round_id", roundId.String())),
		inbox:           make(chan inboxMsg, len(facilitators)*3+4),
		done:            make(chan struct{}),
		phase:           WaitingForProposals,
		buffered:        make(map[Phase][]inboxMsg),
		proposals:       make(map[ports.PeerId]ports.ConsensusDataProposal),
		unions:          make(map[ports.PeerId]*block.CheckpointBlock),
		selections:      make(map[ports.PeerId]string),
		ownTransactions: ownTransactions,
		ownObservations: ownObservations,
		signBaseHash:    signBaseHash,
	}
	go p.run(ctx)
	if err := p.broadcastOwnProposal(ctx); err != nil {
		p.log.Error("failed to broadcast own data proposal", zap.Error(err))
	}
	return p
}

// Wait blocks until the round's actor goroutine exits.
func (p *Protocol) Wait() {
	<-p.done
}

// HandleDataProposal delivers a Phase 1 message to the round's inbox.
func (p *Protocol) HandleDataProposal(msg ports.ConsensusDataProposal) {
	p.send(inboxMsg{phase: WaitingForProposals, proposal: &msg})
}

// HandleUnionBlock delivers a Phase 2 message to the round's inbox.
func (p *Protocol) HandleUnionBlock(msg ports.UnionBlockProposal) {
	p.send(inboxMsg{phase: WaitingForBlockUnions, unionBlock: &msg})
}

// HandleSelectedBlock delivers a Phase 3 message to the round's inbox.
func (p *Protocol) HandleSelectedBlock(msg ports.SelectedUnionBlock) {
	p.send(inboxMsg{phase: WaitingForSelection, selected: &msg})
}

// Stop cancels the round: it transitions to Failed and is handled like
// any other terminal transition (spec §4.2 "Cancellation").
func (p *Protocol) Stop() {
	p.send(inboxMsg{stopRequest: true})
}

// send is a non-blocking delivery: a full inbox means the round is
// already wedged or terminal, in which case dropping is correct (spec
// §8 "Proposal arriving after Committed state: discarded, metric
// incremented").
func (p *Protocol) send(msg inboxMsg) {
	select {
	case p.inbox <- msg:
	default:
		metrics.DiscardedProposals.Inc()
	}
}

func (p *Protocol) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			p.fail(ErrConsensusDivergence)
			return
		case msg := <-p.inbox:
			if msg.stopRequest {
				p.fail(nil)
				return
			}
			p.dispatch(ctx, msg)
			if p.phase.terminal() {
				return
			}
		}
	}
}

// dispatch applies the ordering guarantee from spec §4.2: messages
// addressed to an earlier phase are discarded, messages addressed to a
// later phase are buffered until the protocol reaches it.
func (p *Protocol) dispatch(ctx context.Context, msg inboxMsg) {
	if msg.phase < p.phase {
		metrics.DiscardedProposals.Inc()
		return
	}
	if msg.phase > p.phase {
		p.buffered[msg.phase] = append(p.buffered[msg.phase], msg)
		return
	}
	p.apply(ctx, msg)
}

func (p *Protocol) apply(ctx context.Context, msg inboxMsg) {
	switch p.phase {
	case WaitingForProposals:
		if msg.proposal != nil {
			p.proposals[msg.proposal.FacilitatorId] = *msg.proposal
			if p.havAllFacilitators(p.proposals) {
				p.enterBlockUnions(ctx)
			}
		}
	case WaitingForBlockUnions:
		if msg.unionBlock != nil {
			p.unions[msg.unionBlock.FacilitatorId] = msg.unionBlock.SignedBlock
			if p.havAllFacilitatorBlocks() {
				p.enterSelection(ctx)
			}
		}
	case WaitingForSelection:
		if msg.selected != nil {
			p.selections[msg.selected.FacilitatorId] = msg.selected.SelectedBlockHash
			if len(p.selections) >= len(p.facilitators) {
				p.finalize()
			}
		}
	}
}

func (p *Protocol) havAllFacilitators(have map[ports.PeerId]ports.ConsensusDataProposal) bool {
	for _, f := range p.facilitators {
		if _, ok := have[f]; !ok {
			return false
		}
	}
	return true
}

func (p *Protocol) havAllFacilitatorBlocks() bool {
	for _, f := range p.facilitators {
		if _, ok := p.unions[f]; !ok {
			return false
		}
	}
	return true
}

// broadcastOwnProposal sends this facilitator's Phase 1 proposal and
// records it locally, same as any peer's arrival.
func (p *Protocol) broadcastOwnProposal(ctx context.Context) error {
	own := ports.ConsensusDataProposal{
		RoundId:       p.roundId,
		FacilitatorId: p.ownId,
		Transactions:  p.ownTransactions,
		Observations:  p.ownObservations,
	}
	p.HandleDataProposal(own)
	return p.sender.BroadcastDataProposal(ctx, p.roundId, p.facilitators, own)
}

// enterBlockUnions computes the canonical union (spec §4.2 Phase 1),
// builds this facilitator's candidate block, signs its base-hash, and
// broadcasts it, then drains any Phase 2 messages buffered early.
func (p *Protocol) enterBlockUnions(ctx context.Context) {
	transactions, observations := unionPayload(p.proposals)
	candidate := block.New(transactions, observations, p.tips.Tips, ids.Height{Min: p.tips.MinHeight + 1, Max: p.tips.MinHeight + 1})
	candidate.AddSignature(p.signBaseHash(candidate.BaseHash))

	p.phase = WaitingForBlockUnions
	own := ports.UnionBlockProposal{RoundId: p.roundId, FacilitatorId: p.ownId, SignedBlock: candidate}
	p.unions[p.ownId] = candidate

	if err := p.sender.BroadcastUnionBlock(ctx, p.roundId, p.facilitators, own); err != nil {
		p.log.Error("failed to broadcast union block", zap.Error(err))
	}
	p.drainBuffered(ctx, WaitingForBlockUnions)
}

// enterSelection applies Phase 2's deterministic tie-break (smallest
// base-hash, facilitatorId ascending) and broadcasts the selection.
func (p *Protocol) enterSelection(ctx context.Context) {
	selected := selectSmallestBaseHash(p.unions)

	p.phase = WaitingForSelection
	own := ports.SelectedUnionBlock{RoundId: p.roundId, FacilitatorId: p.ownId, SelectedBlockHash: selected}
	p.selections[p.ownId] = selected

	if err := p.sender.BroadcastSelectedBlock(ctx, p.roundId, p.facilitators, own); err != nil {
		p.log.Error("failed to broadcast selection", zap.Error(err))
	}
	p.drainBuffered(ctx, WaitingForSelection)
}

// finalize applies Phase 3's success rule: the round succeeds iff every
// facilitator selected the same hash.
func (p *Protocol) finalize() {
	var want string
	for _, hash := range p.selections {
		if want == "" {
			want = hash
			continue
		}
		if hash != want {
			p.fail(ErrConsensusDivergence)
			return
		}
	}

	committed := mergeSignatures(p.unions, want)
	if committed == nil {
		p.fail(ErrConsensusDivergence)
		return
	}
	p.phase = Committed
	p.onComplete(Result{RoundId: p.roundId, Phase: Committed, Block: committed})
}

// mergeSignatures builds the committed block for baseHash by folding in
// every facilitator's Phase-2 signature over that payload (spec §4.2
// Phase 3: the committed block "accumulate[s] signatures from all
// facilitators"). AddSignature dedups and RecomputeSOEHash sorts by
// signature bytes, so the merge order doesn't matter: every facilitator
// observing the same set of Phase-2 proposals converges on the same
// SOEHash regardless of map iteration order.
func mergeSignatures(unions map[ports.PeerId]*block.CheckpointBlock, baseHash string) *block.CheckpointBlock {
	var committed *block.CheckpointBlock
	for _, candidate := range unions {
		if candidate.BaseHash != baseHash {
			continue
		}
		if committed == nil {
			committed = block.New(candidate.Transactions, candidate.Observations, candidate.ParentTips, candidate.Height)
		}
		for _, sig := range candidate.Signatures {
			committed.AddSignature(sig)
		}
	}
	return committed
}

func (p *Protocol) fail(err error) {
	if p.phase.terminal() {
		return
	}
	p.phase = Failed
	p.onComplete(Result{
		RoundId:         p.roundId,
		Phase:           Failed,
		Err:             err,
		OwnTransactions: p.ownTransactions,
		OwnObservations: p.ownObservations,
	})
}

func (p *Protocol) drainBuffered(ctx context.Context, phase Phase) {
	pending := p.buffered[phase]
	delete(p.buffered, phase)
	for _, msg := range pending {
		p.dispatch(ctx, msg)
		if p.phase.terminal() {
			return
		}
	}
}

// unionPayload computes spec §4.2 Phase 1's union: de-duplicated by
// content-hash, sorted canonically ascending, so every facilitator
// observing the same proposal set independently builds the same block.
func unionPayload(proposals map[ports.PeerId]ports.ConsensusDataProposal) ([]*txn.Transaction, []*block.Observation) {
	txSeen := make(map[string]*txn.Transaction)
	obsSeen := make(map[string]*block.Observation)
	for _, prop := range proposals {
		for _, tx := range prop.Transactions {
			txSeen[tx.ContentHash] = tx
		}
		for _, obs := range prop.Observations {
			obsSeen[obs.ContentHash] = obs
		}
	}

	transactions := make([]*txn.Transaction, 0, len(txSeen))
	for _, tx := range txSeen {
		transactions = append(transactions, tx)
	}
	sort.Slice(transactions, func(i, j int) bool { return transactions[i].ContentHash < transactions[j].ContentHash })

	observations := make([]*block.Observation, 0, len(obsSeen))
	for _, obs := range obsSeen {
		observations = append(observations, obs)
	}
	sort.Slice(observations, func(i, j int) bool { return observations[i].ContentHash < observations[j].ContentHash })

	return transactions, observations
}

// selectSmallestBaseHash applies the Phase 2 tie-break: the
// lexicographically smallest base-hash wins, ties broken by
// facilitatorId ascending. Ties are the usual case (facilitators that
// build the same union produce the same base-hash); tied candidates share
// that base-hash, so the tie-break only fixes the sort order, not the
// returned hash.
func selectSmallestBaseHash(unions map[ports.PeerId]*block.CheckpointBlock) string {
	type candidate struct {
		facilitatorId ports.PeerId
		baseHash      string
	}
	candidates := make([]candidate, 0, len(unions))
	for id, b := range unions {
		candidates = append(candidates, candidate{facilitatorId: id, baseHash: b.BaseHash})
	}
	sort.Slice(candidates, func(i, j int) bool {
		c := bytes.Compare([]byte(candidates[i].baseHash), []byte(candidates[j].baseHash))
		if c != 0 {
			return c < 0
		}
		return candidates[i].facilitatorId < candidates[j].facilitatorId
	})
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0].baseHash
}
