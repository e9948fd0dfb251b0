// Package txchain implements TxChain (spec §4.4): a per-address strict
// ordinal chain over Transactions, serializing concurrent appends so each
// address's accepted transactions form a totally ordered chain (spec §3
// invariant 1, §8 property 2).
package txchain

import (
	"sync"

	"github.com/tolaris-network/round-dag/internal/ids"
	"github.com/tolaris-network/round-dag/internal/txn"
)

// entry tracks the last ref for one address plus a per-address mutex so
// that setLastTransaction calls on different addresses never contend
// (spec §5: "no global lock is taken").
type entry struct {
	mu  sync.Mutex
	ref txn.LastTransactionRef
}

// TxChain is the mapping from address to LastTransactionRef described in
// spec §4.4.
type TxChain struct {
	mu      sync.RWMutex // guards the map itself, not individual entries
	entries map[ids.Address]*entry
}

// New returns an empty TxChain.
func New() *TxChain {
	return &TxChain{entries: make(map[ids.Address]*entry)}
}

func (c *TxChain) entryFor(addr ids.Address) *entry {
	c.mu.RLock()
	e, ok := c.entries[addr]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[addr]; ok {
		return e
	}
	e = &entry{ref: txn.EmptyRef}
	c.entries[addr] = e
	return e
}

// GetLastRef returns the recorded LastTransactionRef for address, or the
// empty ref if address has no chain yet.
func (c *TxChain) GetLastRef(address ids.Address) txn.LastTransactionRef {
	e := c.entryFor(address)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ref
}

// SetLastTransaction performs the atomic read-modify-write described in
// spec §4.4: read the previous ref, build the new transaction extending
// it with ordinal = prev.ordinal + 1, store the new ref, and return the
// transaction. Concurrent calls for the same address serialize through
// the address's entry lock; the later call observes the earlier call's
// update (spec §8: "setLastTransaction applied to the empty chain N
// times yields ordinals 1..N in insertion order").
func (c *TxChain) SetLastTransaction(edge ids.Address, destination ids.Address, amount uint64, isDummy bool) *txn.Transaction {
	e := c.entryFor(edge)
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.ref
	newOrdinal := prev.Ordinal + 1
	tx := txn.New(edge, destination, amount, prev, newOrdinal, isDummy)

	e.ref = txn.LastTransactionRef{PrevHash: tx.ContentHash, Ordinal: tx.Ordinal}
	return tx
}

// Prune drops chain entries whose last ordinal is at or below a fully
// persisted snapshot horizon. This answers spec §9's open question on the
// source's "TODO for cleanup": entries are safe to forget once their tip
// ordinal has been durably committed past the snapshot horizon, since
// GetLastRef/SetLastTransaction will simply re-seed them as an empty
// chain if the address transacts again — callers that still need the
// real prior ref must not prune addresses with pending consensus
// participation.
func (c *TxChain) Prune(horizon func(address ids.Address, ordinal uint64) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, e := range c.entries {
		e.mu.Lock()
		ordinal := e.ref.Ordinal
		e.mu.Unlock()
		if horizon(addr, ordinal) {
			delete(c.entries, addr)
		}
	}
}
