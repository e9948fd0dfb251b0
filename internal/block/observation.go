package block

import (
	"encoding/binary"

	"lukechampine.com/blake3"

	"github.com/tolaris-network/round-dag/internal/ids"
)

// Observation is a signed statement about another node's behavior,
// carried alongside transactions in a checkpoint block (spec GLOSSARY).
// Its internals are outside this spec's scope beyond content-hashing and
// ordering, since observations originate from an external
// ObservationService (spec §6).
type Observation struct {
	Signer      ids.Address
	Subject     ids.Address
	Payload     []byte
	ContentHash string
}

// NewObservation builds an Observation with its ContentHash populated.
func NewObservation(signer, subject ids.Address, payload []byte) *Observation {
	o := &Observation{Signer: signer, Subject: subject, Payload: append([]byte(nil), payload...)}
	o.ContentHash = o.computeHash()
	return o
}

func (o *Observation) computeHash() string {
	buf := make([]byte, 0, len(o.Signer)+len(o.Subject)+len(o.Payload)+8)
	buf = append(buf, []byte(o.Signer)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(o.Subject)...)
	buf = append(buf, 0)
	var lenB [8]byte
	binary.BigEndian.PutUint64(lenB[:], uint64(len(o.Payload)))
	buf = append(buf, lenB[:]...)
	buf = append(buf, o.Payload...)
	sum := blake3.Sum256(buf)
	return ids.HashHex(sum)
}
