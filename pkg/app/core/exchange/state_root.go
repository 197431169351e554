package exchange

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// StateRoot commits to the ledger and order store: keccak256 over every
// balance entry in (token, user) order, then every order in id order, then
// the order count. Two exchanges with equal state have equal roots.
func (e *Exchange) StateRoot() common.Hash {
	h := sha3.NewLegacyKeccak256()
	var u64 [8]byte

	for _, b := range e.ledger.Entries() {
		h.Write(b.Token[:])
		h.Write(b.User[:])
		amt := b.Amount.Bytes32()
		h.Write(amt[:])
	}

	e.orders.each(func(o *Order) {
		binary.BigEndian.PutUint64(u64[:], o.ID)
		h.Write(u64[:])
		h.Write(o.User[:])
		h.Write(o.TokenGet[:])
		get := o.AmountGet.Bytes32()
		h.Write(get[:])
		h.Write(o.TokenGive[:])
		give := o.AmountGive.Bytes32()
		h.Write(give[:])
		binary.BigEndian.PutUint64(u64[:], o.Timestamp)
		h.Write(u64[:])
		h.Write([]byte{byte(o.Status())})
	})

	binary.BigEndian.PutUint64(u64[:], e.orders.Count())
	h.Write(u64[:])

	var out common.Hash
	h.Sum(out[:0])
	return out
}
