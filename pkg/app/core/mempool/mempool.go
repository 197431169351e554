package mempool

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrFull      = errors.New("mempool full")
	ErrDuplicate = errors.New("transaction already pending")
)

// ClassifyRaw returns the envelope "type" of a raw transaction, or
// "unknown" when it cannot be read. Used for metrics labels only.
func ClassifyRaw(b []byte) string {
	if len(b) == 0 || b[0] != '{' {
		return "unknown"
	}
	var txEnvelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &txEnvelope); err != nil || txEnvelope.Type == "" {
		return "unknown"
	}
	return txEnvelope.Type
}

// Mempool is a single FIFO queue: transactions leave in exactly the order
// they were admitted, whatever their type.
type Mempool struct {
	mu      sync.Mutex
	queue   [][]byte
	pending map[common.Hash]struct{}
	limit   int
}

// NewMempool returns a queue holding at most limit txs; 0 means unbounded.
func NewMempool(limit int) *Mempool {
	return &Mempool{pending: make(map[common.Hash]struct{}), limit: limit}
}

// PushRaw enqueues a copy of b and returns its hash.
func (m *Mempool) PushRaw(b []byte) (common.Hash, error) {
	cp := append([]byte(nil), b...)
	h := crypto.Keccak256Hash(cp)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.pending[h]; dup {
		return h, ErrDuplicate
	}
	if m.limit > 0 && len(m.queue) >= m.limit {
		return h, ErrFull
	}
	m.queue = append(m.queue, cp)
	m.pending[h] = struct{}{}
	return h, nil
}

// SelectForProposal removes and returns the oldest txs fitting in maxBytes
// (0 = no limit). A tx that does not fit stops selection so order holds.
func (m *Mempool) SelectForProposal(maxBytes int64) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out [][]byte
	var used int64
	for len(m.queue) > 0 {
		tx := m.queue[0]
		n := int64(len(tx))
		if maxBytes > 0 && used+n > maxBytes && len(out) > 0 {
			break
		}
		out = append(out, tx)
		used += n
		m.queue = m.queue[1:]
		delete(m.pending, crypto.Keccak256Hash(tx))
	}
	return out
}

// Len returns total pending txs.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
