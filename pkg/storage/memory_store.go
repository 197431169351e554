package storage

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/escrowdex/pkg/app/core/exchange"
	"github.com/uhyunpark/escrowdex/pkg/app/core/token"
)

// MemoryStore is a Backend that keeps everything in maps. Used when the node
// runs without a data directory, and in tests.
type MemoryStore struct {
	mu         sync.Mutex
	balances   map[[2]common.Address]exchange.Balance
	orders     map[uint64]*exchange.Order
	events     []exchange.Record
	orderCount uint64
	eventSeq   uint64
	timestamp  uint64

	blocks []BlockInfo
	tokens map[common.Address]token.State
	nonces map[common.Address]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[[2]common.Address]exchange.Balance),
		orders:   make(map[uint64]*exchange.Order),
		tokens:   make(map[common.Address]token.State),
		nonces:   make(map[common.Address]uint64),
	}
}

func (s *MemoryStore) Commit(cs *exchange.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(cs)
	return nil
}

func (s *MemoryStore) applyLocked(cs *exchange.Changeset) {
	for _, b := range cs.Balances {
		s.balances[[2]common.Address{b.Token, b.User}] = exchange.Balance{Token: b.Token, User: b.User, Amount: b.Amount.Clone()}
	}
	for _, o := range cs.Orders {
		cp := *o
		s.orders[o.ID] = &cp
	}
	for _, r := range cs.Events {
		s.events = append(s.events, r)
		s.eventSeq = r.Seq
	}
	s.orderCount = cs.OrderCount
	s.timestamp = cs.Timestamp
}

func (s *MemoryStore) Load() (*exchange.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &exchange.Snapshot{OrderCount: s.orderCount, EventSeq: s.eventSeq, Timestamp: s.timestamp}
	for _, b := range s.balances {
		snap.Balances = append(snap.Balances, b)
	}
	for _, o := range s.orders {
		cp := *o
		snap.Orders = append(snap.Orders, &cp)
	}
	sort.Slice(snap.Orders, func(i, j int) bool { return snap.Orders[i].ID < snap.Orders[j].ID })
	return snap, nil
}

func (s *MemoryStore) RecentEvents(limit int) ([]exchange.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []exchange.Record
	for i := len(s.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *MemoryStore) SaveBlock(b BlockInfo, changes []*exchange.Changeset, tokens []token.State, nonces map[common.Address]uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range changes {
		s.applyLocked(cs)
	}
	s.blocks = append(s.blocks, b)
	for _, st := range tokens {
		s.tokens[st.Address] = st
	}
	for addr, n := range nonces {
		s.nonces[addr] = n
	}
	return nil
}

func (s *MemoryStore) LastBlock() (BlockInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.blocks) == 0 {
		return BlockInfo{}, false, nil
	}
	return s.blocks[len(s.blocks)-1], true, nil
}

func (s *MemoryStore) LoadTokens() ([]token.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]token.State, 0, len(s.tokens))
	for _, st := range s.tokens {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Cmp(out[j].Address) < 0 })
	return out, nil
}

func (s *MemoryStore) LoadNonces() (map[common.Address]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[common.Address]uint64, len(s.nonces))
	for k, v := range s.nonces {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
