package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/escrowdex/pkg/app/core/exchange"
	"github.com/uhyunpark/escrowdex/pkg/app/core/token"
)

// PebbleStore is the on-disk Backend. Each exchange changeset is written as
// one synced batch.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20),
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// Commit writes every balance, order, event and counter of cs atomically.
func (s *PebbleStore) Commit(cs *exchange.Changeset) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := putChangeset(b, cs); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit changeset: %w", err)
	}
	return nil
}

func putChangeset(b *pebble.Batch, cs *exchange.Changeset) error {
	for _, bal := range cs.Balances {
		data, err := json.Marshal(bal.Amount)
		if err != nil {
			return fmt.Errorf("failed to marshal balance: %w", err)
		}
		if err := b.Set(balanceKey(bal.Token, bal.User), data, nil); err != nil {
			return err
		}
	}
	for _, o := range cs.Orders {
		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("failed to marshal order %d: %w", o.ID, err)
		}
		if err := b.Set(orderKey(o.ID), data, nil); err != nil {
			return err
		}
	}
	var lastSeq uint64
	for _, r := range cs.Events {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal event %d: %w", r.Seq, err)
		}
		if err := b.Set(eventKey(r.Seq), data, nil); err != nil {
			return err
		}
		lastSeq = r.Seq
	}
	if lastSeq > 0 {
		if err := b.Set(keyEventSeq, encodeU64(lastSeq), nil); err != nil {
			return err
		}
	}
	if err := b.Set(keyOrderCount, encodeU64(cs.OrderCount), nil); err != nil {
		return err
	}
	return b.Set(keyTimestamp, encodeU64(cs.Timestamp), nil)
}

func (s *PebbleStore) Load() (*exchange.Snapshot, error) {
	snap := &exchange.Snapshot{}

	err := s.scan([]byte(prefixBalance), func(key, val []byte) error {
		var tokHex, userHex string
		rest := string(key[len(prefixBalance):])
		if len(rest) != 42+1+42 {
			return fmt.Errorf("invalid balance key %q", key)
		}
		tokHex, userHex = rest[:42], rest[43:]
		var amt uint256.Int
		if err := json.Unmarshal(val, &amt); err != nil {
			return fmt.Errorf("failed to unmarshal balance %q: %w", key, err)
		}
		snap.Balances = append(snap.Balances, exchange.Balance{
			Token:  common.HexToAddress(tokHex),
			User:   common.HexToAddress(userHex),
			Amount: &amt,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.scan([]byte(prefixOrder), func(key, val []byte) error {
		var o exchange.Order
		if err := json.Unmarshal(val, &o); err != nil {
			return fmt.Errorf("failed to unmarshal order %q: %w", key, err)
		}
		snap.Orders = append(snap.Orders, &o)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for key, dst := range map[string]*uint64{
		string(keyOrderCount): &snap.OrderCount,
		string(keyEventSeq):   &snap.EventSeq,
		string(keyTimestamp):  &snap.Timestamp,
	} {
		v, ok, err := s.getU64([]byte(key))
		if err != nil {
			return nil, err
		}
		if ok {
			*dst = v
		}
	}
	return snap, nil
}

func (s *PebbleStore) RecentEvents(limit int) ([]exchange.Record, error) {
	prefix := []byte(prefixEvent)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []exchange.Record
	for iter.Last(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Prev() {
		var r exchange.Record
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event %q: %w", iter.Key(), err)
		}
		out = append(out, r)
	}
	return out, iter.Error()
}

func (s *PebbleStore) SaveBlock(info BlockInfo, changes []*exchange.Changeset, tokens []token.State, nonces map[common.Address]uint64) error {
	b := s.db.NewBatch()
	defer b.Close()

	for _, cs := range changes {
		if err := putChangeset(b, cs); err != nil {
			return err
		}
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal block %d: %w", info.Height, err)
	}
	if err := b.Set(blockKey(info.Height), data, nil); err != nil {
		return err
	}
	for _, st := range tokens {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("failed to marshal token %s: %w", st.Symbol, err)
		}
		if err := b.Set(tokenKey(st.Address), data, nil); err != nil {
			return err
		}
	}
	for addr, n := range nonces {
		if err := b.Set(nonceKey(addr), encodeU64(n), nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit block %d: %w", info.Height, err)
	}
	return nil
}

func (s *PebbleStore) LastBlock() (BlockInfo, bool, error) {
	prefix := []byte(prefixBlock)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return BlockInfo{}, false, err
	}
	defer iter.Close()

	if !iter.Last() {
		return BlockInfo{}, false, iter.Error()
	}
	var info BlockInfo
	if err := json.Unmarshal(iter.Value(), &info); err != nil {
		return BlockInfo{}, false, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	return info, true, nil
}

func (s *PebbleStore) LoadTokens() ([]token.State, error) {
	var out []token.State
	err := s.scan([]byte(prefixToken), func(key, val []byte) error {
		var st token.State
		if err := json.Unmarshal(val, &st); err != nil {
			return fmt.Errorf("failed to unmarshal token %q: %w", key, err)
		}
		out = append(out, st)
		return nil
	})
	return out, err
}

func (s *PebbleStore) LoadNonces() (map[common.Address]uint64, error) {
	out := make(map[common.Address]uint64)
	err := s.scan([]byte(prefixNonce), func(key, val []byte) error {
		addr, err := nonceKeyAddress(key)
		if err != nil {
			return err
		}
		n, err := decodeU64(val)
		if err != nil {
			return err
		}
		out[addr] = n
		return nil
	})
	return out, err
}

// scan visits every key under prefix in key order.
func (s *PebbleStore) scan(prefix []byte, fn func(key, val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) getU64(key []byte) (uint64, bool, error) {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	v, err := decodeU64(val)
	return v, err == nil, err
}
