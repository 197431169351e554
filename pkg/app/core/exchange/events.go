package exchange

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type EventKind string

const (
	KindDeposit  EventKind = "deposit"
	KindWithdraw EventKind = "withdraw"
	KindOrder    EventKind = "order"
	KindCancel   EventKind = "cancel"
	KindTrade    EventKind = "trade"
)

// Event is a notification emitted after a successful operation.
type Event interface {
	Kind() EventKind
}

type DepositEvent struct {
	Token   common.Address `json:"token"`
	User    common.Address `json:"user"`
	Amount  *uint256.Int   `json:"amount"`
	Balance *uint256.Int   `json:"balance"`
}

type WithdrawEvent struct {
	Token   common.Address `json:"token"`
	User    common.Address `json:"user"`
	Amount  *uint256.Int   `json:"amount"`
	Balance *uint256.Int   `json:"balance"`
}

type OrderEvent struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *uint256.Int   `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *uint256.Int   `json:"amountGive"`
	Timestamp  uint64         `json:"timestamp"`
}

type CancelEvent struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *uint256.Int   `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *uint256.Int   `json:"amountGive"`
	Timestamp  uint64         `json:"timestamp"`
}

// TradeEvent: User is the filler, Creator the order's maker.
type TradeEvent struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *uint256.Int   `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *uint256.Int   `json:"amountGive"`
	Creator    common.Address `json:"creator"`
	Timestamp  uint64         `json:"timestamp"`
}

func (DepositEvent) Kind() EventKind  { return KindDeposit }
func (WithdrawEvent) Kind() EventKind { return KindWithdraw }
func (OrderEvent) Kind() EventKind    { return KindOrder }
func (CancelEvent) Kind() EventKind   { return KindCancel }
func (TradeEvent) Kind() EventKind    { return KindTrade }

// Record is an event with its position in the exchange's event sequence.
type Record struct {
	Seq   uint64
	Event Event
}

type recordJSON struct {
	Seq  uint64          `json:"seq"`
	Kind EventKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(r.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(recordJSON{Seq: r.Seq, Kind: r.Event.Kind(), Data: data})
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var w recordJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	var ev Event
	switch w.Kind {
	case KindDeposit:
		ev = &DepositEvent{}
	case KindWithdraw:
		ev = &WithdrawEvent{}
	case KindOrder:
		ev = &OrderEvent{}
	case KindCancel:
		ev = &CancelEvent{}
	case KindTrade:
		ev = &TradeEvent{}
	default:
		return fmt.Errorf("unknown event kind %q", w.Kind)
	}
	if err := json.Unmarshal(w.Data, ev); err != nil {
		return fmt.Errorf("decode %s event: %w", w.Kind, err)
	}
	r.Seq = w.Seq
	// Store events by value, as the exchange emits them.
	switch e := ev.(type) {
	case *DepositEvent:
		r.Event = *e
	case *WithdrawEvent:
		r.Event = *e
	case *OrderEvent:
		r.Event = *e
	case *CancelEvent:
		r.Event = *e
	case *TradeEvent:
		r.Event = *e
	}
	return nil
}

// Emitter receives committed events. Implementations must not call back
// into the exchange.
type Emitter interface {
	Emit(Record)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Record)

func (f EmitterFunc) Emit(r Record) { f(r) }

// Emitters fans a record out to each emitter in order.
type Emitters []Emitter

func (es Emitters) Emit(r Record) {
	for _, e := range es {
		e.Emit(r)
	}
}

// Log is an append-only, in-memory event log. With a positive capacity it
// keeps only the most recent records.
type Log struct {
	mu       sync.RWMutex
	records  []Record
	capacity int
}

func NewLog(capacity int) *Log {
	return &Log{capacity: capacity}
}

func (l *Log) Emit(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
	if l.capacity > 0 && len(l.records) > l.capacity {
		l.records = l.records[len(l.records)-l.capacity:]
	}
}

// Records returns a copy of every retained record, oldest first.
func (l *Log) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Record(nil), l.records...)
}

// Last returns up to n most recent records, newest first. With kinds set,
// only records of those kinds are considered. n <= 0 means no limit.
func (l *Log) Last(n int, kinds ...EventKind) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n > len(l.records) || n <= 0 {
		n = len(l.records)
	}
	out := make([]Record, 0, n)
	for i := len(l.records) - 1; i >= 0 && len(out) < n; i-- {
		if len(kinds) == 0 || slices.Contains(kinds, l.records[i].Event.Kind()) {
			out = append(out, l.records[i])
		}
	}
	return out
}

// Len returns the number of retained records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

var _ Emitter = (*Log)(nil)
var _ Emitter = Emitters(nil)
