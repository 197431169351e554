package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// OrderStatus is derived from the two one-way flags on an order.
type OrderStatus int8

const (
	OrderOpen OrderStatus = iota
	OrderFilled
	OrderCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Order is a standing offer: User gives AmountGive of TokenGive in exchange
// for AmountGet of TokenGet. Terms never change after creation.
type Order struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *uint256.Int   `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *uint256.Int   `json:"amountGive"`
	Timestamp  uint64         `json:"timestamp"`
	Cancelled  bool           `json:"cancelled"`
	Filled     bool           `json:"filled"`
}

func (o *Order) Status() OrderStatus {
	switch {
	case o.Filled:
		return OrderFilled
	case o.Cancelled:
		return OrderCancelled
	default:
		return OrderOpen
	}
}

func (o *Order) clone() *Order {
	cp := *o
	cp.AmountGet = o.AmountGet.Clone()
	cp.AmountGive = o.AmountGive.Clone()
	return &cp
}

// OrderStore keeps every order ever created, keyed by id. Ids start at 1,
// increase by one per recorded order and are never reused.
type OrderStore struct {
	orders map[uint64]*Order
	count  uint64
}

func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[uint64]*Order)}
}

// nextID returns the id the next recorded order will receive. The counter
// advances in record, so an aborted operation never burns an id.
func (s *OrderStore) nextID() uint64 { return s.count + 1 }

// Count returns the number of orders ever recorded.
func (s *OrderStore) Count() uint64 { return s.count }

func (s *OrderStore) record(o *Order) error {
	if o.ID != s.nextID() {
		return fmt.Errorf("record order %d: expected id %d", o.ID, s.nextID())
	}
	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("record order %d: id already used", o.ID)
	}
	s.orders[o.ID] = o.clone()
	s.count = o.ID
	return nil
}

// get returns a copy of order id or ErrOrderNotFound.
func (s *OrderStore) get(id uint64) (*Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	return o.clone(), nil
}

// open returns order id if it exists and is neither filled nor cancelled.
func (s *OrderStore) open(id uint64) (*Order, error) {
	o, err := s.get(id)
	if err != nil {
		return nil, err
	}
	switch {
	case o.Filled:
		return nil, fmt.Errorf("order %d: %w", id, ErrOrderFilled)
	case o.Cancelled:
		return nil, fmt.Errorf("order %d: %w", id, ErrOrderCancelled)
	}
	return o, nil
}

func (s *OrderStore) markCancelled(id uint64) error {
	if _, err := s.open(id); err != nil {
		return err
	}
	s.orders[id].Cancelled = true
	return nil
}

func (s *OrderStore) markFilled(id uint64) error {
	if _, err := s.open(id); err != nil {
		return err
	}
	s.orders[id].Filled = true
	return nil
}

// restore installs an order loaded from storage, flags included.
func (s *OrderStore) restore(o *Order) {
	s.orders[o.ID] = o.clone()
	if o.ID > s.count {
		s.count = o.ID
	}
}

// each visits orders in id order.
func (s *OrderStore) each(fn func(*Order)) {
	for id := uint64(1); id <= s.count; id++ {
		if o, ok := s.orders[id]; ok {
			fn(o)
		}
	}
}
