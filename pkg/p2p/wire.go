package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/escrowdex/pkg/app/core/exchange"
)

// EventWire is the gossip payload for one committed exchange event.
type EventWire struct {
	Origin string          `json:"origin"` // publishing peer ID
	Record exchange.Record `json:"record"`
}

func encodeEvent(w EventWire) ([]byte, error) {
	return json.Marshal(w)
}

func decodeEvent(b []byte) (EventWire, error) {
	var w EventWire
	if err := json.Unmarshal(b, &w); err != nil {
		return EventWire{}, fmt.Errorf("decode event: %w", err)
	}
	if w.Record.Event == nil {
		return EventWire{}, fmt.Errorf("decode event: missing record")
	}
	return w, nil
}
