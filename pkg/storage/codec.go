package storage

import (
	"encoding/binary"
	"fmt"
)

func encodeU64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeU64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid u64 length: %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
