package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Every prefix is distinct so prefix scans never overlap.
//
//	bal:{token}:{user}   → uint256 balance (decimal string, JSON)
//	ord:{id:020d}        → Order
//	evt:{seq:020d}       → Record
//	tok:{address}        → token.State
//	nonce:{address}      → last used tx nonce (8-byte big endian)
//	blk:{height:020d}    → BlockInfo
//	meta:*               → counters (8-byte big endian)
const (
	prefixBalance = "bal:"
	prefixOrder   = "ord:"
	prefixEvent   = "evt:"
	prefixToken   = "tok:"
	prefixNonce   = "nonce:"
	prefixBlock   = "blk:"
)

var (
	keyOrderCount = []byte("meta:ordercount")
	keyEventSeq   = []byte("meta:eventseq")
	keyTimestamp  = []byte("meta:timestamp")
)

// balanceKey returns "bal:{token}:{user}".
func balanceKey(tok, user common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, tok.Hex(), user.Hex()))
}

// orderKey zero-pads the id so keys sort in id order.
func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq))
}

func tokenKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixToken, addr.Hex()))
}

func nonceKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixNonce, addr.Hex()))
}

func blockKey(height uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixBlock, height))
}

// nonceKeyAddress is the inverse of nonceKey.
func nonceKeyAddress(key []byte) (common.Address, error) {
	if len(key) != len(prefixNonce)+42 {
		return common.Address{}, fmt.Errorf("invalid nonce key length: %d", len(key))
	}
	addrHex := string(key[len(prefixNonce):])
	if !common.IsHexAddress(addrHex) {
		return common.Address{}, fmt.Errorf("invalid address in key: %s", addrHex)
	}
	return common.HexToAddress(addrHex), nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
