package executor

import (
	"github.com/aegischain/aegis/internal/types"
)

// logsBloom folds every log emitted by one receipt into an Ethereum-style
// 2048-bit bloom filter: each of an address/topic's three derived bit
// positions within the 256-byte array is set, grounded on the reference
// executor's receipts_to_bloom/accrue_log shape.
func logsBloom(logs []types.Log) [256]byte {
	var bloom [256]byte
	for _, l := range logs {
		accrue(&bloom, l.Address[:])
		for _, topic := range l.Topics {
			accrue(&bloom, topic[:])
		}
	}
	return bloom
}

// accrue sets the three bloom bits a value's hash selects, each taken from
// a non-overlapping byte pair of the 32-byte digest (11 bits each, masked
// into the 2048-bit filter), mirroring the three-hash construction common
// to Ethereum-style blooms.
func accrue(bloom *[256]byte, value []byte) {
	digest := types.HashBytes(value)
	for i := 0; i < 3; i++ {
		bit := (uint(digest[2*i])<<8 | uint(digest[2*i+1])) & 2047
		bloom[bit/8] |= 1 << (7 - bit%8)
	}
}

func bloomContains(bloom [256]byte, value []byte) bool {
	digest := types.HashBytes(value)
	for i := 0; i < 3; i++ {
		bit := (uint(digest[2*i])<<8 | uint(digest[2*i+1])) & 2047
		if bloom[bit/8]&(1<<(7-bit%8)) == 0 {
			return false
		}
	}
	return true
}

// Filter is the positional address/topic log query SPEC_FULL §6 describes:
// a missing Address means wildcard; a missing Topics[i] slot means
// wildcard at that position; a populated slot is an OR across its
// candidates.
type Filter struct {
	Addresses []types.Address
	Topics    [4][]types.Hash
}

// MatchesBloom reports whether a receipt's bloom filter is consistent with
// f, used to cheaply skip blocks/receipts before the exact per-log check.
// A filter component with no candidates never excludes a match.
func (f Filter) MatchesBloom(bloom [256]byte) bool {
	if len(f.Addresses) > 0 {
		ok := false
		for _, addr := range f.Addresses {
			if bloomContains(bloom, addr[:]) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, topics := range f.Topics {
		if len(topics) == 0 {
			continue
		}
		ok := false
		for _, t := range topics {
			if bloomContains(bloom, t[:]) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Matches reports whether a single log satisfies the filter exactly:
// address equality (if constrained) and, per topic position, membership in
// that position's OR-list (if constrained).
func (f Filter) Matches(l types.Log) bool {
	if len(f.Addresses) > 0 && !containsAddress(f.Addresses, l.Address) {
		return false
	}
	for i, candidates := range f.Topics {
		if len(candidates) == 0 {
			continue
		}
		if i >= len(l.Topics) || !containsHash(candidates, l.Topics[i]) {
			return false
		}
	}
	return true
}

func containsAddress(addrs []types.Address, addr types.Address) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}

func containsHash(hashes []types.Hash, h types.Hash) bool {
	for _, candidate := range hashes {
		if candidate == h {
			return true
		}
	}
	return false
}

// MatchingLogs returns every log across receipts that satisfies f, checking
// each receipt's bloom first to avoid scanning logs that cannot possibly
// match.
func MatchingLogs(receipts []types.Receipt, f Filter) []types.Log {
	var out []types.Log
	for _, r := range receipts {
		if !f.MatchesBloom(r.LogsBloom) {
			continue
		}
		for _, l := range r.Logs {
			if f.Matches(l) {
				out = append(out, l)
			}
		}
	}
	return out
}
