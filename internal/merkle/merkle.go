// Package merkle computes the order root: the merkle root over a block's
// ordered transaction hashes (SPEC_FULL §3, §8 property 9).
package merkle

import (
	"errors"

	"github.com/aegischain/aegis/internal/types"
)

const (
	leafTag byte = 0x00
	nodeTag byte = 0x01
)

var ErrEmpty = errors.New("merkle: empty hash list")

// Root computes the order root over an ordered list of transaction hashes
// using tagged pairwise hashing with odd-node carry-forward, the same shape
// used by the pack's one working Go merkle implementation.
func Root(hashes []types.Hash) (types.Hash, error) {
	if len(hashes) == 0 {
		return types.Hash{}, ErrEmpty
	}

	level := make([]types.Hash, len(hashes))
	leafBuf := make([]byte, 1+32)
	leafBuf[0] = leafTag
	for i, h := range hashes {
		copy(leafBuf[1:], h[:])
		level[i] = types.HashBytes(leafBuf)
	}

	nodeBuf := make([]byte, 1+32+32)
	nodeBuf[0] = nodeTag
	for len(level) > 1 {
		next := make([]types.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); {
			if i == len(level)-1 {
				// Odd node at this level: carry forward unchanged rather
				// than duplicating it, so the tree shape stays a function
				// of the input length alone.
				next = append(next, level[i])
				i++
				continue
			}
			copy(nodeBuf[1:33], level[i][:])
			copy(nodeBuf[33:], level[i+1][:])
			next = append(next, types.HashBytes(nodeBuf))
			i += 2
		}
		level = next
	}
	return level[0], nil
}
