package types

import (
	"encoding/binary"

	"lukechampine.com/blake3"
)

// HashBytes is the canonical hasher used for headers, vote digests, and the
// order-signed-transactions hash. blake3 is kept distinct from the blake2b
// used for address derivation (internal/crypto) per SPEC_FULL §1.2.
func HashBytes(b []byte) Hash {
	sum := blake3.Sum256(b)
	return Hash(sum)
}

// HashHeader computes a block's canonical hash from its encoded header.
func HashHeader(h Header) Hash {
	return HashBytes(EncodeHeader(h))
}

// VoteType distinguishes prevote from precommit vote digests.
type VoteType byte

const (
	VoteTypePrevote   VoteType = 1
	VoteTypePrecommit VoteType = 2
)

// VoteDigest builds the fixed-length digest signed by validators for a vote,
// per SPEC_FULL §4.D's crypto detail floor: {height, round, vote_type,
// block_hash}.
func VoteDigest(height, round uint64, voteType VoteType, blockHash Hash) Hash {
	buf := make([]byte, 8+8+1+32)
	binary.BigEndian.PutUint64(buf[0:8], height)
	binary.BigEndian.PutUint64(buf[8:16], round)
	buf[16] = byte(voteType)
	copy(buf[17:], blockHash[:])
	return HashBytes(buf)
}

// OrderSignedTransactionsHash digests the serialized ordered signed
// transactions, distinct from the merkle order root over tx hashes.
func OrderSignedTransactionsHash(txs []SignedTransaction) Hash {
	h := blake3.New(32, nil)
	for _, tx := range txs {
		encoded := EncodeSignedTransaction(tx)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
		h.Write(lenBuf[:])
		h.Write(encoded)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// TxHash computes the canonical hash of a raw transaction's content.
func TxHash(raw RawTransaction) Hash {
	var buf []byte
	buf = append(buf, raw.ChainID[:]...)
	buf = append(buf, raw.Nonce[:]...)
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp, raw.TimeoutHeight)
	buf = append(buf, tmp...)
	binary.BigEndian.PutUint64(tmp, raw.CyclesPrice)
	buf = append(buf, tmp...)
	binary.BigEndian.PutUint64(tmp, raw.CyclesLimit)
	buf = append(buf, tmp...)
	buf = append(buf, []byte(raw.Service)...)
	buf = append(buf, []byte(raw.Method)...)
	buf = append(buf, raw.Payload...)
	return HashBytes(buf)
}
