package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Canonical binary codec: fixed-width fields in declaration order, variable
// length fields (byte slices, lists) are length-prefixed with a big-endian
// uint32. No protobuf toolchain is available in this environment and
// SPEC_FULL §6 leaves the exact wire format to the implementer, so this is a
// hand-rolled stdlib codec (see DESIGN.md for the justification). The only
// requirement SPEC_FULL imposes is round-trip stability and preserved list
// ordering, both of which this format gives for free.

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	out := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func writeHash(buf *bytes.Buffer, h Hash) { buf.Write(h[:]) }

func readHash(r *bytes.Reader) (Hash, error) {
	var h Hash
	if _, err := r.Read(h[:]); err != nil {
		return h, err
	}
	return h, nil
}

func writeAddress(buf *bytes.Buffer, a Address) { buf.Write(a[:]) }

func readAddress(r *bytes.Reader) (Address, error) {
	var a Address
	if _, err := r.Read(a[:]); err != nil {
		return a, err
	}
	return a, nil
}

func writeHashList(buf *bytes.Buffer, hs []Hash) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(hs)))
	buf.Write(lenBuf[:])
	for _, h := range hs {
		writeHash(buf, h)
	}
}

func readHashList(r *bytes.Reader) ([]Hash, error) {
	var lenBuf [4]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	out := make([]Hash, n)
	for i := range out {
		h, err := readHash(r)
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}

func writeValidatorSet(buf *bytes.Buffer, vs ValidatorSet) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(vs.Validators)))
	buf.Write(lenBuf[:])
	for _, v := range vs.Validators {
		writeAddress(buf, v.Address)
		writeUint64(buf, uint64(v.ProposeWeight))
		writeUint64(buf, uint64(v.VoteWeight))
		writeBytes(buf, v.BLSPublicKey)
	}
}

func readValidatorSet(r *bytes.Reader) (ValidatorSet, error) {
	var lenBuf [4]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return ValidatorSet{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	out := make([]Validator, n)
	for i := range out {
		addr, err := readAddress(r)
		if err != nil {
			return ValidatorSet{}, err
		}
		pw, err := readUint64(r)
		if err != nil {
			return ValidatorSet{}, err
		}
		vw, err := readUint64(r)
		if err != nil {
			return ValidatorSet{}, err
		}
		bls, err := readBytes(r)
		if err != nil {
			return ValidatorSet{}, err
		}
		out[i] = Validator{Address: addr, ProposeWeight: uint32(pw), VoteWeight: uint32(vw), BLSPublicKey: bls}
	}
	return ValidatorSet{Validators: out}, nil
}

// EncodeProof writes the canonical form of a Proof.
func EncodeProof(p Proof) []byte {
	var buf bytes.Buffer
	writeUint64(&buf, p.Height)
	writeUint64(&buf, p.Round)
	writeHash(&buf, p.BlockHash)
	writeBytes(&buf, p.Bitmap)
	writeBytes(&buf, p.Signature)
	return buf.Bytes()
}

// DecodeProof parses bytes produced by EncodeProof.
func DecodeProof(data []byte) (Proof, error) {
	r := bytes.NewReader(data)
	var p Proof
	var err error
	if p.Height, err = readUint64(r); err != nil {
		return p, fmt.Errorf("decode proof height: %w", err)
	}
	if p.Round, err = readUint64(r); err != nil {
		return p, fmt.Errorf("decode proof round: %w", err)
	}
	if p.BlockHash, err = readHash(r); err != nil {
		return p, fmt.Errorf("decode proof block hash: %w", err)
	}
	bm, err := readBytes(r)
	if err != nil {
		return p, fmt.Errorf("decode proof bitmap: %w", err)
	}
	p.Bitmap = Bitmap(bm)
	if p.Signature, err = readBytes(r); err != nil {
		return p, fmt.Errorf("decode proof signature: %w", err)
	}
	return p, nil
}

func encodeHeader(buf *bytes.Buffer, h Header) {
	writeHash(buf, h.ChainID)
	writeUint64(buf, h.Height)
	writeUint64(buf, h.ExecHeight)
	writeHash(buf, h.PrevHash)
	writeUint64(buf, h.Timestamp)
	writeHash(buf, h.OrderRoot)
	writeHash(buf, h.OrderSignedTransactionsHash)
	writeHashList(buf, h.ConfirmRoots)
	writeHashList(buf, h.StateRoots)
	writeHashList(buf, h.ReceiptRoots)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(h.CyclesUsed)))
	buf.Write(lenBuf[:])
	for _, c := range h.CyclesUsed {
		writeUint64(buf, c.Height)
		writeUint64(buf, c.Cycles)
	}
	writeAddress(buf, h.ProposerAddress)
	buf.Write(EncodeProof(h.Proof))
	writeUint64(buf, h.ValidatorVersion)
	writeValidatorSet(buf, h.Validators)
}

// EncodeHeader writes the canonical form of a Header.
func EncodeHeader(h Header) []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, h)
	return buf.Bytes()
}

// DecodeHeader parses bytes produced by EncodeHeader.
func DecodeHeader(data []byte) (Header, error) {
	return decodeHeader(bytes.NewReader(data))
}

// decodeHeader reads one header off r and returns it, leaving the reader
// positioned at the first byte after the header so callers that embed a
// header inside a larger frame (Block) can keep reading from the same
// reader instead of re-deriving the header's encoded length.
func decodeHeader(r *bytes.Reader) (Header, error) {
	var h Header
	var err error
	if h.ChainID, err = readHash(r); err != nil {
		return h, err
	}
	if h.Height, err = readUint64(r); err != nil {
		return h, err
	}
	if h.ExecHeight, err = readUint64(r); err != nil {
		return h, err
	}
	if h.PrevHash, err = readHash(r); err != nil {
		return h, err
	}
	if h.Timestamp, err = readUint64(r); err != nil {
		return h, err
	}
	if h.OrderRoot, err = readHash(r); err != nil {
		return h, err
	}
	if h.OrderSignedTransactionsHash, err = readHash(r); err != nil {
		return h, err
	}
	if h.ConfirmRoots, err = readHashList(r); err != nil {
		return h, err
	}
	if h.StateRoots, err = readHashList(r); err != nil {
		return h, err
	}
	if h.ReceiptRoots, err = readHashList(r); err != nil {
		return h, err
	}
	var lenBuf [4]byte
	if _, err = r.Read(lenBuf[:]); err != nil {
		return h, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	h.CyclesUsed = make([]CyclesUsed, n)
	for i := range h.CyclesUsed {
		height, err := readUint64(r)
		if err != nil {
			return h, err
		}
		cycles, err := readUint64(r)
		if err != nil {
			return h, err
		}
		h.CyclesUsed[i] = CyclesUsed{Height: height, Cycles: cycles}
	}
	if h.ProposerAddress, err = readAddress(r); err != nil {
		return h, err
	}
	// Proof is embedded inline; decode it by consuming the remaining fixed
	// fields directly off the same reader rather than re-slicing, since
	// EncodeProof's shape is self-delimiting when read field by field.
	proofHeight, err := readUint64(r)
	if err != nil {
		return h, err
	}
	proofRound, err := readUint64(r)
	if err != nil {
		return h, err
	}
	proofHash, err := readHash(r)
	if err != nil {
		return h, err
	}
	proofBitmap, err := readBytes(r)
	if err != nil {
		return h, err
	}
	proofSig, err := readBytes(r)
	if err != nil {
		return h, err
	}
	h.Proof = Proof{Height: proofHeight, Round: proofRound, BlockHash: proofHash, Bitmap: Bitmap(proofBitmap), Signature: proofSig}
	if h.ValidatorVersion, err = readUint64(r); err != nil {
		return h, err
	}
	if h.Validators, err = readValidatorSet(r); err != nil {
		return h, err
	}
	return h, nil
}

// EncodeBlock writes the canonical form of a Block.
func EncodeBlock(b Block) []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, b.Header)
	writeHashList(&buf, b.TxHashes)
	return buf.Bytes()
}

// DecodeBlock parses bytes produced by EncodeBlock.
func DecodeBlock(data []byte) (Block, error) {
	r := bytes.NewReader(data)
	h, err := decodeHeader(r)
	if err != nil {
		return Block{}, fmt.Errorf("decode block header: %w", err)
	}
	hashes, err := readHashList(r)
	if err != nil {
		return Block{}, fmt.Errorf("decode block tx hashes: %w", err)
	}
	return Block{Header: h, TxHashes: hashes}, nil
}

// EncodeSignedTransaction writes the canonical form of a SignedTransaction.
func EncodeSignedTransaction(tx SignedTransaction) []byte {
	var buf bytes.Buffer
	writeHash(&buf, tx.Raw.ChainID)
	writeHash(&buf, tx.Raw.Nonce)
	writeUint64(&buf, tx.Raw.TimeoutHeight)
	writeUint64(&buf, tx.Raw.CyclesPrice)
	writeUint64(&buf, tx.Raw.CyclesLimit)
	writeBytes(&buf, []byte(tx.Raw.Service))
	writeBytes(&buf, []byte(tx.Raw.Method))
	writeBytes(&buf, tx.Raw.Payload)
	writeHash(&buf, tx.TxHash)
	writeBytes(&buf, tx.Pubkey)
	writeBytes(&buf, tx.Signature)
	return buf.Bytes()
}

// DecodeSignedTransaction parses bytes produced by EncodeSignedTransaction.
func DecodeSignedTransaction(data []byte) (SignedTransaction, error) {
	r := bytes.NewReader(data)
	var tx SignedTransaction
	var err error
	if tx.Raw.ChainID, err = readHash(r); err != nil {
		return tx, err
	}
	if tx.Raw.Nonce, err = readHash(r); err != nil {
		return tx, err
	}
	if tx.Raw.TimeoutHeight, err = readUint64(r); err != nil {
		return tx, err
	}
	if tx.Raw.CyclesPrice, err = readUint64(r); err != nil {
		return tx, err
	}
	if tx.Raw.CyclesLimit, err = readUint64(r); err != nil {
		return tx, err
	}
	service, err := readBytes(r)
	if err != nil {
		return tx, err
	}
	tx.Raw.Service = string(service)
	method, err := readBytes(r)
	if err != nil {
		return tx, err
	}
	tx.Raw.Method = string(method)
	if tx.Raw.Payload, err = readBytes(r); err != nil {
		return tx, err
	}
	if tx.TxHash, err = readHash(r); err != nil {
		return tx, err
	}
	if tx.Pubkey, err = readBytes(r); err != nil {
		return tx, err
	}
	if tx.Signature, err = readBytes(r); err != nil {
		return tx, err
	}
	return tx, nil
}

// EncodeWALRecord writes the canonical form of a WALRecord.
func EncodeWALRecord(w WALRecord) []byte {
	var buf bytes.Buffer
	writeUint64(&buf, w.Height)
	writeUint64(&buf, w.Round)
	writeBytes(&buf, []byte(w.Step))
	if w.HasLock && w.LockedProposal != nil {
		buf.WriteByte(1)
		buf.Write(EncodeBlock(*w.LockedProposal))
	} else {
		buf.WriteByte(0)
	}
	writeUint64(&buf, w.LockedRound)
	return buf.Bytes()
}

// DecodeWALRecord parses bytes produced by EncodeWALRecord.
func DecodeWALRecord(data []byte) (WALRecord, error) {
	r := bytes.NewReader(data)
	var w WALRecord
	var err error
	if w.Height, err = readUint64(r); err != nil {
		return w, fmt.Errorf("decode wal record height: %w", err)
	}
	if w.Round, err = readUint64(r); err != nil {
		return w, fmt.Errorf("decode wal record round: %w", err)
	}
	step, err := readBytes(r)
	if err != nil {
		return w, fmt.Errorf("decode wal record step: %w", err)
	}
	w.Step = string(step)
	hasLock, err := r.ReadByte()
	if err != nil {
		return w, fmt.Errorf("decode wal record lock flag: %w", err)
	}
	if hasLock == 1 {
		h, err := decodeHeader(r)
		if err != nil {
			return w, fmt.Errorf("decode wal record locked proposal header: %w", err)
		}
		hashes, err := readHashList(r)
		if err != nil {
			return w, fmt.Errorf("decode wal record locked proposal tx hashes: %w", err)
		}
		block := Block{Header: h, TxHashes: hashes}
		w.LockedProposal = &block
		w.HasLock = true
	}
	if w.LockedRound, err = readUint64(r); err != nil {
		return w, fmt.Errorf("decode wal record locked round: %w", err)
	}
	return w, nil
}

// EncodeReceipt writes the canonical form of a Receipt.
func EncodeReceipt(rc Receipt) []byte {
	var buf bytes.Buffer
	writeHash(&buf, rc.TxHash)
	writeUint64(&buf, rc.Height)
	writeUint64(&buf, rc.CyclesUsed)
	writeHash(&buf, rc.StateRoot)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(rc.Logs)))
	buf.Write(lenBuf[:])
	for _, lg := range rc.Logs {
		writeAddress(&buf, lg.Address)
		writeHashList(&buf, lg.Topics)
		writeBytes(&buf, lg.Data)
	}
	buf.Write(rc.LogsBloom[:])
	if rc.IsError {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeBytes(&buf, rc.Ret)
	return buf.Bytes()
}

// DecodeReceipt parses bytes produced by EncodeReceipt.
func DecodeReceipt(data []byte) (Receipt, error) {
	r := bytes.NewReader(data)
	var rc Receipt
	var err error
	if rc.TxHash, err = readHash(r); err != nil {
		return rc, err
	}
	if rc.Height, err = readUint64(r); err != nil {
		return rc, err
	}
	if rc.CyclesUsed, err = readUint64(r); err != nil {
		return rc, err
	}
	if rc.StateRoot, err = readHash(r); err != nil {
		return rc, err
	}
	var lenBuf [4]byte
	if _, err = r.Read(lenBuf[:]); err != nil {
		return rc, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	rc.Logs = make([]Log, n)
	for i := range rc.Logs {
		addr, err := readAddress(r)
		if err != nil {
			return rc, err
		}
		topics, err := readHashList(r)
		if err != nil {
			return rc, err
		}
		data, err := readBytes(r)
		if err != nil {
			return rc, err
		}
		rc.Logs[i] = Log{Address: addr, Topics: topics, Data: data}
	}
	if _, err = r.Read(rc.LogsBloom[:]); err != nil {
		return rc, err
	}
	errByte, err := r.ReadByte()
	if err != nil {
		return rc, err
	}
	rc.IsError = errByte == 1
	if rc.Ret, err = readBytes(r); err != nil {
		return rc, err
	}
	return rc, nil
}
