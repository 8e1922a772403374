// Package storage persists the four disjoint state categories of a
// committed chain (blocks, receipts, signed transactions, WAL) behind a
// narrow Store interface, so the bolt backend chosen here could be swapped
// for another key-value engine without touching consensus code.
package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/boltdb/bolt"

	"github.com/aegischain/aegis/internal/types"
)

var (
	bucketBlocks           = []byte("blocks")
	bucketBlockHashIndex   = []byte("block_hash_index")
	bucketReceipts         = []byte("receipts")
	bucketReceiptsByHeight = []byte("receipts_by_height")
	bucketSignedTxs        = []byte("signed_transactions")
	bucketWAL              = []byte("wal")
)

const (
	keyLatestHeight = "latest_height"
	keyLatestProof  = "latest_proof"
	keyEngineWAL    = "engine_wal"
	txWALPrefix     = "txwal:"
)

func heightKey(height uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], height)
	return b[:]
}

func decodeHeightKey(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func txWALKey(height uint64) []byte {
	return append([]byte(txWALPrefix), heightKey(height)...)
}

// Store is the persistence seam the Consensus Adapter and Tx WAL depend on.
// Every method is safe for concurrent use; bolt serializes writers
// internally and readers never block a writer.
type Store interface {
	PutBlock(block types.Block) error
	GetBlockByHeight(height uint64) (types.Block, error)
	GetBlockByHash(hash types.Hash) (types.Block, error)
	LatestBlock() (types.Block, error)
	LatestHeight() (uint64, error)

	PutProof(proof types.Proof) error
	LatestProof() (types.Proof, error)

	PutReceipts(height uint64, receipts []types.Receipt) error
	GetReceipt(txHash types.Hash) (types.Receipt, error)
	ReceiptsInRange(fromHeight, toHeight uint64) ([]types.Receipt, error)

	PutSignedTransactions(txs []types.SignedTransaction) error
	GetSignedTransaction(txHash types.Hash) (types.SignedTransaction, error)
	HasCommittedTx(txHash types.Hash) (bool, error)

	SaveTxWAL(height uint64, txs []types.SignedTransaction) error
	LoadTxWAL(height uint64) ([]types.SignedTransaction, error)
	AvailableWALHeights() ([]uint64, error)
	RemoveTxWAL(height uint64) error
	RemoveAllTxWAL() error

	PutEngineWAL(record types.WALRecord) error
	GetEngineWAL() (types.WALRecord, bool, error)

	Close() error
}

// BoltStore is the concrete bolt-backed Store.
type BoltStore struct {
	db *bolt.DB
}

// Open creates (or reuses) a bolt database at path and ensures all six
// top-level buckets exist.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: opening bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBlocks, bucketBlockHashIndex, bucketReceipts, bucketReceiptsByHeight, bucketSignedTxs, bucketWAL} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying bolt file handle.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutBlock persists a block under its height and records the hash-to-height
// index entry, then advances the latest-height sentinel.
func (s *BoltStore) PutBlock(block types.Block) error {
	height := block.Header.Height
	encoded := types.EncodeBlock(block)
	blockHash := types.HashHeader(block.Header)
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBlocks).Put(heightKey(height), encoded); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBlockHashIndex).Put(blockHash[:], heightKey(height)); err != nil {
			return err
		}
		return tx.Bucket(bucketWAL).Put([]byte(keyLatestHeight), heightKey(height))
	})
}

// GetBlockByHeight reads the block stored at height.
func (s *BoltStore) GetBlockByHeight(height uint64) (types.Block, error) {
	var out types.Block
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBlocks).Get(heightKey(height))
		if raw == nil {
			return ErrNotFound
		}
		b, err := types.DecodeBlock(raw)
		if err != nil {
			return fmt.Errorf("decoding block at height %d: %w", height, err)
		}
		out = b
		return nil
	})
	return out, err
}

// GetBlockByHash resolves hash to a height through the secondary index, then
// reads the block by height.
func (s *BoltStore) GetBlockByHash(hash types.Hash) (types.Block, error) {
	var height uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBlockHashIndex).Get(hash[:])
		if raw == nil {
			return ErrNotFound
		}
		height = decodeHeightKey(raw)
		return nil
	})
	if err != nil {
		return types.Block{}, err
	}
	return s.GetBlockByHeight(height)
}

// LatestBlock returns the block at the latest-height sentinel.
func (s *BoltStore) LatestBlock() (types.Block, error) {
	height, err := s.LatestHeight()
	if err != nil {
		return types.Block{}, err
	}
	return s.GetBlockByHeight(height)
}

// LatestHeight reads the latest-height sentinel.
func (s *BoltStore) LatestHeight() (uint64, error) {
	var height uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketWAL).Get([]byte(keyLatestHeight))
		if raw == nil {
			return ErrNotFound
		}
		height = decodeHeightKey(raw)
		return nil
	})
	return height, err
}

// PutProof persists proof under the single latest-proof sentinel key,
// replacing any earlier proof; the proof carries its own height, so a caller
// recovering mid-startup can tell which block it certifies.
func (s *BoltStore) PutProof(proof types.Proof) error {
	encoded := types.EncodeProof(proof)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWAL).Put([]byte(keyLatestProof), encoded)
	})
}

// LatestProof reads the latest-proof sentinel.
func (s *BoltStore) LatestProof() (types.Proof, error) {
	var out types.Proof
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketWAL).Get([]byte(keyLatestProof))
		if raw == nil {
			return ErrNotFound
		}
		p, err := types.DecodeProof(raw)
		if err != nil {
			return fmt.Errorf("decoding latest proof: %w", err)
		}
		out = p
		return nil
	})
	return out, err
}

// PutReceipts persists every receipt by tx hash and records the height
// index entry ReceiptsInRange scans.
func (s *BoltStore) PutReceipts(height uint64, receipts []types.Receipt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketReceipts)
		hashes := make([]types.Hash, 0, len(receipts))
		for _, r := range receipts {
			if err := rb.Put(r.TxHash[:], types.EncodeReceipt(r)); err != nil {
				return err
			}
			hashes = append(hashes, r.TxHash)
		}
		return tx.Bucket(bucketReceiptsByHeight).Put(heightKey(height), encodeHashList(hashes))
	})
}

// GetReceipt looks a receipt up directly by tx hash.
func (s *BoltStore) GetReceipt(txHash types.Hash) (types.Receipt, error) {
	var out types.Receipt
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketReceipts).Get(txHash[:])
		if raw == nil {
			return ErrNotFound
		}
		r, err := types.DecodeReceipt(raw)
		if err != nil {
			return fmt.Errorf("decoding receipt %x: %w", txHash[:], err)
		}
		out = r
		return nil
	})
	return out, err
}

// ReceiptsInRange walks the height index bucket for [fromHeight, toHeight]
// inclusive and resolves each recorded hash to its receipt. This is the
// read path RPC log queries bloom-filter by block before scanning.
func (s *BoltStore) ReceiptsInRange(fromHeight, toHeight uint64) ([]types.Receipt, error) {
	var out []types.Receipt
	err := s.db.View(func(tx *bolt.Tx) error {
		byHeight := tx.Bucket(bucketReceiptsByHeight)
		receipts := tx.Bucket(bucketReceipts)
		c := byHeight.Cursor()
		for k, v := c.Seek(heightKey(fromHeight)); k != nil && decodeHeightKey(k) <= toHeight; k, v = c.Next() {
			hashes, err := decodeHashList(v)
			if err != nil {
				return fmt.Errorf("decoding receipt index at height %d: %w", decodeHeightKey(k), err)
			}
			for _, h := range hashes {
				raw := receipts.Get(h[:])
				if raw == nil {
					continue
				}
				r, err := types.DecodeReceipt(raw)
				if err != nil {
					return fmt.Errorf("decoding receipt %x: %w", h[:], err)
				}
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

// PutSignedTransactions persists full transaction bodies by tx hash.
func (s *BoltStore) PutSignedTransactions(txs []types.SignedTransaction) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSignedTxs)
		for _, t := range txs {
			if err := b.Put(t.TxHash[:], types.EncodeSignedTransaction(t)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSignedTransaction reads a full transaction body by hash.
func (s *BoltStore) GetSignedTransaction(txHash types.Hash) (types.SignedTransaction, error) {
	var out types.SignedTransaction
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSignedTxs).Get(txHash[:])
		if raw == nil {
			return ErrNotFound
		}
		t, err := types.DecodeSignedTransaction(raw)
		if err != nil {
			return fmt.Errorf("decoding signed transaction %x: %w", txHash[:], err)
		}
		out = t
		return nil
	})
	return out, err
}

// HasCommittedTx is the mempool's CommitChecker probe: true once a
// transaction's body has been durably persisted post-commit.
func (s *BoltStore) HasCommittedTx(txHash types.Hash) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketSignedTxs).Get(txHash[:]) != nil
		return nil
	})
	return found, err
}

// SaveTxWAL writes the full ordered transaction list accepted for height,
// replacing the file-per-height model with a key-per-height bolt record.
func (s *BoltStore) SaveTxWAL(height uint64, txs []types.SignedTransaction) error {
	encoded := encodeTxList(txs)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWAL).Put(txWALKey(height), encoded)
	})
}

// LoadTxWAL recovers the transaction list saved for height.
func (s *BoltStore) LoadTxWAL(height uint64) ([]types.SignedTransaction, error) {
	var out []types.SignedTransaction
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketWAL).Get(txWALKey(height))
		if raw == nil {
			return ErrNotFound
		}
		txs, err := decodeTxList(raw)
		if err != nil {
			return fmt.Errorf("decoding tx wal at height %d: %w", height, err)
		}
		out = txs
		return nil
	})
	return out, err
}

// AvailableWALHeights lists every height with a pending Tx WAL record, used
// at startup to find unconfirmed proposals to replay.
func (s *BoltStore) AvailableWALHeights() ([]uint64, error) {
	var out []uint64
	prefix := []byte(txWALPrefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketWAL).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			out = append(out, decodeHeightKey(k[len(prefix):]))
		}
		return nil
	})
	return out, err
}

// RemoveTxWAL drops the per-height record once its block is durably
// committed.
func (s *BoltStore) RemoveTxWAL(height uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWAL).Delete(txWALKey(height))
	})
}

// RemoveAllTxWAL clears every pending Tx WAL record, used in tests and in
// the rare recovery path that decides to re-derive everything from storage.
func (s *BoltStore) RemoveAllTxWAL() error {
	heights, err := s.AvailableWALHeights()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWAL)
		for _, h := range heights {
			if err := b.Delete(txWALKey(h)); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutEngineWAL persists the BFT engine's current-round record, so a crash
// mid-round does not equivocate on restart.
func (s *BoltStore) PutEngineWAL(record types.WALRecord) error {
	encoded := types.EncodeWALRecord(record)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWAL).Put([]byte(keyEngineWAL), encoded)
	})
}

// GetEngineWAL reads the engine's current-round record; the bool return is
// false when none has ever been written (fresh chain).
func (s *BoltStore) GetEngineWAL() (types.WALRecord, bool, error) {
	var out types.WALRecord
	var present bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketWAL).Get([]byte(keyEngineWAL))
		if raw == nil {
			return nil
		}
		w, err := types.DecodeWALRecord(raw)
		if err != nil {
			return fmt.Errorf("decoding engine wal record: %w", err)
		}
		out = w
		present = true
		return nil
	})
	return out, present, err
}

func encodeHashList(hs []types.Hash) []byte {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(hs)))
	buf.Write(lenBuf[:])
	for _, h := range hs {
		buf.Write(h[:])
	}
	return buf.Bytes()
}

func decodeHashList(data []byte) ([]types.Hash, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("short hash list header")
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	out := make([]types.Hash, n)
	for i := range out {
		if len(data) < 32 {
			return nil, fmt.Errorf("truncated hash list")
		}
		copy(out[i][:], data[:32])
		data = data[32:]
	}
	return out, nil
}

func encodeTxList(txs []types.SignedTransaction) []byte {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(txs)))
	buf.Write(lenBuf[:])
	for _, t := range txs {
		encoded := types.EncodeSignedTransaction(t)
		var sizeBuf [4]byte
		binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(encoded)))
		buf.Write(sizeBuf[:])
		buf.Write(encoded)
	}
	return buf.Bytes()
}

func decodeTxList(data []byte) ([]types.SignedTransaction, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("short tx list header")
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	out := make([]types.SignedTransaction, n)
	for i := range out {
		if len(data) < 4 {
			return nil, fmt.Errorf("truncated tx list entry header")
		}
		size := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < size {
			return nil, fmt.Errorf("truncated tx list entry body")
		}
		tx, err := types.DecodeSignedTransaction(data[:size])
		if err != nil {
			return nil, err
		}
		out[i] = tx
		data = data[size:]
	}
	return out, nil
}
