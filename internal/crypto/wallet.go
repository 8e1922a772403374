package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aegischain/aegis/internal/types"
)

var (
	ErrWalletKeyInit     = errors.New("crypto: wallet key initialization error")
	ErrWalletKeyNotFound = errors.New("crypto: wallet key file not found")
	ErrWalletKeyCorrupted = errors.New("crypto: wallet key file corrupted or invalid format")
	ErrWalletKeySave     = errors.New("crypto: failed to save wallet key")
	ErrWalletKeyLoad     = errors.New("crypto: failed to load wallet key")
)

// WalletKey bundles a validator/account secp256k1 key pair with its derived
// Address, mirroring the reference project's wallet abstraction.
type WalletKey struct {
	mu      sync.RWMutex
	priv    *PrivateKey
	pub     *PublicKey
	address types.Address
}

// NewWalletKey generates a fresh wallet key.
func NewWalletKey() (*WalletKey, error) {
	priv, err := GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWalletKeyInit, err)
	}
	pub := priv.Public()
	addr, err := AddressFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving address: %v", ErrWalletKeyInit, err)
	}
	return &WalletKey{priv: priv, pub: pub, address: addr}, nil
}

func (wk *WalletKey) PrivateKey() *PrivateKey {
	wk.mu.RLock()
	defer wk.mu.RUnlock()
	return wk.priv
}

func (wk *WalletKey) PublicKey() *PublicKey {
	wk.mu.RLock()
	defer wk.mu.RUnlock()
	return wk.pub
}

func (wk *WalletKey) Address() types.Address {
	wk.mu.RLock()
	defer wk.mu.RUnlock()
	return wk.address
}

// Save writes the private key scalar, hex-encoded, to filePath with
// owner-only permissions. Password-based encryption is intentionally not
// offered here: key-at-rest encryption policy belongs to the out-of-scope
// CLI/config layer, not this package.
func (wk *WalletKey) Save(filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: creating directory %s: %v", ErrWalletKeySave, dir, err)
	}
	encoded := hex.EncodeToString(wk.PrivateKey().Bytes())
	if err := os.WriteFile(filePath, []byte(encoded+"\n"), 0600); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrWalletKeySave, filePath, err)
	}
	return nil
}

// LoadWalletKey reads a hex-encoded private key scalar from filePath.
func LoadWalletKey(filePath string) (*WalletKey, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrWalletKeyNotFound, filePath)
		}
		return nil, fmt.Errorf("%w: reading %s: %v", ErrWalletKeyLoad, filePath, err)
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWalletKeyCorrupted, err)
	}
	priv, err := PrivateKeyFromBytes(decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWalletKeyCorrupted, err)
	}
	pub := priv.Public()
	addr, err := AddressFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving address: %v", ErrWalletKeyCorrupted, err)
	}
	return &WalletKey{priv: priv, pub: pub, address: addr}, nil
}
