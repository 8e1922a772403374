package consensus

import (
	"math/big"
	"testing"

	"github.com/aegischain/aegis/internal/crypto"
	"github.com/aegischain/aegis/internal/types"
)

// signedValidatorSet generates n validators with real BLS keypairs and
// returns the set alongside each validator's private key, indexed the same
// way.
func signedValidatorSet(t *testing.T, suite *crypto.BLSSuite, n int) (types.ValidatorSet, [][]byte) {
	t.Helper()
	validators := make([]types.Validator, n)
	privs := make([][]byte, n)
	for i := 0; i < n; i++ {
		priv, err := crypto.GenerateBLSPrivateKey()
		if err != nil {
			t.Fatalf("generating BLS key %d: %v", i, err)
		}
		var a types.Address
		a[19] = byte(i + 1)
		validators[i] = types.Validator{
			Address:      a,
			VoteWeight:   1,
			ProposeWeight: 1,
			BLSPublicKey: suite.BLSPublicKey(priv),
		}
		privs[i] = priv.Bytes()
	}
	vs := types.ValidatorSet{Validators: validators}.Sorted()
	// re-derive privs in the sorted order by matching addresses, since
	// Sorted() may have reordered validators relative to privs.
	ordered := make([][]byte, n)
	for i, v := range vs.Validators {
		for j := 0; j < n; j++ {
			if validators[j].Address == v.Address {
				ordered[i] = privs[j]
			}
		}
	}
	return vs, ordered
}

func buildQuorumProof(t *testing.T, suite *crypto.BLSSuite, vs types.ValidatorSet, privBytes [][]byte, height, round uint64, blockHash types.Hash, signerCount int) types.Proof {
	t.Helper()
	digest := types.VoteDigest(height, round, types.VoteTypePrecommit, blockHash)
	bitmap := types.NewBitmap(len(vs.Validators))
	var sigs [][]byte
	for i := 0; i < signerCount; i++ {
		priv := new(big.Int).SetBytes(privBytes[i])
		sig := suite.Sign(priv, digest)
		sigs = append(sigs, sig)
		bitmap.Set(i)
	}
	agg, err := suite.AggregateSignatures(sigs)
	if err != nil {
		t.Fatalf("aggregating signatures: %v", err)
	}
	return types.Proof{Height: height, Round: round, BlockHash: blockHash, Bitmap: bitmap, Signature: agg}
}

func TestVerifyProofAcceptsValidQuorumCertificate(t *testing.T) {
	suite := crypto.NewBLSSuite()
	vs, privs := signedValidatorSet(t, suite, 4)
	var blockHash types.Hash
	blockHash[0] = 0x42

	proof := buildQuorumProof(t, suite, vs, privs, 10, 0, blockHash, 3)
	if err := VerifyProof(suite, vs, proof); err != nil {
		t.Fatalf("VerifyProof() = %v, want nil for a valid 3-of-4 quorum", err)
	}
}

func TestVerifyProofRejectsSubQuorumSignerSet(t *testing.T) {
	suite := crypto.NewBLSSuite()
	vs, privs := signedValidatorSet(t, suite, 4)
	var blockHash types.Hash
	blockHash[0] = 0x42

	proof := buildQuorumProof(t, suite, vs, privs, 10, 0, blockHash, 2)
	if err := VerifyProof(suite, vs, proof); err == nil {
		t.Fatalf("VerifyProof() = nil, want an error for a 2-of-4 (sub-quorum) signer set")
	}
}

func TestVerifyProofRejectsTamperedBlockHash(t *testing.T) {
	suite := crypto.NewBLSSuite()
	vs, privs := signedValidatorSet(t, suite, 4)
	var blockHash, otherHash types.Hash
	blockHash[0] = 0x42
	otherHash[0] = 0x43

	proof := buildQuorumProof(t, suite, vs, privs, 10, 0, blockHash, 3)
	proof.BlockHash = otherHash
	if err := VerifyProof(suite, vs, proof); err == nil {
		t.Fatalf("VerifyProof() = nil, want an error when the block hash is swapped after signing")
	}
}

func TestVerifyProofRejectsEmptyBitmap(t *testing.T) {
	suite := crypto.NewBLSSuite()
	vs, _ := signedValidatorSet(t, suite, 4)
	proof := types.Proof{Height: 10, Bitmap: types.NewBitmap(len(vs.Validators))}
	if err := VerifyProof(suite, vs, proof); err == nil {
		t.Fatalf("VerifyProof() = nil, want ErrProofNoSigners for an empty bitmap")
	}
}
