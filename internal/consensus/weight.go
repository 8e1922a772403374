package consensus

import "github.com/aegischain/aegis/internal/types"

// signerWeight sums the vote weight of every validator whose bit is set in
// bitmap, against vs in its canonical (bitmap-indexed) order. Kept as a pure
// function, separate from signature verification, per SPEC_FULL §9's
// separation-of-concerns guidance for verify_proof.
func signerWeight(vs types.ValidatorSet, bitmap types.Bitmap) uint64 {
	var weight uint64
	for i, v := range vs.Validators {
		if bitmap.IsSet(i) {
			weight += uint64(v.VoteWeight)
		}
	}
	return weight
}

// signerPublicKeys collects the BLS public keys of every set bit in bitmap,
// in bitmap order, for aggregate-signature verification.
func signerPublicKeys(vs types.ValidatorSet, bitmap types.Bitmap) [][]byte {
	var keys [][]byte
	for i, v := range vs.Validators {
		if bitmap.IsSet(i) {
			keys = append(keys, v.BLSPublicKey)
		}
	}
	return keys
}

// hasQuorum reports whether weight accounts for more than two thirds of
// total, using the spec's exact integer form (weight*3 > total*2) so no
// floating point rounding can admit a sub-quorum certificate.
func hasQuorum(weight, total uint64) bool {
	return weight*3 > total*2
}
