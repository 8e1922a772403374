package consensus

import (
	"errors"
	"fmt"

	"github.com/aegischain/aegis/internal/crypto"
	"github.com/aegischain/aegis/internal/types"
)

var (
	ErrProofNoSigners      = errors.New("consensus: proof bitmap has no signers")
	ErrProofBadSignature   = errors.New("consensus: proof aggregate signature does not verify")
	ErrProofNoQuorum       = errors.New("consensus: proof signer weight does not reach quorum")
	ErrProofHeightMismatch = errors.New("consensus: proof height does not match target header")
)

// VerifyProof checks a quorum certificate against the validator set that was
// active when it was produced (SPEC_FULL §4.D): it extracts the signer set
// from the bitmap, rebuilds the precommit vote digest, checks the
// aggregated BLS signature, and checks that signer vote weight clears
// quorum. validators must already be in canonical (bitmap-indexed) order.
func VerifyProof(suite *crypto.BLSSuite, validators types.ValidatorSet, proof types.Proof) error {
	weight := signerWeight(validators, proof.Bitmap)
	if weight == 0 {
		return ErrProofNoSigners
	}
	if !hasQuorum(weight, validators.TotalVoteWeight()) {
		return fmt.Errorf("%w: %d of %d", ErrProofNoQuorum, weight, validators.TotalVoteWeight())
	}

	pubkeys := signerPublicKeys(validators, proof.Bitmap)
	aggPubkey, err := suite.AggregatePublicKeys(pubkeys)
	if err != nil {
		return fmt.Errorf("consensus: aggregating proof signer keys: %w", err)
	}

	digest := types.VoteDigest(proof.Height, proof.Round, types.VoteTypePrecommit, proof.BlockHash)
	ok, err := suite.VerifyAggregate(digest, proof.Signature, aggPubkey)
	if err != nil {
		return fmt.Errorf("consensus: verifying proof aggregate signature: %w", err)
	}
	if !ok {
		return ErrProofBadSignature
	}
	return nil
}
