package mining

import (
	"encoding/binary"
	"math"

	"golang.org/x/crypto/blake2b"

	"github.com/Pdpe/grin-miner/pkg/errors"
)

// ProofDifficulty computes the difficulty of a cycle proof: the maximum
// target divided by the leading 64 bits of the blake2b hash of the packed
// proof nonces. Higher is better.
func ProofDifficulty(pow []uint64) uint64 {
	packed := make([]byte, 8*len(pow))
	for i, n := range pow {
		binary.LittleEndian.PutUint64(packed[i*8:], n)
	}

	hash := blake2b.Sum256(packed)
	leading := binary.BigEndian.Uint64(hash[:8])
	if leading == 0 {
		return math.MaxUint64
	}
	return math.MaxUint64 / leading
}

// ValidateSolution performs the pre-submit checks on a solution against the
// job it claims to answer: proof shape and share difficulty. The cycle
// structure itself is the solver's responsibility and the server verifies it
// again; this only keeps obviously bad shares off the wire.
func ValidateSolution(sol *Solution, job *Job) error {
	if sol.JobID != job.ID {
		return errors.New(errors.ErrorTypeValidation, "share_check",
			"solution job id does not match job").
			WithContext("solution_job_id", sol.JobID).
			WithContext("job_id", job.ID)
	}

	if len(sol.Pow) != ProofSize {
		return errors.New(errors.ErrorTypeValidation, "share_check",
			"proof has wrong size").
			WithContext("proof_len", len(sol.Pow))
	}

	// Cycle nonces are emitted in ascending order
	for i := 1; i < len(sol.Pow); i++ {
		if sol.Pow[i] <= sol.Pow[i-1] {
			return errors.New(errors.ErrorTypeValidation, "share_check",
				"proof nonces not strictly ascending").
				WithContext("position", i)
		}
	}

	if diff := ProofDifficulty(sol.Pow); diff < job.Difficulty {
		return errors.New(errors.ErrorTypeValidation, "share_check",
			"share difficulty below job target").
			WithContext("share_difficulty", diff).
			WithContext("job_difficulty", job.Difficulty)
	}

	return nil
}
