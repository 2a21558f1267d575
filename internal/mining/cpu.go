package mining

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

func init() {
	RegisterFamily("cpu", func(index, edgeBits int) Solver {
		return newCPUSolver(index, edgeBits)
	})
}

// cpuSolver is the built-in CPU solver family. It performs a simulated
// cycle search: a deterministic blake2b chain over the header and nonce
// stands in for graph trimming, and a proof is derived from the chain when
// the hash clears the configured find rate. Real GPU families plug in
// through the same Solver contract.
type cpuSolver struct {
	index    int
	edgeBits int

	// rate is the mean number of attempts per found proof
	rate uint64
	// work is the number of hash rounds per attempt
	work int
}

const (
	cpuDefaultRate = 5000
	cpuDefaultWork = 256
	// cancellation is checked every cancelCheckInterval hash rounds
	cancelCheckInterval = 32
)

func newCPUSolver(index, edgeBits int) *cpuSolver {
	return &cpuSolver{
		index:    index,
		edgeBits: edgeBits,
		rate:     cpuDefaultRate,
		work:     cpuDefaultWork,
	}
}

// Name returns the device name
func (s *cpuSolver) Name() string {
	return fmt.Sprintf("cpu-%d (c%d)", s.index, s.edgeBits)
}

// Init applies tuning parameters: "rate" (attempts per solution) and
// "work" (hash rounds per attempt).
func (s *cpuSolver) Init(params map[string]string) error {
	if v, ok := params["rate"]; ok {
		rate, err := strconv.ParseUint(v, 10, 64)
		if err != nil || rate == 0 {
			return fmt.Errorf("invalid rate param %q", v)
		}
		s.rate = rate
	}

	if v, ok := params["work"]; ok {
		work, err := strconv.Atoi(v)
		if err != nil || work <= 0 {
			return fmt.Errorf("invalid work param %q", v)
		}
		s.work = work
	}

	return nil
}

// Attempt runs one simulated graph search. Deterministic in (prePow, nonce).
func (s *cpuSolver) Attempt(ctx context.Context, prePow []byte, nonce uint64) ([]uint64, error) {
	header := make([]byte, 0, len(prePow)+8)
	header = append(header, prePow...)
	header = binary.LittleEndian.AppendUint64(header, nonce)

	cur := blake2b.Sum256(header)
	for i := 0; i < s.work; i++ {
		if i%cancelCheckInterval == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		cur = blake2b.Sum256(cur[:])
	}

	if binary.LittleEndian.Uint64(cur[:8])%s.rate != 0 {
		return nil, nil
	}

	return s.deriveProof(cur), nil
}

// deriveProof expands the chain hash into a strictly ascending cycle proof
// within the edge space.
func (s *cpuSolver) deriveProof(seed [32]byte) []uint64 {
	// Keep the cumulative sum inside 2^edgeBits
	maxDelta := (uint64(1) << s.edgeBits) / (ProofSize * 2)
	if maxDelta < 2 {
		maxDelta = 2
	}

	pow := make([]uint64, ProofSize)
	cur := seed
	var edge uint64
	for i := range pow {
		cur = blake2b.Sum256(append(cur[:], byte(i)))
		edge += 1 + binary.LittleEndian.Uint64(cur[:8])%maxDelta
		pow[i] = edge
	}
	return pow
}

// Release frees solver resources; the CPU family holds none
func (s *cpuSolver) Release() {}
