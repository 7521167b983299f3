package erpcgo

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
)

// PRNG is a pseudo random number generator keyed off a 32 byte seed.
// It is goroutine safe. Used for SM token generation and the
// fault-injection drop roll (SPEC_FULL.md sections 4.2 and 4.12),
// grounded directly on github.com/glycerine/blake3's XOF
// reader rather than the teacher's internal hash subpackage wrapper.
type PRNG struct {
	mut        sync.Mutex
	seed       [32]byte
	hasher     *blake3.Hasher
	readOffset int64
}

func NewPRNG(seed [32]byte) *PRNG {
	return &PRNG{
		seed:   seed,
		hasher: blake3.New(64, seed[:]),
	}
}

func (rng *PRNG) Reseed(seed [32]byte) {
	rng.mut.Lock()
	defer rng.mut.Unlock()

	rng.seed = seed
	rng.hasher = blake3.New(64, seed[:])
	rng.readOffset = 0
}

func (rng *PRNG) Read(p []byte) (n int, err error) {
	rng.mut.Lock()
	defer rng.mut.Unlock()
	return rng.readXOFLocked(p)
}

// readXOFLocked must be called with rng.mut held.
func (rng *PRNG) readXOFLocked(p []byte) (n int, err error) {
	r := rng.hasher.XOF()
	nr := int64(len(p))
	if _, err := r.Seek(rng.readOffset, io.SeekStart); err != nil {
		return 0, err
	}
	rng.readOffset += nr
	n, err = r.Read(p)
	if n != len(p) {
		panic("short read from blake3 XOF")
	}
	return
}

// Uint64 satisfies the math/rand/v2 Source interface.
func (rng *PRNG) Uint64() uint64 {
	b := make([]byte, 8)
	rng.Read(b)
	return binary.LittleEndian.Uint64(b)
}

// NewCallID returns a URL-safe pseudo-random token, used for the SM
// connect/disconnect dedup token (SPEC_FULL.md section 4.2).
func (rng *PRNG) NewCallID() string {
	rng.mut.Lock()
	defer rng.mut.Unlock()

	var pseudo [21]byte
	rng.readXOFLocked(pseudo[:])
	return cristalbase64.URLEncoding.EncodeToString(pseudo[:])
}

func (rng *PRNG) Rand15B() string {
	rng.mut.Lock()
	defer rng.mut.Unlock()

	var by [15]byte // 16 and 17 get '=' padding.
	rng.readXOFLocked(by[:])
	return cristalbase64.URLEncoding.EncodeToString(by[:])
}

// PseudoRandNonNegInt64 returns r >= 0.
func (rng *PRNG) PseudoRandNonNegInt64() (r int64) {
	rng.mut.Lock()
	defer rng.mut.Unlock()

	b := make([]byte, 8)
	rng.readXOFLocked(b)
	r = int64(binary.LittleEndian.Uint64(b))
	if r < 0 {
		if r == math.MinInt64 {
			return 0
		}
		r = -r
	}
	return r
}

// PseudoRandPositiveInt64 returns r > 0.
func (rng *PRNG) PseudoRandPositiveInt64() (r int64) {
	for {
		r = rng.PseudoRandNonNegInt64()
		if r != math.MaxInt64 {
			break
		}
	}
	return r + 1
}

// PseudoRandInt64 returns r across the full int64 range.
func (rng *PRNG) PseudoRandInt64() (r int64) {
	rng.mut.Lock()
	defer rng.mut.Unlock()

	b := make([]byte, 8)
	rng.readXOFLocked(b)
	return int64(binary.LittleEndian.Uint64(b))
}

func (rng *PRNG) PseudoRandBool() (b bool) {
	rng.mut.Lock()
	by := make([]byte, 1)
	rng.readXOFLocked(by)
	rng.mut.Unlock()
	return by[0]%2 == 0
}

// PseudoRandNonNegInt64Range returns r in [0, nChoices) using a
// rejection scheme that avoids modulo bias. nChoices must be > 1.
func (rng *PRNG) PseudoRandNonNegInt64Range(nChoices int64) (r int64) {
	rng.mut.Lock()
	defer rng.mut.Unlock()
	return rng.blake3RandNonNegInt64RangeLocked(nChoices)
}

// blake3RandNonNegInt64RangeLocked must be called with rng.mut held.
func (rng *PRNG) blake3RandNonNegInt64RangeLocked(nChoices int64) (r int64) {
	if nChoices <= 1 {
		panic(fmt.Sprintf("nChoices must be in [2, MaxInt64]; we see %v", nChoices))
	}

	b := make([]byte, 8)
	if nChoices == math.MaxInt64 {
		rng.readXOFLocked(b)
		r = int64(binary.LittleEndian.Uint64(b))
		if r < 0 {
			if r == math.MinInt64 {
				return 0
			}
			r = -r
		}
		return r
	}

	// Accept all draws <= redrawAbove and reduce modulo nChoices;
	// redrawAbove % nChoices == nChoices-1, so the reduction is
	// unbiased across the accepted range.
	redrawAbove := math.MaxInt64 - (((math.MaxInt64 % nChoices) + 1) % nChoices)

	for {
		rng.readXOFLocked(b)
		r = int64(binary.LittleEndian.Uint64(b))
		if r < 0 {
			if r == math.MinInt64 {
				return 0
			}
			r = -r
		}
		if r > redrawAbove {
			continue
		}
		return r % nChoices
	}
}

// PseudoRandInt64RangePosOrNeg returns r in
// [-largestPositiveChoice, largestPositiveChoice], unbiased even when
// largestPositiveChoice+1 is not a power of 2.
func (rng *PRNG) PseudoRandInt64RangePosOrNeg(largestPositiveChoice int64) (r int64) {
	if largestPositiveChoice < 1 {
		panic(fmt.Sprintf("largestPositiveChoice must be in [1, MaxInt64]; we see %v", largestPositiveChoice))
	}

	if largestPositiveChoice == math.MaxInt64 {
		r = rng.PseudoRandInt64()
		for r == math.MinInt64 {
			r = rng.PseudoRandInt64()
		}
		return
	}

	if largestPositiveChoice < (math.MaxInt64 >> 1) {
		r = rng.PseudoRandNonNegInt64Range(1 + (largestPositiveChoice << 1))
		return -largestPositiveChoice + r
	}

	rng.mut.Lock()
	defer rng.mut.Unlock()

	b := make([]byte, 8)
	for {
		rng.readXOFLocked(b)
		r = int64(binary.LittleEndian.Uint64(b))
		if r < -largestPositiveChoice || r > largestPositiveChoice {
			continue
		}
		return r
	}
}
