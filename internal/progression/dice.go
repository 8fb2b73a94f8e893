package progression

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
)

// Roller rolls a single die with the given number of sides, returning 1..sides.
type Roller interface {
	Roll(sides int) int
}

// RandRoller is a Roller backed by a seeded math/rand source. It is safe for concurrent use.
type RandRoller struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandRoller returns a deterministic roller for seed.
func NewRandRoller(seed int64) *RandRoller {
	return &RandRoller{rng: rand.New(rand.NewSource(seed))}
}

// NewSeededRoller seeds a roller from crypto/rand.
func NewSeededRoller() (*RandRoller, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("read random seed: %w", err)
	}
	return NewRandRoller(int64(binary.LittleEndian.Uint64(b[:]))), nil
}

func (r *RandRoller) Roll(sides int) int {
	if sides <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(sides) + 1
}
