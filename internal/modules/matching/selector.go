// README: Weighted random pick among the top-ranked candidates.
package matching

import (
	"math/rand/v2"
	"sync"
	"time"
)

const DefaultTopK = 3

type Selector struct {
	mu  sync.Mutex
	rnd *rand.Rand
	k   int
}

// NewSelector picks among the best k candidates. A nil src seeds from the clock.
func NewSelector(k int, src rand.Source) *Selector {
	if k <= 0 {
		k = DefaultTopK
	}
	if src == nil {
		seed := uint64(time.Now().UnixNano())
		src = rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	}
	return &Selector{rnd: rand.New(src), k: k}
}

// Pick draws from ranked[:k] with weights 2^(k-1-rank), so with k=3 the odds are 4:2:1.
func (s *Selector) Pick(ranked []DriverCandidate) (DriverCandidate, error) {
	if len(ranked) == 0 {
		return DriverCandidate{}, ErrNoCandidate
	}
	if len(ranked) == 1 {
		return ranked[0], nil
	}
	k := min(s.k, len(ranked))
	total := (1 << k) - 1

	s.mu.Lock()
	r := s.rnd.IntN(total)
	s.mu.Unlock()

	for rank := 0; rank < k; rank++ {
		w := 1 << (k - 1 - rank)
		if r < w {
			return ranked[rank], nil
		}
		r -= w
	}
	return ranked[k-1], nil
}
