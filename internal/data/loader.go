// internal/data/loader.go
package data

import (
	"math/rand"
)

// Loader partitions a pair dataset into shuffled micro-batches. The shuffle
// order is a pure function of the base seed and the epoch, so a resumed run
// that replays earlier epochs sees the exact same batch sequence.
type Loader struct {
	pairs     []Pair
	batchSize int
	seed      int64
	order     []int
}

// NewLoader creates a loader over pairs with the given micro-batch size.
func NewLoader(pairs []Pair, batchSize int, seed int64) *Loader {
	if batchSize <= 0 {
		batchSize = 1
	}
	l := &Loader{
		pairs:     pairs,
		batchSize: batchSize,
		seed:      seed,
		order:     make([]int, len(pairs)),
	}
	for i := range l.order {
		l.order[i] = i
	}
	return l
}

// Len returns the number of micro-batches per epoch, including a final
// partial batch.
func (l *Loader) Len() int {
	if len(l.pairs) == 0 {
		return 0
	}
	return (len(l.pairs) + l.batchSize - 1) / l.batchSize
}

// NumExamples returns the number of examples in the dataset.
func (l *Loader) NumExamples() int {
	return len(l.pairs)
}

// SetEpoch reshuffles the batch order for the given epoch.
func (l *Loader) SetEpoch(epoch int) {
	rng := rand.New(rand.NewSource(l.seed + int64(epoch)))
	for i := range l.order {
		l.order[i] = i
	}
	rng.Shuffle(len(l.order), func(i, j int) {
		l.order[i], l.order[j] = l.order[j], l.order[i]
	})
}

// Batch returns micro-batch i of the current epoch.
func (l *Loader) Batch(i int) []Pair {
	start := i * l.batchSize
	if start >= len(l.pairs) {
		return nil
	}
	end := start + l.batchSize
	if end > len(l.pairs) {
		end = len(l.pairs)
	}
	batch := make([]Pair, 0, end-start)
	for _, idx := range l.order[start:end] {
		batch = append(batch, l.pairs[idx])
	}
	return batch
}
