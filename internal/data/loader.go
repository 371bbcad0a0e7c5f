package data

import (
	"errors"
	"sync"

	"peval/pkg/types"
)

// ErrLoaderConsumed is returned when a loader is iterated a second time.
var ErrLoaderConsumed = errors.New("loader already consumed")

// CollateFunc groups examples into a batch with the given index.
type CollateFunc func(index int, examples []types.Example) types.Batch

// Loader yields fixed-size batches over a dataset exactly once.
type Loader struct {
	ds        *Dataset
	batchSize int
	dropLast  bool
	collate   CollateFunc

	mu      sync.Mutex
	started bool
	pos     int
	next    int
}

// NewLoader returns a loader over ds. A batch size below one is treated as
// one; a nil collate uses ds.Collate.
func NewLoader(ds *Dataset, batchSize int, dropLast bool, collate CollateFunc) *Loader {
	if batchSize < 1 {
		batchSize = 1
	}
	if collate == nil {
		collate = ds.Collate
	}
	return &Loader{ds: ds, batchSize: batchSize, dropLast: dropLast, collate: collate}
}

// NumBatches returns how many batches a full pass yields.
func (l *Loader) NumBatches() int {
	n := l.ds.Len() / l.batchSize
	if !l.dropLast && l.ds.Len()%l.batchSize != 0 {
		n++
	}
	return n
}

// Iter marks the loader as started. A second call fails.
func (l *Loader) Iter() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return ErrLoaderConsumed
	}
	l.started = true
	return nil
}

// Next returns the next batch, or false once the dataset is exhausted.
// Safe for concurrent use.
func (l *Loader) Next() (types.Batch, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = true
	remaining := l.ds.Len() - l.pos
	if remaining <= 0 || (l.dropLast && remaining < l.batchSize) {
		l.pos = l.ds.Len()
		return types.Batch{}, false
	}
	end := l.pos + l.batchSize
	if end > l.ds.Len() {
		end = l.ds.Len()
	}
	b := l.collate(l.next, l.ds.Examples[l.pos:end])
	l.pos = end
	l.next++
	return b, true
}
