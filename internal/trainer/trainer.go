// Package trainer drives prediction over a batch loader with bounded
// concurrency and reports results only on the coordinating rank.
package trainer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"peval/internal/events"
	"peval/internal/strategy"
	"peval/pkg/types"
)

// Predictor runs one predict step.
type Predictor interface {
	PredictStep(ctx context.Context, batch types.Batch) (types.Response, error)
}

// BatchSource yields batches once.
type BatchSource interface {
	Iter() error
	Next() (types.Batch, bool)
	NumBatches() int
}

// Recorder observes batch progress. *metrics.Metrics satisfies it.
type Recorder interface {
	SetPlanned(n int)
	BatchStarted()
	BatchDone(size int, d time.Duration, usage types.Usage, err error)
}

type nopRecorder struct{}

func (nopRecorder) SetPlanned(int)                                   {}
func (nopRecorder) BatchStarted()                                    {}
func (nopRecorder) BatchDone(int, time.Duration, types.Usage, error) {}

// Trainer executes prediction according to a strategy plan.
type Trainer struct {
	// Devices bounds the number of batches in flight.
	Devices int
	Env     strategy.Environment

	Events   events.Publisher
	Recorder Recorder
	Logger   zerolog.Logger
}

// New returns a trainer sized from plan.
func New(plan strategy.Plan, pub events.Publisher, rec Recorder, log zerolog.Logger) *Trainer {
	return &Trainer{
		Devices:  plan.Strategy.Devices,
		Env:      plan.Environment(),
		Events:   pub,
		Recorder: rec,
		Logger:   log,
	}
}

// IsGlobalZero reports whether this process is the coordinating rank.
func (t *Trainer) IsGlobalZero() bool {
	return t.Env == nil || t.Env.GlobalRank() == 0
}

// Predict runs p over every batch of src. Results are ordered by batch
// index. Non-coordinating ranks compute and return nil.
func (t *Trainer) Predict(ctx context.Context, p Predictor, src BatchSource) ([]types.Response, error) {
	if err := src.Iter(); err != nil {
		return nil, err
	}
	pub := events.OrNop(t.Events)
	rec := t.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	limit := t.Devices
	if limit < 1 {
		limit = 1
	}
	planned := src.NumBatches()
	rec.SetPlanned(planned)
	t.Logger.Info().Int("batches", planned).Int("in_flight", limit).Msg("predict start")

	var (
		mu  sync.Mutex
		out = make([]types.Response, 0, planned)
	)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for gctx.Err() == nil {
		b, ok := src.Next()
		if !ok {
			break
		}
		g.Go(func() error {
			pub.Publish(events.Event{Name: "batch_start", Fields: map[string]any{"batch": b.Index, "size": b.Len()}})
			rec.BatchStarted()
			t0 := time.Now()
			resp, err := p.PredictStep(gctx, b)
			d := time.Since(t0)
			rec.BatchDone(b.Len(), d, resp.Usage, err)
			if err != nil {
				return fmt.Errorf("predict batch %d: %w", b.Index, err)
			}
			resp.BatchIndex = b.Index
			mu.Lock()
			out = append(out, resp)
			mu.Unlock()
			pub.Publish(events.Event{Name: "batch_done", Fields: map[string]any{"batch": b.Index, "size": b.Len(), "duration_ms": d.Milliseconds()}})
			t.Logger.Debug().Int("batch", b.Index).Dur("took", d).Msg("batch done")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchIndex < out[j].BatchIndex })
	pub.Publish(events.Event{Name: "predict_done", Fields: map[string]any{"batches": len(out), "duration_ms": time.Since(start).Milliseconds()}})
	t.Logger.Info().Int("batches", len(out)).Dur("took", time.Since(start)).Msg("predict done")

	if !t.IsGlobalZero() {
		return nil, nil
	}
	return out, nil
}
