package liptrain

import (
	"fmt"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/lipread/lipdata"
)

// A Loop feeds shuffled mini-batches to a Trainer, one
// epoch at a time.
type Loop struct {
	Trainer *Trainer
	Fetcher anysgd.Fetcher

	Samples   anysgd.SampleList
	BatchSize int

	// Rate is the learning rate.
	Rate float64

	// GradCeiling rescales gradients whose Euclidean
	// norm exceeds it. Zero disables clipping.
	GradCeiling float64

	// Workers bounds the number of batches fetched
	// concurrently with training. Values below 1 are
	// treated as 1.
	Workers int

	// Transformer, if non-nil, adjusts each clipped
	// gradient before the step. Its state persists
	// across epochs.
	Transformer anysgd.Transformer
}

// EpochStats aggregates the costs seen during one epoch.
type EpochStats struct {
	Cost    float64
	CTCCost float64
	Batches int
}

// Epoch shuffles the samples and trains over every
// mini-batch once.
//
// A non-finite cost aborts the epoch with an error
// identifying the offending batch.
func (l *Loop) Epoch() (*EpochStats, error) {
	anysgd.Shuffle(l.Samples)
	parts := l.split()
	stats := &EpochStats{}
	done := make(chan struct{})
	defer close(done)
	for res := range prefetch(l.Fetcher, parts, l.Workers, done) {
		if res.Err != nil {
			return nil, essentials.AddCtx("train epoch", res.Err)
		}
		grad, err := l.Trainer.Gradient(res.Batch.(*lipdata.Batch))
		if err != nil {
			return nil, essentials.AddCtx(fmt.Sprintf("train epoch: batch %d",
				stats.Batches), err)
		}
		clipGrad(grad, l.GradCeiling)
		if l.Transformer != nil {
			grad = l.Transformer.Transform(grad)
		}
		scaleGrad(grad, -l.Rate)
		grad.AddToVars()

		stats.Cost += l.Trainer.LastCost
		stats.CTCCost += l.Trainer.LastCTCCost
		stats.Batches++
	}
	if stats.Batches > 0 {
		stats.Cost /= float64(stats.Batches)
		stats.CTCCost /= float64(stats.Batches)
	}
	return stats, nil
}

func (l *Loop) split() []anysgd.SampleList {
	size := l.BatchSize
	if size <= 0 {
		size = l.Samples.Len()
	}
	var parts []anysgd.SampleList
	for i := 0; i < l.Samples.Len(); i += size {
		j := i + size
		if j > l.Samples.Len() {
			j = l.Samples.Len()
		}
		parts = append(parts, l.Samples.Slice(i, j))
	}
	return parts
}

// A FetchResult is a fetched batch or the error that
// prevented fetching it.
type FetchResult struct {
	Batch anysgd.Batch
	Err   error
}

// prefetch fetches the parts concurrently with up to
// workers in flight, delivering results in order. Closing
// done stops the pipeline so that abandoning the result
// channel does not strand its goroutines.
func prefetch(f anysgd.Fetcher, parts []anysgd.SampleList, workers int,
	done <-chan struct{}) <-chan FetchResult {
	if workers < 1 {
		workers = 1
	}
	slots := make(chan chan FetchResult, workers)
	go func() {
		defer close(slots)
		for _, part := range parts {
			select {
			case <-done:
				return
			default:
			}
			part := part
			slot := make(chan FetchResult, 1)
			select {
			case slots <- slot:
			case <-done:
				return
			}
			go func() {
				batch, err := f.Fetch(part)
				slot <- FetchResult{Batch: batch, Err: err}
			}()
		}
	}()
	res := make(chan FetchResult)
	go func() {
		defer close(res)
		for slot := range slots {
			r := <-slot
			select {
			case res <- r:
			case <-done:
				return
			}
		}
	}()
	return res
}

// clipGrad rescales the gradient in place so that its
// Euclidean norm does not exceed the ceiling.
func clipGrad(g anydiff.Grad, ceiling float64) {
	if ceiling <= 0 {
		return
	}
	var sq float64
	for _, v := range g {
		for _, x := range vectorData(v) {
			sq += x * x
		}
	}
	norm := math.Sqrt(sq)
	if norm > ceiling {
		scaleGrad(g, ceiling/norm)
	}
}

func scaleGrad(g anydiff.Grad, s float64) {
	for _, v := range g {
		g.Scale(v.Creator().MakeNumeric(s))
		return
	}
}
