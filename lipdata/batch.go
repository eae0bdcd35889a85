package lipdata

import (
	"errors"
	"fmt"

	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// A Batch is a collated mini-batch: per-sample frame
// feature sequences and vocabulary-encoded captions.
type Batch struct {
	Frames [][]anyvec.Vector
	Labels [][]int
}

// A Fetcher loads sample frames from disk and encodes
// captions, producing *Batch values for training loops.
//
// It is safe for concurrent use.
type Fetcher struct {
	Creator  anyvec.Creator
	Vocab    *Vocab
	FrameDim int
}

// Fetch collates a sample list into a *Batch.
func (f *Fetcher) Fetch(s anysgd.SampleList) (anysgd.Batch, error) {
	samples, err := rawSamples(s)
	if err != nil {
		return nil, essentials.AddCtx("fetch batch", err)
	}
	if len(samples) == 0 {
		return nil, errors.New("fetch batch: empty sample list")
	}
	res := &Batch{
		Frames: make([][]anyvec.Vector, len(samples)),
		Labels: make([][]int, len(samples)),
	}
	for i, sample := range samples {
		rows, err := sample.ReadFrames(f.FrameDim)
		if err != nil {
			return nil, essentials.AddCtx("fetch batch", err)
		}
		frames := make([]anyvec.Vector, len(rows))
		for j, row := range rows {
			frames[j] = f.Creator.MakeVectorData(f.Creator.MakeNumericList(row))
		}
		res.Frames[i] = frames
		res.Labels[i] = f.Vocab.Encode(sample.Caption)
	}
	return res, nil
}

func rawSamples(s anysgd.SampleList) (SampleList, error) {
	switch s := s.(type) {
	case SampleList:
		return s, nil
	case *BatchedSampleList:
		return s.SampleList, nil
	default:
		return nil, fmt.Errorf("unexpected sample list type: %T", s)
	}
}
