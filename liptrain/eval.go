package liptrain

import (
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/lipread"
	"github.com/unixpickle/lipread/lipdata"
)

// An EvalResult summarizes one evaluation pass.
type EvalResult struct {
	// Cost is the average per-character cross-entropy of
	// the free-running decodings.
	Cost float64

	// CER is the character error rate.
	CER float64
}

// Evaluate decodes every sample greedily, without teacher
// forcing, and measures the cost and character error rate
// against the reference captions.
//
// The parameters are not modified.
func (t *Trainer) Evaluate(f anysgd.Fetcher, samples anysgd.SampleList,
	batchSize int) (*EvalResult, error) {
	defer t.evalMode()()
	if batchSize <= 0 {
		batchSize = samples.Len()
	}
	var costSum float64
	var costCount int
	var correct, count int
	for i := 0; i < samples.Len(); i += batchSize {
		j := i + batchSize
		if j > samples.Len() {
			j = samples.Len()
		}
		rawBatch, err := f.Fetch(samples.Slice(i, j))
		if err != nil {
			return nil, essentials.AddCtx("evaluate", err)
		}
		b := rawBatch.(*lipdata.Batch)
		out, _, err := t.run(b, greedyPolicy(len(b.Labels)))
		if err != nil {
			return nil, essentials.AddCtx("evaluate", err)
		}
		dec := perCharCost(out, b.Labels, t.Decoder.VocabSize)
		costSum += scalar(dec.Res.Output()) * float64(dec.Count)
		costCount += dec.Count

		preds := decodedRows(out.Output(), len(b.Labels))
		c, n := matchCounts(preds, b.Labels)
		correct += c
		count += n
	}
	res := &EvalResult{}
	if costCount > 0 {
		res.Cost = costSum / float64(costCount)
	}
	if count > 0 {
		res.CER = float64(count-correct) / float64(count)
	}
	return res, nil
}

// Decode greedily decodes a batch of frame sequences into
// captions.
func Decode(t *Trainer, vocab *lipdata.Vocab, frames [][]anyvec.Vector,
	steps int) ([]string, error) {
	defer t.evalMode()()
	es, err := t.Encoder.Encode(t.Creator, frames)
	if err != nil {
		return nil, err
	}
	out := t.Decoder.Unroll(es, steps, greedyPolicy(len(frames)))
	preds := decodedRows(out.Output(), len(frames))
	res := make([]string, len(preds))
	for i, p := range preds {
		res[i] = vocab.Decode(p)
	}
	return res, nil
}

// greedyPolicy feeds each step the previous step's best
// guesses, starting from the padding marker.
// evalMode turns off the encoder's dropout so that
// evaluation passes are deterministic. The returned
// function restores the previous setting.
func (t *Trainer) evalMode() func() {
	d := t.Encoder.Dropout
	if d == nil || !d.Enabled {
		return func() {}
	}
	d.Enabled = false
	return func() {
		d.Enabled = true
	}
}

func greedyPolicy(n int) func(int, anyvec.Vector) []int {
	return func(step int, prev anyvec.Vector) []int {
		if step == 0 {
			return make([]int, n)
		}
		return lipread.BestRows(prev, n)
	}
}

// CER computes the character error rate of predictions
// against references, comparing position by position over
// the reference characters. It is 0 for a perfect match
// and 1 when nothing matches.
func CER(preds, refs [][]int) float64 {
	correct, count := matchCounts(preds, refs)
	if count == 0 {
		return 0
	}
	return float64(count-correct) / float64(count)
}

func matchCounts(preds, refs [][]int) (correct, count int) {
	for i, ref := range refs {
		count += len(ref)
		if i >= len(preds) {
			continue
		}
		pred := preds[i]
		for j, ch := range ref {
			if j < len(pred) && pred[j] == ch {
				correct++
			}
		}
	}
	return
}

func decodedRows(batches []*anyseq.Batch, n int) [][]int {
	res := make([][]int, n)
	for _, batch := range batches {
		best := lipread.BestRows(batch.Packed, n)
		for i, b := range best {
			res[i] = append(res[i], b)
		}
	}
	return res
}
