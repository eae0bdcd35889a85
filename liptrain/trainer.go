// Package liptrain trains and evaluates the lipreading
// model.
package liptrain

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyctc"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/lipread"
	"github.com/unixpickle/lipread/lipdata"
)

// A Trainer computes costs and gradients for the
// encoder-decoder model.
type Trainer struct {
	Creator anyvec.Creator
	Encoder *lipread.Encoder
	Decoder *lipread.DecodingStep
	Params  []*anydiff.Var

	// TeacherForcing is the probability, drawn once per
	// decoding step, of feeding the reference characters
	// rather than the model's own guesses.
	TeacherForcing float64

	// CTCWeight scales the auxiliary connectionist
	// temporal classification cost. Zero disables it.
	CTCWeight float64

	// Rand drives the teacher forcing draws. It may be
	// nil when TeacherForcing is 1.
	Rand *rand.Rand

	// After every gradient computation, LastCost and
	// LastCTCCost hold the batch's average costs.
	LastCost    float64
	LastCTCCost float64
}

// Gradient computes the gradient of the batch's combined
// cost with respect to t.Params.
//
// It fails if the cost is not finite, so that a diverging
// run stops instead of silently corrupting the
// parameters.
func (t *Trainer) Gradient(b *lipdata.Batch) (anydiff.Grad, error) {
	dec, ctc, err := t.costs(b, t.forcingPolicy(b.Labels))
	if err != nil {
		return nil, err
	}
	total := dec.Res
	t.LastCost = scalar(total.Output())
	t.LastCTCCost = 0
	if ctc != nil {
		c := total.Output().Creator()
		t.LastCTCCost = scalar(ctc.Output())
		total = anydiff.Add(total, anydiff.Scale(ctc, c.MakeNumeric(t.CTCWeight)))
	}
	if math.IsNaN(t.LastCost) || math.IsInf(t.LastCost, 0) ||
		math.IsNaN(t.LastCTCCost) || math.IsInf(t.LastCTCCost, 0) {
		return nil, fmt.Errorf("cost diverged: decoder=%v ctc=%v", t.LastCost,
			t.LastCTCCost)
	}

	grad := anydiff.NewGrad(t.Params...)
	c := total.Output().Creator()
	upstream := c.MakeVectorData(c.MakeNumericList([]float64{1}))
	total.Propagate(upstream, grad)
	return grad, nil
}

type charCost struct {
	Res   anydiff.Res
	Count int
}

// run encodes the batch and unrolls the decoder under the
// given input policy, one step per labeled character of
// the longest caption.
func (t *Trainer) run(b *lipdata.Batch,
	policy func(t int, prev anyvec.Vector) []int) (anyseq.Seq, *lipread.EncodedSeq, error) {
	if len(b.Frames) != len(b.Labels) {
		return nil, nil, errors.New("mismatching frame and label counts")
	}
	steps := maxLen(b.Labels)
	if steps == 0 {
		return nil, nil, errors.New("batch has no labeled characters")
	}
	es, err := t.Encoder.Encode(t.Creator, b.Frames)
	if err != nil {
		return nil, nil, err
	}
	return t.Decoder.Unroll(es, steps, policy), es, nil
}

// costs measures the decoding cost under the given input
// policy, plus the CTC cost when enabled.
func (t *Trainer) costs(b *lipdata.Batch,
	policy func(t int, prev anyvec.Vector) []int) (*charCost, anydiff.Res, error) {
	out, es, err := t.run(b, policy)
	if err != nil {
		return nil, nil, err
	}
	dec := perCharCost(out, b.Labels, t.Decoder.VocabSize)

	var ctc anydiff.Res
	if t.CTCWeight > 0 {
		ctc = t.ctcCost(es, b.Labels)
	}
	return dec, ctc, nil
}

// ctcCost measures the average CTC cost of the encodings
// against the labels, shifted into the CTC alphabet.
//
// The encoder orders its outputs longest first, so the
// labels are permuted to match before scoring. Samples
// with no frames cannot be aligned and are left out of the
// cost; when every sample is empty the result is nil.
func (t *Trainer) ctcCost(es *lipread.EncodedSeq, labels [][]int) anydiff.Res {
	keep := make([]bool, es.Batch)
	var sorted [][]int
	for slot, orig := range es.Perm {
		if es.SortedLens[slot] == 0 {
			continue
		}
		keep[slot] = true
		sorted = append(sorted, ctcLabels(labels[orig]))
	}
	if len(sorted) == 0 {
		return nil
	}
	outs := t.Encoder.CTCOutputs(es)
	if len(sorted) < es.Batch {
		outs = dropAbsentSeqs(outs, keep)
	}
	cost := anyctc.Cost(outs, sorted)
	c := cost.Output().Creator()
	return anydiff.Scale(anydiff.Sum(cost), c.MakeNumeric(1/float64(len(sorted))))
}

// A trimmedSeq narrows a sequence batch to a subset of its
// lanes. The dropped lanes must be absent at every
// timestep, so the packed data is unchanged.
type trimmedSeq struct {
	In  anyseq.Seq
	Out []*anyseq.Batch
}

func dropAbsentSeqs(s anyseq.Seq, keep []bool) anyseq.Seq {
	batches := s.Output()
	out := make([]*anyseq.Batch, len(batches))
	for i, b := range batches {
		pres := make([]bool, 0, len(keep))
		for lane, k := range keep {
			if k {
				pres = append(pres, b.Present[lane])
			}
		}
		out[i] = &anyseq.Batch{Packed: b.Packed, Present: pres}
	}
	return &trimmedSeq{In: s, Out: out}
}

func (s *trimmedSeq) Creator() anyvec.Creator {
	return s.In.Creator()
}

func (s *trimmedSeq) Output() []*anyseq.Batch {
	return s.Out
}

func (s *trimmedSeq) Vars() anydiff.VarSet {
	return s.In.Vars()
}

func (s *trimmedSeq) Propagate(u []*anyseq.Batch, g anydiff.Grad) {
	in := s.In.Output()
	full := make([]*anyseq.Batch, len(u))
	for i, b := range u {
		full[i] = &anyseq.Batch{Packed: b.Packed, Present: in[i].Present}
	}
	s.In.Propagate(full, g)
}

// forcingPolicy chooses the decoder inputs for training.
//
// Step 0 always feeds the padding index, which doubles as
// the start-of-caption marker. Afterwards, each step
// either feeds the reference characters or the previous
// step's best guesses.
func (t *Trainer) forcingPolicy(labels [][]int) func(int, anyvec.Vector) []int {
	return func(step int, prev anyvec.Vector) []int {
		n := len(labels)
		res := make([]int, n)
		if step == 0 {
			return res
		}
		forced := t.TeacherForcing >= 1 ||
			(t.TeacherForcing > 0 && t.Rand.Float64() < t.TeacherForcing)
		var best []int
		if !forced {
			best = lipread.BestRows(prev, n)
		}
		for i, l := range labels {
			if forced {
				if step-1 < len(l) {
					res[i] = l[step-1]
				}
			} else {
				res[i] = best[i]
			}
		}
		return res
	}
}

// perCharCost sums the per-character cross-entropy of the
// logit sequence against the labels and averages it over
// the labeled characters. Steps past a sample's last
// character contribute nothing.
func perCharCost(out anyseq.Seq, labels [][]int, vocab int) *charCost {
	c := out.Creator()
	var step, count int
	costs := anyseq.Map(out, func(a anydiff.Res, n int) anydiff.Res {
		desired := make([]float64, n*vocab)
		for i, l := range labels {
			if step < len(l) {
				desired[i*vocab+l[step]] = 1
				count++
			}
		}
		step++
		target := anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(desired)))
		logProbs := anydiff.LogSoftmax(a, vocab)
		return anynet.DotCost{}.Cost(target, logProbs, n)
	})
	sum := anydiff.Sum(anyseq.Sum(costs))
	if count > 0 {
		sum = anydiff.Scale(sum, c.MakeNumeric(1/float64(count)))
	}
	return &charCost{Res: sum, Count: count}
}

// ctcLabels maps vocabulary indices to the CTC alphabet,
// which has no padding index and puts the blank last.
func ctcLabels(labels []int) []int {
	res := make([]int, len(labels))
	for i, l := range labels {
		res[i] = l - 1
	}
	return res
}

func maxLen(labels [][]int) int {
	var res int
	for _, l := range labels {
		if len(l) > res {
			res = len(l)
		}
	}
	return res
}

// scalar reads back a one-component vector.
func scalar(v anyvec.Vector) float64 {
	return vectorData(v)[0]
}

func vectorData(v anyvec.Vector) []float64 {
	switch d := v.Data().(type) {
	case []float64:
		return d
	case []float32:
		res := make([]float64, len(d))
		for i, x := range d {
			res[i] = float64(x)
		}
		return res
	default:
		panic(fmt.Sprintf("unsupported numeric list: %T", d))
	}
}
