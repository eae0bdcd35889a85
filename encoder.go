package lipread

import (
	"errors"
	"fmt"
	"sort"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var e Encoder
	serializer.RegisterTypedDeserializer(e.SerializerType(), DeserializeEncoder)
}

// StateKind distinguishes the state layouts produced by
// the supported cell kinds.
type StateKind int

// The closed set of state layouts.
const (
	// StateSingle is a lone hidden vector.
	StateSingle StateKind = iota

	// StatePaired is a hidden vector with a memory cell.
	StatePaired
)

// A FinalState holds the differentiable last hidden state
// of one encoder layer, in the original batch order.
//
// Hidden is a packed batch of rows; for bidirectional
// encoders each row is [forward, backward]. Cell has the
// same layout and is only non-nil when Kind is
// StatePaired.
//
// Rows for zero-length sequences are zero.
type FinalState struct {
	Kind   StateKind
	Hidden anydiff.Res
	Cell   anydiff.Res
}

// An EncoderConfig describes an Encoder.
type EncoderConfig struct {
	// FrameDim is the per-frame feature vector size.
	FrameDim int

	// HiddenSize is the per-direction hidden size.
	HiddenSize int

	// Cell selects the recurrent cell family.
	Cell CellKind

	// NumLayers is the number of stacked layers.
	NumLayers int

	// Bidirectional adds a reversed-time pipeline whose
	// outputs are concatenated feature-wise with the
	// forward outputs.
	Bidirectional bool

	// Dropout is the probability of dropping an output
	// between layers. Zero disables dropout.
	Dropout float64

	// CTCClasses is the number of non-blank output
	// symbols for the auxiliary connectionist temporal
	// classification head. Zero disables the head.
	CTCClasses int
}

// An Encoder turns a batch of frame feature sequences
// into per-timestep encodings and per-layer final hidden
// states.
type Encoder struct {
	FrameDim   int
	HiddenSize int
	Kind       CellKind

	Forward  []anyrnn.Block
	Backward []anyrnn.Block

	Dropout *anynet.Dropout
	CTCHead *anynet.FC
}

// NewEncoder creates a randomized Encoder.
func NewEncoder(c anyvec.Creator, cfg EncoderConfig) (*Encoder, error) {
	if cfg.FrameDim <= 0 || cfg.HiddenSize <= 0 || cfg.NumLayers <= 0 {
		return nil, errors.New("new encoder: sizes must be positive")
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, errors.New("new encoder: dropout must be in [0, 1)")
	}
	res := &Encoder{
		FrameDim:   cfg.FrameDim,
		HiddenSize: cfg.HiddenSize,
		Kind:       cfg.Cell,
	}
	dirs := 1
	if cfg.Bidirectional {
		dirs = 2
	}
	for i := 0; i < cfg.NumLayers; i++ {
		in := cfg.FrameDim
		if i > 0 {
			in = dirs * cfg.HiddenSize
		}
		fw, err := NewCell(c, cfg.Cell, in, cfg.HiddenSize)
		if err != nil {
			return nil, essentials.AddCtx("new encoder", err)
		}
		res.Forward = append(res.Forward, fw)
		if cfg.Bidirectional {
			bw, err := NewCell(c, cfg.Cell, in, cfg.HiddenSize)
			if err != nil {
				return nil, essentials.AddCtx("new encoder", err)
			}
			res.Backward = append(res.Backward, bw)
		}
	}
	if cfg.Dropout > 0 {
		res.Dropout = &anynet.Dropout{Enabled: true, KeepProb: 1 - cfg.Dropout}
	}
	if cfg.CTCClasses > 0 {
		res.CTCHead = anynet.NewFC(c, dirs*cfg.HiddenSize, cfg.CTCClasses+1)
	}
	return res, nil
}

// DeserializeEncoder deserializes an Encoder.
func DeserializeEncoder(d []byte) (*Encoder, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Encoder", err)
	}
	if len(slice) < 5 {
		return nil, errors.New("deserialize Encoder: missing fields")
	}
	frameDim, ok1 := slice[0].(serializer.Int)
	hidden, ok2 := slice[1].(serializer.Int)
	kind, ok3 := slice[2].(serializer.String)
	numFw, ok4 := slice[3].(serializer.Int)
	numBw, ok5 := slice[4].(serializer.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return nil, errors.New("deserialize Encoder: bad field types")
	}
	rest := slice[5:]
	if len(rest) < int(numFw+numBw) {
		return nil, errors.New("deserialize Encoder: missing cells")
	}
	res := &Encoder{
		FrameDim:   int(frameDim),
		HiddenSize: int(hidden),
		Kind:       CellKind(kind),
	}
	for i, x := range rest[:numFw+numBw] {
		cell, ok := x.(anyrnn.Block)
		if !ok {
			return nil, fmt.Errorf("deserialize Encoder: not a recurrent block: %T", x)
		}
		if i < int(numFw) {
			res.Forward = append(res.Forward, cell)
		} else {
			res.Backward = append(res.Backward, cell)
		}
	}
	for _, x := range rest[numFw+numBw:] {
		switch x := x.(type) {
		case *anynet.Dropout:
			res.Dropout = x
		case *anynet.FC:
			res.CTCHead = x
		default:
			return nil, fmt.Errorf("deserialize Encoder: unexpected type: %T", x)
		}
	}
	return res, nil
}

// Bidirectional reports whether the encoder has a
// reversed-time pipeline.
func (e *Encoder) Bidirectional() bool {
	return e.Backward != nil
}

// OutSize is the per-timestep encoding size.
func (e *Encoder) OutSize() int {
	if e.Bidirectional() {
		return 2 * e.HiddenSize
	}
	return e.HiddenSize
}

// Encode runs the encoder over a batch of frame
// sequences. Each entry of seqs is one sample's frames in
// order; every frame must have exactly FrameDim
// components. Zero-length samples are allowed.
func (e *Encoder) Encode(c anyvec.Creator, seqs [][]anyvec.Vector) (*EncodedSeq, error) {
	if len(seqs) == 0 {
		return nil, errors.New("encode: empty batch")
	}
	lens := make([]int, len(seqs))
	for i, s := range seqs {
		lens[i] = len(s)
		for _, frame := range s {
			if frame.Len() != e.FrameDim {
				return nil, fmt.Errorf("encode: sample %d: frame size %d should be %d",
					i, frame.Len(), e.FrameDim)
			}
		}
	}

	perm := sortByLength(lens)
	restore := invertPerm(perm)
	sorted := make([][]anyvec.Vector, len(seqs))
	sortedLens := make([]int, len(seqs))
	for slot, orig := range perm {
		sorted[slot] = seqs[orig]
		sortedLens[slot] = lens[orig]
	}

	res := &EncodedSeq{
		Batch:      len(seqs),
		OutSize:    e.OutSize(),
		Lens:       lens,
		SortedLens: sortedLens,
		Perm:       perm,
		Restore:    restore,
	}

	hidden := e.HiddenSize
	outW := cellOutSize(e.Kind, hidden)
	layerIn := anyseq.ConstSeqList(c, sorted)
	for l, fwCell := range e.Forward {
		n := len(seqs)

		fw := anyrnn.Map(layerIn, fwCell)
		fwLast := lastStepRows(fw, sortedLens, outW)
		fwHid := sliceRows(fwLast, n, outW, 0, hidden)
		var fwCellPart anydiff.Res
		if outW != hidden {
			fwCellPart = sliceRows(fwLast, n, outW, hidden, outW)
		}

		rows := hiddenSeq(fw, outW, hidden)
		hid, cellPart := fwHid, fwCellPart
		if e.Bidirectional() {
			bwCell := e.Backward[l]
			bw := anyrnn.Map(anyseq.Reverse(layerIn), bwCell)
			bwLast := lastStepRows(bw, sortedLens, outW)
			bwHid := sliceRows(bwLast, n, outW, 0, hidden)
			hid = joinRows(fwHid, bwHid, n)
			if outW != hidden {
				bwCellPart := sliceRows(bwLast, n, outW, hidden, outW)
				cellPart = joinRows(fwCellPart, bwCellPart, n)
			}
			bwRows := hiddenSeq(anyseq.Reverse(bw), outW, hidden)
			fwRows := rows
			rows = anyseq.MapN(func(n int, v ...anydiff.Res) anydiff.Res {
				return joinRows(v[0], v[1], n)
			}, fwRows, bwRows)
		}

		final := &FinalState{
			Kind:   StateSingle,
			Hidden: reorderRows(hid, restore, e.OutSize()),
		}
		if cellPart != nil {
			final.Kind = StatePaired
			final.Cell = reorderRows(cellPart, restore, e.OutSize())
		}
		res.Final = append(res.Final, final)

		if l+1 < len(e.Forward) && e.Dropout != nil {
			rows = anyseq.Map(rows, func(v anydiff.Res, n int) anydiff.Res {
				return e.Dropout.Apply(v, n)
			})
		}
		layerIn = rows
	}
	res.Seq = layerIn
	return res, nil
}

// CTCOutputs applies the connectionist temporal
// classification head to an encoding, producing the log
// probabilities expected by the anyctc package.
//
// The resulting sequences are in the encoder's sorted
// order; use es.Perm to align per-sample labels.
func (e *Encoder) CTCOutputs(es *EncodedSeq) anyseq.Seq {
	if e.CTCHead == nil {
		panic("encoder has no CTC head")
	}
	return anyseq.Map(es.Seq, func(v anydiff.Res, n int) anydiff.Res {
		return anydiff.LogSoftmax(e.CTCHead.Apply(v, n), e.CTCHead.OutCount)
	})
}

// Parameters returns the encoder's parameters.
func (e *Encoder) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, cells := range [][]anyrnn.Block{e.Forward, e.Backward} {
		for _, c := range cells {
			if p, ok := c.(anynet.Parameterizer); ok {
				res = append(res, p.Parameters()...)
			}
		}
	}
	if e.CTCHead != nil {
		res = append(res, e.CTCHead.Parameters()...)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// an Encoder with the serializer package.
func (e *Encoder) SerializerType() string {
	return "github.com/unixpickle/lipread.Encoder"
}

// Serialize serializes the Encoder.
func (e *Encoder) Serialize() ([]byte, error) {
	slice := []serializer.Serializer{
		serializer.Int(e.FrameDim),
		serializer.Int(e.HiddenSize),
		serializer.String(e.Kind),
		serializer.Int(len(e.Forward)),
		serializer.Int(len(e.Backward)),
	}
	for _, cells := range [][]anyrnn.Block{e.Forward, e.Backward} {
		for _, c := range cells {
			s, ok := c.(serializer.Serializer)
			if !ok {
				return nil, fmt.Errorf("not a Serializer: %T", c)
			}
			slice = append(slice, s)
		}
	}
	if e.Dropout != nil {
		slice = append(slice, e.Dropout)
	}
	if e.CTCHead != nil {
		slice = append(slice, e.CTCHead)
	}
	return serializer.SerializeSlice(slice)
}

// An EncodedSeq is the result of Encoder.Encode.
//
// Seq holds the top layer's per-timestep encodings in
// sorted order (longest sequence first); Perm maps sorted
// slots to original batch indices and Restore is its
// inverse. Final holds the per-layer final states in the
// original order.
type EncodedSeq struct {
	Batch   int
	OutSize int

	Lens       []int
	SortedLens []int
	Perm       []int
	Restore    []int

	Seq   anyseq.Seq
	Final []*FinalState
}

// SplitOutputs splits the encodings into per-sample
// timestep rows, in the original batch order.
//
// The results are raw vectors, detached from the
// differentiable graph.
func (e *EncodedSeq) SplitOutputs() [][]anyvec.Vector {
	separated := anyseq.SeparateSeqs(e.Seq.Output())
	res := make([][]anyvec.Vector, e.Batch)
	for slot, rows := range separated {
		res[e.Perm[slot]] = rows
	}
	return res
}

// sortByLength produces a permutation that orders
// sequences from longest to shortest. The sort is stable,
// so equal lengths keep their relative order.
// perm[slot] is the original index of the sequence in
// that sorted slot.
func sortByLength(lens []int) []int {
	perm := make([]int, len(lens))
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(i, j int) bool {
		return lens[perm[i]] > lens[perm[j]]
	})
	return perm
}

func invertPerm(perm []int) []int {
	res := make([]int, len(perm))
	for slot, orig := range perm {
		res[orig] = slot
	}
	return res
}

// hiddenSeq drops the memory cell half of a sequence of
// cell outputs, if the cell has one.
func hiddenSeq(s anyseq.Seq, out, st int) anyseq.Seq {
	if out == st {
		return s
	}
	return anyseq.Map(s, func(v anydiff.Res, n int) anydiff.Res {
		return sliceRows(v, n, out, 0, st)
	})
}

// reorderRows permutes the rows of a packed batch so that
// output row i is input row order[i].
func reorderRows(v anydiff.Res, order []int, rowLen int) anydiff.Res {
	identity := true
	for i, x := range order {
		if i != x {
			identity = false
			break
		}
	}
	if identity {
		return v
	}
	return anydiff.Pool(v, func(v anydiff.Res) anydiff.Res {
		parts := make([]anydiff.Res, len(order))
		for i, x := range order {
			parts[i] = anydiff.Slice(v, x*rowLen, (x+1)*rowLen)
		}
		return anydiff.Concat(parts...)
	})
}

// lastStepRows extracts each sequence's output at its
// final timestep, producing a packed batch with one row
// per sequence. Rows for zero-length sequences are zero.
func lastStepRows(s anyseq.Seq, lens []int, rowLen int) anydiff.Res {
	c := s.Creator()
	batches := s.Output()
	parts := make([]anyvec.Vector, len(lens))
	for i, l := range lens {
		if l == 0 {
			parts[i] = c.MakeVector(rowLen)
			continue
		}
		batch := batches[l-1]
		row := batchRow(batch.Present, i)
		parts[i] = batch.Packed.Slice(row*rowLen, (row+1)*rowLen)
	}
	return &lastStepRes{
		In:     s,
		Lens:   lens,
		RowLen: rowLen,
		OutVec: c.Concat(parts...),
	}
}

// batchRow locates a sequence's packed row within a
// batch's present map.
func batchRow(present []bool, seqIdx int) int {
	var row int
	for i := 0; i < seqIdx; i++ {
		if present[i] {
			row++
		}
	}
	return row
}

type lastStepRes struct {
	In     anyseq.Seq
	Lens   []int
	RowLen int
	OutVec anyvec.Vector
}

func (l *lastStepRes) Output() anyvec.Vector {
	return l.OutVec
}

func (l *lastStepRes) Vars() anydiff.VarSet {
	return l.In.Vars()
}

func (l *lastStepRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	c := u.Creator()
	batches := l.In.Output()
	upstream := make([]*anyseq.Batch, len(batches))
	for t, batch := range batches {
		packed := c.MakeVector(batch.Packed.Len())
		for i, ln := range l.Lens {
			if ln-1 != t {
				continue
			}
			row := batchRow(batch.Present, i)
			rowUp := u.Slice(i*l.RowLen, (i+1)*l.RowLen)
			part := make([]anyvec.Vector, 0, 3)
			if row > 0 {
				part = append(part, c.MakeVector(row*l.RowLen))
			}
			part = append(part, rowUp)
			if rest := packed.Len() - (row+1)*l.RowLen; rest > 0 {
				part = append(part, c.MakeVector(rest))
			}
			packed.Add(c.Concat(part...))
		}
		upstream[t] = &anyseq.Batch{Packed: packed, Present: batch.Present}
	}
	l.In.Propagate(upstream, g)
}
