package lipread

import (
	"errors"
	"fmt"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/serializer"
)

func init() {
	var d DecodingStep
	serializer.RegisterTypedDeserializer(d.SerializerType(), DeserializeDecodingStep)
}

// A DecodingStep emits one character distribution per
// call: it embeds the previous character, advances a
// stack of recurrent cells, attends over the encodings
// with the top hidden value, and projects the mixed
// result to vocabulary logits.
type DecodingStep struct {
	Kind      CellKind
	VocabSize int
	CharSize  int
	Hidden    int

	Embedding *anydiff.Var
	Cells     []anyrnn.Block
	Attn      *Attention
	Combine   *anynet.FC
	Out       *anynet.FC
}

// NewDecodingStep creates a randomized DecodingStep whose
// cell stack mirrors the encoder's layout, so that the
// encoder's final states can seed the decoder.
func NewDecodingStep(c anyvec.Creator, enc *Encoder, vocabSize, charSize int,
	attn AttentionKind) (*DecodingStep, error) {
	if vocabSize <= 0 || charSize <= 0 {
		return nil, errors.New("new decoding step: sizes must be positive")
	}
	hidden := enc.OutSize()
	att, err := NewAttention(c, attn, hidden, hidden)
	if err != nil {
		return nil, err
	}
	res := &DecodingStep{
		Kind:      enc.Kind,
		VocabSize: vocabSize,
		CharSize:  charSize,
		Hidden:    hidden,
		Attn:      att,
		Combine:   anynet.NewFC(c, 2*hidden, hidden),
		Out:       anynet.NewFC(c, hidden, vocabSize),
	}
	emb := c.MakeVector(vocabSize * charSize)
	anyvec.Rand(emb, anyvec.Normal, nil)
	emb.Scale(c.MakeNumeric(1 / math.Sqrt(float64(charSize))))
	res.Embedding = anydiff.NewVar(emb)
	for i := range enc.Forward {
		in := charSize
		if i > 0 {
			in = hidden
		}
		cell, err := NewCell(c, enc.Kind, in, hidden)
		if err != nil {
			return nil, err
		}
		res.Cells = append(res.Cells, cell)
	}
	return res, nil
}

// DeserializeDecodingStep deserializes a DecodingStep.
func DeserializeDecodingStep(d []byte) (*DecodingStep, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, err
	}
	if len(slice) < 6 {
		return nil, errors.New("deserialize DecodingStep: missing fields")
	}
	kind, ok1 := slice[0].(serializer.String)
	vocabSize, ok2 := slice[1].(serializer.Int)
	charSize, ok3 := slice[2].(serializer.Int)
	hidden, ok4 := slice[3].(serializer.Int)
	emb, ok5 := slice[4].(*anyvecsave.S)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return nil, errors.New("deserialize DecodingStep: bad field types")
	}
	rest := slice[5:]
	if len(rest) < 3 {
		return nil, errors.New("deserialize DecodingStep: missing fields")
	}
	res := &DecodingStep{
		Kind:      CellKind(kind),
		VocabSize: int(vocabSize),
		CharSize:  int(charSize),
		Hidden:    int(hidden),
		Embedding: anydiff.NewVar(emb.Vector),
	}
	for _, x := range rest[:len(rest)-3] {
		cell, ok := x.(anyrnn.Block)
		if !ok {
			return nil, fmt.Errorf("deserialize DecodingStep: not a recurrent block: %T", x)
		}
		res.Cells = append(res.Cells, cell)
	}
	tail := rest[len(rest)-3:]
	attn, ok1 := tail[0].(*Attention)
	combine, ok2 := tail[1].(*anynet.FC)
	out, ok3 := tail[2].(*anynet.FC)
	if !ok1 || !ok2 || !ok3 {
		return nil, errors.New("deserialize DecodingStep: bad field types")
	}
	res.Attn = attn
	res.Combine = combine
	res.Out = out
	return res, nil
}

// Unroll runs the decoding step for a fixed number of
// timesteps over every sample in the batch, producing the
// sequence of per-step vocabulary logits.
//
// Before each step, next is called with the timestep and
// the previous step's logits (nil at step 0) and must
// return one input character per sample. This is where
// teacher forcing and greedy decoding policies plug in.
//
// Gradients flow back through the attention into the
// encodings and through the start states into the
// encoder's final states.
func (d *DecodingStep) Unroll(es *EncodedSeq, steps int,
	next func(t int, prev anyvec.Vector) []int) anyseq.Seq {
	if len(es.Final) != len(d.Cells) {
		panic("mismatching encoder and decoder depths")
	}
	enc, slotPools := poolEncBatch(es)
	encProj := d.Attn.projectEnc(enc)
	res := &unrollRes{
		In:        es,
		Dec:       d,
		SlotPools: slotPools,
		V:         anydiff.MergeVarSets(es.Seq.Vars()),
	}
	for _, f := range es.Final {
		res.V = anydiff.MergeVarSets(res.V, f.Hidden.Vars())
		if f.Cell != nil {
			res.V = anydiff.MergeVarSets(res.V, f.Cell.Vars())
		}
	}

	pres := fullPresent(es.Batch)
	states := d.startStates(es)
	var prev anyvec.Vector
	for t := 0; t < steps; t++ {
		inputs := next(t, prev)
		if len(inputs) != es.Batch {
			panic("input count does not match batch size")
		}
		step := d.step(states, inputs, enc, encProj)
		states = step.States
		prev = step.Logits.Output()
		res.V = anydiff.MergeVarSets(res.V, step.V)
		res.Steps = append(res.Steps, step)
		res.Out = append(res.Out, &anyseq.Batch{Packed: prev, Present: pres})
	}
	return res
}

// startStates seeds one state per layer from the
// encoder's final states.
func (d *DecodingStep) startStates(es *EncodedSeq) []anyrnn.State {
	pres := fullPresent(es.Batch)
	res := make([]anyrnn.State, len(es.Final))
	for i, f := range es.Final {
		switch f.Kind {
		case StatePaired:
			res[i] = &PairState{
				Hidden: &anyrnn.VecState{Vector: f.Hidden.Output(), PresentMap: pres},
				Cell:   &anyrnn.VecState{Vector: f.Cell.Output(), PresentMap: pres},
			}
		default:
			res[i] = &anyrnn.VecState{Vector: f.Hidden.Output(), PresentMap: pres}
		}
	}
	return res
}

// step advances the decoder by one timestep.
func (d *DecodingStep) step(states []anyrnn.State, inputs []int, enc *EncBatch,
	encProj []anydiff.Res) *decStepRes {
	c := d.Embedding.Vector.Creator()
	n := len(inputs)
	res := &decStepRes{Dec: d, V: anydiff.VarSet{}}

	onehot := make([]float64, n*d.VocabSize)
	for i, x := range inputs {
		if x < 0 || x >= d.VocabSize {
			panic(fmt.Sprintf("input character %d out of range", x))
		}
		onehot[i*d.VocabSize+x] = 1
	}
	res.Emb = anydiff.MatMul(false, false,
		&anydiff.Matrix{Data: anydiff.NewConst(makeVec(c, onehot)), Rows: n, Cols: d.VocabSize},
		&anydiff.Matrix{Data: d.Embedding, Rows: d.VocabSize, Cols: d.CharSize}).Data
	res.V = anydiff.MergeVarSets(res.V, res.Emb.Vars())

	outW := cellOutSize(d.Kind, d.Hidden)
	cur := res.Emb.Output()
	for i, cell := range d.Cells {
		step := cell.Step(states[i], cur)
		res.CellSteps = append(res.CellSteps, step)
		res.States = append(res.States, step.State())
		res.V = anydiff.MergeVarSets(res.V, step.Vars())
		cur = gatherRows(step.Output(), n, outW, 0, d.Hidden)
	}

	res.QueryPool = anydiff.NewVar(cur)
	ctx := d.Attn.Apply(enc, encProj, res.QueryPool, n)
	combined := anydiff.Tanh(d.Combine.Apply(joinRows(res.QueryPool, ctx, n), n))
	res.Logits = d.Out.Apply(combined, n)
	res.V = anydiff.MergeVarSets(res.V, res.Logits.Vars())
	return res
}

// Parameters returns the decoder's parameters.
func (d *DecodingStep) Parameters() []*anydiff.Var {
	res := []*anydiff.Var{d.Embedding}
	for _, c := range d.Cells {
		if p, ok := c.(anynet.Parameterizer); ok {
			res = append(res, p.Parameters()...)
		}
	}
	res = append(res, d.Attn.Parameters()...)
	res = append(res, d.Combine.Parameters()...)
	return append(res, d.Out.Parameters()...)
}

// SerializerType returns the unique ID used to serialize
// a DecodingStep with the serializer package.
func (d *DecodingStep) SerializerType() string {
	return "github.com/unixpickle/lipread.DecodingStep"
}

// Serialize serializes the DecodingStep.
func (d *DecodingStep) Serialize() ([]byte, error) {
	slice := []serializer.Serializer{
		serializer.String(d.Kind),
		serializer.Int(d.VocabSize),
		serializer.Int(d.CharSize),
		serializer.Int(d.Hidden),
		&anyvecsave.S{Vector: d.Embedding.Vector},
	}
	for _, c := range d.Cells {
		s, ok := c.(serializer.Serializer)
		if !ok {
			return nil, fmt.Errorf("not a Serializer: %T", c)
		}
		slice = append(slice, s)
	}
	slice = append(slice, d.Attn, d.Combine, d.Out)
	return serializer.SerializeSlice(slice)
}

// BestRows returns the index of the largest component in
// each of the n rows of a packed batch.
func BestRows(v anyvec.Vector, n int) []int {
	rowLen := v.Len() / n
	res := make([]int, n)
	for i := range res {
		res[i] = anyvec.MaxIndex(v.Slice(i*rowLen, (i+1)*rowLen))
	}
	return res
}

type decStepRes struct {
	Dec       *DecodingStep
	Emb       anydiff.Res
	CellSteps []anyrnn.Res
	States    []anyrnn.State
	QueryPool *anydiff.Var
	Logits    anydiff.Res
	V         anydiff.VarSet
}

// propagate back-propagates one decoder timestep. The
// stateUp list holds per-layer state gradients from the
// following timestep and may be nil, as may its entries.
// It returns the state gradients for the previous
// timestep.
func (d *decStepRes) propagate(u anyvec.Vector, stateUp []anyrnn.StateGrad,
	g anydiff.Grad) []anyrnn.StateGrad {
	c := u.Creator()
	n := len(d.States[0].Present())

	g[d.QueryPool] = c.MakeVector(d.QueryPool.Vector.Len())
	d.Logits.Propagate(u, g)
	queryUp := g[d.QueryPool]
	delete(g, d.QueryPool)

	outW := cellOutSize(d.Dec.Kind, d.Dec.Hidden)
	down := queryUp
	newStateUp := make([]anyrnn.StateGrad, len(d.CellSteps))
	for i := len(d.CellSteps) - 1; i >= 0; i-- {
		if outW != d.Dec.Hidden {
			down = scatterRows(down, n, outW, 0, d.Dec.Hidden)
		}
		var su anyrnn.StateGrad
		if stateUp != nil {
			su = stateUp[i]
		}
		inDown, sg := d.CellSteps[i].Propagate(down, su, g)
		newStateUp[i] = sg
		down = inDown
	}
	if g.Intersects(d.Emb.Vars()) {
		d.Emb.Propagate(down, g)
	}
	return newStateUp
}

type unrollRes struct {
	In        *EncodedSeq
	Dec       *DecodingStep
	SlotPools []*anydiff.Var
	Steps     []*decStepRes
	Out       []*anyseq.Batch
	V         anydiff.VarSet
}

func (u *unrollRes) Creator() anyvec.Creator {
	return u.In.Seq.Creator()
}

func (u *unrollRes) Output() []*anyseq.Batch {
	return u.Out
}

func (u *unrollRes) Vars() anydiff.VarSet {
	return u.V
}

func (u *unrollRes) Propagate(upstream []*anyseq.Batch, g anydiff.Grad) {
	c := u.Creator()
	for _, pvar := range u.SlotPools {
		if pvar != nil {
			g[pvar] = c.MakeVector(pvar.Vector.Len())
		}
	}
	var stateUp []anyrnn.StateGrad
	for t := len(u.Steps) - 1; t >= 0; t-- {
		stateUp = u.Steps[t].propagate(upstream[t].Packed, stateUp, g)
	}
	for i, f := range u.In.Final {
		if stateUp == nil || stateUp[i] == nil {
			continue
		}
		switch sg := stateUp[i].(type) {
		case *PairState:
			if g.Intersects(f.Hidden.Vars()) {
				f.Hidden.Propagate(sg.Hidden.Vector, g)
			}
			if f.Cell != nil && g.Intersects(f.Cell.Vars()) {
				f.Cell.Propagate(sg.Cell.Vector, g)
			}
		case *anyrnn.VecState:
			if g.Intersects(f.Hidden.Vars()) {
				f.Hidden.Propagate(sg.Vector, g)
			}
		}
	}
	if g.Intersects(u.In.Seq.Vars()) {
		stitchPoolGrads(u.In.Seq, u.SlotPools, g)
	} else {
		for _, pvar := range u.SlotPools {
			if pvar != nil {
				delete(g, pvar)
			}
		}
	}
}
