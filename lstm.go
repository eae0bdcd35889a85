package lipread

import (
	"errors"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/serializer"
)

func init() {
	var l LSTM
	serializer.RegisterTypedDeserializer(l.SerializerType(), DeserializeLSTM)
}

// LSTM is a long short-term memory cell.
//
// The state is a pair (hidden, cell). The step output is
// the row-wise concatenation [hidden, cell], so that
// consumers can read the memory contents alongside the
// hidden value. Most consumers slice out the hidden half.
type LSTM struct {
	Value  *Gate
	Input  *Gate
	Forget *Gate
	Output *Gate

	StartOut  *anydiff.Var
	StartCell *anydiff.Var
}

// NewLSTM creates a randomized LSTM cell.
//
// The forget gate biases start out at 1 to encourage
// remembering early in training.
func NewLSTM(c anyvec.Creator, in, out int) *LSTM {
	res := &LSTM{
		Value:     NewGate(c, in, out),
		Input:     NewGate(c, in, out),
		Forget:    NewGate(c, in, out),
		Output:    NewGate(c, in, out),
		StartOut:  anydiff.NewVar(c.MakeVector(out)),
		StartCell: anydiff.NewVar(c.MakeVector(out)),
	}
	ones := make([]float64, out)
	for i := range ones {
		ones[i] = 1
	}
	res.Forget.Biases.Vector.Set(makeVec(c, ones))
	return res
}

// DeserializeLSTM deserializes an LSTM cell.
func DeserializeLSTM(d []byte) (*LSTM, error) {
	var value, input, forget, output *Gate
	var startOut, startCell *anyvecsave.S
	err := serializer.DeserializeAny(d, &value, &input, &forget, &output,
		&startOut, &startCell)
	if err != nil {
		return nil, err
	}
	if startOut.Vector.Len() != value.OutCount ||
		startCell.Vector.Len() != value.OutCount {
		return nil, errors.New("incorrect LSTM start state size")
	}
	return &LSTM{
		Value:     value,
		Input:     input,
		Forget:    forget,
		Output:    output,
		StartOut:  anydiff.NewVar(startOut.Vector),
		StartCell: anydiff.NewVar(startCell.Vector),
	}, nil
}

// StateSize returns the hidden vector size.
func (l *LSTM) StateSize() int {
	return l.Value.OutCount
}

// Start generates an initial state.
func (l *LSTM) Start(n int) anyrnn.State {
	return &PairState{
		Hidden: anyrnn.NewVecState(l.StartOut.Vector, n),
		Cell:   anyrnn.NewVecState(l.StartCell.Vector, n),
	}
}

// PropagateStart propagates through the start state.
func (l *LSTM) PropagateStart(s anyrnn.StateGrad, g anydiff.Grad) {
	s.(*PairState).PropagateStart(l.StartOut, l.StartCell, g)
}

// Step performs one timestep.
func (l *LSTM) Step(s anyrnn.State, in anyvec.Vector) anyrnn.Res {
	st := s.(*PairState)
	n := st.Present().NumPresent()
	res := &lstmRes{
		InPool:   anydiff.NewVar(in),
		OutPool:  anydiff.NewVar(st.Hidden.Vector),
		CellPool: anydiff.NewVar(st.Cell.Vector),
		V:        anydiff.VarSet{},
	}
	res.V.Add(l.StartOut)
	res.V.Add(l.StartCell)

	hidden := res.OutPool
	input := res.InPool
	value := anydiff.Tanh(l.Value.Apply(hidden, input))
	inGate := anydiff.Sigmoid(l.Input.Apply(hidden, input))
	forget := anydiff.Sigmoid(l.Forget.Apply(hidden, input))
	outGate := anydiff.Sigmoid(l.Output.Apply(hidden, input))
	newCell := anydiff.Add(anydiff.Mul(forget, res.CellPool),
		anydiff.Mul(inGate, value))
	res.Out = anydiff.Pool(newCell, func(cell anydiff.Res) anydiff.Res {
		newOut := anydiff.Mul(outGate, anydiff.Tanh(cell))
		return joinRows(newOut, cell, n)
	})

	size := l.StateSize()
	outVec := res.Out.Output()
	res.OutState = &PairState{
		Hidden: &anyrnn.VecState{
			Vector:     gatherRows(outVec, n, 2*size, 0, size),
			PresentMap: s.Present(),
		},
		Cell: &anyrnn.VecState{
			Vector:     gatherRows(outVec, n, 2*size, size, 2*size),
			PresentMap: s.Present(),
		},
	}
	res.V = anydiff.MergeVarSets(res.V, res.Out.Vars())
	return res
}

// Parameters returns the cell's parameters.
func (l *LSTM) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, gate := range []*Gate{l.Value, l.Input, l.Forget, l.Output} {
		res = append(res, gate.Parameters()...)
	}
	return append(res, l.StartOut, l.StartCell)
}

// SerializerType returns the unique ID used to serialize
// an LSTM with the serializer package.
func (l *LSTM) SerializerType() string {
	return "github.com/unixpickle/lipread.LSTM"
}

// Serialize serializes the LSTM.
func (l *LSTM) Serialize() ([]byte, error) {
	return serializer.SerializeAny(l.Value, l.Input, l.Forget, l.Output,
		&anyvecsave.S{Vector: l.StartOut.Vector},
		&anyvecsave.S{Vector: l.StartCell.Vector})
}

type lstmRes struct {
	InPool   *anydiff.Var
	OutPool  *anydiff.Var
	CellPool *anydiff.Var
	OutState *PairState
	Out      anydiff.Res
	V        anydiff.VarSet
}

func (l *lstmRes) State() anyrnn.State {
	return l.OutState
}

func (l *lstmRes) Output() anyvec.Vector {
	return l.Out.Output()
}

func (l *lstmRes) Vars() anydiff.VarSet {
	return l.V
}

func (l *lstmRes) Propagate(u anyvec.Vector, s anyrnn.StateGrad,
	g anydiff.Grad) (anyvec.Vector, anyrnn.StateGrad) {
	c := u.Creator()
	n := l.OutState.Present().NumPresent()
	if s != nil {
		ps := s.(*PairState)
		u.Add(vecJoinRows(ps.Hidden.Vector, ps.Cell.Vector, n))
	}
	down := c.MakeVector(l.InPool.Vector.Len())
	downOut := c.MakeVector(l.OutPool.Vector.Len())
	downCell := c.MakeVector(l.CellPool.Vector.Len())
	g[l.InPool] = down
	g[l.OutPool] = downOut
	g[l.CellPool] = downCell
	l.Out.Propagate(u, g)
	delete(g, l.InPool)
	delete(g, l.OutPool)
	delete(g, l.CellPool)
	return down, &PairState{
		Hidden: &anyrnn.VecState{Vector: downOut, PresentMap: l.OutState.Present()},
		Cell:   &anyrnn.VecState{Vector: downCell, PresentMap: l.OutState.Present()},
	}
}
