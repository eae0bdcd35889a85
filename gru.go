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
	var g GRU
	serializer.RegisterTypedDeserializer(g.SerializerType(), DeserializeGRU)
}

// GRU is a gated recurrent unit cell.
//
// The update rule is
//
//	z := sigmoid(Update(state, input))
//	r := sigmoid(Reset(state, input))
//	h := tanh(Cand(r*state, input))
//	out := z*state + (1-z)*h
//
// The output doubles as the state.
type GRU struct {
	Update     *Gate
	Reset      *Gate
	Cand       *Gate
	StartState *anydiff.Var
}

// NewGRU creates a randomized GRU cell.
func NewGRU(c anyvec.Creator, in, out int) *GRU {
	return &GRU{
		Update:     NewGate(c, in, out),
		Reset:      NewGate(c, in, out),
		Cand:       NewGate(c, in, out),
		StartState: anydiff.NewVar(c.MakeVector(out)),
	}
}

// DeserializeGRU deserializes a GRU cell.
func DeserializeGRU(d []byte) (*GRU, error) {
	var update, reset, cand *Gate
	var start *anyvecsave.S
	if err := serializer.DeserializeAny(d, &update, &reset, &cand, &start); err != nil {
		return nil, err
	}
	if start.Vector.Len() != update.OutCount {
		return nil, errors.New("incorrect GRU start state size")
	}
	return &GRU{
		Update:     update,
		Reset:      reset,
		Cand:       cand,
		StartState: anydiff.NewVar(start.Vector),
	}, nil
}

// Start generates an initial state.
func (g *GRU) Start(n int) anyrnn.State {
	return anyrnn.NewVecState(g.StartState.Vector, n)
}

// PropagateStart propagates through the start state.
func (g *GRU) PropagateStart(s anyrnn.StateGrad, grad anydiff.Grad) {
	s.(*anyrnn.VecState).PropagateStart(g.StartState, grad)
}

// Step performs one timestep.
func (g *GRU) Step(s anyrnn.State, in anyvec.Vector) anyrnn.Res {
	res := &singleRes{
		InPool:    anydiff.NewVar(in),
		StatePool: anydiff.NewVar(s.(*anyrnn.VecState).Vector),
		V:         anydiff.VarSet{},
	}
	res.V.Add(g.StartState)

	state := res.StatePool
	input := res.InPool
	z := anydiff.Sigmoid(g.Update.Apply(state, input))
	r := anydiff.Sigmoid(g.Reset.Apply(state, input))
	cand := anydiff.Tanh(g.Cand.Apply(anydiff.Mul(r, state), input))
	res.Out = anydiff.Pool(z, func(z anydiff.Res) anydiff.Res {
		return anydiff.Add(anydiff.Mul(z, state),
			anydiff.Mul(anydiff.Complement(z), cand))
	})
	res.OutState = &anyrnn.VecState{
		Vector:     res.Out.Output(),
		PresentMap: s.Present(),
	}
	res.V = anydiff.MergeVarSets(res.V, res.Out.Vars())
	return res
}

// Parameters returns the cell's parameters.
func (g *GRU) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, gate := range []*Gate{g.Update, g.Reset, g.Cand} {
		res = append(res, gate.Parameters()...)
	}
	return append(res, g.StartState)
}

// SerializerType returns the unique ID used to serialize
// a GRU with the serializer package.
func (g *GRU) SerializerType() string {
	return "github.com/unixpickle/lipread.GRU"
}

// Serialize serializes the GRU.
func (g *GRU) Serialize() ([]byte, error) {
	return serializer.SerializeAny(g.Update, g.Reset, g.Cand,
		&anyvecsave.S{Vector: g.StartState.Vector})
}

// singleRes is the step result of a cell whose output
// doubles as its state.
type singleRes struct {
	InPool    *anydiff.Var
	StatePool *anydiff.Var
	Out       anydiff.Res
	OutState  *anyrnn.VecState
	V         anydiff.VarSet
}

func (s *singleRes) State() anyrnn.State {
	return s.OutState
}

func (s *singleRes) Output() anyvec.Vector {
	return s.Out.Output()
}

func (s *singleRes) Vars() anydiff.VarSet {
	return s.V
}

func (s *singleRes) Propagate(u anyvec.Vector, sg anyrnn.StateGrad,
	g anydiff.Grad) (anyvec.Vector, anyrnn.StateGrad) {
	if sg != nil {
		u.Add(sg.(*anyrnn.VecState).Vector)
	}
	c := u.Creator()
	inDown := c.MakeVector(s.InPool.Vector.Len())
	stateDown := c.MakeVector(s.StatePool.Vector.Len())
	g[s.InPool] = inDown
	g[s.StatePool] = stateDown
	s.Out.Propagate(u, g)
	delete(g, s.InPool)
	delete(g, s.StatePool)
	return inDown, &anyrnn.VecState{
		Vector:     stateDown,
		PresentMap: s.OutState.PresentMap,
	}
}
