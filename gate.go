package lipread

import (
	"errors"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/serializer"
)

func init() {
	var g Gate
	serializer.RegisterTypedDeserializer(g.SerializerType(), DeserializeGate)
}

// A Gate is a single linear recurrent transformation:
//
//	out := Ws*state + Wi*input + b
//
// Cells combine gates with squashing functions to form
// their update rules.
type Gate struct {
	InCount  int
	OutCount int

	StateWeights *anydiff.Var
	InputWeights *anydiff.Var
	Biases       *anydiff.Var
}

// NewGate creates a randomized Gate.
func NewGate(c anyvec.Creator, in, out int) *Gate {
	res := &Gate{
		InCount:      in,
		OutCount:     out,
		StateWeights: anydiff.NewVar(c.MakeVector(out * out)),
		InputWeights: anydiff.NewVar(c.MakeVector(in * out)),
		Biases:       anydiff.NewVar(c.MakeVector(out)),
	}
	anyvec.Rand(res.StateWeights.Vector, anyvec.Normal, nil)
	anyvec.Rand(res.InputWeights.Vector, anyvec.Normal, nil)
	res.StateWeights.Vector.Scale(c.MakeNumeric(1 / math.Sqrt(float64(out))))
	res.InputWeights.Vector.Scale(c.MakeNumeric(1 / math.Sqrt(float64(in))))
	return res
}

// DeserializeGate deserializes a Gate.
func DeserializeGate(d []byte) (*Gate, error) {
	var stW, inW, b *anyvecsave.S
	if err := serializer.DeserializeAny(d, &stW, &inW, &b); err != nil {
		return nil, err
	}
	outCount := b.Vector.Len()
	if outCount == 0 || stW.Vector.Len() != outCount*outCount ||
		inW.Vector.Len()%outCount != 0 {
		return nil, errors.New("incorrect gate matrix size")
	}
	return &Gate{
		InCount:      inW.Vector.Len() / outCount,
		OutCount:     outCount,
		StateWeights: anydiff.NewVar(stW.Vector),
		InputWeights: anydiff.NewVar(inW.Vector),
		Biases:       anydiff.NewVar(b.Vector),
	}, nil
}

// Apply applies the gate to a batch of states and inputs.
func (g *Gate) Apply(state, in anydiff.Res) anydiff.Res {
	wState := applyWeights(g.OutCount, g.OutCount, g.StateWeights, state)
	wInput := applyWeights(g.InCount, g.OutCount, g.InputWeights, in)
	return anydiff.AddRepeated(anydiff.Add(wState, wInput), g.Biases)
}

// Parameters returns the gate's parameters.
func (g *Gate) Parameters() []*anydiff.Var {
	return []*anydiff.Var{g.StateWeights, g.InputWeights, g.Biases}
}

// SerializerType returns the unique ID used to serialize
// a Gate with the serializer package.
func (g *Gate) SerializerType() string {
	return "github.com/unixpickle/lipread.Gate"
}

// Serialize serializes the Gate.
func (g *Gate) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		&anyvecsave.S{Vector: g.StateWeights.Vector},
		&anyvecsave.S{Vector: g.InputWeights.Vector},
		&anyvecsave.S{Vector: g.Biases.Vector},
	)
}

func applyWeights(in, out int, weights anydiff.Res, batch anydiff.Res) anydiff.Res {
	weightMat := &anydiff.Matrix{Data: weights, Rows: out, Cols: in}
	inMat := &anydiff.Matrix{Data: batch, Rows: batch.Output().Len() / in, Cols: in}
	return anydiff.MatMul(false, true, inMat, weightMat).Data
}
