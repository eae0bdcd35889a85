package lipread

import (
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestGRUProp(t *testing.T) {
	testCellProp(t, CellGRU)
}

func TestLSTMProp(t *testing.T) {
	testCellProp(t, CellLSTM)
}

func testCellProp(t *testing.T, kind CellKind) {
	c := anyvec64.CurrentCreator()
	cell, err := NewCell(c, kind, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	inVars, seq := randomTestSeq(c, 2, [][]bool{
		{true, true, true},
		{true, true, false},
		{true, false, false},
	})
	params := cell.(anynet.Parameterizer).Parameters()
	checker := &anydifftest.SeqChecker{
		F: func() anyseq.Seq {
			return anyrnn.Map(seq, cell)
		},
		V: append(inVars, params...),
	}
	checker.FullCheck(t)
}

func TestLSTMOutputLayout(t *testing.T) {
	c := anyvec64.CurrentCreator()
	cell := NewLSTM(c, 2, 3)
	in := c.MakeVector(4)
	anyvec.Rand(in, anyvec.Normal, nil)
	res := cell.Step(cell.Start(2), in)

	out := res.Output().Data().([]float64)
	if len(out) != 12 {
		t.Fatalf("output length should be 12 but got %d", len(out))
	}
	st := res.State().(*PairState)
	hidden := st.Hidden.Vector.Data().([]float64)
	memory := st.Cell.Vector.Data().([]float64)
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			if out[i*6+j] != hidden[i*3+j] {
				t.Errorf("row %d: hidden %d does not match output", i, j)
			}
			if out[i*6+3+j] != memory[i*3+j] {
				t.Errorf("row %d: cell %d does not match output", i, j)
			}
		}
	}
}

func TestNewCellUnknown(t *testing.T) {
	if _, err := NewCell(anyvec64.CurrentCreator(), "bogus", 2, 3); err == nil {
		t.Error("expected an error for an unknown cell kind")
	}
}

func randomTestSeq(c anyvec.Creator, cols int,
	present [][]bool) ([]*anydiff.Var, anyseq.Seq) {
	var inVars []*anydiff.Var
	var batches []*anyseq.ResBatch
	for _, pres := range present {
		n := 0
		for _, p := range pres {
			if p {
				n++
			}
		}
		vec := c.MakeVector(n * cols)
		anyvec.Rand(vec, anyvec.Normal, nil)
		v := anydiff.NewVar(vec)
		inVars = append(inVars, v)
		batches = append(batches, &anyseq.ResBatch{Packed: v, Present: pres})
	}
	return inVars, anyseq.ResSeq(c, batches)
}
