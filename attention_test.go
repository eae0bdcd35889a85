package lipread

import (
	"math"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestAttentionWeights(t *testing.T) {
	c := anyvec64.CurrentCreator()
	enc, err := NewEncoder(c, EncoderConfig{
		FrameDim:   3,
		HiddenSize: 4,
		Cell:       CellGRU,
		NumLayers:  1,
	})
	if err != nil {
		t.Fatal(err)
	}
	es, err := enc.Encode(c, randomFrames(c, 3, []int{4, 0, 2}))
	if err != nil {
		t.Fatal(err)
	}
	encB, _ := poolEncBatch(es)
	for _, kind := range []AttentionKind{AttentionConcat, AttentionDot} {
		attn, err := NewAttention(c, kind, 4, 4)
		if err != nil {
			t.Fatal(err)
		}
		queryVec := c.MakeVector(3 * 4)
		anyvec.Rand(queryVec, anyvec.Normal, nil)
		query := anydiff.NewVar(queryVec)
		ctx, weights := attn.apply(encB, attn.projectEnc(encB), query, 3)

		if weights[1] != nil {
			t.Errorf("%s: empty sample should have no weights", kind)
		}
		for _, i := range []int{0, 2} {
			w := weights[i].Output().Data().([]float64)
			if len(w) != es.Lens[i] {
				t.Fatalf("%s: sample %d: %d weights for %d timesteps",
					kind, i, len(w), es.Lens[i])
			}
			var sum float64
			for _, x := range w {
				if x <= 0 {
					t.Errorf("%s: sample %d: non-positive weight %v", kind, i, x)
				}
				sum += x
			}
			if math.Abs(sum-1) > 1e-5 {
				t.Errorf("%s: sample %d: weights sum to %v", kind, i, sum)
			}
		}

		ctxData := ctx.Output().Data().([]float64)
		if len(ctxData) != 3*4 {
			t.Fatalf("%s: context should have 12 values but has %d",
				kind, len(ctxData))
		}
		for j := 0; j < 4; j++ {
			if ctxData[4+j] != 0 {
				t.Errorf("%s: empty sample should have a zero context row", kind)
			}
		}
	}
}

func TestAttentionDotSizeCheck(t *testing.T) {
	c := anyvec64.CurrentCreator()
	if _, err := NewAttention(c, AttentionDot, 4, 6); err == nil {
		t.Error("expected an error for mismatching dot sizes")
	}
}

func TestAttentionProp(t *testing.T) {
	c := anyvec64.CurrentCreator()
	enc, err := NewEncoder(c, EncoderConfig{
		FrameDim:   2,
		HiddenSize: 3,
		Cell:       CellGRU,
		NumLayers:  1,
	})
	if err != nil {
		t.Fatal(err)
	}
	attn, err := NewAttention(c, AttentionConcat, 3, 3)
	if err != nil {
		t.Fatal(err)
	}
	frames := randomFrames(c, 2, []int{3, 1})
	queryVec := c.MakeVector(2 * 3)
	anyvec.Rand(queryVec, anyvec.Normal, nil)
	query := anydiff.NewVar(queryVec)

	vars := append([]*anydiff.Var{query}, attn.Parameters()...)
	vars = append(vars, enc.Parameters()...)
	checker := &anydifftest.ResChecker{
		F: func() anydiff.Res {
			es, err := enc.Encode(c, frames)
			if err != nil {
				t.Fatal(err)
			}
			return PoolEncoded(es, func(encB *EncBatch) anydiff.Res {
				return attn.Apply(encB, attn.projectEnc(encB), query, 2)
			})
		},
		V: vars,
	}
	checker.FullCheck(t)
}

func TestAttentionSerialize(t *testing.T) {
	c := anyvec64.CurrentCreator()
	attn, err := NewAttention(c, AttentionConcat, 3, 5)
	if err != nil {
		t.Fatal(err)
	}
	data, err := attn.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	attn2, err := DeserializeAttention(data)
	if err != nil {
		t.Fatal(err)
	}
	if attn2.Kind != AttentionConcat {
		t.Errorf("bad kind: %s", attn2.Kind)
	}
	if attn2.EncProj.InCount != 3 || attn2.QueryProj.InCount != 5 {
		t.Error("mismatching projection sizes")
	}
	assertClose(t, attn2.V.Vector, attn.V.Vector)
}
