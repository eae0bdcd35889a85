package lipread

import (
	"math"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/serializer"
)

func TestEncoderShapes(t *testing.T) {
	c := anyvec64.CurrentCreator()
	enc, err := NewEncoder(c, EncoderConfig{
		FrameDim:      4,
		HiddenSize:    8,
		Cell:          CellLSTM,
		NumLayers:     2,
		Bidirectional: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if enc.OutSize() != 16 {
		t.Fatalf("out size should be 16 but got %d", enc.OutSize())
	}
	es, err := enc.Encode(c, randomFrames(c, 4, []int{5, 3}))
	if err != nil {
		t.Fatal(err)
	}
	batches := es.Seq.Output()
	if len(batches) != 5 {
		t.Fatalf("expected 5 timesteps but got %d", len(batches))
	}
	if batches[0].Packed.Len() != 2*16 {
		t.Errorf("step 0 should pack 32 values but has %d", batches[0].Packed.Len())
	}
	if batches[4].NumPresent() != 1 || batches[4].Packed.Len() != 16 {
		t.Errorf("step 4 should pack one row of 16 values")
	}
	if len(es.Final) != 2 {
		t.Fatalf("expected 2 final states but got %d", len(es.Final))
	}
	for i, f := range es.Final {
		if f.Kind != StatePaired || f.Cell == nil {
			t.Errorf("layer %d: missing cell state", i)
		}
		if f.Hidden.Output().Len() != 2*16 {
			t.Errorf("layer %d: hidden size should be 32 but got %d",
				i, f.Hidden.Output().Len())
		}
		if f.Cell.Output().Len() != 2*16 {
			t.Errorf("layer %d: cell size should be 32 but got %d",
				i, f.Cell.Output().Len())
		}
	}
}

func TestEncoderOrderInvariance(t *testing.T) {
	c := anyvec64.CurrentCreator()
	enc, err := NewEncoder(c, EncoderConfig{
		FrameDim:   3,
		HiddenSize: 6,
		Cell:       CellGRU,
		NumLayers:  1,
	})
	if err != nil {
		t.Fatal(err)
	}
	frames := randomFrames(c, 3, []int{2, 5, 0, 3})
	perm := []int{1, 3, 0, 2}
	permuted := make([][]anyvec.Vector, len(frames))
	for i, p := range perm {
		permuted[i] = frames[p]
	}

	es1, err := enc.Encode(c, frames)
	if err != nil {
		t.Fatal(err)
	}
	es2, err := enc.Encode(c, permuted)
	if err != nil {
		t.Fatal(err)
	}

	out1 := es1.SplitOutputs()
	out2 := es2.SplitOutputs()
	for i, p := range perm {
		if len(out1[p]) != len(out2[i]) {
			t.Fatalf("sample %d: length mismatch", p)
		}
		for step := range out2[i] {
			assertClose(t, out2[i][step], out1[p][step])
		}
	}

	size := enc.OutSize()
	hid1 := es1.Final[0].Hidden.Output()
	hid2 := es2.Final[0].Hidden.Output()
	for i, p := range perm {
		assertClose(t, hid2.Slice(i*size, (i+1)*size), hid1.Slice(p*size, (p+1)*size))
	}
}

func TestEncoderSingleFrame(t *testing.T) {
	c := anyvec64.CurrentCreator()
	enc, err := NewEncoder(c, EncoderConfig{
		FrameDim:   3,
		HiddenSize: 5,
		Cell:       CellLSTM,
		NumLayers:  1,
	})
	if err != nil {
		t.Fatal(err)
	}
	es, err := enc.Encode(c, randomFrames(c, 3, []int{1}))
	if err != nil {
		t.Fatal(err)
	}
	if len(es.Seq.Output()) != 1 {
		t.Fatalf("expected 1 timestep but got %d", len(es.Seq.Output()))
	}
	assertClose(t, es.Seq.Output()[0].Packed, es.Final[0].Hidden.Output())
}

func TestEncoderZeroLength(t *testing.T) {
	c := anyvec64.CurrentCreator()
	enc, err := NewEncoder(c, EncoderConfig{
		FrameDim:      3,
		HiddenSize:    4,
		Cell:          CellLSTM,
		NumLayers:     1,
		Bidirectional: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	es, err := enc.Encode(c, randomFrames(c, 3, []int{0, 2}))
	if err != nil {
		t.Fatal(err)
	}
	size := enc.OutSize()
	hid := es.Final[0].Hidden.Output().Data().([]float64)
	cell := es.Final[0].Cell.Output().Data().([]float64)
	for i := 0; i < size; i++ {
		if hid[i] != 0 || cell[i] != 0 {
			t.Fatalf("final state for an empty sequence should be zero")
		}
	}
	for _, x := range hid {
		if math.IsNaN(x) {
			t.Fatal("NaN in final state")
		}
	}
	for _, b := range es.Seq.Output() {
		for _, x := range b.Packed.Data().([]float64) {
			if math.IsNaN(x) {
				t.Fatal("NaN in encodings")
			}
		}
	}
}

func TestEncoderProp(t *testing.T) {
	c := anyvec64.CurrentCreator()
	enc, err := NewEncoder(c, EncoderConfig{
		FrameDim:      2,
		HiddenSize:    3,
		Cell:          CellLSTM,
		NumLayers:     2,
		Bidirectional: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	frames := randomFrames(c, 2, []int{3, 1, 2})
	checker := &anydifftest.SeqChecker{
		F: func() anyseq.Seq {
			es, err := enc.Encode(c, frames)
			if err != nil {
				t.Fatal(err)
			}
			return es.Seq
		},
		V: enc.Parameters(),
	}
	checker.FullCheck(t)
}

func TestEncoderFinalProp(t *testing.T) {
	c := anyvec64.CurrentCreator()
	enc, err := NewEncoder(c, EncoderConfig{
		FrameDim:   2,
		HiddenSize: 3,
		Cell:       CellGRU,
		NumLayers:  2,
	})
	if err != nil {
		t.Fatal(err)
	}
	frames := randomFrames(c, 2, []int{2, 3})
	checker := &anydifftest.ResChecker{
		F: func() anydiff.Res {
			es, err := enc.Encode(c, frames)
			if err != nil {
				t.Fatal(err)
			}
			parts := make([]anydiff.Res, len(es.Final))
			for i, f := range es.Final {
				parts[i] = f.Hidden
			}
			return anydiff.Concat(parts...)
		},
		V: enc.Parameters(),
	}
	checker.FullCheck(t)
}

func TestEncoderSerialize(t *testing.T) {
	c := anyvec64.CurrentCreator()
	enc, err := NewEncoder(c, EncoderConfig{
		FrameDim:      3,
		HiddenSize:    4,
		Cell:          CellLSTM,
		NumLayers:     2,
		Bidirectional: true,
		Dropout:       0.3,
		CTCClasses:    7,
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := serializer.SerializeWithType(enc)
	if err != nil {
		t.Fatal(err)
	}
	obj, err := serializer.DeserializeWithType(data)
	if err != nil {
		t.Fatal(err)
	}
	enc2, ok := obj.(*Encoder)
	if !ok {
		t.Fatalf("unexpected type: %T", obj)
	}
	if enc2.OutSize() != enc.OutSize() || enc2.Kind != enc.Kind ||
		len(enc2.Forward) != 2 || len(enc2.Backward) != 2 {
		t.Error("mismatching layout after deserialize")
	}
	if enc2.Dropout == nil || enc2.Dropout.KeepProb != enc.Dropout.KeepProb {
		t.Error("mismatching dropout after deserialize")
	}
	if enc2.CTCHead == nil || enc2.CTCHead.OutCount != 8 {
		t.Error("mismatching CTC head after deserialize")
	}

	enc.Dropout.Enabled = false
	enc2.Dropout.Enabled = false
	frames := randomFrames(c, 3, []int{2})
	es1, err := enc.Encode(c, frames)
	if err != nil {
		t.Fatal(err)
	}
	es2, err := enc2.Encode(c, frames)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range es1.Seq.Output() {
		assertClose(t, es2.Seq.Output()[i].Packed, b.Packed)
	}
}

func randomFrames(c anyvec.Creator, dim int, lens []int) [][]anyvec.Vector {
	res := make([][]anyvec.Vector, len(lens))
	for i, l := range lens {
		res[i] = make([]anyvec.Vector, l)
		for j := range res[i] {
			vec := c.MakeVector(dim)
			anyvec.Rand(vec, anyvec.Normal, nil)
			res[i][j] = vec
		}
	}
	return res
}

func assertClose(t *testing.T, actual, expected anyvec.Vector) {
	t.Helper()
	if actual.Len() != expected.Len() {
		t.Fatalf("length %d should be %d", actual.Len(), expected.Len())
	}
	diff := actual.Copy()
	diff.Sub(expected)
	if max := anyvec.AbsMax(diff).(float64); max > 1e-5 {
		t.Errorf("vectors differ by %v", max)
	}
}
