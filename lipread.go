// Package lipread implements an attention-based
// sequence-to-sequence lipreading model: a recurrent
// encoder over per-frame visual features and a
// character-level attention decoder.
package lipread

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
)

// A CellKind names one of the supported recurrent cell
// families.
type CellKind string

// The closed set of supported cell kinds.
const (
	CellVanilla CellKind = "rnn"
	CellGRU     CellKind = "gru"
	CellLSTM    CellKind = "lstm"
)

// NewCell creates a randomized recurrent block of the
// given kind.
//
// Memory cells produce outputs of twice the state size:
// the cell value is tapped into the output alongside the
// hidden value, so that callers can capture the full
// terminal state of a sequence from its last output.
func NewCell(c anyvec.Creator, kind CellKind, in, state int) (anyrnn.Block, error) {
	switch kind {
	case CellVanilla:
		return anyrnn.NewVanilla(c, in, state, anynet.Tanh), nil
	case CellGRU:
		return NewGRU(c, in, state), nil
	case CellLSTM:
		return NewLSTM(c, in, state), nil
	default:
		return nil, fmt.Errorf("unsupported cell kind: %s", kind)
	}
}

// cellOutSize gives the per-sample output width of a cell
// of the given kind and state size.
func cellOutSize(kind CellKind, state int) int {
	if kind == CellLSTM {
		return 2 * state
	}
	return state
}

// joinRows concatenates two batches row-wise, producing
// rows of the form [a[i], b[i]] for each sample i.
func joinRows(a, b anydiff.Res, n int) anydiff.Res {
	return anydiff.Pool(a, func(a anydiff.Res) anydiff.Res {
		return anydiff.Pool(b, func(b anydiff.Res) anydiff.Res {
			aLen := a.Output().Len() / n
			bLen := b.Output().Len() / n
			var parts []anydiff.Res
			for i := 0; i < n; i++ {
				parts = append(parts, anydiff.Slice(a, i*aLen, (i+1)*aLen),
					anydiff.Slice(b, i*bLen, (i+1)*bLen))
			}
			return anydiff.Concat(parts...)
		})
	})
}

// sliceRows extracts the [from, to) columns of every row
// in a batch of n rows of length rowLen.
func sliceRows(v anydiff.Res, n, rowLen, from, to int) anydiff.Res {
	if from == 0 && to == rowLen {
		return v
	}
	return anydiff.Pool(v, func(v anydiff.Res) anydiff.Res {
		parts := make([]anydiff.Res, 0, n)
		for i := 0; i < n; i++ {
			parts = append(parts, anydiff.Slice(v, i*rowLen+from, i*rowLen+to))
		}
		return anydiff.Concat(parts...)
	})
}

// gatherRows is the anyvec.Vector analogue of sliceRows.
func gatherRows(v anyvec.Vector, n, rowLen, from, to int) anyvec.Vector {
	if from == 0 && to == rowLen {
		return v
	}
	parts := make([]anyvec.Vector, 0, n)
	for i := 0; i < n; i++ {
		parts = append(parts, v.Slice(i*rowLen+from, i*rowLen+to))
	}
	return v.Creator().Concat(parts...)
}

// scatterRows expands a batch of n rows of length to-from
// into rows of length rowLen with zeros outside the
// [from, to) columns.
func scatterRows(u anyvec.Vector, n, rowLen, from, to int) anyvec.Vector {
	if from == 0 && to == rowLen {
		return u
	}
	c := u.Creator()
	width := to - from
	parts := make([]anyvec.Vector, 0, 3*n)
	for i := 0; i < n; i++ {
		if from > 0 {
			parts = append(parts, c.MakeVector(from))
		}
		parts = append(parts, u.Slice(i*width, (i+1)*width))
		if to < rowLen {
			parts = append(parts, c.MakeVector(rowLen-to))
		}
	}
	return c.Concat(parts...)
}

// vecJoinRows concatenates two packed batches row-wise in
// the anyvec.Vector world.
func vecJoinRows(a, b anyvec.Vector, n int) anyvec.Vector {
	c := a.Creator()
	aLen := a.Len() / n
	bLen := b.Len() / n
	parts := make([]anyvec.Vector, 0, 2*n)
	for i := 0; i < n; i++ {
		parts = append(parts, a.Slice(i*aLen, (i+1)*aLen),
			b.Slice(i*bLen, (i+1)*bLen))
	}
	return c.Concat(parts...)
}

// makeVec builds a vector from float64 components.
func makeVec(c anyvec.Creator, data []float64) anyvec.Vector {
	return c.MakeVectorData(c.MakeNumericList(data))
}

// fullPresent creates a PresentMap with all n sequences
// present.
func fullPresent(n int) anyrnn.PresentMap {
	p := make(anyrnn.PresentMap, n)
	for i := range p {
		p[i] = true
	}
	return p
}
