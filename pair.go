package lipread

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyrnn"
)

// A PairState is a batch of recurrent states with two
// components per sample, such as the hidden and cell
// values of a memory cell.
//
// It doubles as a StateGrad.
type PairState struct {
	Hidden *anyrnn.VecState
	Cell   *anyrnn.VecState
}

// Present returns the present map.
func (p *PairState) Present() anyrnn.PresentMap {
	return p.Hidden.Present()
}

// Reduce removes states from the batch.
func (p *PairState) Reduce(pres anyrnn.PresentMap) anyrnn.State {
	return &PairState{
		Hidden: p.Hidden.Reduce(pres).(*anyrnn.VecState),
		Cell:   p.Cell.Reduce(pres).(*anyrnn.VecState),
	}
}

// Expand inserts zero gradients into the batch.
func (p *PairState) Expand(pres anyrnn.PresentMap) anyrnn.StateGrad {
	return &PairState{
		Hidden: p.Hidden.Expand(pres).(*anyrnn.VecState),
		Cell:   p.Cell.Expand(pres).(*anyrnn.VecState),
	}
}

// PropagateStart propagates the batch, treated as a
// gradient, through a pair of start variables.
func (p *PairState) PropagateStart(hidden, cell *anydiff.Var, g anydiff.Grad) {
	p.Hidden.PropagateStart(hidden, g)
	p.Cell.PropagateStart(cell, g)
}
