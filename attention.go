package lipread

import (
	"errors"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/serializer"
)

func init() {
	var a Attention
	serializer.RegisterTypedDeserializer(a.SerializerType(), DeserializeAttention)
}

// An AttentionKind names a score function for comparing a
// decoder query against encoder timesteps.
type AttentionKind string

// The closed set of score functions.
const (
	// AttentionConcat scores with v*tanh(We*enc + Wq*query).
	AttentionConcat AttentionKind = "concat"

	// AttentionDot scores with enc*query.
	AttentionDot AttentionKind = "dot"
)

// An EncBatch exposes a batch of encodings as per-sample
// pooled variables, indexed in the original batch order.
//
// Pools[i] packs sample i's timestep rows into one
// variable of Lens[i]*Size components. It is nil for
// zero-length samples.
type EncBatch struct {
	Lens  []int
	Size  int
	Pools []*anydiff.Var
}

// PoolEncoded pools an encoding behind per-sample
// variables, calls f to build a result from them, and
// produces a Res which back-propagates through the
// encoder only once no matter how many times f used each
// pooled timestep.
func PoolEncoded(es *EncodedSeq, f func(enc *EncBatch) anydiff.Res) anydiff.Res {
	enc, slotPools := poolEncBatch(es)
	return &encPoolRes{
		In:        es.Seq,
		SlotPools: slotPools,
		Res:       f(enc),
	}
}

// poolEncBatch builds an EncBatch for an encoding. The
// returned slotPools list the same pool variables in the
// encoder's sorted order, for stitching gradients back
// into the underlying sequence.
func poolEncBatch(es *EncodedSeq) (*EncBatch, []*anydiff.Var) {
	c := es.Seq.Creator()
	rawData := anyseq.SeparateSeqs(es.Seq.Output())
	slotPools := make([]*anydiff.Var, es.Batch)
	origPools := make([]*anydiff.Var, es.Batch)
	for slot := 0; slot < es.Batch && slot < len(rawData); slot++ {
		raw := rawData[slot]
		if len(raw) == 0 {
			continue
		}
		v := anydiff.NewVar(c.Concat(raw...))
		slotPools[slot] = v
		origPools[es.Perm[slot]] = v
	}
	enc := &EncBatch{Lens: es.Lens, Size: es.OutSize, Pools: origPools}
	return enc, slotPools
}

type encPoolRes struct {
	In        anyseq.Seq
	SlotPools []*anydiff.Var
	Res       anydiff.Res
}

func (e *encPoolRes) Output() anyvec.Vector {
	return e.Res.Output()
}

func (e *encPoolRes) Vars() anydiff.VarSet {
	return anydiff.MergeVarSets(e.In.Vars(), e.Res.Vars())
}

func (e *encPoolRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	c := u.Creator()
	for _, pvar := range e.SlotPools {
		if pvar != nil {
			g[pvar] = c.MakeVector(pvar.Vector.Len())
		}
	}
	e.Res.Propagate(u, g)
	stitchPoolGrads(e.In, e.SlotPools, g)
}

// stitchPoolGrads converts per-sample pool gradients back
// into per-timestep batch upstreams and propagates them
// through the pooled sequence. The pool variables are
// removed from g.
func stitchPoolGrads(in anyseq.Seq, slotPools []*anydiff.Var, g anydiff.Grad) {
	c := in.Creator()
	rowLen := rowSize(in)
	downstream := make([][]anyvec.Vector, len(slotPools))
	for slot, pvar := range slotPools {
		if pvar == nil {
			continue
		}
		grad := g[pvar]
		delete(g, pvar)
		downstream[slot] = splitVec(grad, grad.Len()/rowLen)
	}
	joined := anyseq.ConstSeqList(c, downstream).Output()
	in.Propagate(joined, g)
}

// rowSize computes the per-sample row size of a sequence.
func rowSize(s anyseq.Seq) int {
	for _, b := range s.Output() {
		return b.Packed.Len() / b.NumPresent()
	}
	return 1
}

// splitVec splits a vector into equally sized chunks.
func splitVec(vec anyvec.Vector, parts int) []anyvec.Vector {
	if parts == 0 {
		return nil
	}
	res := make([]anyvec.Vector, parts)
	chunkSize := vec.Len() / parts
	for i := range res {
		res[i] = vec.Slice(i*chunkSize, (i+1)*chunkSize)
	}
	return res
}

// Attention compares decoder queries against encoder
// timesteps and mixes the timesteps into context rows.
type Attention struct {
	Kind AttentionKind

	// Concat kind only.
	EncProj   *anynet.FC
	QueryProj *anynet.FC
	V         *anydiff.Var
}

// NewAttention creates a randomized Attention.
//
// The encSize and querySize arguments give the encoder
// row size and the decoder query size. For AttentionDot
// they must be equal.
func NewAttention(c anyvec.Creator, kind AttentionKind, encSize, querySize int) (*Attention, error) {
	switch kind {
	case AttentionDot:
		if encSize != querySize {
			return nil, errors.New("new attention: dot requires matching sizes")
		}
		return &Attention{Kind: kind}, nil
	case AttentionConcat:
		v := c.MakeVector(querySize)
		anyvec.Rand(v, anyvec.Normal, nil)
		v.Scale(c.MakeNumeric(1 / math.Sqrt(float64(querySize))))
		return &Attention{
			Kind:      kind,
			EncProj:   anynet.NewFC(c, encSize, querySize),
			QueryProj: anynet.NewFC(c, querySize, querySize),
			V:         anydiff.NewVar(v),
		}, nil
	default:
		return nil, errors.New("new attention: unsupported kind: " + string(kind))
	}
}

// DeserializeAttention deserializes an Attention.
func DeserializeAttention(d []byte) (*Attention, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, err
	}
	if len(slice) == 0 {
		return nil, errors.New("deserialize Attention: missing kind")
	}
	kind, ok := slice[0].(serializer.String)
	if !ok {
		return nil, errors.New("deserialize Attention: bad kind")
	}
	res := &Attention{Kind: AttentionKind(kind)}
	if res.Kind == AttentionConcat {
		if len(slice) != 4 {
			return nil, errors.New("deserialize Attention: missing fields")
		}
		encProj, ok1 := slice[1].(*anynet.FC)
		queryProj, ok2 := slice[2].(*anynet.FC)
		v, ok3 := slice[3].(*anyvecsave.S)
		if !ok1 || !ok2 || !ok3 {
			return nil, errors.New("deserialize Attention: bad field types")
		}
		res.EncProj = encProj
		res.QueryProj = queryProj
		res.V = anydiff.NewVar(v.Vector)
	}
	return res, nil
}

// projectEnc precomputes the per-sample encoder side of
// the score function. The result is indexed like
// enc.Pools and is nil for the dot kind.
func (a *Attention) projectEnc(enc *EncBatch) []anydiff.Res {
	if a.Kind != AttentionConcat {
		return nil
	}
	res := make([]anydiff.Res, len(enc.Pools))
	for i, pool := range enc.Pools {
		if pool != nil {
			res[i] = a.EncProj.Apply(pool, enc.Lens[i])
		}
	}
	return res
}

// Apply attends over the encodings with a packed batch of
// query rows, producing one context row per sample.
//
// Rows for zero-length samples are zero: with nothing to
// attend to, the context carries no information.
func (a *Attention) Apply(enc *EncBatch, encProj []anydiff.Res, query anydiff.Res,
	n int) anydiff.Res {
	ctx, _ := a.apply(enc, encProj, query, n)
	return ctx
}

func (a *Attention) apply(enc *EncBatch, encProj []anydiff.Res, query anydiff.Res,
	n int) (anydiff.Res, []anydiff.Res) {
	c := query.Output().Creator()
	querySize := query.Output().Len() / n
	weights := make([]anydiff.Res, n)
	ctx := anydiff.Pool(query, func(query anydiff.Res) anydiff.Res {
		var queryProj anydiff.Res
		if a.Kind == AttentionConcat {
			queryProj = a.QueryProj.Apply(query, n)
		}
		rows := make([]anydiff.Res, n)
		for i := 0; i < n; i++ {
			if enc.Lens[i] == 0 {
				rows[i] = anydiff.NewConst(c.MakeVector(enc.Size))
				continue
			}
			length := enc.Lens[i]
			var energy anydiff.Res
			switch a.Kind {
			case AttentionConcat:
				qRow := anydiff.Slice(queryProj, i*querySize, (i+1)*querySize)
				hidden := anydiff.Tanh(anydiff.AddRepeated(encProj[i], qRow))
				energy = anydiff.MatMul(false, false,
					&anydiff.Matrix{Data: hidden, Rows: length, Cols: querySize},
					&anydiff.Matrix{Data: a.V, Rows: querySize, Cols: 1}).Data
			case AttentionDot:
				qRow := anydiff.Slice(query, i*querySize, (i+1)*querySize)
				energy = anydiff.MatMul(false, false,
					&anydiff.Matrix{Data: enc.Pools[i], Rows: length, Cols: enc.Size},
					&anydiff.Matrix{Data: qRow, Rows: enc.Size, Cols: 1}).Data
			}
			w := anydiff.Exp(anydiff.LogSoftmax(energy, length))
			weights[i] = w
			rows[i] = anydiff.Pool(w, func(w anydiff.Res) anydiff.Res {
				return anydiff.MatMul(false, false,
					&anydiff.Matrix{Data: w, Rows: 1, Cols: length},
					&anydiff.Matrix{Data: enc.Pools[i], Rows: length, Cols: enc.Size}).Data
			})
		}
		return anydiff.Concat(rows...)
	})
	return ctx, weights
}

// Parameters returns the attention parameters.
func (a *Attention) Parameters() []*anydiff.Var {
	if a.Kind != AttentionConcat {
		return nil
	}
	res := append(a.EncProj.Parameters(), a.QueryProj.Parameters()...)
	return append(res, a.V)
}

// SerializerType returns the unique ID used to serialize
// an Attention with the serializer package.
func (a *Attention) SerializerType() string {
	return "github.com/unixpickle/lipread.Attention"
}

// Serialize serializes the Attention.
func (a *Attention) Serialize() ([]byte, error) {
	slice := []serializer.Serializer{serializer.String(a.Kind)}
	if a.Kind == AttentionConcat {
		slice = append(slice, a.EncProj, a.QueryProj,
			&anyvecsave.S{Vector: a.V.Vector})
	}
	return serializer.SerializeSlice(slice)
}
