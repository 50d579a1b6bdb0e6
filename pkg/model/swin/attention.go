package swin

import (
	"math"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"
)

var _ nn.Model = &WindowAttention{}

// WindowAttention computes multi-head self-attention restricted to fixed-size
// square windows. A learned relative position bias is added to every attention
// score, addressed through an integer lookup built once at construction: the
// table holds one row per relative offset within a window, one column per head.
type WindowAttention struct {
	nn.BaseModel
	Dim        int
	WindowSize int
	NumHeads   int
	Scale      float64
	QKV        *linear.Model
	Proj       *linear.Model
	BiasTable  nn.Param

	// RelPosIndex maps a (query, key) token pair to a row of BiasTable. It
	// depends only on the window size and must never be mutated after
	// construction; every window shares it.
	RelPosIndex [][]int

	AttnDropout float64
	ProjDropout float64
}

// NewWindowAttention builds the attention module for dim channels over
// windowSize×windowSize windows. A qkScale of zero selects the default
// 1/sqrt(headDim) score scaling.
func NewWindowAttention(dim, windowSize, numHeads int, qkScale, attnDropout, projDropout float64) *WindowAttention {
	headDim := dim / numHeads
	scale := qkScale
	if scale == 0 {
		scale = 1.0 / math.Sqrt(float64(headDim))
	}
	numRelative := (2*windowSize - 1) * (2*windowSize - 1)
	return &WindowAttention{
		Dim:         dim,
		WindowSize:  windowSize,
		NumHeads:    numHeads,
		Scale:       scale,
		QKV:         linear.New(dim, 3*dim),
		Proj:        linear.New(dim, dim),
		BiasTable:   nn.NewParam(mat.NewEmptyDense(numRelative, numHeads)),
		RelPosIndex: buildRelPosIndex(windowSize),
		AttnDropout: attnDropout,
		ProjDropout: projDropout,
	}
}

// buildRelPosIndex precomputes the (W², W²) lookup from a token pair to the
// bias table row for their relative offset. Both axes of the offset lie in
// [-(W-1), W-1], so every entry lies in [0, (2W-1)²-1].
func buildRelPosIndex(windowSize int) [][]int {
	n := windowSize * windowSize
	span := 2*windowSize - 1
	index := make([][]int, n)
	for i := 0; i < n; i++ {
		index[i] = make([]int, n)
		for j := 0; j < n; j++ {
			dy := i/windowSize - j/windowSize + windowSize - 1
			dx := i%windowSize - j%windowSize + windowSize - 1
			index[i][j] = dy*span + dx
		}
	}
	return index
}

func (m *WindowAttention) Init(generator *rand.LockedRand) {
	gain := initializers.Gain(ag.OpIdentity)
	initializers.XavierUniform(m.QKV.W.Value(), gain, generator)
	initializers.XavierUniform(m.Proj.W.Value(), gain, generator)
}

// Forward runs attention over each window independently. Every token is a
// Dim-vector and every window must hold exactly WindowSize² tokens; the caller
// guarantees the partition. mask is either nil or one additive (W², W²) matrix
// per window, used for shifted-window exclusion.
func (m *WindowAttention) Forward(windows [][]ag.Node, mask []mat.Matrix) [][]ag.Node {
	g := m.Graph()
	bias := m.biasVectors(g)
	out := make([][]ag.Node, len(windows))
	for w, tokens := range windows {
		var maskNode ag.Node
		// reification rebuilds a nil mask slice as an empty one, so the
		// guard is on length, not nilness
		if len(mask) > 0 {
			maskNode = g.NewVariable(mask[w], false)
		}
		out[w] = m.attend(g, tokens, bias, maskNode)
	}
	return out
}

func (m *WindowAttention) attend(g *ag.Graph, tokens []ag.Node, bias [][]ag.Node, maskNode ag.Node) []ag.Node {
	n := len(tokens)
	headDim := m.Dim / m.NumHeads

	qkv := m.QKV.Forward(tokens...)
	q := make([]ag.Node, n)
	k := make([]ag.Node, n)
	v := make([]ag.Node, n)
	for i, x := range qkv {
		q[i] = g.View(x, 0, 0, m.Dim, 1)
		k[i] = g.View(x, m.Dim, 0, m.Dim, 1)
		v[i] = g.View(x, 2*m.Dim, 0, m.Dim, 1)
	}

	heads := make([][]ag.Node, m.NumHeads)
	for h := 0; h < m.NumHeads; h++ {
		keys := make([]ag.Node, n)
		values := make([]ag.Node, n)
		for j := 0; j < n; j++ {
			keys[j] = g.View(k[j], h*headDim, 0, headDim, 1)
			values[j] = g.View(v[j], h*headDim, 0, headDim, 1)
		}
		keyMatrix := g.Stack(keys...)
		valueMatrix := g.Stack(values...)

		heads[h] = make([]ag.Node, n)
		for i := 0; i < n; i++ {
			query := g.View(q[i], h*headDim, 0, headDim, 1)
			scores := g.ProdScalar(g.Mul(keyMatrix, query), g.Constant(mat.Float(m.Scale)))
			scores = g.Add(scores, bias[h][i])
			if maskNode != nil {
				scores = g.Add(scores, g.T(g.RowView(maskNode, i)))
			}
			weights := g.Softmax(scores)
			if m.Mode() == nn.Training && m.AttnDropout > 0 {
				weights = g.Dropout(weights, mat.Float(m.AttnDropout))
			}
			heads[h][i] = g.Mul(g.T(valueMatrix), weights)
		}
	}

	out := make([]ag.Node, n)
	for i := 0; i < n; i++ {
		parts := make([]ag.Node, m.NumHeads)
		for h := range parts {
			parts[h] = heads[h][i]
		}
		y := m.Proj.Forward(g.Concat(parts...))[0]
		if m.Mode() == nn.Training && m.ProjDropout > 0 {
			y = g.Dropout(y, mat.Float(m.ProjDropout))
		}
		out[i] = y
	}
	return out
}

// biasVectors gathers the bias column of every (head, query) pair from the
// learned table. The result is shared by all windows of the forward call, so
// the gather happens once per graph rather than once per window.
func (m *WindowAttention) biasVectors(g *ag.Graph) [][]ag.Node {
	n := m.WindowSize * m.WindowSize
	out := make([][]ag.Node, m.NumHeads)
	for h := 0; h < m.NumHeads; h++ {
		out[h] = make([]ag.Node, n)
		for i := 0; i < n; i++ {
			entries := make([]ag.Node, n)
			for j := 0; j < n; j++ {
				entries[j] = g.At(m.BiasTable, m.RelPosIndex[i][j], h)
			}
			out[h][i] = g.Concat(entries...)
		}
	}
	return out
}
