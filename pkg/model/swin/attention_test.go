package swin

import (
	"testing"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/stretchr/testify/require"
)

func TestRelPosIndexShapeAndRange(t *testing.T) {
	for _, windowSize := range []int{2, 3, 7} {
		index := buildRelPosIndex(windowSize)
		n := windowSize * windowSize
		maxEntry := (2*windowSize-1)*(2*windowSize-1) - 1
		center := (windowSize-1)*(2*windowSize-1) + windowSize - 1

		require.Equal(t, n, len(index))
		for i := range index {
			require.Equal(t, n, len(index[i]))
			for j := range index[i] {
				require.GreaterOrEqual(t, index[i][j], 0)
				require.LessOrEqual(t, index[i][j], maxEntry)
			}
			// zero offset always resolves to the table center
			require.Equal(t, center, index[i][i])
		}
	}
}

func newTestAttention(t *testing.T) *WindowAttention {
	t.Helper()
	attention := NewWindowAttention(4, 2, 2, 0, 0, 0)
	attention.Init(rand.NewLockedRand(42))
	return attention
}

func forwardWindow(attention *WindowAttention, tokens []mat.Matrix, mask []mat.Matrix) []mat.Matrix {
	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(1)))
	defer g.Clear()
	proc := nn.Reify(attention, g, nn.Inference).(*WindowAttention)
	window := make([]ag.Node, len(tokens))
	for i, tok := range tokens {
		window[i] = g.NewVariable(tok, false)
	}
	out := proc.Forward([][]ag.Node{window}, mask)[0]
	values := make([]mat.Matrix, len(out))
	for i, node := range out {
		values[i] = node.Value().Clone()
	}
	return values
}

func testTokens(last mat.Float) []mat.Matrix {
	return []mat.Matrix{
		mat.NewVecDense([]mat.Float{0.1, -0.2, 0.3, 0.4}),
		mat.NewVecDense([]mat.Float{-0.5, 0.6, 0.0, 0.2}),
		mat.NewVecDense([]mat.Float{0.7, 0.1, -0.1, -0.3}),
		mat.NewVecDense([]mat.Float{last, -last, last, 0.5}),
	}
}

func TestAttentionDeterminism(t *testing.T) {
	attention := newTestAttention(t)
	first := forwardWindow(attention, testTokens(0.9), nil)
	second := forwardWindow(attention, testTokens(0.9), nil)
	for i := range first {
		require.Equal(t, first[i].Data(), second[i].Data())
	}
}

func TestAttentionMaskExcludesTokens(t *testing.T) {
	attention := newTestAttention(t)

	// forbid every query from attending to token 3
	mask := mat.NewEmptyDense(4, 4)
	for i := 0; i < 4; i++ {
		mask.Set(i, 3, -1e9)
	}

	base := forwardWindow(attention, testTokens(0.9), []mat.Matrix{mask})
	varied := forwardWindow(attention, testTokens(-5.0), []mat.Matrix{mask})

	// the masked token contributes nothing to the other queries
	for i := 0; i < 3; i++ {
		require.Equal(t, base[i].Data(), varied[i].Data())
	}
	// but it still sees itself as a query
	require.NotEqual(t, base[3].Data(), varied[3].Data())
}

func TestAttentionOutputShape(t *testing.T) {
	attention := newTestAttention(t)
	out := forwardWindow(attention, testTokens(0.9), nil)
	require.Equal(t, 4, len(out))
	for _, vec := range out {
		require.Equal(t, 4, vec.Rows())
		require.Equal(t, 1, vec.Columns())
	}
}
