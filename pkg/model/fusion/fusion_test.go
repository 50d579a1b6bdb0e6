package fusion

import (
	"math"
	"testing"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/stretchr/testify/require"

	"github.com/nnapplet/Classification-of-thyroid-nodules/pkg/model/swin"
)

func smallSwinFactory(embeddingWidth int) Factory {
	config := swin.Config{
		InChannels: 3,
		ImageSize:  16,
		PatchSize:  4,
		WindowSize: 2,
		EmbedDim:   8,
		Depths:     []int{2, 2},
		NumHeads:   []int{2, 4},
		MLPRatio:   2.0,
		NumClasses: embeddingWidth,
	}
	return func() Backbone { return swin.New(config) }
}

func randomImage(seed int64) mat.Matrix {
	data := make([]mat.Float, 3*16*16)
	state := uint64(seed)
	for i := range data {
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		data[i] = mat.Float(state%1000)/500.0 - 1.0
	}
	return mat.NewVecDense(data)
}

func forwardPair(m *Model, xa, xb mat.Matrix) (mat.Matrix, mat.Matrix) {
	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(1)))
	defer g.Clear()
	proc := nn.Reify(m, g, nn.Inference).(*Model)
	logits := proc.Forward([]mat.Matrix{xa}, []mat.Matrix{xb})
	return logits[0].Value().Clone(), proc.SparsityPenalty[0].Value().Clone()
}

func TestHeadInputWidth(t *testing.T) {
	factory := smallSwinFactory(5)

	// the sparse constraint is an identity on the feature path, so the head
	// width is 2× the embedding width whether it is enabled or not
	for _, useSparse := range []bool{false, true} {
		m := New(factory, Config{HeadLayers: []int{16, 2}, UseSparseConstraint: useSparse})
		require.Equal(t, 10, m.HeadInputSize())
	}

	// the dummy-forward probe agrees with the declarative width
	require.Equal(t, 10, ProbeHeadInputSize(factory, 3, 16))
}

func TestForwardLogitsShape(t *testing.T) {
	m := New(smallSwinFactory(4), Config{HeadLayers: []int{16, 8, 2}})
	m.Init(rand.NewLockedRand(42))

	logits, _ := forwardPair(m, randomImage(3), randomImage(4))
	require.Equal(t, 2, logits.Rows())
	require.Equal(t, 2, m.ClassCount())
	for _, v := range logits.Data() {
		require.False(t, math.IsNaN(float64(v)))
		require.False(t, math.IsInf(float64(v), 0))
	}
}

func TestChannelOrderMatters(t *testing.T) {
	m := New(smallSwinFactory(4), Config{HeadLayers: []int{16, 2}})
	m.Init(rand.NewLockedRand(42))

	imageA := randomImage(3)
	imageB := randomImage(4)
	forward, _ := forwardPair(m, imageA, imageB)
	swapped, _ := forwardPair(m, imageB, imageA)
	require.NotEqual(t, forward.Data(), swapped.Data())
}

func TestForwardDeterminism(t *testing.T) {
	m := New(smallSwinFactory(4), Config{HeadLayers: []int{16, 2}, UseSparseConstraint: true})
	m.Init(rand.NewLockedRand(42))

	imageA := randomImage(5)
	imageB := randomImage(6)
	first, firstPenalty := forwardPair(m, imageA, imageB)
	second, secondPenalty := forwardPair(m, imageA, imageB)
	require.Equal(t, first.Data(), second.Data())
	require.Equal(t, firstPenalty.Data(), secondPenalty.Data())
}

func TestSparseConstraintPenalty(t *testing.T) {
	sparse := NewSparseConstraint(2)
	sparse.Weights.Value().Set(0, 0, 0.5)
	sparse.Weights.Value().Set(1, 0, -0.25)

	g := ag.NewGraph()
	defer g.Clear()
	proc := nn.Reify(sparse, g, nn.Inference).(*SparseConstraint)

	input := g.NewVariable(mat.NewVecDense([]mat.Float{1, -2, 3, -4}), false)
	features, penalty := proc.Forward(input)

	// identity on the tensor path
	require.Equal(t, input.Value().Data(), features.Value().Data())
	// sum(weights) × ||x||₁ = 0.25 × 10
	require.InDelta(t, 2.5, float64(penalty.ScalarValue()), 1e-5)
}

func TestSparseParamsOnlyWhenEnabled(t *testing.T) {
	factory := smallSwinFactory(4)
	withSparse := New(factory, Config{HeadLayers: []int{16, 2}, UseSparseConstraint: true})
	withoutSparse := New(factory, Config{HeadLayers: []int{16, 2}})

	require.Nil(t, withoutSparse.Sparse)
	countWith := len(nn.NewDefaultParamsIterator(withSparse).Params())
	countWithout := len(nn.NewDefaultParamsIterator(withoutSparse).Params())
	require.Equal(t, countWithout+1, countWith)

	// the sparsity term is still reported, as a constant zero
	m := withoutSparse
	m.Init(rand.NewLockedRand(42))
	_, penalty := forwardPair(m, randomImage(1), randomImage(2))
	require.Equal(t, mat.Float(0), penalty.Data()[0])
}

func TestFullResolutionForward(t *testing.T) {
	if testing.Short() {
		t.Skip("full-resolution forward is slow")
	}

	config := swin.DefaultConfig()
	config.EmbedDim = 24
	config.Depths = []int{2, 2}
	config.NumHeads = []int{2, 4}
	factory := func() Backbone { return swin.New(config) }

	m := New(factory, Config{HeadLayers: []int{1024, 512, 256, 2}})
	m.Init(rand.NewLockedRand(42))

	size := 3 * 224 * 224
	imageA := mat.NewInitVecDense(size, 0.1)
	imageB := mat.NewInitVecDense(size, -0.1)
	logits, _ := forwardPair(m, imageA, imageB)
	require.Equal(t, 2, logits.Rows())
	for _, v := range logits.Data() {
		require.False(t, math.IsNaN(float64(v)))
	}
}
