package swin

import (
	"math"
	"testing"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/stretchr/testify/require"
)

func smallConfig() Config {
	return Config{
		InChannels: 3,
		ImageSize:  16,
		PatchSize:  4,
		WindowSize: 2,
		EmbedDim:   8,
		Depths:     []int{2, 2},
		NumHeads:   []int{2, 4},
		MLPRatio:   2.0,
		NumClasses: 3,
	}
}

func randomImage(config Config, seed int64) mat.Matrix {
	size := config.InChannels * config.ImageSize * config.ImageSize
	data := make([]mat.Float, size)
	state := uint64(seed)
	for i := range data {
		// xorshift, keeps the fixture deterministic without math/rand
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		data[i] = mat.Float(state%1000)/500.0 - 1.0
	}
	return mat.NewVecDense(data)
}

func embed(m *Model, image mat.Matrix) mat.Matrix {
	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(1)))
	defer g.Clear()
	proc := nn.Reify(m, g, nn.Inference).(*Model)
	return proc.Embed(image).Value().Clone()
}

func TestBackboneEmbeddingShape(t *testing.T) {
	config := smallConfig()
	model := New(config)
	model.Init(rand.NewLockedRand(42))

	out := embed(model, randomImage(config, 3))
	require.Equal(t, config.NumClasses, out.Rows())
	require.Equal(t, config.NumClasses, model.EmbeddingSize())
	for _, v := range out.Data() {
		require.False(t, math.IsNaN(float64(v)))
		require.False(t, math.IsInf(float64(v), 0))
	}
}

func TestBackboneDeterminism(t *testing.T) {
	config := smallConfig()
	model := New(config)
	model.Init(rand.NewLockedRand(42))

	image := randomImage(config, 7)
	first := embed(model, image)
	second := embed(model, image)
	require.Equal(t, first.Data(), second.Data())
}

func TestStageGeometry(t *testing.T) {
	model := New(smallConfig())

	require.Equal(t, 2, len(model.Stages))
	// 16/4 = 4 tokens per side in stage 0, merged to 2 in stage 1
	require.Equal(t, 4, model.Stages[0].Blocks[0].InputRes)
	require.NotNil(t, model.Stages[0].Merge)
	require.Equal(t, 2, model.Stages[1].Blocks[0].InputRes)
	require.Nil(t, model.Stages[1].Merge)

	// the second block of stage 0 is the shifted one
	require.Equal(t, 0, model.Stages[0].Blocks[0].ShiftSize)
	require.Equal(t, 1, model.Stages[0].Blocks[1].ShiftSize)
	require.NotEmpty(t, model.Stages[0].Blocks[1].AttnMask)
	// stage 1 windows cover the whole grid, so the shift is dropped
	require.Equal(t, 0, model.Stages[1].Blocks[1].ShiftSize)
}

func TestExtractPatches(t *testing.T) {
	// one channel, 4×4 image, 2×2 patches
	image := mat.NewVecDense([]mat.Float{
		0, 1, 2, 3,
		4, 5, 6, 7,
		8, 9, 10, 11,
		12, 13, 14, 15,
	})
	patches := extractPatches(image, 1, 4, 2)
	require.Equal(t, 4, len(patches))
	require.Equal(t, []mat.Float{0, 1, 4, 5}, patches[0].Data())
	require.Equal(t, []mat.Float{2, 3, 6, 7}, patches[1].Data())
	require.Equal(t, []mat.Float{8, 9, 12, 13}, patches[2].Data())
	require.Equal(t, []mat.Float{10, 11, 14, 15}, patches[3].Data())
}

func TestReifiedBlockForwardWithoutShift(t *testing.T) {
	// an unshifted block has no attention mask; the reified copy must treat
	// the rebuilt empty mask slice the same as the nil it was built with
	block := NewBlock(4, 4, 2, 0, 2, 2.0, 0, 0, 0)
	block.Init(rand.NewLockedRand(42))
	require.Nil(t, block.AttnMask)

	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(1)))
	defer g.Clear()
	proc := nn.Reify(block, g, nn.Inference).(*Block)

	tokens := make([]ag.Node, 16)
	for i := range tokens {
		tokens[i] = g.NewVariable(mat.NewInitVecDense(4, mat.Float(i)*0.1), false)
	}
	out := proc.Forward(tokens)
	require.Equal(t, 16, len(out))
	for _, node := range out {
		require.Equal(t, 4, node.Value().Rows())
		for _, v := range node.Value().Data() {
			require.False(t, math.IsNaN(float64(v)))
		}
	}
}

func TestShiftGridRoundTrip(t *testing.T) {
	g := ag.NewGraph()
	defer g.Clear()
	tokens := make([]ag.Node, 16)
	for i := range tokens {
		tokens[i] = g.NewScalar(mat.Float(i))
	}
	shifted := shiftGrid(tokens, 4, -1)
	require.NotEqual(t, tokens[0], shifted[0])
	restored := shiftGrid(shifted, 4, 1)
	for i := range tokens {
		require.Equal(t, tokens[i], restored[i])
	}
}
