package resnet

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
		ImageSize:  32,
		NumClasses: 2,
		Channels:   []int{8},
	}
}

func embed(m *Model, image mat.Matrix) mat.Matrix {
	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(1)))
	defer g.Clear()
	proc := nn.Reify(m, g, nn.Inference).(*Model)
	return proc.Embed(image).Value().Clone()
}

func TestEmbeddingShape(t *testing.T) {
	config := smallConfig()
	model := New(config)
	model.Init(rand.NewLockedRand(42))

	image := mat.NewInitVecDense(config.InChannels*config.ImageSize*config.ImageSize, 0.5)
	out := embed(model, image)
	require.Equal(t, config.NumClasses, out.Rows())
	require.Equal(t, config.NumClasses, model.EmbeddingSize())
	for _, v := range out.Data() {
		require.False(t, math.IsNaN(float64(v)))
		require.False(t, math.IsInf(float64(v), 0))
	}
}

func TestDeterminism(t *testing.T) {
	config := smallConfig()
	model := New(config)
	model.Init(rand.NewLockedRand(42))

	image := mat.NewInitVecDense(config.InChannels*config.ImageSize*config.ImageSize, 0.25)
	require.Equal(t, embed(model, image).Data(), embed(model, image).Data())
}
