// Package swin implements a Swin transformer backbone for fixed-resolution
// image classification: patch embedding, stages of (shifted) window attention
// blocks and patch merging between stages, reducing an image to a fixed-length
// embedding vector.
package swin

import (
	"encoding/gob"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"
	"github.com/nlpodyssey/spago/pkg/ml/nn/normalization/layernorm"
)

var (
	_ nn.Model = &Model{}
	_ nn.Model = &Stage{}
	_ nn.Model = &PatchMerging{}
)

func init() {
	gob.Register(&Model{})
	// attention masks are stored behind the mat.Matrix interface
	gob.Register(&mat.Dense{})
}

type Config struct {
	InChannels  int
	ImageSize   int
	PatchSize   int
	WindowSize  int
	EmbedDim    int
	Depths      []int
	NumHeads    []int
	MLPRatio    float64
	QKScale     float64
	Dropout     float64
	AttnDropout float64
	NumClasses  int
}

// DefaultConfig is the Swin-T layout at the fixed 224×224 task resolution
// with a two-class output.
func DefaultConfig() Config {
	return Config{
		InChannels: 3,
		ImageSize:  224,
		PatchSize:  4,
		WindowSize: 7,
		EmbedDim:   96,
		Depths:     []int{2, 2, 6, 2},
		NumHeads:   []int{3, 6, 12, 24},
		MLPRatio:   4.0,
		NumClasses: 2,
	}
}

// PatchMerging halves the spatial resolution and doubles the channel width
// between stages by concatenating each 2×2 neighborhood and reducing it with
// a linear projection.
type PatchMerging struct {
	nn.BaseModel
	InputRes  int
	Dim       int
	Norm      *layernorm.Model
	Reduction *linear.Model
}

func NewPatchMerging(inputRes, dim int) *PatchMerging {
	return &PatchMerging{
		InputRes:  inputRes,
		Dim:       dim,
		Norm:      layernorm.New(4 * dim),
		Reduction: linear.New(4*dim, 2*dim, linear.BiasGrad(false)),
	}
}

func (m *PatchMerging) Init(generator *rand.LockedRand) {
	initLayerNorm(m.Norm)
	initializers.XavierUniform(m.Reduction.W.Value(), initializers.Gain(ag.OpIdentity), generator)
}

func (m *PatchMerging) Forward(xs []ag.Node) []ag.Node {
	g := m.Graph()
	res := m.InputRes
	half := res / 2
	out := make([]ag.Node, half*half)
	for y := 0; y < half; y++ {
		for x := 0; x < half; x++ {
			x0 := xs[(2*y)*res+2*x]
			x1 := xs[(2*y+1)*res+2*x]
			x2 := xs[(2*y)*res+2*x+1]
			x3 := xs[(2*y+1)*res+2*x+1]
			out[y*half+x] = g.Concat(x0, x1, x2, x3)
		}
	}
	out = m.Norm.Forward(out...)
	return m.Reduction.Forward(out...)
}

// Stage groups the attention blocks operating at one resolution with the
// merging step that feeds the next stage. Merge is nil on the last stage.
type Stage struct {
	nn.BaseModel
	Blocks []*Block
	Merge  *PatchMerging
}

func (m *Stage) Init(generator *rand.LockedRand) {
	for _, b := range m.Blocks {
		b.Init(generator)
	}
	if m.Merge != nil {
		m.Merge.Init(generator)
	}
}

func (m *Stage) Forward(xs []ag.Node) []ag.Node {
	for _, b := range m.Blocks {
		xs = b.Forward(xs)
	}
	if m.Merge != nil {
		xs = m.Merge.Forward(xs)
	}
	return xs
}

// Model is the hierarchical backbone. It assumes the fixed input contract
// end-to-end: an image whose side is divisible by PatchSize and whose patch
// grid is divisible by the window size at every stage.
type Model struct {
	nn.BaseModel
	Config    Config
	PatchProj *linear.Model
	PatchNorm *layernorm.Model
	Stages    []*Stage
	Norm      *layernorm.Model
	Head      *linear.Model
}

func New(config Config) *Model {
	res := config.ImageSize / config.PatchSize
	dim := config.EmbedDim
	stages := make([]*Stage, len(config.Depths))
	for s, depth := range config.Depths {
		blocks := make([]*Block, depth)
		for b := range blocks {
			shift := 0
			if b%2 == 1 {
				shift = config.WindowSize / 2
			}
			blocks[b] = NewBlock(dim, res, config.WindowSize, shift, config.NumHeads[s],
				config.MLPRatio, config.QKScale, config.Dropout, config.AttnDropout)
		}
		stages[s] = &Stage{Blocks: blocks}
		if s < len(config.Depths)-1 {
			stages[s].Merge = NewPatchMerging(res, dim)
			res /= 2
			dim *= 2
		}
	}
	patchDim := config.PatchSize * config.PatchSize * config.InChannels
	return &Model{
		Config:    config,
		PatchProj: linear.New(patchDim, config.EmbedDim),
		PatchNorm: layernorm.New(config.EmbedDim),
		Stages:    stages,
		Norm:      layernorm.New(dim),
		Head:      linear.New(dim, config.NumClasses),
	}
}

func (m *Model) Init(generator *rand.LockedRand) {
	gain := initializers.Gain(ag.OpIdentity)
	initializers.XavierUniform(m.PatchProj.W.Value(), gain, generator)
	initLayerNorm(m.PatchNorm)
	for _, s := range m.Stages {
		s.Init(generator)
	}
	initLayerNorm(m.Norm)
	initializers.XavierUniform(m.Head.W.Value(), gain, generator)
}

// EmbeddingSize reports the backbone output width. It is derived from the
// configuration alone so callers can size downstream layers without running
// a forward pass.
func (m *Model) EmbeddingSize() int {
	return m.Config.NumClasses
}

// Embed reduces one image, given as a CHW vector of InChannels×ImageSize²
// values, to the backbone embedding.
func (m *Model) Embed(image mat.Matrix) ag.Node {
	g := m.Graph()

	patches := extractPatches(image, m.Config.InChannels, m.Config.ImageSize, m.Config.PatchSize)
	tokens := make([]ag.Node, len(patches))
	for i, p := range patches {
		tokens[i] = g.NewVariable(p, false)
	}
	tokens = m.PatchNorm.Forward(m.PatchProj.Forward(tokens...)...)

	for _, stage := range m.Stages {
		tokens = stage.Forward(tokens)
	}
	tokens = m.Norm.Forward(tokens...)

	sum := tokens[0]
	for i := 1; i < len(tokens); i++ {
		sum = g.Add(sum, tokens[i])
	}
	pooled := g.DivScalar(sum, g.Constant(mat.Float(len(tokens))))
	return m.Head.Forward(pooled)[0]
}

// extractPatches slices a CHW image vector into row-major patch vectors, each
// laid out channel by channel. Pure input reshaping: it happens outside the
// computation graph and carries no gradients.
func extractPatches(image mat.Matrix, channels, side, patch int) []mat.Matrix {
	data := image.Data()
	perSide := side / patch
	out := make([]mat.Matrix, 0, perSide*perSide)
	for py := 0; py < perSide; py++ {
		for px := 0; px < perSide; px++ {
			values := make([]mat.Float, 0, channels*patch*patch)
			for c := 0; c < channels; c++ {
				for y := 0; y < patch; y++ {
					row := (py*patch+y)*side + px*patch
					values = append(values, data[c*side*side+row:c*side*side+row+patch]...)
				}
			}
			out = append(out, mat.NewVecDense(values))
		}
	}
	return out
}
