// Package resnet implements a compact residual convolutional backbone. It is
// the convolutional counterpart to the swin backbone: same Embed contract,
// same fixed-resolution assumptions, far fewer parameters. Useful as a
// baseline and for fast end-to-end runs.
package resnet

import (
	"encoding/gob"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/convolution"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"
)

var (
	_ nn.Model = &Model{}
	_ nn.Model = &ResidualBlock{}
)

func init() {
	gob.Register(&Model{})
}

type Config struct {
	InChannels int
	ImageSize  int
	NumClasses int

	// Channels holds the feature width of each residual group; a stride-2
	// transition halves the resolution between groups.
	Channels []int
}

func DefaultConfig() Config {
	return Config{
		InChannels: 3,
		ImageSize:  224,
		NumClasses: 2,
		Channels:   []int{16, 32, 64},
	}
}

// ResidualBlock applies two 3×3 convolutions and adds the input back in.
// spago convolutions are unpadded, so the shortcut is center-cropped by two
// pixels per side to match the convolved size.
type ResidualBlock struct {
	nn.BaseModel
	Conv1 *convolution.Model
	Conv2 *convolution.Model
}

func newResidualBlock(channels int) *ResidualBlock {
	return &ResidualBlock{
		Conv1: convolution.New(conv3x3(channels, channels, 1, ag.OpReLU)),
		Conv2: convolution.New(conv3x3(channels, channels, 1, ag.OpIdentity)),
	}
}

func conv3x3(in, out, stride int, activation ag.OpName) convolution.Config {
	return convolution.Config{
		KernelSizeX:    3,
		KernelSizeY:    3,
		XStride:        stride,
		YStride:        stride,
		InputChannels:  in,
		OutputChannels: out,
		Activation:     activation,
	}
}

func (m *ResidualBlock) Init(generator *rand.LockedRand) {
	initConv(m.Conv1, generator)
	initConv(m.Conv2, generator)
}

func initConv(c *convolution.Model, generator *rand.LockedRand) {
	gain := initializers.Gain(ag.OpReLU)
	for _, kernel := range c.K {
		initializers.XavierUniform(kernel.Value(), gain, generator)
	}
}

func (m *ResidualBlock) Forward(xs []ag.Node) []ag.Node {
	g := m.Graph()
	h := m.Conv2.Forward(m.Conv1.Forward(xs...)...)
	out := make([]ag.Node, len(h))
	for i := range h {
		rows := h[i].Value().Rows()
		cols := h[i].Value().Columns()
		shortcut := g.View(xs[i], 2, 2, rows, cols)
		out[i] = g.ReLU(g.Add(shortcut, h[i]))
	}
	return out
}

type Model struct {
	nn.BaseModel
	Config Config
	Stem   *convolution.Model
	Downs  []*convolution.Model
	Blocks []*ResidualBlock
	Head   *linear.Model
}

func New(config Config) *Model {
	downs := make([]*convolution.Model, len(config.Channels)-1)
	blocks := make([]*ResidualBlock, len(config.Channels))
	for i, width := range config.Channels {
		if i > 0 {
			downs[i-1] = convolution.New(conv3x3(config.Channels[i-1], width, 2, ag.OpReLU))
		}
		blocks[i] = newResidualBlock(width)
	}
	return &Model{
		Config: config,
		// the stem kernel must satisfy (side-kernel) % stride == 0, and an
		// even output side is needed for the 2×2 pooling that follows; 6×6 at
		// stride 2 does both for the even input sides this model accepts
		Stem: convolution.New(convolution.Config{
			KernelSizeX:    6,
			KernelSizeY:    6,
			XStride:        2,
			YStride:        2,
			InputChannels:  config.InChannels,
			OutputChannels: config.Channels[0],
			Activation:     ag.OpReLU,
		}),
		Downs:  downs,
		Blocks: blocks,
		Head:   linear.New(config.Channels[len(config.Channels)-1], config.NumClasses),
	}
}

func (m *Model) Init(generator *rand.LockedRand) {
	initConv(m.Stem, generator)
	for _, d := range m.Downs {
		initConv(d, generator)
	}
	for _, b := range m.Blocks {
		b.Init(generator)
	}
	initializers.XavierUniform(m.Head.W.Value(), initializers.Gain(ag.OpIdentity), generator)
}

// EmbeddingSize reports the backbone output width, derived from the
// configuration alone.
func (m *Model) EmbeddingSize() int {
	return m.Config.NumClasses
}

// Embed reduces one CHW image vector to the backbone embedding: stem, 2×2 max
// pooling, residual groups with stride-2 transitions, global average pooling
// per channel and a linear head.
func (m *Model) Embed(image mat.Matrix) ag.Node {
	g := m.Graph()
	channels := m.imageChannels(g, image)
	channels = m.Stem.Forward(channels...)
	for i := range channels {
		channels[i] = g.MaxPooling(channels[i], 2, 2)
	}
	for i, block := range m.Blocks {
		if i > 0 {
			channels = m.Downs[i-1].Forward(channels...)
		}
		channels = block.Forward(channels)
	}
	pooled := make([]ag.Node, len(channels))
	for i, ch := range channels {
		pooled[i] = g.ReduceMean(ch)
	}
	return m.Head.Forward(g.Concat(pooled...))[0]
}

// imageChannels splits a CHW vector into one matrix node per channel.
func (m *Model) imageChannels(g *ag.Graph, image mat.Matrix) []ag.Node {
	side := m.Config.ImageSize
	data := image.Data()
	out := make([]ag.Node, m.Config.InChannels)
	for c := range out {
		out[c] = g.NewVariable(mat.NewDense(side, side, data[c*side*side:(c+1)*side*side]), false)
	}
	return out
}
