// Package fusion implements the dual-channel classification model: two
// independent backbone instances embed a patient's two images, the embeddings
// are concatenated and classified by a configurable fully-connected head,
// with an optional L1 sparse constraint on the fused features.
package fusion

import (
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"
)

var _ nn.Model = &Model{}

// Backbone is the capability the fusion model needs from a feature extractor:
// reduce one image tensor to a fixed-length embedding whose width is known
// without running a forward pass.
type Backbone interface {
	nn.Model
	Embed(image mat.Matrix) ag.Node
	EmbeddingSize() int
	Init(generator *rand.LockedRand)
}

// Factory builds one backbone instance. The fusion model calls it twice, so
// the two channels always share architecture hyperparameters but never share
// weights.
type Factory func() Backbone

type Config struct {
	// HeadLayers holds the output widths of the fully-connected head; the
	// last entry is the class count. The first layer's input width is not
	// listed: it is derived from the backbone embedding size.
	HeadLayers []int

	UseSparseConstraint bool
	SparsityLossWeight  float64
}

type Model struct {
	nn.BaseModel
	Config   Config
	ChannelA Backbone
	ChannelB Backbone
	Sparse   *SparseConstraint
	Head     []*linear.Model

	// SparsityPenalty is set by Forward, one scalar node per sample. Zero
	// constants when the sparse constraint is disabled.
	SparsityPenalty []ag.Node
}

// New builds the fusion model. The head's first input width is fixed here,
// once, from the backbone configuration: twice the embedding size, since the
// sparse constraint is an identity on the feature path.
func New(factory Factory, config Config) *Model {
	channelA := factory()
	channelB := factory()

	var sparse *SparseConstraint
	if config.UseSparseConstraint {
		sparse = NewSparseConstraint(config.HeadLayers[len(config.HeadLayers)-1])
	}

	sizes := append([]int{2 * channelA.EmbeddingSize()}, config.HeadLayers...)
	head := make([]*linear.Model, len(config.HeadLayers))
	for i := range head {
		head[i] = linear.New(sizes[i], sizes[i+1])
	}

	return &Model{
		Config:   config,
		ChannelA: channelA,
		ChannelB: channelB,
		Sparse:   sparse,
		Head:     head,
	}
}

func (m *Model) Init(generator *rand.LockedRand) {
	m.ChannelA.Init(generator)
	m.ChannelB.Init(generator)
	if m.Sparse != nil {
		m.Sparse.Init(generator)
	}
	gain := initializers.Gain(ag.OpReLU)
	for _, layer := range m.Head {
		initializers.XavierUniform(layer.W.Value(), gain, generator)
	}
}

// HeadInputSize reports the frozen width of the first head layer.
func (m *Model) HeadInputSize() int {
	return m.Head[0].W.Value().Columns()
}

// ClassCount reports the width of the final head layer.
func (m *Model) ClassCount() int {
	return m.Config.HeadLayers[len(m.Config.HeadLayers)-1]
}

// Forward runs both backbones over the paired image batches and returns one
// raw logits vector per sample. xa[i] and xb[i] belong to the same patient;
// concatenation order is channel A then channel B, so swapping the inputs is
// not a no-op. Mismatched backbone outputs fail hard at concatenation.
func (m *Model) Forward(xa, xb []mat.Matrix) []ag.Node {
	g := m.Graph()
	out := make([]ag.Node, len(xa))
	m.SparsityPenalty = make([]ag.Node, len(xa))
	for i := range xa {
		h := g.Concat(m.ChannelA.Embed(xa[i]), m.ChannelB.Embed(xb[i]))
		if m.Sparse != nil {
			h, m.SparsityPenalty[i] = m.Sparse.Forward(h)
		} else {
			m.SparsityPenalty[i] = g.Constant(0)
		}
		for l := 0; l < len(m.Head)-1; l++ {
			h = g.ReLU(m.Head[l].Forward(h)[0])
		}
		out[i] = m.Head[len(m.Head)-1].Forward(h)[0]
	}
	return out
}

// ProbeHeadInputSize re-derives the fused feature width by embedding one
// zero-valued image through both backbones of a throwaway model in inference
// mode. It exists as a cross-check of the declarative width used by New and
// must never run as part of construction.
func ProbeHeadInputSize(factory Factory, channels, imageSize int) int {
	g := ag.NewGraph()
	defer g.Clear()
	channelA := nn.Reify(factory(), g, nn.Inference).(Backbone)
	channelB := nn.Reify(factory(), g, nn.Inference).(Backbone)
	zero := mat.NewEmptyVecDense(channels * imageSize * imageSize)
	return channelA.Embed(zero).Value().Rows() + channelB.Embed(zero).Value().Rows()
}
