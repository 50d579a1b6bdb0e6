package fusion

import (
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
)

var _ nn.Model = &SparseConstraint{}

// SparseConstraint owns one learned scalar per output class and scores the
// fused feature vector with an L1 penalty. It never alters the feature path:
// Forward returns its input unchanged together with the penalty, which the
// training loop folds into the total loss.
type SparseConstraint struct {
	nn.BaseModel
	NumClasses int
	Weights    nn.Param
}

func NewSparseConstraint(numClasses int) *SparseConstraint {
	return &SparseConstraint{
		NumClasses: numClasses,
		Weights:    nn.NewParam(mat.NewEmptyVecDense(numClasses)),
	}
}

func (m *SparseConstraint) Init(generator *rand.LockedRand) {
	initializers.XavierUniform(m.Weights.Value(), initializers.Gain(ag.OpIdentity), generator)
}

// Forward computes penalty = sum(weights) × ||x||₁ and passes x through
// untouched.
func (m *SparseConstraint) Forward(x ag.Node) (features, penalty ag.Node) {
	g := m.Graph()
	l1 := g.ReduceSum(g.Abs(x))
	penalty = g.ReduceSum(g.ProdScalar(m.Weights, l1))
	return x, penalty
}
