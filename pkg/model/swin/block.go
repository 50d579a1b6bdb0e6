package swin

import (
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"
	"github.com/nlpodyssey/spago/pkg/ml/nn/normalization/layernorm"
)

var _ nn.Model = &Block{}

// maskedScore is the additive score for token pairs that belong to different
// regions of a shifted partition. exp(-100) underflows to zero in float32, so
// masked positions receive no attention weight.
const maskedScore = -100.0

// Block is one Swin transformer block: layer norm, (shifted) window attention
// and a residual add, followed by layer norm, a two-layer GELU MLP and a
// second residual add. Odd blocks of a stage shift the window partition by
// half a window to let information cross window borders.
type Block struct {
	nn.BaseModel
	Dim        int
	InputRes   int
	WindowSize int
	ShiftSize  int
	Norm1      *layernorm.Model
	Attention  *WindowAttention
	Norm2      *layernorm.Model
	FC1        *linear.Model
	FC2        *linear.Model
	Dropout    float64

	// AttnMask holds one additive (W², W²) matrix per window of the shifted
	// partition. Built once at construction, nil for unshifted blocks.
	AttnMask []mat.Matrix
}

func NewBlock(dim, inputRes, windowSize, shiftSize, numHeads int, mlpRatio, qkScale, dropout, attnDropout float64) *Block {
	if inputRes <= windowSize {
		// the window covers the whole feature map: nothing to shift
		windowSize = inputRes
		shiftSize = 0
	}
	hidden := int(float64(dim) * mlpRatio)
	block := &Block{
		Dim:        dim,
		InputRes:   inputRes,
		WindowSize: windowSize,
		ShiftSize:  shiftSize,
		Norm1:      layernorm.New(dim),
		Attention:  NewWindowAttention(dim, windowSize, numHeads, qkScale, attnDropout, dropout),
		Norm2:      layernorm.New(dim),
		FC1:        linear.New(dim, hidden),
		FC2:        linear.New(hidden, dim),
		Dropout:    dropout,
	}
	if shiftSize > 0 {
		block.AttnMask = buildShiftMask(inputRes, windowSize, shiftSize)
	}
	return block
}

// buildShiftMask assigns every grid position to the region it came from before
// the cyclic shift and forbids attention between tokens of different regions.
func buildShiftMask(res, window, shift int) []mat.Matrix {
	slices := [][2]int{{0, res - window}, {res - window, res - shift}, {res - shift, res}}
	regions := make([]int, res*res)
	id := 0
	for _, hs := range slices {
		for _, ws := range slices {
			for y := hs[0]; y < hs[1]; y++ {
				for x := ws[0]; x < ws[1]; x++ {
					regions[y*res+x] = id
				}
			}
			id++
		}
	}

	windowRegions := partitionGrid(regions, res, window)
	masks := make([]mat.Matrix, len(windowRegions))
	n := window * window
	for w, ids := range windowRegions {
		mask := mat.NewEmptyDense(n, n)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if ids[i] != ids[j] {
					mask.Set(i, j, maskedScore)
				}
			}
		}
		masks[w] = mask
	}
	return masks
}

// partitionGrid splits a res×res row-major grid into non-overlapping
// window×window tiles, windows scanned row-major, tokens within each window
// row-major. mergeGrid is its inverse.
func partitionGrid(grid []int, res, window int) [][]int {
	perSide := res / window
	out := make([][]int, perSide*perSide)
	for wy := 0; wy < perSide; wy++ {
		for wx := 0; wx < perSide; wx++ {
			tile := make([]int, 0, window*window)
			for y := 0; y < window; y++ {
				for x := 0; x < window; x++ {
					tile = append(tile, grid[(wy*window+y)*res+wx*window+x])
				}
			}
			out[wy*perSide+wx] = tile
		}
	}
	return out
}

func partitionWindows(xs []ag.Node, res, window int) [][]ag.Node {
	perSide := res / window
	out := make([][]ag.Node, perSide*perSide)
	for wy := 0; wy < perSide; wy++ {
		for wx := 0; wx < perSide; wx++ {
			tile := make([]ag.Node, 0, window*window)
			for y := 0; y < window; y++ {
				for x := 0; x < window; x++ {
					tile = append(tile, xs[(wy*window+y)*res+wx*window+x])
				}
			}
			out[wy*perSide+wx] = tile
		}
	}
	return out
}

func mergeGrid(windows [][]ag.Node, res, window int) []ag.Node {
	perSide := res / window
	out := make([]ag.Node, res*res)
	for wy := 0; wy < perSide; wy++ {
		for wx := 0; wx < perSide; wx++ {
			tile := windows[wy*perSide+wx]
			for y := 0; y < window; y++ {
				for x := 0; x < window; x++ {
					out[(wy*window+y)*res+wx*window+x] = tile[y*window+x]
				}
			}
		}
	}
	return out
}

// shiftGrid cyclically rolls the token grid by shift positions along both
// axes. A negative shift undoes a positive one of the same magnitude.
func shiftGrid(xs []ag.Node, res, shift int) []ag.Node {
	out := make([]ag.Node, len(xs))
	for y := 0; y < res; y++ {
		ty := ((y + shift) % res + res) % res
		for x := 0; x < res; x++ {
			tx := ((x + shift) % res + res) % res
			out[ty*res+tx] = xs[y*res+x]
		}
	}
	return out
}

func (m *Block) Init(generator *rand.LockedRand) {
	m.Attention.Init(generator)
	initLayerNorm(m.Norm1)
	initLayerNorm(m.Norm2)
	initializers.XavierUniform(m.FC1.W.Value(), initializers.Gain(ag.OpGELU), generator)
	initializers.XavierUniform(m.FC2.W.Value(), initializers.Gain(ag.OpIdentity), generator)
}

// initLayerNorm sets the normalization gain to one so a freshly initialized
// block starts as a near-identity.
func initLayerNorm(m *layernorm.Model) {
	w := m.W.Value()
	for i := 0; i < w.Rows(); i++ {
		w.Set(i, 0, 1.0)
	}
}

// Forward transforms a res×res row-major token grid. The token count must
// equal InputRes².
func (m *Block) Forward(xs []ag.Node) []ag.Node {
	g := m.Graph()

	h := m.Norm1.Forward(xs...)
	if m.ShiftSize > 0 {
		h = shiftGrid(h, m.InputRes, -m.ShiftSize)
	}
	windows := partitionWindows(h, m.InputRes, m.WindowSize)
	windows = m.Attention.Forward(windows, m.AttnMask)
	h = mergeGrid(windows, m.InputRes, m.WindowSize)
	if m.ShiftSize > 0 {
		h = shiftGrid(h, m.InputRes, m.ShiftSize)
	}

	out := make([]ag.Node, len(xs))
	for i := range out {
		out[i] = g.Add(xs[i], h[i])
	}

	h = m.Norm2.Forward(out...)
	for i := range out {
		y := m.FC2.Forward(g.GELU(m.FC1.Forward(h[i])[0]))[0]
		if m.Mode() == nn.Training && m.Dropout > 0 {
			y = g.Dropout(y, mat.Float(m.Dropout))
		}
		out[i] = g.Add(out[i], y)
	}
	return out
}
