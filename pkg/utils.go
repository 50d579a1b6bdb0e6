package pkg

import (
	mrand "math/rand"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/rs/zerolog/log"

	"github.com/nnapplet/Classification-of-thyroid-nodules/pkg/io"
)

func printDataErrors(errors []io.DataError) {
	for _, err := range errors {
		log.Error().Msgf("Error loading data at line %d: %s", err.Line, err.Error)
	}
}

func argmax(data []mat.Float) (int, mat.Float) {
	maxInd := 0
	for i := range data {
		if data[i] > data[maxInd] {
			maxInd = i
		}
	}
	return maxInd, data[maxInd]
}

func newDatasetRand(seed uint64) *mrand.Rand {
	return mrand.New(mrand.NewSource(int64(seed)))
}
