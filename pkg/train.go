package pkg

import (
	"os"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/losses"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd/adam"
	"github.com/rs/zerolog/log"

	"github.com/nnapplet/Classification-of-thyroid-nodules/pkg/io"
	"github.com/nnapplet/Classification-of-thyroid-nodules/pkg/model"
	"github.com/nnapplet/Classification-of-thyroid-nodules/pkg/model/fusion"
)

type TrainingParameters struct {
	BatchSize      int
	NumEpochs      int
	LearningRate   float64
	ReportInterval int
	RndSeed        uint64
	ImageChannels  int
	ImageSide      int

	// ValidationFraction is the share of samples held out of training and used
	// for the post-training evaluation. Zero evaluates on the training data.
	ValidationFraction float64
}

type Trainer struct {
	params    TrainingParameters
	optimizer *gd.GradientDescent
	model     *fusion.Model
}

// Train fits a new dual-channel model on the manifest data and saves it to
// outputFileName. The backbone factory fixes the architecture of both
// channels; fusionConfig fixes the head and the sparse constraint.
func Train(trainFile, outputFileName, backboneName string, factory fusion.Factory, fusionConfig fusion.Config, trainingParams TrainingParameters) error {
	t := &Trainer{params: trainingParams}

	rndGen := rand.NewLockedRand(trainingParams.RndSeed)

	metaData, data, dataErrors, err := io.LoadData(io.DataParameters{
		ManifestFile:  trainFile,
		BatchSize:     trainingParams.BatchSize,
		ImageChannels: trainingParams.ImageChannels,
		ImageSide:     trainingParams.ImageSide,
	}, nil)
	if err != nil {
		return err
	}
	printDataErrors(dataErrors)
	if len(data) == 0 {
		log.Fatal().Msg("No data to train")
	}
	metaData.BackboneName = backboneName

	t.model = fusion.New(factory, fusionConfig)
	t.model.Init(rndGen)

	updaterConfig := adam.NewDefaultConfig()
	updaterConfig.StepSize = mat.Float(trainingParams.LearningRate)
	updater := adam.New(updaterConfig)
	const GradientClipThreshold = 2000.0 // TODO: get from configuration
	t.optimizer = gd.NewOptimizer(updater, nn.NewDefaultParamsIterator(t.model),
		gd.ClipGradByValue(GradientClipThreshold))

	dataSet := io.NewDataSet(flattenBatches(data), trainingParams.BatchSize)
	dataSet.Rand = newDatasetRand(trainingParams.RndSeed)

	trainSet, evalSet := dataSet, dataSet
	if v := trainingParams.ValidationFraction; v > 0 {
		validationSize := int(float64(dataSet.Size()) * v)
		if validationSize > 0 && validationSize < dataSet.Size() {
			splits := dataSet.RandomSplit(dataSet.Size()-validationSize, validationSize)
			trainSet, evalSet = splits[0], splits[1]
			trainSet.Rand = dataSet.Rand
			log.Info().Int("train", trainSet.Size()).Int("validation", evalSet.Size()).Msg("")
		}
	}

	for epoch := 0; epoch < trainingParams.NumEpochs; epoch++ {
		t.optimizer.IncEpoch()
		trainSet.ResetOrder(io.RandomOrder)
		for i := 0; ; i++ {
			batch := trainSet.Next()
			if len(batch) == 0 {
				break
			}
			totalLoss, classificationLoss, sparsityLoss := t.trainBatch(batch)
			t.optimizer.Optimize()
			if i%t.params.ReportInterval == 0 {
				log.Info().
					Int("epoch", epoch).
					Int("batch", i).
					Float64("loss", totalLoss).
					Float64("classificationLoss", classificationLoss).
					Float64("sparsityLoss", sparsityLoss).
					Msg("")
			}
		}
	}

	m := model.Model{
		MetaData: metaData,
		Fusion:   t.model,
	}

	outputFile, err := os.Create(outputFileName)
	if err != nil {
		log.Error().Msgf("Error creating output file %s: %s", outputFileName, err)
		return err
	}
	defer outputFile.Close()

	if err = io.SaveModel(&m, outputFile); err != nil {
		log.Error().Msgf("Error saving model to %s: %s", outputFileName, err)
		return err
	}

	return testInternal(&m, collectBatches(evalSet), "")
}

func collectBatches(ds *io.DataSet) []io.DataBatch {
	ds.ResetOrder(io.OriginalOrder)
	var batches []io.DataBatch
	for {
		batch := ds.Next()
		if len(batch) == 0 {
			return batches
		}
		batches = append(batches, batch)
	}
}

func (t *Trainer) trainBatch(batch io.DataBatch) (float64, float64, float64) {
	t.optimizer.IncBatch()

	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(t.params.RndSeed)))
	defer g.Clear()
	proc := nn.Reify(t.model, g, nn.Training).(*fusion.Model)
	xa, xb := batchTensors(batch)
	logits := proc.Forward(xa, xb)

	sparsityWeight := g.Constant(mat.Float(t.model.Config.SparsityLossWeight))
	var loss, classificationLoss, sparsityLoss ag.Node
	for i := range batch {
		exampleCrossEntropy := losses.CrossEntropy(g, logits[i], int(batch[i].Target))
		classificationLoss = g.Add(classificationLoss, exampleCrossEntropy)
		sparsityLoss = g.Add(sparsityLoss, proc.SparsityPenalty[i])
		examplePenalty := g.Mul(proc.SparsityPenalty[i], sparsityWeight)
		loss = g.Add(loss, g.Add(exampleCrossEntropy, examplePenalty))
	}
	batchSize := g.NewScalar(mat.Float(len(batch)))
	loss = g.Div(loss, batchSize)
	classificationLoss = g.Div(classificationLoss, batchSize)
	sparsityLoss = g.Div(sparsityLoss, batchSize)

	g.Backward(loss)
	return float64(loss.ScalarValue()), float64(classificationLoss.ScalarValue()), float64(sparsityLoss.ScalarValue())
}

func batchTensors(batch io.DataBatch) (xa, xb []mat.Matrix) {
	xa = make([]mat.Matrix, len(batch))
	xb = make([]mat.Matrix, len(batch))
	for i, record := range batch {
		xa[i] = record.ImageA
		xb[i] = record.ImageB
	}
	return xa, xb
}

func flattenBatches(batches []io.DataBatch) []*io.DataRecord {
	var records []*io.DataRecord
	for _, b := range batches {
		records = append(records, b...)
	}
	return records
}
