package pkg

import (
	"fmt"
	gio "io"
	"os"
	"sort"
	"strconv"

	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/losses"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/stats"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"github.com/nnapplet/Classification-of-thyroid-nodules/pkg/io"
	"github.com/nnapplet/Classification-of-thyroid-nodules/pkg/model"
	"github.com/nnapplet/Classification-of-thyroid-nodules/pkg/model/fusion"
)

type NoopWriter struct{}

func (x NoopWriter) Write(p []byte) (n int, err error) {
	return len(p), nil
}

// Test runs a saved model over the manifest data and reports per-class
// metrics, overall F1 and ROC AUC. Per-sample predictions are written to
// outputFileName when given.
func Test(modelFileName, inputFileName, outputFileName string) error {
	modelFile, err := os.Open(modelFileName)
	if err != nil {
		return fmt.Errorf("error opening model file %s: %w", modelFileName, err)
	}
	defer modelFile.Close()

	m, err := io.LoadModel(modelFile)
	if err != nil {
		return fmt.Errorf("error loading model from file %s: %w", modelFileName, err)
	}

	_, data, dataErrors, err := io.LoadData(io.DataParameters{
		ManifestFile:  inputFileName,
		BatchSize:     1,
		ImageChannels: m.MetaData.ImageChannels,
		ImageSide:     m.MetaData.ImageSide,
	}, m.MetaData)
	if err != nil {
		return fmt.Errorf("error loading data from %s: %w", inputFileName, err)
	}
	printDataErrors(dataErrors)
	if len(data) == 0 {
		log.Fatal().Msg("No data to test")
		return nil
	}
	return testInternal(m, data, outputFileName)
}

type classificationPrediction struct {
	predictedClass string
	label          string
	maxLogit       float64
	positiveProb   float64
}

type classificationEvaluator struct {
	predictionCount int
	loss            float64
	metrics         map[string]*stats.ClassMetrics
	model           *model.Model
	g               *ag.Graph
	outputWriter    gio.Writer
	positiveClass   int
	scores          []float64
	truths          []bool
}

func (c *classificationEvaluator) EvaluatePrediction(node ag.Node, record *io.DataRecord) {
	prediction := c.decode(node, record)
	c.loss += float64(losses.CrossEntropy(c.g, c.g.NewVariable(node.Value().Clone(), false), int(record.Target)).ScalarValue())
	c.predictionCount++
	c.scores = append(c.scores, prediction.positiveProb)
	c.truths = append(c.truths, int(record.Target) == c.positiveClass)

	fmt.Fprintf(c.outputWriter, "%s,%s,%.5f\n", prediction.label, prediction.predictedClass, prediction.maxLogit)

	labelClassMetrics, ok := c.metrics[prediction.label]
	if !ok {
		labelClassMetrics = stats.NewMetricCounter()
		c.metrics[prediction.label] = labelClassMetrics
	}
	predictedClassMetrics, ok := c.metrics[prediction.predictedClass]
	if !ok {
		predictedClassMetrics = stats.NewMetricCounter()
		c.metrics[prediction.predictedClass] = predictedClassMetrics
	}

	if prediction.label == prediction.predictedClass {
		labelClassMetrics.IncTruePos()
	} else {
		labelClassMetrics.IncFalseNeg()
		predictedClassMetrics.IncFalsePos()
	}
}

func (c *classificationEvaluator) decode(modelOutput ag.Node, record *io.DataRecord) classificationPrediction {
	class, logit := argmax(modelOutput.Value().Data())
	probabilities := c.g.Softmax(modelOutput)
	return classificationPrediction{
		predictedClass: c.model.MetaData.TargetMap.IndexToName[class],
		label:          c.model.MetaData.TargetMap.IndexToName[int(record.Target)],
		maxLogit:       float64(logit),
		positiveProb:   float64(probabilities.Value().AtVec(c.positiveClass)),
	}
}

func (c *classificationEvaluator) LogMetrics() {
	// Sort class names for deterministic output
	sortedClasses := sortClasses(c.metrics)
	table := tablewriter.NewWriter(os.Stderr)
	table.SetHeader([]string{"Class", "TP", "FP", "TN", "FN", "Precision", "Recall", "F1"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, class := range sortedClasses {
		result := c.metrics[class]
		table.Append([]string{
			class,
			strconv.Itoa(result.TruePos),
			strconv.Itoa(result.FalsePos),
			strconv.Itoa(result.TrueNeg),
			strconv.Itoa(result.FalseNeg),
			fmt.Sprintf("%.3f", result.Precision()),
			fmt.Sprintf("%.3f", result.Recall()),
			fmt.Sprintf("%.3f", result.F1Score()),
		})
	}
	table.Render()

	microF1, macroF1 := computeOverallF1(c.metrics)
	log.Info().
		Float64("MacroF1", macroF1).
		Float64("MicroF1", microF1).
		Float64("AUC", rocAUC(c.scores, c.truths)).
		Msg("")
}

func (c *classificationEvaluator) Loss() float64 {
	return c.loss / float64(c.predictionCount)
}

func testInternal(m *model.Model, data []io.DataBatch, outputFileName string) error {
	var outputWriter gio.Writer
	if outputFileName != "" {
		outputFile, err := os.Create(outputFileName)
		if err != nil {
			return fmt.Errorf("error opening output file %s: %w", outputFileName, err)
		}
		defer outputFile.Close()
		outputWriter = outputFile
	} else {
		outputWriter = NoopWriter{}
	}

	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(42)))
	evaluator := &classificationEvaluator{
		metrics:       map[string]*stats.ClassMetrics{},
		model:         m,
		g:             g,
		outputWriter:  outputWriter,
		positiveClass: positiveClass(m.MetaData),
	}

	for _, d := range data {
		predictions := predict(g, m, d)
		for i, prediction := range predictions {
			evaluator.EvaluatePrediction(prediction, d[i])
		}
		g.Clear()
	}
	evaluator.LogMetrics()
	log.Info().Float64("Loss", evaluator.Loss()).Msg("")

	return nil
}

// positiveClass picks the class whose probability feeds the ROC curve: the
// malignant class when labeled as such, otherwise the last class index.
func positiveClass(metaData *model.Metadata) int {
	if index, ok := metaData.TargetMap.ContainsName("malignant"); ok {
		return index
	}
	return metaData.ClassCount() - 1
}

func predict(g *ag.Graph, m *model.Model, batch io.DataBatch) []ag.Node {
	proc := nn.Reify(m.Fusion, g, nn.Inference).(*fusion.Model)
	xa, xb := batchTensors(batch)
	return proc.Forward(xa, xb)
}

func computeOverallF1(metrics map[string]*stats.ClassMetrics) (float64, float64) {
	macroF1 := 0.0
	for _, metric := range metrics {
		macroF1 += float64(metric.F1Score())
	}
	macroF1 /= float64(len(metrics))

	micro := stats.NewMetricCounter()
	for _, result := range metrics {
		micro.TruePos += result.TruePos
		micro.FalsePos += result.FalsePos
		micro.FalseNeg += result.FalseNeg
		micro.TrueNeg += result.TrueNeg
	}
	return float64(micro.F1Score()), macroF1
}

func sortClasses(metrics map[string]*stats.ClassMetrics) []string {
	result := make([]string, 0, len(metrics))
	for class := range metrics {
		result = append(result, class)
	}
	sort.Strings(result)
	return result
}

// rocAUC integrates the ROC curve of the positive-class scores.
func rocAUC(scores []float64, truths []bool) float64 {
	if len(scores) == 0 {
		return 0
	}
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return scores[order[i]] < scores[order[j]] })
	y := make([]float64, len(scores))
	classes := make([]bool, len(scores))
	for i, idx := range order {
		y[i] = scores[idx]
		classes[i] = truths[idx]
	}
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	// the curve comes back in descending cutoff order; Trapezoidal wants
	// ascending abscissae
	if len(fpr) > 1 && fpr[0] > fpr[len(fpr)-1] {
		for i, j := 0, len(fpr)-1; i < j; i, j = i+1, j-1 {
			fpr[i], fpr[j] = fpr[j], fpr[i]
			tpr[i], tpr[j] = tpr[j], tpr[i]
		}
	}
	return integrate.Trapezoidal(fpr, tpr)
}
