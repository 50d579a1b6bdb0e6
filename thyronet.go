package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nnapplet/Classification-of-thyroid-nodules/pkg"
	"github.com/nnapplet/Classification-of-thyroid-nodules/pkg/model/fusion"
	"github.com/nnapplet/Classification-of-thyroid-nodules/pkg/model/resnet"
	"github.com/nnapplet/Classification-of-thyroid-nodules/pkg/model/swin"
)

func TrainCommand() *cobra.Command {
	var trainFile string
	var outputFile string
	var backbone string
	var imageSize int
	var embeddingWidth int
	var resnetChannels []int
	var trainingParameters pkg.TrainingParameters
	var fusionConfig fusion.Config
	swinConfig := swin.DefaultConfig()

	var cmd = &cobra.Command{
		Use:   "train -i trainManifest -o outputFile",
		Short: "Trains a new dual-channel model on the provided image manifest and saves it",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			trainingParameters.ImageChannels = 3
			trainingParameters.ImageSide = imageSize
			factory, err := buildFactory(backbone, imageSize, embeddingWidth, swinConfig, resnetChannels)
			if err != nil {
				return err
			}
			return pkg.Train(trainFile, outputFile, backbone, factory, fusionConfig, trainingParameters)
		},
	}

	cmd.Flags().StringVarP(&trainFile, "train-file", "i", "", "name of the train manifest file")
	cmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "name of the file to save model to.")
	cmd.Flags().IntVarP(&trainingParameters.BatchSize, "batch-size", "b", 16, "batch size")
	cmd.Flags().Float64VarP(&trainingParameters.LearningRate, "learning-rate", "l", 0.0001, "learning rate")
	cmd.Flags().IntVarP(&trainingParameters.ReportInterval, "report-interval", "r", 10, "loss report interval")
	cmd.Flags().IntVarP(&trainingParameters.NumEpochs, "num-epochs", "n", 10, "number of epochs to train")
	cmd.Flags().Uint64VarP(&trainingParameters.RndSeed, "random-seed", "x", 42, "random seed")
	cmd.Flags().Float64VarP(&trainingParameters.ValidationFraction, "validation-fraction", "", 0.0, "fraction of samples held out for post-training evaluation")

	cmd.Flags().StringVarP(&backbone, "backbone", "", "swin", "backbone architecture: swin or resnet")
	cmd.Flags().IntVarP(&imageSize, "image-size", "", 224, "input image side length")
	cmd.Flags().IntVarP(&embeddingWidth, "embedding-width", "k", 2, "per-backbone embedding width")
	cmd.Flags().IntVarP(&swinConfig.PatchSize, "patch-size", "", swinConfig.PatchSize, "swin patch side length")
	cmd.Flags().IntVarP(&swinConfig.WindowSize, "window-size", "w", swinConfig.WindowSize, "swin attention window side length")
	cmd.Flags().IntVarP(&swinConfig.EmbedDim, "embed-dim", "", swinConfig.EmbedDim, "swin first-stage channel width")
	cmd.Flags().IntSliceVarP(&swinConfig.Depths, "depths", "", swinConfig.Depths, "number of swin blocks per stage")
	cmd.Flags().IntSliceVarP(&swinConfig.NumHeads, "num-heads", "", swinConfig.NumHeads, "attention heads per stage")
	cmd.Flags().Float64VarP(&swinConfig.MLPRatio, "mlp-ratio", "", swinConfig.MLPRatio, "swin MLP expansion ratio")
	cmd.Flags().Float64VarP(&swinConfig.Dropout, "dropout", "", 0.0, "dropout probability")
	cmd.Flags().Float64VarP(&swinConfig.AttnDropout, "attention-dropout", "", 0.0, "attention dropout probability")
	cmd.Flags().IntSliceVarP(&resnetChannels, "resnet-channels", "", []int{16, 32, 64}, "residual group widths of the resnet backbone")

	cmd.Flags().IntSliceVarP(&fusionConfig.HeadLayers, "head-layers", "", []int{1024, 512, 256, 2}, "output widths of the classification head layers")
	cmd.Flags().BoolVarP(&fusionConfig.UseSparseConstraint, "sparse", "", false, "enable the L1 sparse constraint on fused features")
	cmd.Flags().Float64VarP(&fusionConfig.SparsityLossWeight, "sparsity-loss-weight", "", 0.0001, "weight of the sparsity penalty in total loss")

	_ = cmd.MarkFlagRequired("train-file")
	_ = cmd.MarkFlagRequired("output-file")

	return cmd
}

func buildFactory(backbone string, imageSize, embeddingWidth int, swinConfig swin.Config, resnetChannels []int) (fusion.Factory, error) {
	switch backbone {
	case "swin":
		swinConfig.InChannels = 3
		swinConfig.ImageSize = imageSize
		swinConfig.NumClasses = embeddingWidth
		return func() fusion.Backbone { return swin.New(swinConfig) }, nil
	case "resnet":
		config := resnet.Config{
			InChannels: 3,
			ImageSize:  imageSize,
			NumClasses: embeddingWidth,
			Channels:   resnetChannels,
		}
		return func() fusion.Backbone { return resnet.New(config) }, nil
	}
	return nil, fmt.Errorf("unknown backbone %q", backbone)
}

func TestCommand() *cobra.Command {
	var modelFile string
	var inputFile string
	var outputFile string

	var cmd = &cobra.Command{
		Use:   "test -m modelFile -i inputManifest [-o outputFile]",
		Short: "Runs the provided model on the specified image manifest and reports metrics",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pkg.Test(modelFile, inputFile, outputFile)
		},
	}

	cmd.Flags().StringVarP(&modelFile, "model", "m", "", "name of model to test")
	cmd.Flags().StringVarP(&inputFile, "input", "i", "", "name of the manifest file to evaluate")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "name of per-sample prediction output file (optional)")

	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

var logLevel string
var logFormat string

func main() {
	Main := &cobra.Command{Use: "thyronet", PersistentPreRun: setupLogging}

	Main.PersistentFlags().StringVarP(&logLevel, "log-level", "", "info", "Logging level: info error or debug")
	Main.PersistentFlags().StringVarP(&logFormat, "log-format", "", "pretty", "Logging format: pretty or json")

	Main.AddCommand(TrainCommand())
	Main.AddCommand(TestCommand())

	if err := Main.Execute(); err != nil {
		panic(err)
	}
}

func setupLogging(cmd *cobra.Command, args []string) {
	switch logLevel {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		panic("Invalid logging level specified")
	}

	switch logFormat {
	case "pretty":
		setupPrettyLogging()
	case "json":
	default:
		panic("Invalid log format specified")
	}
}

func setupPrettyLogging() {
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	writer.FormatFieldValue = func(i interface{}) string {
		switch v := i.(type) {
		case json.Number:
			val, _ := v.Float64()
			return fmt.Sprintf("%.3f", val)
		default:
			return fmt.Sprintf("%s", i)
		}
	}
	log.Logger = log.Output(writer)
}
