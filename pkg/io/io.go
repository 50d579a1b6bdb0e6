// Package io loads paired-image manifests into model-ready tensors and
// persists trained models.
package io

import (
	"encoding/csv"
	"encoding/gob"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"golang.org/x/image/draw"

	"github.com/nnapplet/Classification-of-thyroid-nodules/pkg/model"
)

// DataRecord holds one patient sample: two image tensors and the class index.
type DataRecord struct {
	ImageA mat.Matrix
	ImageB mat.Matrix
	Target float64
}

type DataBatch []*DataRecord

type DataParameters struct {
	// ManifestFile is a CSV with a header naming at least the image_a,
	// image_b and label columns. Image paths are resolved relative to the
	// manifest's directory unless absolute.
	ManifestFile string
	BatchSize    int

	ImageChannels int
	ImageSide     int
}

type DataError struct {
	Line  int
	Error string
}

// Channel statistics the images are normalized with, as commonly used for
// models pretrained on ImageNet.
var (
	imageNetMean = [3]float64{0.485, 0.456, 0.406}
	imageNetStd  = [3]float64{0.229, 0.224, 0.225}
)

// LoadData reads the manifest, loads and normalizes every image pair and
// splits the result into batches of at most BatchSize records. Rows that fail
// to load are reported as DataErrors, not hard failures. When metaData is nil
// a new label mapping is built; otherwise labels must resolve against the
// provided one.
func LoadData(p DataParameters, metaData *model.Metadata) (*model.Metadata, []DataBatch, []DataError, error) {
	manifest, err := os.Open(p.ManifestFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error opening manifest: %w", err)
	}
	defer manifest.Close()

	reader := csv.NewReader(manifest)
	header, err := reader.Read()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error reading manifest header: %w", err)
	}
	columns, err := resolveColumns(header)
	if err != nil {
		return nil, nil, nil, err
	}

	newMetadata := false
	if metaData == nil {
		metaData = model.NewMetadata(p.ImageChannels, p.ImageSide)
		newMetadata = true
	}

	baseDir := filepath.Dir(p.ManifestFile)
	var errors []DataError
	var result []DataBatch
	currentBatch := DataBatch{}
	currentLine := 0

	for record, err := reader.Read(); err == nil; record, err = reader.Read() {
		currentLine++
		target, parseErr := parseTarget(newMetadata, metaData, record[columns.label])
		if parseErr != nil {
			errors = append(errors, DataError{Line: currentLine, Error: parseErr.Error()})
			continue
		}
		imageA, loadErr := LoadImage(resolvePath(baseDir, record[columns.imageA]), metaData.ImageChannels, metaData.ImageSide)
		if loadErr != nil {
			errors = append(errors, DataError{Line: currentLine, Error: loadErr.Error()})
			continue
		}
		imageB, loadErr := LoadImage(resolvePath(baseDir, record[columns.imageB]), metaData.ImageChannels, metaData.ImageSide)
		if loadErr != nil {
			errors = append(errors, DataError{Line: currentLine, Error: loadErr.Error()})
			continue
		}

		currentBatch = append(currentBatch, &DataRecord{ImageA: imageA, ImageB: imageB, Target: target})
		if len(currentBatch) == p.BatchSize {
			result = append(result, currentBatch)
			currentBatch = DataBatch{}
		}
	}

	if len(currentBatch) > 0 {
		result = append(result, currentBatch)
	}
	return metaData, result, errors, nil
}

type manifestColumns struct {
	imageA int
	imageB int
	label  int
}

func resolveColumns(header []string) (manifestColumns, error) {
	columns := manifestColumns{imageA: -1, imageB: -1, label: -1}
	for i, name := range header {
		switch name {
		case "image_a":
			columns.imageA = i
		case "image_b":
			columns.imageB = i
		case "label":
			columns.label = i
		}
	}
	if columns.imageA < 0 || columns.imageB < 0 || columns.label < 0 {
		return columns, fmt.Errorf("manifest header must name image_a, image_b and label columns, got %v", header)
	}
	return columns, nil
}

func resolvePath(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func parseTarget(newMetadata bool, metaData *model.Metadata, label string) (float64, error) {
	if newMetadata {
		return metaData.ParseOrAddLabel(label), nil
	}
	target, ok := metaData.ParseLabel(label)
	if !ok {
		return 0, fmt.Errorf("unknown class label %s", label)
	}
	return target, nil
}

// LoadImage decodes one JPEG or PNG file, scales it to side×side and returns
// a normalized CHW tensor.
func LoadImage(path string, channels, side int) (mat.Matrix, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening image %s: %w", path, err)
	}
	defer file.Close()
	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("error decoding image %s: %w", path, err)
	}
	return ImageToTensor(Resize(img, side), channels, side), nil
}

// Resize scales an image to side×side with bilinear interpolation.
func Resize(img image.Image, side int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.BiLinear.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}

// ImageToTensor converts an image to a CHW float vector normalized with the
// ImageNet channel statistics.
func ImageToTensor(img image.Image, channels, side int) mat.Matrix {
	data := make([]mat.Float, channels*side*side)
	bounds := img.Bounds()
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rgb := [3]float64{float64(r) / 0xffff, float64(g) / 0xffff, float64(b) / 0xffff}
			for c := 0; c < channels; c++ {
				data[c*side*side+y*side+x] = mat.Float((rgb[c] - imageNetMean[c]) / imageNetStd[c])
			}
		}
	}
	return mat.NewVecDense(data)
}

func SaveModel(model *model.Model, writer io.Writer) error {
	encoder := gob.NewEncoder(writer)
	err := encoder.Encode(model)
	if err != nil {
		return fmt.Errorf("error encoding model: %w", err)
	}
	return nil
}

func LoadModel(input io.Reader) (*model.Model, error) {
	decoder := gob.NewDecoder(input)
	m := model.Model{}
	err := decoder.Decode(&m)
	if err != nil {
		return nil, fmt.Errorf("error decoding model: %w", err)
	}
	return &m, nil
}
