package model

import (
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
)

// Runner performs one forward pass over a flat NCHW input and returns the
// raw class scores.
type Runner interface {
	Run(input []float32) ([]float32, error)
}

type Options struct {
	Threshold float64
	ImageSize int
	Mean      [3]float32
	Std       [3]float32
	Device    string
	// Extra is reported verbatim in Info().Config.
	Extra map[string]any
}

func DefaultOptions() Options {
	return Options{
		Threshold: DefaultThreshold,
		ImageSize: DefaultImageSize,
		Mean:      ImageNetMean,
		Std:       ImageNetStd,
		Device:    "cpu",
	}
}

// Classifier holds the immutable model state shared by all requests.
type Classifier struct {
	runner    Runner
	classes   []string
	threshold float64
	imageSize int
	mean      [3]float32
	std       [3]float32
	device    string
	extra     map[string]any
}

func NewClassifier(runner Runner, opts Options) (*Classifier, error) {
	if runner == nil {
		return nil, fmt.Errorf("classifier requires a runner")
	}
	if opts.Threshold < 0 || opts.Threshold > 1 || math.IsNaN(opts.Threshold) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidThreshold, opts.Threshold)
	}
	if opts.ImageSize <= 0 {
		opts.ImageSize = DefaultImageSize
	}
	if opts.Device == "" {
		opts.Device = "cpu"
	}

	extra := make(map[string]any, len(opts.Extra)+3)
	for k, v := range opts.Extra {
		extra[k] = v
	}
	extra["image_size"] = opts.ImageSize
	extra["normalize_mean"] = opts.Mean
	extra["normalize_std"] = opts.Std

	return &Classifier{
		runner:    runner,
		classes:   append([]string(nil), Classes...),
		threshold: opts.Threshold,
		imageSize: opts.ImageSize,
		mean:      opts.Mean,
		std:       opts.Std,
		device:    opts.Device,
		extra:     extra,
	}, nil
}

// Predict classifies raw image bytes. Decode failures wrap ErrInvalidImage,
// everything after decoding wraps ErrInference.
func (c *Classifier) Predict(data []byte) (*PredictionResult, error) {
	img, format, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"format": format,
		"width":  img.Bounds().Dx(),
		"height": img.Bounds().Dy(),
	}).Debug("decoded image")

	input := Preprocess(img, c.imageSize, c.mean, c.std)

	scores, err := c.runner.Run(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if len(scores) != len(c.classes) {
		return nil, fmt.Errorf("%w: expected %d scores, got %d", ErrInference, len(c.classes), len(scores))
	}

	probs := Softmax(scores)
	for _, p := range probs {
		if math.IsNaN(p) {
			return nil, fmt.Errorf("%w: network produced non-finite scores", ErrInference)
		}
	}

	return ClassifyAndThreshold(c.classes, probs, c.threshold)
}

func (c *Classifier) Info() Info {
	config := make(map[string]any, len(c.extra))
	for k, v := range c.extra {
		config[k] = v
	}
	return Info{
		Classes:             append([]string(nil), c.classes...),
		ConfidenceThreshold: c.threshold,
		Device:              c.device,
		Config:              config,
	}
}

// Softmax converts raw scores into a probability distribution.
func Softmax(scores []float32) []float64 {
	if len(scores) == 0 {
		return nil
	}

	maxScore := float64(scores[0])
	for _, s := range scores[1:] {
		maxScore = math.Max(maxScore, float64(s))
	}

	probs := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		probs[i] = math.Exp(float64(s) - maxScore)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// ClassifyAndThreshold picks the arg-max class and replaces it with
// ClassOther when its probability is below threshold. probs is reported
// unmodified either way.
func ClassifyAndThreshold(classes []string, probs []float64, threshold float64) (*PredictionResult, error) {
	if len(classes) == 0 || len(probs) != len(classes) {
		return nil, fmt.Errorf("%w: %d probabilities for %d classes", ErrInference, len(probs), len(classes))
	}

	maxIdx := 0
	for i, p := range probs {
		if p > probs[maxIdx] {
			maxIdx = i
		}
	}

	distribution := make(Probabilities, len(classes))
	for i, class := range classes {
		distribution[i] = ClassProbability{Class: class, Probability: probs[i]}
	}

	result := &PredictionResult{
		PredictedClass: classes[maxIdx],
		Confidence:     probs[maxIdx],
		Probabilities:  distribution,
	}
	if result.Confidence < threshold {
		result.PredictedClass = ClassOther
		result.ThresholdApplied = true
	}
	return result, nil
}
