package model

import (
	"bytes"
	"encoding/json"
	"errors"
)

const (
	ClassBird     = "bird"
	ClassPlane    = "plane"
	ClassSuperman = "superman"
	ClassOther    = "other"

	DefaultThreshold = 0.7
	DefaultImageSize = 224
)

// Classes is the output order of the network. ClassOther is the catch-all.
var Classes = []string{ClassBird, ClassPlane, ClassSuperman, ClassOther}

var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

var (
	ErrInvalidImage     = errors.New("invalid image")
	ErrInference        = errors.New("inference failed")
	ErrInvalidThreshold = errors.New("confidence threshold must be within [0, 1]")
)

type ClassProbability struct {
	Class       string
	Probability float64
}

// Probabilities keeps class order when encoded as a JSON object.
type Probabilities []ClassProbability

func (p Probabilities) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, cp := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(cp.Class)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(cp.Probability)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p Probabilities) Get(class string) (float64, bool) {
	for _, cp := range p {
		if cp.Class == class {
			return cp.Probability, true
		}
	}
	return 0, false
}

func (p Probabilities) Sum() float64 {
	var sum float64
	for _, cp := range p {
		sum += cp.Probability
	}
	return sum
}

type PredictionResult struct {
	PredictedClass   string        `json:"predicted_class"`
	Confidence       float64       `json:"confidence"`
	Probabilities    Probabilities `json:"probabilities"`
	ThresholdApplied bool          `json:"threshold_applied"`
}

type Info struct {
	Classes             []string       `json:"classes"`
	ConfidenceThreshold float64        `json:"confidence_threshold"`
	Device              string         `json:"device"`
	Config              map[string]any `json:"config"`
}
