package model

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

type SessionConfig struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
	ImageSize   int
	NumClasses  int
	Device      string
}

// Session is the ONNX Runtime backed Runner. The input and output tensors are
// bound to the session, so Run holds a lock for the whole forward pass.
type Session struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	device       string
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = DefaultImageSize
	}
	if cfg.NumClasses <= 0 {
		cfg.NumClasses = len(Classes)
	}
	if cfg.InputName == "" {
		cfg.InputName = "input"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "output"
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	size := int64(cfg.ImageSize)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.NumClasses)))
	if err != nil {
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	s := &Session{
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}

	session, device, err := s.open(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.session = session
	s.device = device

	return s, nil
}

func (s *Session) open(cfg SessionConfig) (*ort.AdvancedSession, string, error) {
	if cfg.Device == DeviceAuto || cfg.Device == DeviceCUDA {
		session, err := s.newSession(cfg, true)
		if err == nil {
			return session, DeviceCUDA, nil
		}
		if cfg.Device == DeviceCUDA {
			return nil, "", fmt.Errorf("failed to create CUDA session: %w", err)
		}
		log.WithError(err).Info("CUDA execution provider unavailable, using CPU")
	}

	session, err := s.newSession(cfg, false)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return session, DeviceCPU, nil
}

func (s *Session) newSession(cfg SessionConfig, cuda bool) (*ort.AdvancedSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if cuda {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, err
		}
		defer cudaOptions.Destroy()

		if err := cudaOptions.Update(map[string]string{"device_id": "0"}); err != nil {
			return nil, err
		}
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return nil, err
		}
	}

	return ort.NewAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.ArbitraryTensor{s.inputTensor}, []ort.ArbitraryTensor{s.outputTensor},
		options)
}

func (s *Session) Run(input []float32) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.inputTensor.GetData()
	if len(input) != len(data) {
		return nil, fmt.Errorf("expected %d input values, got %d", len(data), len(input))
	}
	copy(data, input)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("forward pass: %w", err)
	}

	out := s.outputTensor.GetData()
	scores := make([]float32, len(out))
	copy(scores, out)
	return scores, nil
}

func (s *Session) Device() string {
	return s.device
}

func (s *Session) Close() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	ort.DestroyEnvironment()
}
