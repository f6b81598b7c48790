package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/Brownie44l1/bps-api/internal/config"
	"github.com/Brownie44l1/bps-api/internal/middleware"
	"github.com/Brownie44l1/bps-api/internal/model"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePredictor struct {
	result *model.PredictionResult
	err    error
	calls  int
	info   model.Info
}

func (f *fakePredictor) Predict(data []byte) (*model.PredictionResult, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakePredictor) Info() model.Info {
	return f.info
}

type staticRunner []float32

func (r staticRunner) Run([]float32) ([]float32, error) {
	return r, nil
}

func setupRouter(p Predictor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(p).RegisterRoutes(r)
	return r
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < 16; i++ {
		img.Set(i, i, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, field, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename="upload.bin"`, field))
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func sampleResult() *model.PredictionResult {
	result, err := model.ClassifyAndThreshold(model.Classes, []float64{0.1, 0.1, 0.75, 0.05}, 0.7)
	if err != nil {
		panic(err)
	}
	return result
}

func TestPredictSuccess(t *testing.T) {
	p := &fakePredictor{result: sampleResult()}
	r := setupRouter(p)

	w := serve(r, uploadRequest(t, "file", "image/png", pngImage(t)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, p.calls)

	var body struct {
		PredictedClass   string             `json:"predicted_class"`
		Confidence       float64            `json:"confidence"`
		Probabilities    map[string]float64 `json:"probabilities"`
		ThresholdApplied bool               `json:"threshold_applied"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "superman", body.PredictedClass)
	assert.InDelta(t, 0.75, body.Confidence, 1e-9)
	assert.False(t, body.ThresholdApplied)
	assert.Len(t, body.Probabilities, 4)
	for _, class := range []string{"bird", "plane", "superman", "other"} {
		assert.Contains(t, body.Probabilities, class)
	}
}

func TestPredictEndToEndWithClassifier(t *testing.T) {
	classifier, err := model.NewClassifier(staticRunner{0.2, 0.1, 0.3, 0.0}, model.DefaultOptions())
	require.NoError(t, err)
	r := setupRouter(classifier)

	w := serve(r, uploadRequest(t, "file", "image/png", pngImage(t)))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		PredictedClass   string             `json:"predicted_class"`
		Confidence       float64            `json:"confidence"`
		Probabilities    map[string]float64 `json:"probabilities"`
		ThresholdApplied bool               `json:"threshold_applied"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	var sum float64
	for _, v := range body.Probabilities {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
	assert.Equal(t, "other", body.PredictedClass)
	assert.True(t, body.ThresholdApplied)
	assert.InDelta(t, body.Probabilities["superman"], body.Confidence, 1e-9)
}

func TestPredictRejectsUnsupportedContentType(t *testing.T) {
	for _, ct := range []string{"text/plain", "application/pdf", "application/octet-stream", ""} {
		t.Run(ct, func(t *testing.T) {
			p := &fakePredictor{result: sampleResult()}
			r := setupRouter(p)

			w := serve(r, uploadRequest(t, "file", ct, pngImage(t)))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "invalid file type")
			assert.Zero(t, p.calls)
		})
	}
}

func TestPredictAcceptsContentTypeVariants(t *testing.T) {
	for _, ct := range []string{"image/jpeg", "image/jpg", "image/gif", "image/webp", "IMAGE/PNG", "image/png; charset=binary"} {
		t.Run(ct, func(t *testing.T) {
			p := &fakePredictor{result: sampleResult()}
			r := setupRouter(p)

			w := serve(r, uploadRequest(t, "file", ct, pngImage(t)))
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, 1, p.calls)
		})
	}
}

func TestPredictRejectsOversizedUpload(t *testing.T) {
	oversized := make([]byte, MaxUploadSize+1)

	tests := []struct {
		name        string
		contentType string
		data        []byte
	}{
		{"just over the limit", "image/png", oversized},
		{"well over the limit", "image/jpeg", make([]byte, MaxUploadSize+2<<20)},
		{"non-image and oversized", "text/plain", oversized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePredictor{result: sampleResult()}
			r := setupRouter(p)

			w := serve(r, uploadRequest(t, "file", tt.contentType, tt.data))
			assert.GreaterOrEqual(t, w.Code, 400)
			assert.Less(t, w.Code, 500)
			assert.Zero(t, p.calls)
		})
	}
}

func TestPredictMissingFile(t *testing.T) {
	p := &fakePredictor{result: sampleResult()}
	r := setupRouter(p)

	w := serve(r, uploadRequest(t, "image", "image/png", pngImage(t)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "no file provided")

	req := httptest.NewRequest(http.MethodPost, "/predict", nil)
	w = serve(r, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, p.calls)
}

func TestPredictErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"undecodable image", fmt.Errorf("%w: unexpected EOF", model.ErrInvalidImage), http.StatusBadRequest, "invalid image file"},
		{"forward pass failure", fmt.Errorf("%w: out of memory", model.ErrInference), http.StatusInternalServerError, "prediction failed"},
		{"unexpected error", errors.New("boom"), http.StatusInternalServerError, "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := setupRouter(&fakePredictor{err: tt.err})

			w := serve(r, uploadRequest(t, "file", "image/png", pngImage(t)))
			assert.Equal(t, tt.status, w.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Contains(t, body["error"], tt.msg)
		})
	}
}

func TestPredictFailureLogsRequestID(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID())
	NewHandler(&fakePredictor{err: fmt.Errorf("%w: device lost", model.ErrInference)}).RegisterRoutes(r)

	req := uploadRequest(t, "file", "image/png", pngImage(t))
	req.Header.Set(middleware.HeaderRequestID, "req-42")
	w := serve(r, req)
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var entry *log.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == log.ErrorLevel {
			entry = e
		}
	}
	require.NotNil(t, entry)
	assert.Equal(t, "prediction failed", entry.Message)
	assert.Equal(t, "req-42", entry.Data["request_id"])
}

func TestPredictCorruptImageWithRealClassifier(t *testing.T) {
	classifier, err := model.NewClassifier(staticRunner{1, 2, 3, 4}, model.DefaultOptions())
	require.NoError(t, err)
	r := setupRouter(classifier)

	w := serve(r, uploadRequest(t, "file", "image/jpeg", []byte("definitely not a jpeg")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	r := setupRouter(&fakePredictor{})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestInfoReflectsConfiguredThreshold(t *testing.T) {
	t.Setenv("CONFIDENCE_THRESHOLD", "0.9")
	cfg, err := config.Load()
	require.NoError(t, err)

	opts := model.DefaultOptions()
	opts.Threshold = cfg.Model.ConfidenceThreshold
	classifier, err := model.NewClassifier(staticRunner{0, 0, 0, 0}, opts)
	require.NoError(t, err)
	r := setupRouter(classifier)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Classes             []string       `json:"classes"`
		ConfidenceThreshold float64        `json:"confidence_threshold"`
		Device              string         `json:"device"`
		Config              map[string]any `json:"config"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 0.9, body.ConfidenceThreshold)
	assert.Equal(t, []string{"bird", "plane", "superman", "other"}, body.Classes)
	assert.Equal(t, "cpu", body.Device)
	assert.NotNil(t, body.Config)
}

func TestRoot(t *testing.T) {
	r := setupRouter(&fakePredictor{})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Name      string            `json:"name"`
		Version   string            `json:"version"`
		Endpoints map[string]string `json:"endpoints"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, ServiceName, body.Name)
	assert.Contains(t, body.Endpoints, "predict")
	assert.Contains(t, body.Endpoints, "health")
	assert.Contains(t, body.Endpoints, "info")
}
