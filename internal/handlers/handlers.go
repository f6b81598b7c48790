package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/Brownie44l1/bps-api/internal/middleware"
	"github.com/Brownie44l1/bps-api/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

const (
	ServiceName    = "Bird/Plane/Superman Classifier API"
	ServiceVersion = "1.0.0"

	MaxUploadSize = 10 << 20
	// Room for multipart boundaries and part headers on top of the file itself.
	maxRequestSize = MaxUploadSize + 1<<20

	formField = "file"
)

var AllowedContentTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/jpg",
}

type Predictor interface {
	Predict(data []byte) (*model.PredictionResult, error)
	Info() model.Info
}

type Handler struct {
	predictor Predictor
}

func NewHandler(predictor Predictor) *Handler {
	return &Handler{
		predictor: predictor,
	}
}

func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/info", h.Info)
	r.POST("/predict", h.Predict)
}

func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    ServiceName,
		"version": ServiceVersion,
		"endpoints": gin.H{
			"predict": "POST /predict - Upload an image for classification",
			"health":  "GET /health - Health check endpoint",
			"info":    "GET /info - Model information",
		},
	})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, h.predictor.Info())
}

func (h *Handler) Predict(c *gin.Context) {
	if c.Request.ContentLength > maxRequestSize {
		tooLarge(c)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestSize)

	header, err := c.FormFile(formField)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			tooLarge(c)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("no file provided, use %q as the form field name", formField)})
		return
	}

	contentType := mediaType(header.Header.Get("Content-Type"))
	if !lo.Contains(AllowedContentTypes, contentType) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("invalid file type %q, allowed types: %s", contentType, strings.Join(AllowedContentTypes, ", ")),
		})
		return
	}

	if header.Size > MaxUploadSize {
		tooLarge(c)
		return
	}

	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to open uploaded file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxUploadSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return
	}
	if len(data) > MaxUploadSize {
		tooLarge(c)
		return
	}

	log.WithFields(log.Fields{
		"request_id":   middleware.GetRequestID(c),
		"filename":     header.Filename,
		"content_type": contentType,
		"size_bytes":   len(data),
	}).Debug("received image")

	result, err := h.predictor.Predict(data)
	if err != nil {
		mapPredictError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func mapPredictError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidImage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image file: " + err.Error()})

	default:
		log.WithError(err).
			WithField("request_id", middleware.GetRequestID(c)).
			Error("prediction failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction failed: " + err.Error()})
	}
}

func tooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"error": fmt.Sprintf("file too large, maximum size: %d MB", MaxUploadSize>>20),
	})
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
