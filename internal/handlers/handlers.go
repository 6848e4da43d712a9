package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/example/tyre-check/internal/model"
	"github.com/example/tyre-check/internal/repository"
	"github.com/example/tyre-check/internal/usecase"
)

// MaxUploadSize is the default limit for a /predict request body.
const MaxUploadSize = 10 << 20

// allowedExtensions lists the upload extensions accepted by /predict, in
// the order they are reported back to clients.
var allowedExtensions = []string{"png", "jpg", "jpeg", "bmp", "gif"}

// Handler serves the classification API.
type Handler struct {
	uc        *usecase.ClassificationUseCase
	modelInfo *model.Metadata
	maxUpload int64
}

// NewHandler builds a Handler. modelInfo is nil when no model is loaded;
// a non-positive maxUpload selects MaxUploadSize.
func NewHandler(uc *usecase.ClassificationUseCase, modelInfo *model.Metadata, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = MaxUploadSize
	}
	return &Handler{uc: uc, modelInfo: modelInfo, maxUpload: maxUpload}
}

// RegisterRoutes wires the HTTP handlers to the Gin router. History and
// metrics routes sit behind authMiddleware.
func RegisterRoutes(router *gin.Engine, h *Handler, authMiddleware gin.HandlerFunc) {
	router.Use(enableCORS())

	router.GET("/health", h.Health)
	router.GET("/model-info", h.ModelInfo)
	router.POST("/predict", h.Predict)

	private := router.Group("/", authMiddleware)
	private.GET("/predictions/:id", h.GetPrediction)
	private.GET("/predictions/:id/duplicates", h.GetDuplicates)
	private.GET("/metrics", h.Metrics)
}

// Health reports process liveness and whether the classifier is loaded.
func (h *Handler) Health(c *gin.Context) {
	status := "not_loaded"
	if h.uc.ModelLoaded() {
		status = "loaded"
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "model_status": status})
}

// ModelInfo describes the loaded classifier.
func (h *Handler) ModelInfo(c *gin.Context) {
	if h.modelInfo == nil || !h.uc.ModelLoaded() {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Model not loaded"})
		return
	}

	inputShape := h.modelInfo.InputShape
	if len(inputShape) == 4 {
		inputShape = inputShape[1:]
	}
	c.JSON(http.StatusOK, gin.H{
		"input_shape": inputShape,
		"classes":     h.modelInfo.Classes,
		"accuracy":    h.modelInfo.Accuracy,
		"precision":   h.modelInfo.Precision,
		"recall":      h.modelInfo.Recall,
	})
}

// Predict classifies the multipart "image" upload.
func (h *Handler) Predict(c *gin.Context) {
	if c.Request.ContentLength > h.maxUpload {
		failure(c, http.StatusRequestEntityTooLarge, "Image too large")
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)

	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			failure(c, http.StatusRequestEntityTooLarge, "Image too large")
		case errors.Is(err, http.ErrMissingFile):
			failure(c, http.StatusBadRequest, "No image file provided")
		default:
			failure(c, http.StatusBadRequest, "Failed to parse upload")
		}
		return
	}

	if file.Filename == "" {
		failure(c, http.StatusBadRequest, "Empty filename")
		return
	}
	if !allowedExtension(file.Filename) {
		failure(c, http.StatusBadRequest, "Invalid file type. Allowed: "+strings.Join(allowedExtensions, ", "))
		return
	}

	src, err := file.Open()
	if err != nil {
		failure(c, http.StatusBadRequest, "Unable to open image")
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		failure(c, http.StatusInternalServerError, "Failed to read image")
		return
	}

	prediction, err := h.uc.Classify(c.Request.Context(), data)
	switch {
	case err == nil:
	case errors.Is(err, usecase.ErrModelUnavailable):
		failure(c, http.StatusInternalServerError, "Model not available")
		return
	case errors.Is(err, usecase.ErrDecode):
		failure(c, http.StatusBadRequest, "Invalid image: the file could not be decoded")
		return
	default:
		failure(c, http.StatusInternalServerError, fmt.Sprintf("Prediction failed: %v", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"request_id": prediction.RequestID,
		"data":       prediction,
	})
}

// GetPrediction returns a stored prediction by request ID.
func (h *Handler) GetPrediction(c *gin.Context) {
	log, err := h.uc.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		historyFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": logResponse(log)})
}

// GetDuplicates lists earlier predictions of the same image.
func (h *Handler) GetDuplicates(c *gin.Context) {
	report, err := h.uc.GetDuplicateReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		historyFailure(c, err)
		return
	}

	duplicates := make([]gin.H, 0, len(report.Duplicates))
	for _, d := range report.Duplicates {
		duplicates = append(duplicates, logResponse(d))
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"request":    logResponse(report.Request),
			"duplicates": duplicates,
		},
	})
}

// Metrics returns aggregate classification statistics.
func (h *Handler) Metrics(c *gin.Context) {
	summary, err := h.uc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		historyFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": summary})
}

func allowedExtension(filename string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	for _, allowed := range allowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func historyFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, usecase.ErrHistoryUnavailable):
		failure(c, http.StatusServiceUnavailable, "Prediction history not available")
	case errors.Is(err, gorm.ErrRecordNotFound):
		failure(c, http.StatusNotFound, "Prediction not found")
	default:
		failure(c, http.StatusInternalServerError, "Failed to load prediction history")
	}
}

func failure(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": message})
}

func logResponse(log *repository.PredictionLog) gin.H {
	return gin.H{
		"request_id":     log.RequestID,
		"class":          log.Label,
		"class_index":    log.ClassIndex,
		"confidence":     log.Confidence,
		"raw_prediction": log.RawScore,
		"recommendation": log.Recommendation,
		"is_defective":   log.ClassIndex == 0,
		"image_format":   log.ImageFormat,
		"width":          log.Width,
		"height":         log.Height,
		"latency_ms":     log.LatencyMs,
		"sha1_hash":      log.SHA1Hash,
		"created_at":     log.CreatedAt,
	}
}
