package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/tyre-check/internal/imageprocessor"
	"github.com/example/tyre-check/internal/logging"
	"github.com/example/tyre-check/internal/repository"
	"github.com/example/tyre-check/internal/retry"
	"github.com/example/tyre-check/internal/verdict"
)

var (
	// ErrDecode is returned when the upload is not a decodable image.
	ErrDecode = imageprocessor.ErrDecode
	// ErrModelUnavailable is returned for every classification when no
	// model was loaded at startup.
	ErrModelUnavailable = errors.New("model not available")
	// ErrHistoryUnavailable is returned by history lookups when no
	// database is configured.
	ErrHistoryUnavailable = errors.New("prediction history not available")
)

const resultTTL = 5 * time.Minute

// Scorer produces the raw classifier output for a preprocessed image.
type Scorer interface {
	Score(ctx context.Context, tensor *imageprocessor.Tensor) (float32, error)
}

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error)
	FindDuplicatesByHash(ctx context.Context, hash, excludeRequestID string) ([]*repository.PredictionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Prediction is the outcome of one classification request.
type Prediction struct {
	RequestID string `json:"request_id"`
	verdict.Verdict
	IsDefective bool      `json:"is_defective"`
	ImageData   string    `json:"image_data,omitempty"`
	ImageFormat string    `json:"image_format"`
	CreatedAt   time.Time `json:"created_at"`
}

// DuplicateReport lists earlier predictions of the same image.
type DuplicateReport struct {
	Request    *repository.PredictionLog
	Duplicates []*repository.PredictionLog
}

// ClassificationUseCase runs uploads through preprocessing, the classifier
// and the verdict rules, and records the outcome. The scorer, repository
// and cache are optional; a nil scorer means no model is loaded.
type ClassificationUseCase struct {
	scorer       Scorer
	preprocessor *imageprocessor.Preprocessor
	repo         PredictionRepository
	cache        Cache
	logger       *zap.Logger
	retryPolicy  retry.Policy
	now          func() time.Time
}

// NewClassificationUseCase constructs a new use case instance. Preprocessor
// options such as imageprocessor.WithMaxPixels are passed through.
func NewClassificationUseCase(scorer Scorer, repo PredictionRepository, cache Cache, logger *zap.Logger, opts ...imageprocessor.Option) *ClassificationUseCase {
	return &ClassificationUseCase{
		scorer:       scorer,
		preprocessor: imageprocessor.New(opts...),
		repo:         repo,
		cache:        cache,
		logger:       logger.Named("classification_usecase"),
		retryPolicy:  retry.DefaultPolicy(),
		now:          time.Now,
	}
}

// ModelLoaded reports whether a classifier is available.
func (uc *ClassificationUseCase) ModelLoaded() bool {
	return uc.scorer != nil
}

// Classify decodes imageBytes, scores it and interprets the score.
// It fails with ErrModelUnavailable before looking at the bytes when no
// model is loaded, and with ErrDecode for undecodable uploads.
func (uc *ClassificationUseCase) Classify(ctx context.Context, imageBytes []byte) (prediction *Prediction, err error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", requestID)

	defer func() {
		if r := recover(); r != nil {
			err = logging.NewOperationError("usecase.classify", requestID, fmt.Errorf("unexpected failure: %v", r))
			opLogger.Error("classification panicked", zap.Any("panic", r))
		}
	}()

	if uc.scorer == nil {
		return nil, logging.NewOperationError("usecase.classify", requestID, ErrModelUnavailable)
	}

	start := uc.now()
	tensor, decoded, err := uc.preprocessor.Preprocess(imageBytes)
	if err != nil {
		opLogger.Info("rejected upload", zap.Error(err), zap.Int("bytes", len(imageBytes)))
		return nil, logging.NewOperationError("usecase.preprocess", requestID, err)
	}

	raw, err := uc.scorer.Score(ctx, tensor)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.score", requestID, err)
		opLogger.Error("inference failed", logging.ErrorFields(wrapped)...)
		return nil, wrapped
	}

	v, err := verdict.Interpret(float64(raw))
	if err != nil {
		wrapped := logging.NewOperationError("usecase.interpret", requestID, err)
		opLogger.Error("model returned unusable score", logging.ErrorFields(wrapped)...)
		return nil, wrapped
	}

	imageData, err := imageprocessor.EncodePNGBase64(decoded.Image)
	if err != nil {
		return nil, logging.NewOperationError("usecase.encode_image", requestID, err)
	}

	latency := uc.now().Sub(start)
	prediction = &Prediction{
		RequestID:   requestID,
		Verdict:     v,
		IsDefective: v.IsDefective(),
		ImageData:   imageData,
		ImageFormat: decoded.Format,
		CreatedAt:   uc.now().UTC(),
	}

	opLogger.Info("classified image",
		zap.String("class", v.Label),
		zap.Float64("confidence", v.Confidence),
		zap.Float64("raw_score", v.RawScore),
		zap.String("format", decoded.Format),
		zap.Duration("latency", latency),
	)

	uc.record(ctx, prediction, decoded, imageBytes, latency)
	return prediction, nil
}

// record persists and caches a prediction. Failures are logged only; the
// caller already has its answer.
func (uc *ClassificationUseCase) record(ctx context.Context, p *Prediction, decoded *imageprocessor.Decoded, imageBytes []byte, latency time.Duration) {
	opLogger := logging.WithOperation(uc.logger, "usecase.record", p.RequestID)

	hash := sha1.Sum(imageBytes)
	log := &repository.PredictionLog{
		RequestID:      p.RequestID,
		ClassIndex:     p.ClassIndex,
		Label:          p.Label,
		Confidence:     p.Confidence,
		RawScore:       p.RawScore,
		Recommendation: p.Recommendation,
		SHA1Hash:       hex.EncodeToString(hash[:]),
		ImageFormat:    decoded.Format,
		Width:          decoded.Width(),
		Height:         decoded.Height(),
		LatencyMs:      float64(latency.Microseconds()) / 1000,
		CreatedAt:      p.CreatedAt,
	}

	if uc.repo != nil {
		if err := uc.repo.SaveLog(ctx, log); err != nil {
			opLogger.Warn("failed to persist prediction log", logging.ErrorFields(err)...)
		}
	}

	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(log)
	if err != nil {
		opLogger.Warn("failed to serialize prediction log", zap.Error(err))
		return
	}
	if err := uc.withCacheRetry(ctx, p.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, predictionCacheKey(p.RequestID), string(serialized), resultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache prediction", logging.ErrorFields(err)...)
	}
}

// GetResult returns a stored prediction, preferring the cache over the repository.
func (uc *ClassificationUseCase) GetResult(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	if uc.cache != nil {
		cached, err := uc.withCacheGet(ctx, requestID, "cache.get.result", predictionCacheKey(requestID))
		switch {
		case err == nil:
			var log repository.PredictionLog
			if err := json.Unmarshal([]byte(cached), &log); err != nil {
				opLogger.Warn("failed to decode cached result", zap.Error(err))
			} else {
				return &log, nil
			}
		case !errors.Is(err, redis.Nil):
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, logging.NewOperationError("usecase.get_result", requestID, ErrHistoryUnavailable)
	}
	return uc.repo.FindByRequestID(ctx, requestID)
}

// GetDuplicateReport finds earlier predictions made on the same image bytes.
func (uc *ClassificationUseCase) GetDuplicateReport(ctx context.Context, requestID string) (*DuplicateReport, error) {
	if uc.repo == nil {
		return nil, logging.NewOperationError("usecase.get_duplicates", requestID, ErrHistoryUnavailable)
	}

	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, log.SHA1Hash, log.RequestID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{
		Request:    log,
		Duplicates: duplicates,
	}, nil
}

func (uc *ClassificationUseCase) withCacheRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	return retry.Do(ctx, uc.logger, uc.retryPolicy, operation, requestID, fn)
}

func (uc *ClassificationUseCase) withCacheGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withCacheRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
