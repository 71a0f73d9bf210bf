package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"

	"bugreport-pipeline/internal/config"
	"bugreport-pipeline/internal/models"
	"bugreport-pipeline/internal/queue"
	"bugreport-pipeline/internal/retry"
	"bugreport-pipeline/internal/storage"
)

// ThumbnailStore is the slice of the repository the screenshot worker needs.
type ThumbnailStore interface {
	AttachThumbnail(ctx context.Context, reportID, key string) error
}

type screenshotHandler struct {
	objects storage.ObjectStore
	store   ThumbnailStore
	maxPx   int
	quality int
}

// NewScreenshotWorker builds the worker that thumbnails uploaded
// screenshots.
func NewScreenshotWorker(q *queue.Manager, objects storage.ObjectStore, store ThumbnailStore, cfg config.Config) *Worker {
	h := &screenshotHandler{
		objects: objects,
		store:   store,
		maxPx:   cfg.ThumbnailMaxPx,
		quality: cfg.ThumbnailJPEGQuality,
	}
	if h.maxPx <= 0 {
		h.maxPx = 320
	}
	if h.quality <= 0 {
		h.quality = 80
	}
	return New(models.QueueScreenshot, q, h.handle, Options{
		Concurrency:  cfg.ScreenshotConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		Backoff:      jobBackoff(cfg),
	})
}

func (h *screenshotHandler) handle(ctx context.Context, job models.Job) (any, error) {
	var payload models.ScreenshotJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode screenshot payload: %w", err)
	}
	if payload.ObjectKey == "" {
		return nil, errors.New("object_key is required")
	}

	data, err := retry.DoValue(ctx, retry.Config{RetryIf: retry.IsTransient}, func(ctx context.Context) ([]byte, error) {
		return h.objects.Get(ctx, payload.ObjectKey)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch screenshot: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	thumb := imaging.Fit(img, h.maxPx, h.maxPx, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(h.quality)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}

	thumbKey := thumbnailKey(payload.ObjectKey)
	if err := h.objects.Upload(ctx, thumbKey, buf.Bytes(), "image/jpeg"); err != nil {
		return nil, fmt.Errorf("upload thumbnail: %w", err)
	}
	if payload.ReportID != "" {
		if err := h.store.AttachThumbnail(ctx, payload.ReportID, thumbKey); err != nil {
			return nil, fmt.Errorf("attach thumbnail: %w", err)
		}
	}

	bounds := thumb.Bounds()
	return models.ScreenshotJobResult{
		ThumbnailKey: thumbKey,
		Width:        bounds.Dx(),
		Height:       bounds.Dy(),
		Bytes:        buf.Len(),
	}, nil
}

func thumbnailKey(objectKey string) string {
	if idx := strings.LastIndex(objectKey, "."); idx > 0 {
		objectKey = objectKey[:idx]
	}
	return objectKey + "_thumb.jpg"
}

func jobBackoff(cfg config.Config) retry.Config {
	return retry.Config{
		BaseDelay:    cfg.BaseDelay,
		MaxDelay:     cfg.MaxDelay,
		JitterFactor: cfg.JitterFactor,
		Strategy:     retry.StrategyExponential,
	}
}
