package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"testing"

	"bugreport-pipeline/internal/models"
	"bugreport-pipeline/internal/storage"
)

type fakeThumbnailStore struct {
	reportID string
	key      string
}

func (f *fakeThumbnailStore) AttachThumbnail(_ context.Context, reportID, key string) error {
	f.reportID = reportID
	f.key = key
	return nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func screenshotJob(t *testing.T, payload models.ScreenshotJobPayload) models.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return models.Job{ID: "job-1", Queue: models.QueueScreenshot, Payload: raw, MaxAttempts: 3}
}

func TestScreenshotHandlerThumbnails(t *testing.T) {
	ctx := context.Background()
	objects := &storage.LocalStore{BaseDir: t.TempDir()}
	if err := objects.Upload(ctx, "shots/report-1.png", pngBytes(t, 1280, 720), "image/png"); err != nil {
		t.Fatalf("seed upload: %v", err)
	}

	store := &fakeThumbnailStore{}
	h := &screenshotHandler{objects: objects, store: store, maxPx: 320, quality: 80}

	res, err := h.handle(ctx, screenshotJob(t, models.ScreenshotJobPayload{
		ReportID:  "report-1",
		ObjectKey: "shots/report-1.png",
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	result := res.(models.ScreenshotJobResult)
	if result.ThumbnailKey != "shots/report-1_thumb.jpg" {
		t.Fatalf("unexpected thumbnail key %q", result.ThumbnailKey)
	}
	if result.Width != 320 {
		t.Fatalf("expected width 320, got %d", result.Width)
	}
	if result.Height != 180 {
		t.Fatalf("expected aspect-preserving height 180, got %d", result.Height)
	}

	// Thumbnail object exists and the report was updated.
	info, err := objects.Head(ctx, result.ThumbnailKey)
	if err != nil || info == nil {
		t.Fatalf("thumbnail missing: info=%v err=%v", info, err)
	}
	if store.reportID != "report-1" || store.key != result.ThumbnailKey {
		t.Fatalf("report not updated: %+v", store)
	}
}

func TestScreenshotHandlerSmallImageNotUpscaled(t *testing.T) {
	ctx := context.Background()
	objects := &storage.LocalStore{BaseDir: t.TempDir()}
	if err := objects.Upload(ctx, "shots/tiny.png", pngBytes(t, 100, 60), "image/png"); err != nil {
		t.Fatalf("seed upload: %v", err)
	}

	h := &screenshotHandler{objects: objects, store: &fakeThumbnailStore{}, maxPx: 320, quality: 80}
	res, err := h.handle(ctx, screenshotJob(t, models.ScreenshotJobPayload{ObjectKey: "shots/tiny.png"}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	result := res.(models.ScreenshotJobResult)
	if result.Width > 100 || result.Height > 60 {
		t.Fatalf("small image should not be upscaled, got %dx%d", result.Width, result.Height)
	}
}

func TestScreenshotHandlerRejectsBadPayload(t *testing.T) {
	ctx := context.Background()
	h := &screenshotHandler{objects: &storage.LocalStore{BaseDir: t.TempDir()}, store: &fakeThumbnailStore{}, maxPx: 320, quality: 80}

	if _, err := h.handle(ctx, models.Job{Payload: json.RawMessage(`not json`)}); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := h.handle(ctx, screenshotJob(t, models.ScreenshotJobPayload{})); err == nil {
		t.Fatal("expected missing object_key error")
	}
}

func TestScreenshotHandlerRejectsNonImage(t *testing.T) {
	ctx := context.Background()
	objects := &storage.LocalStore{BaseDir: t.TempDir()}
	if err := objects.Upload(ctx, "shots/bogus.png", []byte("definitely not an image"), "image/png"); err != nil {
		t.Fatalf("seed upload: %v", err)
	}

	h := &screenshotHandler{objects: objects, store: &fakeThumbnailStore{}, maxPx: 320, quality: 80}
	if _, err := h.handle(ctx, screenshotJob(t, models.ScreenshotJobPayload{ObjectKey: "shots/bogus.png"})); err == nil {
		t.Fatal("expected decode error for corrupt image")
	}
}
