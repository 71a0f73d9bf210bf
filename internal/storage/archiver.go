package storage

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"bugreport-pipeline/internal/config"
)

// ArchiveStats tallies one archiver batch.
type ArchiveStats struct {
	FilesArchived int
	BytesArchived int64
	Errors        []error
}

// Archiver disposes of a batch of object keys during retention processing.
// Whether the objects are moved aside or deleted outright is the
// implementation's business; callers only see the tallies.
type Archiver interface {
	ArchiveBatch(ctx context.Context, keys []string) (ArchiveStats, error)
}

// NewArchiverFromConfig moves objects aside on S3 backends with an archive
// prefix configured, and deletes outright everywhere else.
func NewArchiverFromConfig(store ObjectStore, cfg config.Config) Archiver {
	if s3Store, ok := store.(*S3Store); ok && cfg.ArchivePrefix != "" {
		return NewMoveArchiver(s3Store, cfg.ArchivePrefix, cfg.ArchiveDeletesPerSecond)
	}
	return NewDeleteArchiver(store, cfg.ArchiveDeletesPerSecond)
}

// DeleteArchiver removes objects permanently, tallying sizes via Head first.
// Deletes are paced to avoid hammering the storage backend during large
// sweeps.
type DeleteArchiver struct {
	store   ObjectStore
	limiter *rate.Limiter
}

func NewDeleteArchiver(store ObjectStore, deletesPerSecond float64) *DeleteArchiver {
	if deletesPerSecond <= 0 {
		deletesPerSecond = 50
	}
	return &DeleteArchiver{
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(deletesPerSecond), int(deletesPerSecond)),
	}
}

func (a *DeleteArchiver) ArchiveBatch(ctx context.Context, keys []string) (ArchiveStats, error) {
	var stats ArchiveStats
	for _, key := range keys {
		if err := a.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		info, err := a.store.Head(ctx, key)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		if info == nil {
			continue // already gone
		}
		if err := a.store.Delete(ctx, key); err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		stats.FilesArchived++
		stats.BytesArchived += info.Size
	}
	if len(stats.Errors) > 0 {
		slog.Warn("archive batch finished with errors",
			"archived", stats.FilesArchived,
			"errors", len(stats.Errors))
	}
	return stats, nil
}

// MoveArchiver copies objects under an archive prefix before deleting the
// originals. Only meaningful on backends that support server-side copy.
type MoveArchiver struct {
	store   *S3Store
	prefix  string
	limiter *rate.Limiter
}

func NewMoveArchiver(store *S3Store, prefix string, opsPerSecond float64) *MoveArchiver {
	if opsPerSecond <= 0 {
		opsPerSecond = 50
	}
	return &MoveArchiver{
		store:   store,
		prefix:  prefix,
		limiter: rate.NewLimiter(rate.Limit(opsPerSecond), int(opsPerSecond)),
	}
}

func (a *MoveArchiver) ArchiveBatch(ctx context.Context, keys []string) (ArchiveStats, error) {
	var stats ArchiveStats
	for _, key := range keys {
		if err := a.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		info, err := a.store.Head(ctx, key)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		if info == nil {
			continue
		}
		if err := a.store.Copy(ctx, key, a.prefix+key); err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		if err := a.store.Delete(ctx, key); err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		stats.FilesArchived++
		stats.BytesArchived += info.Size
	}
	return stats, nil
}
