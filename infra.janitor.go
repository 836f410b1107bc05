package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// janitorRemoveTimeout bounds a single cover deletion.
var janitorRemoveTimeout = 5 * time.Second

// AssetJanitor deletes covers no longer referenced by any book.
// Deletions are best-effort: failures are logged and counted only.
type AssetJanitor struct {
	logger  *zap.Logger
	images  ImageIngester
	metrics *Metrics
	jobs    chan string
}

// NewAssetJanitor provides a janitor with a pending queue of the given size.
func NewAssetJanitor(logger *zap.Logger, images ImageIngester, metrics *Metrics, size int) *AssetJanitor {
	if size <= 0 {
		size = 1
	}
	return &AssetJanitor{
		logger:  logger,
		images:  images,
		metrics: metrics,
		jobs:    make(chan string, size),
	}
}

// Schedule queues the cover for deletion. When the queue is full the
// deletion happens right away on the caller goroutine.
func (aj *AssetJanitor) Schedule(imageURL string) {
	if imageURL == "" {
		return
	}
	select {
	case aj.jobs <- imageURL:
	default:
		aj.logger.Debug("janitor: queue full, removing inline", zap.String("image.url", imageURL))
		aj.remove(imageURL)
	}
}

// Run processes scheduled deletions until the context is done. Then it
// drains what is still queued before returning.
func (aj *AssetJanitor) Run(ctx context.Context) error {
	aj.logger.Info("janitor: started")
	for {
		select {
		case u := <-aj.jobs:
			aj.remove(u)
		case <-ctx.Done():
			aj.Flush()
			aj.logger.Info("janitor: context is done: exit", zap.String("reason", ctx.Err().Error()))
			return nil
		}
	}
}

// Flush synchronously processes every queued deletion.
func (aj *AssetJanitor) Flush() {
	for {
		select {
		case u := <-aj.jobs:
			aj.remove(u)
		default:
			return
		}
	}
}

func (aj *AssetJanitor) remove(imageURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), janitorRemoveTimeout)
	defer cancel()
	err := aj.images.Remove(ctx, imageURL)
	if err != nil {
		aj.logger.Error("janitor: failed to remove cover", zap.String("image.url", imageURL), zap.Error(err))
		aj.metrics.AssetCleanups.WithLabelValues("failed").Inc()
		return
	}
	aj.metrics.AssetCleanups.WithLabelValues("ok").Inc()
}
