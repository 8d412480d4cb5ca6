package batch

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/breeze-rmm/syncbridge/internal/assetstore"
	"github.com/breeze-rmm/syncbridge/internal/failure"
	"github.com/breeze-rmm/syncbridge/internal/fetch"
	"github.com/breeze-rmm/syncbridge/internal/logging"
)

var log = logging.L("batch")

// Options tunes a Coordinator.
type Options struct {
	// ProgressRateHz caps per-entry progress events; zero disables throttling.
	ProgressRateHz float64
}

// Coordinator runs batches on the batch fetch channel.
type Coordinator struct {
	fetcher *fetch.Fetcher
	store   assetstore.Store
	opts    Options
}

// NewCoordinator creates a Coordinator downloading from store.
func NewCoordinator(f *fetch.Fetcher, store assetstore.Store, opts Options) *Coordinator {
	return &Coordinator{fetcher: f, store: store, opts: opts}
}

// Run downloads the batch sequentially into root (b.Root when empty).
// onProgress receives the aggregate after every applied progress event and
// onComplete receives nil or a PartialDownload failure naming the first
// entry that failed; later entries are not attempted. Both run on the
// consumer.
func (c *Coordinator) Run(b *Batch, root string, onProgress func(aggregate float64), onComplete func(error)) *fetch.Handle {
	if root == "" {
		root = b.Root
	}
	entries := b.Entries

	job := func(ctx context.Context, h *fetch.Handle) (any, error) {
		reqLog := logging.WithRequest(log, string(h.Channel()), h.ID())
		start := time.Now()

		post := func(i int, fraction float64) {
			h.Post("batch-progress", func() {
				if b.SetProgress(i, fraction) && onProgress != nil {
					onProgress(b.Aggregate())
				}
			})
		}

		for i, e := range entries {
			if err := ctx.Err(); err != nil {
				return nil, failure.PartialDownload(i, e.Name, failure.Network("download "+e.Name, err))
			}
			dest, err := b.Destination(root, i)
			if err != nil {
				return nil, failure.PartialDownload(i, e.Name, failure.Internal("download "+e.Name, err))
			}

			limiter := c.limiter()
			err = c.store.Download(ctx, e, dest, func(written, total int64) {
				if total <= 0 {
					total = e.Size
				}
				if total <= 0 {
					return
				}
				fraction := float64(written) / float64(total)
				if written == 0 || written >= total || limiter == nil || limiter.Allow() {
					post(i, fraction)
				}
			})
			if err != nil {
				reqLog.Warn("batch entry failed", "index", i, "entry", e.Name, logging.KeyError, err)
				return nil, failure.PartialDownload(i, e.Name, err)
			}
			post(i, 1)
			reqLog.Debug("batch entry downloaded", "index", i, "entry", e.Name, "bytes", e.Size)
		}

		reqLog.Info("batch downloaded", "entries", len(entries), "bytes", b.TotalBytes, logging.Duration(time.Since(start)))
		return nil, nil
	}

	return c.fetcher.Start(fetch.ChannelBatch, job, func(_ any, err error) {
		if onComplete != nil {
			onComplete(err)
		}
	})
}

func (c *Coordinator) limiter() *rate.Limiter {
	if c.opts.ProgressRateHz <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(c.opts.ProgressRateHz), 1)
}
