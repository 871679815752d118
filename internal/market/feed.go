package market

import (
	"context"

	"okx-carry-bot/internal/exchange"

	"go.uber.org/zap"
)

// Feed is the single producer for the snapshot cache: one long-lived task
// pumping the exchange stream into Cache.Update.
type Feed struct {
	streamer exchange.Streamer
	cache    *Cache
	log      *zap.Logger
}

func NewFeed(streamer exchange.Streamer, cache *Cache, log *zap.Logger) *Feed {
	return &Feed{streamer: streamer, cache: cache, log: log}
}

// Run blocks until ctx is canceled. Reconnects live inside the streamer;
// a returned error means the feed is gone for good.
func (f *Feed) Run(ctx context.Context) error {
	err := f.streamer.Stream(ctx, f.cache.Update)
	if err != nil && ctx.Err() == nil {
		f.log.Error("market feed terminated", zap.Error(err))
	}
	return err
}
