package engine

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/Klein241/bufferwave/internal/localqueue"
	"github.com/Klein241/bufferwave/internal/services"
	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Storer hands a DTN entry to the broker's queue
type Storer interface {
	Store(ctx context.Context, req services.StoreRequest) (*services.StoreResponse, error)
}

// DrainResult counts one redelivery pass
type DrainResult struct {
	Attempted int
	Delivered int
	Failed    int
}

// Drain tries to hand every pending entry of the local queue to the broker.
// Every entry's attempt counter goes up whatever the outcome; delivered
// entries are marked so they are never sent twice.
func Drain(ctx context.Context, queue localqueue.Queue, broker Storer, clk clock.Clock, logger *zap.Logger) (DrainResult, error) {
	if clk == nil {
		clk = clock.New()
	}
	pending, err := queue.Pending(ctx)
	if err != nil {
		return DrainResult{}, fmt.Errorf("failed to list pending entries: %w", err)
	}

	var result DrainResult
	var errs error
	for _, msg := range pending {
		if ctx.Err() != nil {
			return result, multierr.Append(errs, ctx.Err())
		}
		result.Attempted++

		_, storeErr := broker.Store(ctx, services.StoreRequest{
			FromUser:         msg.FromUser,
			ToUser:           msg.ToUser,
			EncryptedPayload: base64.StdEncoding.EncodeToString(msg.Payload),
			Type:             msg.Type,
		})
		if err := queue.RecordAttempt(ctx, msg.ID); err != nil {
			errs = multierr.Append(errs, err)
		}
		if storeErr != nil {
			result.Failed++
			logger.Debug("redelivery failed, will retry", zap.String("message_id", msg.ID), zap.Error(storeErr))
			continue
		}
		if err := queue.MarkDelivered(ctx, msg.ID, clk.Now()); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		result.Delivered++
	}
	return result, errs
}
