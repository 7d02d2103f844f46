package forwarder

import (
	"context"
	"time"

	"github.com/Klein241/bufferwave/internal/services"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// BandwidthReporter posts relayed byte counts to the broker
type BandwidthReporter interface {
	ReportBandwidth(ctx context.Context, userID string, bytesRelayed int64) (*services.BandwidthResponse, error)
}

// Report sends the bytes carried since the last successful report. Amounts
// under minBytes stay pending for the next round, as do amounts whose
// report failed.
func (f *Forwarder) Report(ctx context.Context, reporter BandwidthReporter, minBytes int64) (int64, error) {
	pending := f.unreported.Load()
	if pending <= 0 || pending < minBytes {
		return 0, nil
	}
	if _, err := reporter.ReportBandwidth(ctx, f.userID, pending); err != nil {
		return 0, err
	}
	f.unreported.Add(-pending)
	return pending, nil
}

// Unreported is the number of bytes waiting for the next report
func (f *Forwarder) Unreported() int64 {
	return f.unreported.Load()
}

// RunReporter reports on every tick until ctx is done
func (f *Forwarder) RunReporter(ctx context.Context, clk clock.Clock, reporter BandwidthReporter, interval time.Duration, minBytes int64) {
	if clk == nil {
		clk = clock.New()
	}
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent, err := f.Report(ctx, reporter, minBytes)
			if err != nil {
				f.logger.Warn("failed to report bandwidth", zap.Error(err))
				continue
			}
			if sent > 0 {
				f.logger.Debug("bandwidth reported", zap.Int64("bytes", sent))
			}
		}
	}
}
