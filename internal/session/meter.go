package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gluk-w/hourboost/internal/metrics"
)

// UsageSink persists usage deltas. Implementations must add, not overwrite.
type UsageSink interface {
	AddUsage(ctx context.Context, accountID uint, hours float64, appIDs []uint32) error
}

// UsageMeter converts connected wall-clock time into persisted hours.
//
// While active it flushes on a ticker. Each flush measures the time since the
// reference instant (session start or last successful flush) and moves the
// reference forward only after the store accepted the delta, so a failed
// flush is carried into the next one instead of being lost.
type UsageMeter struct {
	accountID uint
	sink      UsageSink
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu        sync.Mutex
	active    bool
	ref       time.Time
	resources []uint32
	stop      chan struct{}
	wg        sync.WaitGroup
	// flushMu serializes flushes so a ticker flush and a stop flush never
	// measure the same window.
	flushMu sync.Mutex
}

func NewUsageMeter(accountID uint, sink UsageSink, cfg Config, logger *zap.Logger, m *metrics.Metrics) *UsageMeter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageMeter{
		accountID: accountID,
		sink:      sink,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		metrics:   m,
	}
}

// Activate records the session start and starts the flush ticker. Calling it
// on an active meter only replaces the resource list.
func (u *UsageMeter) Activate(resources []uint32) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.resources = append([]uint32(nil), resources...)
	if u.active {
		return
	}
	u.active = true
	u.ref = u.cfg.Now()
	u.stop = make(chan struct{})

	u.wg.Add(1)
	go u.loop(u.stop)
}

// Deactivate stops the ticker. Unflushed time is discarded, so callers flush
// first.
func (u *UsageMeter) Deactivate() {
	u.mu.Lock()
	if !u.active {
		u.mu.Unlock()
		return
	}
	u.active = false
	close(u.stop)
	u.mu.Unlock()

	u.wg.Wait()
}

func (u *UsageMeter) Active() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active
}

// Pending returns the unflushed time.
func (u *UsageMeter) Pending() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.active {
		return 0
	}
	return u.cfg.Now().Sub(u.ref)
}

func (u *UsageMeter) loop(stop <-chan struct{}) {
	defer u.wg.Done()

	ticker := time.NewTicker(u.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-stop:
					cancel()
				case <-ctx.Done():
				}
			}()
			if _, err := u.Flush(ctx); err != nil {
				u.logger.Warn("periodic usage flush failed", zap.Uint("account_id", u.accountID), zap.Error(err))
			}
			cancel()
		}
	}
}

// Flush persists the time since the reference instant. It returns the hours
// written, which is zero when the meter is inactive or the delta is under
// MinFlush.
func (u *UsageMeter) Flush(ctx context.Context) (float64, error) {
	u.flushMu.Lock()
	defer u.flushMu.Unlock()

	u.mu.Lock()
	if !u.active {
		u.mu.Unlock()
		return 0, nil
	}
	now := u.cfg.Now()
	elapsed := now.Sub(u.ref)
	resources := append([]uint32(nil), u.resources...)
	u.mu.Unlock()

	if elapsed < u.cfg.MinFlush {
		return 0, nil
	}
	hours := elapsed.Hours()

	err := u.persist(ctx, hours, resources)
	if err != nil {
		u.metrics.ObserveFlush(0, err)
		return 0, fmt.Errorf("flush usage for account %d: %w", u.accountID, err)
	}

	u.mu.Lock()
	// A deactivate/activate cycle during the write started a new window.
	if u.active && u.ref.Before(now) {
		u.ref = now
	}
	u.mu.Unlock()

	u.metrics.ObserveFlush(hours, nil)
	u.logger.Debug("usage flushed", zap.Uint("account_id", u.accountID), zap.Float64("hours", hours))
	return hours, nil
}

// persist writes one delta with bounded retries.
func (u *UsageMeter) persist(ctx context.Context, hours float64, resources []uint32) error {
	var err error
	for attempt := 1; attempt <= u.cfg.FlushRetries; attempt++ {
		if err = u.sink.AddUsage(ctx, u.accountID, hours, resources); err == nil {
			return nil
		}
		u.logger.Warn("usage flush attempt failed",
			zap.Uint("account_id", u.accountID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == u.cfg.FlushRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(u.cfg.FlushRetryDelay):
		}
	}
	return err
}
