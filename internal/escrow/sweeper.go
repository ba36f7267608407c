package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/homesettle/internal/metrics"
)

// ExpiryReason is recorded on escrows the sweeper cancels.
const ExpiryReason = "deadline_expired"

// ExpirySweeper periodically cancels escrows whose current deadline has
// passed. It is opt-in; deadlines are otherwise advisory.
type ExpirySweeper struct {
	service  *Service
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewExpirySweeper creates a sweeper that runs every interval.
func NewExpirySweeper(service *Service, interval time.Duration, logger *slog.Logger) *ExpirySweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &ExpirySweeper{
		service:  service,
		interval: interval,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (s *ExpirySweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a
// goroutine.
func (s *ExpirySweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (s *ExpirySweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *ExpirySweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in expiry sweeper", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := s.service.SweepExpired(ctx, s.batch, false); err != nil {
		s.logger.Warn("expiry sweep failed", "error", err)
	}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Expired   []*Account `json:"expired"`
	Cancelled []string   `json:"cancelled"`
	Failed    []string   `json:"failed"`
}

// SweepExpired cancels up to limit expired escrows with ExpiryReason. With
// dryRun set it only lists them.
func (s *Service) SweepExpired(ctx context.Context, limit int, dryRun bool) (*SweepResult, error) {
	expired, err := s.ListExpired(ctx, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired escrows: %w", err)
	}
	res := &SweepResult{Expired: expired, Cancelled: []string{}, Failed: []string{}}
	if dryRun {
		return res, nil
	}

	for _, a := range expired {
		if _, err := s.Cancel(ctx, a.ID, ExpiryReason); err != nil {
			s.logger.Warn("failed to cancel expired escrow", "escrowId", a.ID, "status", a.Status, "error", err)
			res.Failed = append(res.Failed, a.ID)
			continue
		}
		metrics.EscrowExpiredTotal.Inc()
		s.logger.Info("cancelled expired escrow", "escrowId", a.ID, "status", a.Status,
			"buyer", a.BuyerID, "seller", a.SellerID)
		res.Cancelled = append(res.Cancelled, a.ID)
	}
	return res, nil
}
