// Package confirm waits for external settlement between run steps.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/loanprobe/pkg/config"
	"github.com/sirupsen/logrus"
)

// Stage names a settlement point in the run pipeline.
type Stage string

// Settlement stages, in pipeline order.
const (
	StageFunding    Stage = "funding"
	StageSettlement Stage = "settlement"
	StageLoan       Stage = "loan_processing"
	StageRepayment  Stage = "repayment_processing"
)

// ErrTimeout is returned when a poll loop runs out of attempts or time
// before the check reports confirmation.
var ErrTimeout = errors.New("confirmation timed out")

// Check reports whether the stage has settled.
type Check func(ctx context.Context) (bool, error)

// Waiter blocks until a stage is considered settled or ctx is done.
type Waiter interface {
	Wait(ctx context.Context, stage Stage, check Check) error
}

// NewWaiter builds the Waiter selected by cfg.Mode.
func NewWaiter(log logrus.FieldLogger, cfg *config.ConfirmationConfig) (Waiter, error) {
	switch cfg.Mode {
	case config.ConfirmationModeFixed, "":
		return NewFixed(log, map[Stage]time.Duration{
			StageFunding:    cfg.FundingDelay,
			StageSettlement: cfg.SettlementDelay,
			StageLoan:       cfg.LoanDelay,
			StageRepayment:  cfg.RepaymentDelay,
		}), nil
	case config.ConfirmationModePoll:
		return NewPoll(log, cfg.Poll), nil
	default:
		return nil, fmt.Errorf("unsupported confirmation mode %q", cfg.Mode)
	}
}

// Compile-time interface checks.
var (
	_ Waiter = (*fixedWaiter)(nil)
	_ Waiter = (*pollWaiter)(nil)
)

type fixedWaiter struct {
	log    logrus.FieldLogger
	delays map[Stage]time.Duration
}

// NewFixed returns a Waiter that dwells for a fixed duration per stage and
// ignores the check. Stages without a delay return immediately.
func NewFixed(log logrus.FieldLogger, delays map[Stage]time.Duration) Waiter {
	return &fixedWaiter{
		log:    log.WithField("component", "confirm"),
		delays: delays,
	}
}

func (w *fixedWaiter) Wait(ctx context.Context, stage Stage, _ Check) error {
	d := w.delays[stage]
	if d <= 0 {
		return nil
	}

	w.log.WithFields(logrus.Fields{
		"stage": stage,
		"delay": d.String(),
	}).Info("Waiting for settlement")

	return Sleep(ctx, d)
}

type pollWaiter struct {
	log logrus.FieldLogger
	cfg config.PollConfig
}

// NewPoll returns a Waiter that calls the check every interval until it
// reports confirmation, giving up after MaxAttempts or Timeout.
func NewPoll(log logrus.FieldLogger, cfg config.PollConfig) Waiter {
	return &pollWaiter{
		log: log.WithField("component", "confirm"),
		cfg: cfg,
	}
}

func (w *pollWaiter) Wait(ctx context.Context, stage Stage, check Check) error {
	if check == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	log := w.log.WithField("stage", stage)

	var lastErr error

	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		ok, err := check(ctx)
		if err == nil && ok {
			log.WithField("attempt", attempt).Debug("Stage confirmed")

			return nil
		}

		if err != nil {
			lastErr = err
			log.WithError(err).WithField("attempt", attempt).
				Debug("Confirmation check failed")
		}

		if attempt == w.cfg.MaxAttempts {
			break
		}

		if err := Sleep(ctx, w.cfg.Interval); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}

			return err
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %s: last error: %w", ErrTimeout, stage, lastErr)
	}

	return fmt.Errorf("%w: %s", ErrTimeout, stage)
}

// Sleep pauses for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
