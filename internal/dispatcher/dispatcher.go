// Package dispatcher drives due capsules through decryption, delivery and
// the status state machine on a fixed-interval tick.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chronomail/chronomail/internal/capsule"
	"github.com/chronomail/chronomail/internal/keystore"
	"github.com/chronomail/chronomail/internal/mail"
)

// ErrNotYetDue signals that a capsule's scheduled time has not arrived.
// It is a no-op, not a failure.
var ErrNotYetDue = errors.New("capsule not yet due")

// DefaultSubject is used when a capsule carries no subject of its own.
const DefaultSubject = "Your time capsule has arrived"

// Decryptor resolves tagged ciphertext back to plaintext.
type Decryptor interface {
	Decrypt(tagged string) ([]byte, error)
}

// Recorder receives delivery outcome events. Implemented by the metrics
// package; a nil recorder disables recording.
type Recorder interface {
	CapsuleSent()
	CapsuleFailed(kind string)
	TickCompleted(duration time.Duration, delivered, failed int)
}

// Config contains dispatcher configuration
type Config struct {
	TickInterval    time.Duration
	DeliveryTimeout time.Duration
}

// Dispatcher polls for due capsules and delivers each one independently.
// Claims go through the repository's conditional status update, so
// overlapping ticks (or a tick racing a manual resend) cannot double-send.
type Dispatcher struct {
	repo            capsule.Repository
	keys            Decryptor
	transport       mail.Transport
	recorder        Recorder
	tickInterval    time.Duration
	deliveryTimeout time.Duration
	logger          *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a dispatcher. recorder may be nil.
func New(repo capsule.Repository, keys Decryptor, transport mail.Transport, cfg Config, recorder Recorder, logger *slog.Logger) *Dispatcher {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 2 * time.Minute
	}

	return &Dispatcher{
		repo:            repo,
		keys:            keys,
		transport:       transport,
		recorder:        recorder,
		tickInterval:    cfg.TickInterval,
		deliveryTimeout: cfg.DeliveryTimeout,
		logger:          logger,
		stopCh:          make(chan struct{}),
	}
}

// Start launches the periodic tick loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("starting dispatcher", "tick_interval", d.tickInterval)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(d.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.Tick(ctx, time.Now())
			}
		}
	}()
}

// Stop stops the tick loop and waits for an in-flight tick to finish.
func (d *Dispatcher) Stop() {
	d.logger.Info("stopping dispatcher")
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Tick discovers due capsules and attempts delivery for each. One capsule's
// failure never aborts the batch: every error is caught, classified and
// written into the capsule before moving on.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) (delivered, failed int) {
	start := time.Now()

	due, err := d.repo.FindDue(ctx, now)
	if err != nil {
		d.logger.Error("failed to query due capsules", "error", err)
		return 0, 0
	}

	for _, c := range due {
		err := d.DeliverOne(ctx, c.ID, now)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrNotYetDue), errors.Is(err, capsule.ErrStatusConflict):
			// Not yet due is a no-op; a conflict means another worker
			// claimed the capsule first.
		default:
			failed++
			d.logger.Warn("capsule delivery failed", "capsule_id", c.ID, "error", err)
		}
	}

	if len(due) > 0 {
		d.logger.Info("tick completed",
			"due", len(due),
			"delivered", delivered,
			"failed", failed,
			"duration", time.Since(start),
		)
	}
	if d.recorder != nil {
		d.recorder.TickCompleted(time.Since(start), delivered, failed)
	}

	return delivered, failed
}

// DeliverOne loads a capsule and drives it through a single delivery
// attempt. Calling it on an already-sent capsule is an idempotent success.
func (d *Dispatcher) DeliverOne(ctx context.Context, id string, now time.Time) error {
	c, err := d.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	if c.Status == capsule.StatusSent {
		d.logger.Debug("capsule already sent", "capsule_id", id)
		return nil
	}
	if c.ScheduledAt.After(now) {
		return ErrNotYetDue
	}

	// Claim the capsule. Losing the race to another tick is not an error.
	if err := d.repo.CompareAndSetStatus(ctx, id, capsule.StatusPending, capsule.StatusProcessing, capsule.StatusFields{}); err != nil {
		return err
	}

	plaintext, err := d.keys.Decrypt(c.Ciphertext)
	if err != nil {
		// Decryption failures are permanent: the key or ciphertext must be
		// fixed out of band, so no automatic retry.
		reason := fmt.Sprintf("decryption failed: %v", err)
		d.fail(ctx, id, reason, classifyDecryptError(err))
		return fmt.Errorf("capsule %s: %s", id, reason)
	}

	subject := c.Subject
	if subject == "" {
		subject = DefaultSubject
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
	err = d.transport.Send(sendCtx, &mail.Message{
		To:      c.RecipientAddress,
		Subject: subject,
		Body:    string(plaintext),
	})
	cancel()

	if err != nil {
		reason := fmt.Sprintf("transport failed: %v", err)
		d.fail(ctx, id, reason, "transport")
		return fmt.Errorf("capsule %s: %s", id, reason)
	}

	sentAt := time.Now()
	if err := d.repo.CompareAndSetStatus(ctx, id, capsule.StatusProcessing, capsule.StatusSent, capsule.StatusFields{SentAt: sentAt}); err != nil {
		return fmt.Errorf("capsule %s delivered but status update failed: %w", id, err)
	}

	if d.recorder != nil {
		d.recorder.CapsuleSent()
	}
	d.logger.Info("capsule delivered", "capsule_id", id, "recipient", c.RecipientAddress)
	return nil
}

// Resend resets a non-sent capsule back to pending, clearing its sent
// timestamp and failure reason, so the next tick picks it up again.
func (d *Dispatcher) Resend(ctx context.Context, id string) error {
	c, err := d.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	switch c.Status {
	case capsule.StatusSent:
		return fmt.Errorf("%w: capsule already sent", capsule.ErrIllegalTransition)
	case capsule.StatusPending:
		return nil
	}

	if err := d.repo.CompareAndSetStatus(ctx, id, c.Status, capsule.StatusPending, capsule.StatusFields{}); err != nil {
		return err
	}

	d.logger.Info("capsule reset for resend", "capsule_id", id, "previous_status", c.Status)
	return nil
}

// fail records a delivery failure on the capsule.
func (d *Dispatcher) fail(ctx context.Context, id, reason, kind string) {
	if err := d.repo.CompareAndSetStatus(ctx, id, capsule.StatusProcessing, capsule.StatusFailed, capsule.StatusFields{FailureReason: reason}); err != nil {
		d.logger.Error("failed to record capsule failure", "capsule_id", id, "error", err)
	}
	if d.recorder != nil {
		d.recorder.CapsuleFailed(kind)
	}
}

// classifyDecryptError distinguishes a missing key from corrupt ciphertext
// for logging.
func classifyDecryptError(err error) string {
	switch {
	case errors.Is(err, keystore.ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, keystore.ErrDecryptionFailed):
		return "decryption_failed"
	default:
		return "unknown"
	}
}
