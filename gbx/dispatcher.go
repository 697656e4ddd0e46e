package gbx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DispatchResult summarizes one dispatcher cycle.
type DispatchResult struct {
	Leased            int
	Published         int
	Retried           int
	DeadLettered      int
	Skipped           int // leased but left for lease expiry
	StateUpdateFailed int
}

type dispatcher struct {
	id          uuid.UUID
	settings    Settings
	logger      Logger
	broadcaster Broadcaster
	repository  OutboxRepository
	counters    Counters
	alerter     Alerter
	clock       Clock
}

// run executes the dispatcher loop until the context is cancelled. Records
// leased when the context is cancelled are not touched: their lease expires
// and any other dispatcher reclaims them.
func (d *dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.settings.PollingInterval)
	defer ticker.Stop()
	d.logger.Debug(fmt.Sprintf("dispatcher '%s' started", d.id))
	for {
		d.processOutbox(ctx)
		select {
		case <-ctx.Done():
			d.logger.Debug(fmt.Sprintf("dispatcher '%s' stopped", d.id))
			return
		case <-ticker.C:
		}
	}
}

// processOutbox leases a batch of due records and publishes them in creation
// order.
func (d *dispatcher) processOutbox(ctx context.Context) DispatchResult {
	var res DispatchResult

	records, err := d.repository.LeaseNextBatch(ctx, d.id, d.settings.BatchSize, d.settings.LeaseDuration)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("when trying to lease outbox records", err)
		}
		return res
	}
	if len(records) == 0 {
		return res
	}
	res.Leased = len(records)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	d.logger.Debug(fmt.Sprintf("dispatcher '%s' leased %d records", d.id, len(records)))

	for i, r := range records {
		if ctx.Err() != nil {
			res.Skipped += len(records) - i
			d.logger.Debug(fmt.Sprintf("shutting down: %d leased records left for lease expiry", len(records)-i))
			break
		}
		if !d.clock.Now().Add(d.settings.PublishTimeout).Before(r.LeaseExpiresAt) {
			res.Skipped += len(records) - i
			d.logger.Warn(fmt.Sprintf("lease about to expire: %d leased records left for the next cycle", len(records)-i))
			break
		}
		d.dispatch(ctx, r, &res)
	}

	d.logger.Info(fmt.Sprintf("%d records were successfully published (%d retried, %d dead-lettered) from a total of %d leased",
		res.Published, res.Retried, res.DeadLettered, res.Leased))
	return res
}

// dispatch publishes a single record and records the outcome. State updates
// are not cancelled by a shutdown so that a completed publish is not
// published again.
func (d *dispatcher) dispatch(ctx context.Context, r *OutgoingRecord, res *DispatchResult) {
	pctx, cancel := context.WithTimeout(ctx, d.settings.PublishTimeout)
	err := d.broadcaster.Publish(pctx, &r.Envelope)
	cancel()

	uctx := context.WithoutCancel(ctx)
	if err == nil {
		if err := d.repository.MarkPublished(uctx, r.EventId); err != nil {
			d.logger.Error(fmt.Sprintf("when marking '%s' as published", r.EventId), err)
			res.StateUpdateFailed++
			return
		}
		d.counters.Published.Inc(1)
		res.Published++
		return
	}

	if ctx.Err() != nil {
		// the outcome is unknown, the record will be reclaimed once its lease expires
		res.Skipped++
		return
	}

	d.counters.PublishFailures.Inc(1)
	attempts := r.AttemptCount + 1
	if attempts > d.settings.MaxRetries {
		if err := d.repository.MarkDeadLettered(uctx, r.EventId, d.id, err.Error()); err != nil {
			d.logStateError(r, "dead-lettered", err)
			res.StateUpdateFailed++
			return
		}
		d.counters.DeadLettered.Inc(1)
		d.alerter.DeadLettered(uctx, outgoingDeadLetter(r, attempts, err.Error()))
		res.DeadLettered++
		return
	}

	delay := Backoff(d.settings.BaseBackoff, d.settings.MaxBackoff, r.AttemptCount)
	next := d.clock.Now().Add(delay)
	if err := d.repository.MarkFailed(uctx, r.EventId, d.id, err.Error(), next); err != nil {
		d.logStateError(r, "failed", err)
		res.StateUpdateFailed++
		return
	}
	d.logger.Warn(fmt.Sprintf("publish attempt %d of '%s' failed, retrying in %s: %s", attempts, r.EventId, delay, err))
	res.Retried++
}

func (d *dispatcher) logStateError(r *OutgoingRecord, state string, err error) {
	if errors.Is(err, ErrLeaseLost) {
		d.logger.Warn(fmt.Sprintf("could not mark '%s' as %s: %s", r.EventId, state, err))
		return
	}
	d.logger.Error(fmt.Sprintf("when marking '%s' as %s", r.EventId, state), err)
}
