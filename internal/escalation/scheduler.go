// Package escalation owns the lifecycle of active events: the for-duration
// wait, repeat notifications, unclaimed escalation, silencing and the
// recovery debounce. Each fingerprint has its own timers and lock; different
// fingerprints never share mutable state.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"watchalert/internal/catalog"
	"watchalert/internal/domain"
	"watchalert/internal/metrics"
	"watchalert/internal/notify"
	"watchalert/internal/routing"
	"watchalert/internal/store"
)

// SnapshotSource yields the configuration in effect. *catalog.Catalog
// satisfies it.
type SnapshotSource interface {
	Snapshot() *catalog.Snapshot
}

// entry is the per-fingerprint state. gen is bumped whenever the timers are
// cancelled so callbacks armed before the change become no-ops. escalated is
// set once the claim timeout has fired in the current firing cycle.
type entry struct {
	mu        sync.Mutex
	event     *domain.Event
	gen       uint64
	closed    bool
	escalated bool

	forTimer     *clock.Timer
	repeatTimer  *clock.Timer
	claimTimer   *clock.Timer
	recoverTimer *clock.Timer
}

// stopTimers cancels every armed timer and invalidates pending callbacks.
func (e *entry) stopTimers() {
	for _, t := range []**clock.Timer{&e.forTimer, &e.repeatTimer, &e.claimTimer, &e.recoverTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
	e.gen++
}

// Scheduler drives every active event through its lifecycle.
//
// Lock order is entry.mu before Scheduler.mu.
type Scheduler struct {
	catalog    SnapshotSource
	events     store.EventStore
	history    store.HistoryRepository
	dispatcher notify.Dispatcher
	clock      clock.Clock
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
}

// NewScheduler creates a scheduler. history may be nil.
func NewScheduler(cat SnapshotSource, events store.EventStore, history store.HistoryRepository, dispatcher notify.Dispatcher, clk clock.Clock, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		catalog:    cat,
		events:     events,
		history:    history,
		dispatcher: dispatcher,
		clock:      clk,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		entries:    make(map[string]*entry),
	}
}

// Apply feeds one breach or clear signal into the state machine. Signals for
// the same fingerprint must be applied in arrival order.
func (s *Scheduler) Apply(ctx context.Context, sig domain.Signal) error {
	if sig.Fingerprint == "" {
		sig.Fingerprint = domain.ComputeFingerprint(sig.RuleID, sig.Labels)
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = s.clock.Now()
	}
	if sig.Breached {
		return s.breach(ctx, sig)
	}
	return s.clear(ctx, sig)
}

func (s *Scheduler) breach(ctx context.Context, sig domain.Signal) error {
	if sig.Severity == "" {
		return domain.ErrMissingSeverity
	}
	snap := s.catalog.Snapshot()
	rule, ok := snap.Rule(sig.RuleID)
	if !ok {
		return fmt.Errorf("rule %q: %w", sig.RuleID, domain.ErrRuleNotFound)
	}
	fc := s.faultCenter(snap, rule.FaultCenterID)

	e := s.acquire(sig.Fingerprint)
	defer e.mu.Unlock()

	now := s.clock.Now()

	if e.event == nil {
		e.event = &domain.Event{
			Fingerprint:    sig.Fingerprint,
			RuleID:         rule.ID,
			RuleName:       rule.Name,
			FaultCenterID:  rule.FaultCenterID,
			Severity:       sig.Severity,
			Labels:         cloneLabels(sig.Labels),
			FirstTriggerAt: sig.Timestamp,
			LastEvalAt:     sig.Timestamp,
		}
		metrics.ActiveEvents.Inc()

		if d := rule.For(); d > 0 {
			e.event.Status = domain.EventPreAlert
			s.armFor(e, d)
			s.record(ctx, e, "", "breach")
			return nil
		}
		s.fire(ctx, e, rule, fc, snap, "", "breach")
		return nil
	}

	ev := e.event
	ev.LastEvalAt = sig.Timestamp
	ev.RuleName = rule.Name

	switch ev.Status {
	case domain.EventPreAlert:
		ev.Severity = sig.Severity
		s.save(ctx, ev)

	case domain.EventFiring:
		if snap.Silenced(now, fc.ID, ev.Labels) {
			e.stopTimers()
			ev.Status = domain.EventSilenced
			s.record(ctx, e, domain.EventFiring, "silence matched")
			return nil
		}
		if ev.Severity != sig.Severity {
			ev.Severity = sig.Severity
			s.armClaimIfDue(e, fc)
		}
		s.save(ctx, ev)

	case domain.EventSilenced:
		ev.Severity = sig.Severity
		if !ev.RecoverAt.IsZero() {
			// Silenced while recovering: the breach cancels the recovery.
			e.stopTimers()
			e.escalated = false
			ev.RecoverAt = time.Time{}
			ev.Claim = domain.Claim{}
			if snap.Silenced(now, fc.ID, ev.Labels) {
				s.record(ctx, e, domain.EventSilenced, "re-breach")
				return nil
			}
			s.fire(ctx, e, rule, fc, snap, domain.EventSilenced, "re-breach, silence expired")
			return nil
		}
		if snap.Silenced(now, fc.ID, ev.Labels) {
			s.save(ctx, ev)
			return nil
		}
		s.fire(ctx, e, rule, fc, snap, domain.EventSilenced, "silence expired")

	case domain.EventPendingRecovery:
		ev.Severity = sig.Severity
		ev.RecoverAt = time.Time{}
		ev.Claim = domain.Claim{}
		e.escalated = false
		s.fire(ctx, e, rule, fc, snap, domain.EventPendingRecovery, "re-breach")
	}
	return nil
}

// fire enters Firing (or Silenced when a silence matches): cancels whatever
// the previous state armed, sends the firing notice and arms the repeat and
// claim timers.
func (s *Scheduler) fire(ctx context.Context, e *entry, rule *domain.Rule, fc *domain.FaultCenter, snap *catalog.Snapshot, from domain.EventStatus, reason string) {
	e.stopTimers()
	ev := e.event
	now := s.clock.Now()

	if snap.Silenced(now, fc.ID, ev.Labels) {
		ev.Status = domain.EventSilenced
		s.record(ctx, e, from, reason+", silenced")
		return
	}

	ev.Status = domain.EventFiring
	s.notifyRouted(e, rule.Name, fc, snap, domain.NoticeFiring)

	if d := fc.RepeatInterval(); d > 0 {
		s.armRepeat(e, d)
	}
	s.armClaimIfDue(e, fc)
	s.record(ctx, e, from, reason)
}

// armClaimIfDue arms the claim timer for an unclaimed, upgradable event. A
// strategy without a repeat interval escalates once per firing cycle.
func (s *Scheduler) armClaimIfDue(e *entry, fc *domain.FaultCenter) {
	ev := e.event
	if e.claimTimer != nil || ev.Claim.IsClaimed || !fc.Upgrades(ev.Severity) {
		return
	}
	if e.escalated && fc.EscalationRepeat() <= 0 {
		return
	}
	s.armClaim(e, fc.ClaimTimeout())
}

func (s *Scheduler) clear(ctx context.Context, sig domain.Signal) error {
	e := s.lookup(sig.Fingerprint)
	if e == nil {
		return s.violation(sig.Fingerprint, "clear", "unknown fingerprint")
	}
	defer e.mu.Unlock()

	ev := e.event
	ev.LastEvalAt = sig.Timestamp
	snap := s.catalog.Snapshot()
	now := s.clock.Now()

	switch {
	case ev.Status == domain.EventPreAlert:
		s.closeLocked(ctx, e, "cleared before for duration elapsed")

	case ev.Status == domain.EventPendingRecovery:
		if snap.Silenced(now, ev.FaultCenterID, ev.Labels) {
			// The recovery timer keeps running under the silence.
			ev.Status = domain.EventSilenced
			s.record(ctx, e, domain.EventPendingRecovery, "silence matched")
			return nil
		}
		s.save(ctx, ev)

	case ev.Status == domain.EventSilenced && !ev.RecoverAt.IsZero():
		if snap.Silenced(now, ev.FaultCenterID, ev.Labels) {
			s.save(ctx, ev)
			return nil
		}
		ev.Status = domain.EventPendingRecovery
		s.record(ctx, e, domain.EventSilenced, "silence expired")

	case ev.Status == domain.EventFiring, ev.Status == domain.EventSilenced:
		fc := s.faultCenter(snap, ev.FaultCenterID)
		from := ev.Status

		e.stopTimers()
		ev.Status = domain.EventPendingRecovery
		ev.RecoverAt = now

		silenced := from == domain.EventSilenced || snap.Silenced(now, fc.ID, ev.Labels)
		if fc.RecoverNotify && !ev.LastNotifyAt.IsZero() && !silenced {
			s.notifyRouted(e, ev.RuleName, fc, snap, domain.NoticeRecovery)
		}
		s.record(ctx, e, from, "clear")

		if d := fc.RecoverWait(); d > 0 {
			s.armRecover(e, d)
		} else {
			s.closeLocked(ctx, e, "recovered")
		}
	}
	return nil
}

// Claim marks the event as owned by req.User and cancels its claim timer.
// Repeat notifications continue. Claiming again as the same user is a no-op.
func (s *Scheduler) Claim(ctx context.Context, req domain.ClaimRequest) (*domain.Event, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	e := s.lookup(req.Fingerprint)
	if e == nil {
		return nil, s.violation(req.Fingerprint, "claim", "event is closed or unknown")
	}
	defer e.mu.Unlock()

	ev := e.event
	if ev.Claim.IsClaimed {
		if ev.Claim.ClaimedBy == req.User {
			return ev.Clone(), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, ev.Claim.ClaimedBy)
	}

	at := req.Timestamp
	if at.IsZero() {
		at = s.clock.Now()
	}
	ev.Claim = domain.Claim{IsClaimed: true, ClaimedBy: req.User, ClaimedAt: at}
	if e.claimTimer != nil {
		e.claimTimer.Stop()
		e.claimTimer = nil
	}
	s.record(ctx, e, ev.Status, "claimed by "+req.User)

	s.logger.Info("event claimed", "fingerprint", ev.Fingerprint, "user", req.User)
	return ev.Clone(), nil
}

// Close force-closes an event, for instance when its rule was removed.
func (s *Scheduler) Close(ctx context.Context, fingerprint, reason string) error {
	e := s.lookup(fingerprint)
	if e == nil {
		return s.violation(fingerprint, "close", "unknown fingerprint")
	}
	defer e.mu.Unlock()
	s.closeLocked(ctx, e, reason)
	return nil
}

// CloseRule closes every event of ruleID and returns how many were closed.
func (s *Scheduler) CloseRule(ctx context.Context, ruleID, reason string) int {
	closed := 0
	for _, ev := range s.Snapshot() {
		if ev.RuleID != ruleID {
			continue
		}
		if err := s.Close(ctx, ev.Fingerprint, reason); err == nil {
			closed++
		}
	}
	return closed
}

// Active reports whether fingerprint has an open event.
func (s *Scheduler) Active(fingerprint string) bool {
	e := s.lookup(fingerprint)
	if e == nil {
		return false
	}
	e.mu.Unlock()
	return true
}

// Get returns a copy of the active event for fingerprint.
func (s *Scheduler) Get(fingerprint string) (*domain.Event, error) {
	e := s.lookup(fingerprint)
	if e == nil {
		return nil, domain.ErrEventNotFound
	}
	defer e.mu.Unlock()
	return e.event.Clone(), nil
}

// Snapshot returns copies of every active event, oldest first.
func (s *Scheduler) Snapshot() []*domain.Event {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]*domain.Event, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.closed && e.event != nil {
			out = append(out, e.event.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstTriggerAt.Equal(out[j].FirstTriggerAt) {
			return out[i].FirstTriggerAt.Before(out[j].FirstTriggerAt)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// Restore loads active events from the event store and re-arms their timers
// from the stored timestamps. Call it once, before signals are applied.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	stored, err := s.events.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load active events: %w", err)
	}

	snap := s.catalog.Snapshot()
	now := s.clock.Now()
	restored := 0

	for _, ev := range stored {
		e := &entry{event: ev}
		e.mu.Lock()

		s.mu.Lock()
		if _, exists := s.entries[ev.Fingerprint]; exists {
			s.mu.Unlock()
			e.mu.Unlock()
			continue
		}
		s.entries[ev.Fingerprint] = e
		s.mu.Unlock()
		metrics.ActiveEvents.Inc()

		rule, ok := snap.Rule(ev.RuleID)
		if !ok {
			s.closeLocked(ctx, e, "rule removed")
			e.mu.Unlock()
			continue
		}
		restored++
		fc := s.faultCenter(snap, ev.FaultCenterID)

		switch ev.Status {
		case domain.EventPreAlert:
			s.armFor(e, remaining(ev.FirstTriggerAt.Add(rule.For()), now))
		case domain.EventFiring:
			if d := fc.RepeatInterval(); d > 0 {
				last := ev.LastNotifyAt
				if last.IsZero() {
					last = now
				}
				s.armRepeat(e, remaining(last.Add(d), now))
			}
			s.armClaimIfDue(e, fc)
		case domain.EventPendingRecovery:
			s.armRecover(e, remaining(ev.RecoverAt.Add(fc.RecoverWait()), now))
		case domain.EventSilenced:
			if !ev.RecoverAt.IsZero() {
				s.armRecover(e, remaining(ev.RecoverAt.Add(fc.RecoverWait()), now))
			}
		}
		e.mu.Unlock()
	}

	return restored, nil
}

// Stop cancels every timer. Events stay in the event store for Restore.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.stopTimers()
		e.mu.Unlock()
	}
	s.cancel()
}

func remaining(deadline, now time.Time) time.Duration {
	if d := deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// acquire returns the locked entry for fingerprint, creating it if needed.
func (s *Scheduler) acquire(fingerprint string) *entry {
	for {
		s.mu.Lock()
		e, ok := s.entries[fingerprint]
		if !ok {
			e = &entry{}
			s.entries[fingerprint] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		if !e.closed {
			return e
		}
		// Closed between lookup and lock; the map no longer holds it.
		e.mu.Unlock()
	}
}

// lookup returns the locked live entry for fingerprint, or nil.
func (s *Scheduler) lookup(fingerprint string) *entry {
	s.mu.Lock()
	e, ok := s.entries[fingerprint]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	if e.closed || e.event == nil {
		e.mu.Unlock()
		return nil
	}
	return e
}

// closeLocked removes the event and releases its timers. e.mu must be held.
func (s *Scheduler) closeLocked(ctx context.Context, e *entry, reason string) {
	e.stopTimers()
	from := e.event.Status
	e.event.Status = domain.EventClosed
	e.closed = true
	s.record(ctx, e, from, reason)

	s.mu.Lock()
	if s.entries[e.event.Fingerprint] == e {
		delete(s.entries, e.event.Fingerprint)
	}
	s.mu.Unlock()
	metrics.ActiveEvents.Dec()

	s.logger.Info("event closed", "fingerprint", e.event.Fingerprint, "ruleID", e.event.RuleID, "reason", reason)
}

func (s *Scheduler) faultCenter(snap *catalog.Snapshot, id string) *domain.FaultCenter {
	if fc, ok := snap.FaultCenter(id); ok {
		return fc
	}
	s.logger.Warn("fault center not found, notifications disabled", "faultCenterID", id)
	return &domain.FaultCenter{ID: id}
}

// notifyRouted resolves the event's targets and hands them to the dispatcher.
func (s *Scheduler) notifyRouted(e *entry, ruleName string, fc *domain.FaultCenter, snap *catalog.Snapshot, kind domain.NoticeKind) {
	ev := e.event
	res := routing.Resolve(ev, fc, snap)
	if len(res.Missing) > 0 {
		s.logger.Warn("notice objects not found", "fingerprint", ev.Fingerprint, "noticeIDs", res.Missing)
	}
	if len(res.Targets) == 0 {
		s.logger.Warn("no notification targets", "fingerprint", ev.Fingerprint, "kind", kind)
		return
	}
	s.dispatch(e, ruleName, kind, res.Targets)
}

func (s *Scheduler) dispatch(e *entry, ruleName string, kind domain.NoticeKind, targets []domain.NoticeTarget) {
	now := s.clock.Now()
	e.event.LastNotifyAt = now
	s.dispatcher.Dispatch(notify.Notification{
		Event:    e.event.Clone(),
		RuleName: ruleName,
		Kind:     kind,
		Targets:  targets,
		At:       now,
	})
	s.logger.Debug("notification dispatched", "fingerprint", e.event.Fingerprint, "kind", kind, "targets", len(targets))
}

// Timers. Each callback re-checks gen and status under the entry lock.

func (s *Scheduler) armFor(e *entry, d time.Duration) {
	gen := e.gen
	e.forTimer = s.clock.AfterFunc(d, func() { s.onFor(e, gen) })
}

func (s *Scheduler) armRepeat(e *entry, d time.Duration) {
	gen := e.gen
	e.repeatTimer = s.clock.AfterFunc(d, func() { s.onRepeat(e, gen) })
}

func (s *Scheduler) armClaim(e *entry, d time.Duration) {
	gen := e.gen
	e.claimTimer = s.clock.AfterFunc(d, func() { s.onClaimTimeout(e, gen) })
}

func (s *Scheduler) armRecover(e *entry, d time.Duration) {
	gen := e.gen
	e.recoverTimer = s.clock.AfterFunc(d, func() { s.onRecover(e, gen) })
}

func (s *Scheduler) current(e *entry, gen uint64, status domain.EventStatus) bool {
	return !e.closed && e.gen == gen && e.event != nil && e.event.Status == status
}

func (s *Scheduler) onFor(e *entry, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !s.current(e, gen, domain.EventPreAlert) {
		return
	}
	e.forTimer = nil

	snap := s.catalog.Snapshot()
	rule, ok := snap.Rule(e.event.RuleID)
	if !ok {
		s.closeLocked(s.ctx, e, "rule removed")
		return
	}
	s.fire(s.ctx, e, rule, s.faultCenter(snap, e.event.FaultCenterID), snap, domain.EventPreAlert, "for duration elapsed")
}

func (s *Scheduler) onRepeat(e *entry, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !s.current(e, gen, domain.EventFiring) {
		return
	}
	e.repeatTimer = nil

	snap := s.catalog.Snapshot()
	fc := s.faultCenter(snap, e.event.FaultCenterID)
	if !snap.Silenced(s.clock.Now(), fc.ID, e.event.Labels) {
		s.notifyRouted(e, e.event.RuleName, fc, snap, domain.NoticeRepeat)
		s.save(s.ctx, e.event)
	}
	if d := fc.RepeatInterval(); d > 0 {
		s.armRepeat(e, d)
	}
}

func (s *Scheduler) onClaimTimeout(e *entry, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !s.current(e, gen, domain.EventFiring) || e.event.Claim.IsClaimed {
		return
	}
	e.claimTimer = nil

	snap := s.catalog.Snapshot()
	fc := s.faultCenter(snap, e.event.FaultCenterID)
	if !fc.Upgrades(e.event.Severity) {
		return
	}
	e.escalated = true

	id := fc.UpgradeStrategy.EscalationNoticeID
	if n, ok := snap.NoticeObject(id); ok {
		s.dispatch(e, e.event.RuleName, domain.NoticeEscalation, []domain.NoticeTarget{routing.Target(n, e.event.Severity)})
		s.save(s.ctx, e.event)
		s.logger.Info("unclaimed event escalated", "fingerprint", e.event.Fingerprint, "noticeID", id)
	} else {
		s.logger.Warn("escalation notice object not found", "fingerprint", e.event.Fingerprint, "noticeID", id)
	}

	if d := fc.EscalationRepeat(); d > 0 {
		s.armClaim(e, d)
	}
}

func (s *Scheduler) onRecover(e *entry, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	recovering := s.current(e, gen, domain.EventPendingRecovery) ||
		(s.current(e, gen, domain.EventSilenced) && !e.event.RecoverAt.IsZero())
	if !recovering {
		return
	}
	e.recoverTimer = nil
	s.closeLocked(s.ctx, e, "recovered")
}

// violation logs and counts a discarded operation.
func (s *Scheduler) violation(fingerprint, op, reason string) error {
	metrics.InvariantViolationsTotal.WithLabelValues(op).Inc()
	s.logger.Warn("discarding scheduler operation", "fingerprint", fingerprint, "op", op, "reason", reason)
	return &InvariantViolation{Fingerprint: fingerprint, Op: op, Reason: reason}
}

// record persists the event after a change and appends a history entry.
// Closed events are deleted from the event store.
func (s *Scheduler) record(ctx context.Context, e *entry, from domain.EventStatus, reason string) {
	ev := e.event
	if ev.Status == domain.EventClosed {
		if err := s.events.Delete(ctx, ev.Fingerprint); err != nil {
			s.logger.Error("failed to delete event", "fingerprint", ev.Fingerprint, "error", err)
		}
	} else {
		s.save(ctx, ev)
	}

	if from != ev.Status {
		fromLabel := string(from)
		if fromLabel == "" {
			fromLabel = "none"
		}
		metrics.EventTransitionsTotal.WithLabelValues(fromLabel, string(ev.Status)).Inc()
		s.logger.Info("event transition",
			"fingerprint", ev.Fingerprint,
			"ruleID", ev.RuleID,
			"from", fromLabel,
			"to", ev.Status,
			"reason", reason,
		)
	}

	if s.history == nil {
		return
	}
	t := &domain.EventTransition{
		ID:          uuid.NewString(),
		Fingerprint: ev.Fingerprint,
		RuleID:      ev.RuleID,
		From:        from,
		To:          ev.Status,
		Severity:    ev.Severity,
		At:          s.clock.Now(),
		Reason:      reason,
	}
	if err := s.history.Append(ctx, t); err != nil {
		s.logger.Error("failed to append event history", "fingerprint", ev.Fingerprint, "error", err)
	}
}

func (s *Scheduler) save(ctx context.Context, ev *domain.Event) {
	if err := s.events.Save(ctx, ev); err != nil {
		s.logger.Error("failed to save event", "fingerprint", ev.Fingerprint, "error", err)
	}
}

func cloneLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
