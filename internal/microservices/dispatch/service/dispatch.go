package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"bakery-kds/internal/common/clock"
	"bakery-kds/internal/common/logger"
	"bakery-kds/internal/domain"
	"bakery-kds/internal/lan"
	"bakery-kds/internal/microservices/dispatch/repository"
)

type Config struct {
	DeviceID          string
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	AckTimeout        time.Duration
	ProcessInterval   time.Duration
	ReconnectDebounce time.Duration
	SendTimeout       time.Duration
}

// FailureAlerter is told when an entry runs out of attempts.
type FailureAlerter interface {
	DispatchFailed(ctx context.Context, e domain.DispatchQueueEntry) error
}

type DispatchResult struct {
	Dispatched []domain.Station `json:"dispatched"`
	Queued     []domain.Station `json:"queued"`
	// Failed lists stations whose entry could not be persisted. Nothing was
	// sent to them and nothing will be retried.
	Failed []domain.Station `json:"failed"`
}

type ProcessResult struct {
	// Processed counts entries sent successfully in the pass.
	Processed int `json:"processed"`
	// Failed counts send attempts that failed, including entries that ran
	// out of attempts.
	Failed int `json:"failed"`
}

type DispatchServiceInterface interface {
	Dispatch(ctx context.Context, order domain.Order, items []domain.OrderItem) (DispatchResult, error)
	ProcessQueue(ctx context.Context) (ProcessResult, error)
	OrderStatus(ctx context.Context, orderID string) (domain.DispatchStatus, bool)
	PendingCount(ctx context.Context) (int, error)
	FailedCount(ctx context.Context) (int, error)
}

// DispatchService delivers orders to station displays and retries each
// (order, station) until the station acknowledges it.
type DispatchService struct {
	cfg     Config
	repo    repository.DispatchRepositoryInterface
	channel lan.Channel
	clk     clock.Clock
	alerter FailureAlerter
	log     *logger.Logger

	passMu sync.Mutex

	mu       sync.Mutex
	inflight map[domain.EntryKey]struct{}
	orders   map[string]domain.DispatchStatus
	debounce *clock.Timer

	wake  chan struct{}
	unsub []func()
}

var _ DispatchServiceInterface = (*DispatchService)(nil)

func NewDispatchService(cfg Config, repo repository.DispatchRepositoryInterface, ch lan.Channel,
	clk clock.Clock, alerter FailureAlerter, log *logger.Logger) *DispatchService {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = cfg.BaseBackoff
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	s := &DispatchService{
		cfg:      cfg,
		repo:     repo,
		channel:  ch,
		clk:      clk,
		alerter:  alerter,
		log:      log,
		inflight: make(map[domain.EntryKey]struct{}),
		orders:   make(map[string]domain.DispatchStatus),
		wake:     make(chan struct{}, 1),
	}
	s.unsub = append(s.unsub,
		ch.On(domain.TypeOrderAck, s.onAck),
		ch.OnStateChange(s.onStateChange),
	)
	return s
}

// Close detaches the service from the channel and stops the debounce timer.
func (s *DispatchService) Close() {
	for _, u := range s.unsub {
		u()
	}
	s.mu.Lock()
	s.debounce.Stop()
	s.mu.Unlock()
}

// Backoff returns the wait after the given number of failed attempts:
// base doubling per attempt, capped at ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}

func (s *DispatchService) backoff(attempt int) time.Duration {
	return Backoff(attempt, s.cfg.BaseBackoff, s.cfg.MaxBackoff)
}

// claim marks key in flight. It reports false if someone else holds it.
func (s *DispatchService) claim(key domain.EntryKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *DispatchService) release(key domain.EntryKey) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

func (s *DispatchService) setOrderStatus(orderID string, st domain.DispatchStatus) {
	s.mu.Lock()
	s.orders[orderID] = st
	s.mu.Unlock()
}

// Dispatch sends the order to every station its items route to. Stations
// that could not be reached right away are queued for the processor.
func (s *DispatchService) Dispatch(ctx context.Context, order domain.Order, items []domain.OrderItem) (DispatchResult, error) {
	if len(items) == 0 {
		items = order.Items
	}
	order = order.Clone()
	order.Items = append([]domain.OrderItem(nil), items...)
	// Stations reject what they cannot display, so never send it.
	if err := order.Validate(); err != nil {
		return DispatchResult{}, fmt.Errorf("dispatch: %w", err)
	}

	result := DispatchResult{Dispatched: []domain.Station{}, Queued: []domain.Station{}, Failed: []domain.Station{}}
	stations := stationsFor(items)
	if len(stations) == 0 {
		s.log.Info("dispatch_skipped", map[string]any{"order_id": order.ID, "reason": "no station items"})
		return result, nil
	}

	now := s.clk.Now()
	var errs []error
	for _, st := range stations {
		payload := domain.NewOrderPayloadFor(order, st, now)
		body, err := json.Marshal(payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode payload for %s/%s: %w", order.ID, st, err))
			result.Failed = append(result.Failed, st)
			continue
		}
		e := domain.DispatchQueueEntry{
			OrderID:     order.ID,
			Station:     st,
			Payload:     body,
			Status:      domain.DispatchPending,
			NextRetryAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		sent, err := s.dispatchOne(ctx, e, payload)
		switch {
		case err != nil:
			s.log.Error("dispatch_station_failed", err, map[string]any{"order_id": order.ID, "station": st.String()})
			errs = append(errs, err)
			result.Failed = append(result.Failed, st)
		case sent:
			result.Dispatched = append(result.Dispatched, st)
		default:
			result.Queued = append(result.Queued, st)
		}
	}
	if len(result.Failed) == len(stations) {
		return result, errors.Join(errs...)
	}

	status := domain.DispatchPending
	if len(result.Failed) > 0 {
		status = domain.DispatchFailed
	}
	s.setOrderStatus(order.ID, status)
	s.log.Info("order_dispatched", map[string]any{
		"order_id":   order.ID,
		"dispatched": result.Dispatched,
		"queued":     result.Queued,
		"failed":     result.Failed,
	})
	return result, nil
}

func (s *DispatchService) dispatchOne(ctx context.Context, e domain.DispatchQueueEntry, payload domain.NewOrderPayload) (bool, error) {
	key := e.Key()
	if !s.claim(key) {
		// The processor is sending this entry right now.
		return false, nil
	}
	defer s.release(key)

	if !s.channel.IsActive() {
		e.LastError = domain.ErrChannelInactive.Error()
		if err := s.repo.Put(ctx, e); err != nil {
			return false, fmt.Errorf("queue %s: %w", key, err)
		}
		return false, nil
	}

	// Persist as awaiting ACK before sending so a fast ACK always finds
	// the entry to delete.
	sentAt := e.CreatedAt
	e.LastSentAt = &sentAt
	e.NextRetryAt = sentAt.Add(s.cfg.AckTimeout)
	if err := s.repo.Put(ctx, e); err != nil {
		return false, fmt.Errorf("queue %s: %w", key, err)
	}

	if err := s.send(ctx, payload); err != nil {
		s.log.Warn("dispatch_send_failed", map[string]any{"key": key.String(), "error": err.Error()})
		e.LastSentAt = nil
		e.NextRetryAt = e.CreatedAt
		e.LastError = err.Error()
		e.UpdatedAt = s.clk.Now()
		if err := s.repo.Update(ctx, e); err != nil && !errors.Is(err, domain.ErrEntryNotFound) {
			return false, fmt.Errorf("queue %s: %w", key, err)
		}
		return false, nil
	}
	return true, nil
}

func (s *DispatchService) send(ctx context.Context, payload domain.NewOrderPayload) error {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return s.channel.Send(sctx, domain.TypeNewOrder, payload)
}

// stationsFor returns the distinct stations items route to, in routing
// table order.
func stationsFor(items []domain.OrderItem) []domain.Station {
	seen := make(map[domain.Station]bool)
	for _, it := range items {
		if st, ok := domain.ResolveCode(it.DispatchStation); ok {
			seen[st] = true
		}
	}
	var out []domain.Station
	for _, st := range domain.DispatchStations() {
		if seen[st] {
			out = append(out, st)
		}
	}
	return out
}

// ProcessQueue runs one retry pass over due pending entries. Passes never
// overlap. Nothing is attempted while the channel is down.
func (s *DispatchService) ProcessQueue(ctx context.Context) (ProcessResult, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	var res ProcessResult
	if !s.channel.IsActive() {
		return res, nil
	}
	entries, err := s.repo.ListPending(ctx)
	if err != nil {
		return res, fmt.Errorf("process queue: %w", err)
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		s.processOne(ctx, e, &res)
	}
	if res.Processed > 0 || res.Failed > 0 {
		s.log.Info("dispatch_pass_done", map[string]any{"processed": res.Processed, "failed": res.Failed})
	}
	return res, nil
}

func (s *DispatchService) processOne(ctx context.Context, e domain.DispatchQueueEntry, res *ProcessResult) {
	now := s.clk.Now()
	if !e.Due(now) {
		return
	}
	key := e.Key()
	if !s.claim(key) {
		return
	}
	defer s.release(key)

	if e.LastSentAt != nil {
		// The previous send was never acknowledged.
		sentAt := *e.LastSentAt
		e.AttemptCount++
		e.LastSentAt = nil
		e.LastError = "ack timeout"
		if e.AttemptCount >= s.cfg.MaxAttempts {
			s.exhaust(ctx, e, now)
			res.Failed++
			return
		}
		e.NextRetryAt = sentAt.Add(s.backoff(e.AttemptCount))
		if now.Before(e.NextRetryAt) {
			e.UpdatedAt = now
			s.update(ctx, e)
			return
		}
	}

	var payload domain.NewOrderPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		s.log.Error("dispatch_payload_corrupt", err, map[string]any{"key": key.String()})
		e.AttemptCount = s.cfg.MaxAttempts
		e.LastError = err.Error()
		s.exhaust(ctx, e, now)
		res.Failed++
		return
	}

	if err := s.send(ctx, payload); err != nil {
		e.AttemptCount++
		e.LastError = err.Error()
		e.UpdatedAt = now
		res.Failed++
		if e.AttemptCount >= s.cfg.MaxAttempts {
			s.exhaust(ctx, e, now)
			return
		}
		e.NextRetryAt = now.Add(s.backoff(e.AttemptCount))
		s.log.Warn("dispatch_retry_scheduled", map[string]any{
			"key":           key.String(),
			"attempt_count": e.AttemptCount,
			"next_retry_at": e.NextRetryAt,
			"error":         err.Error(),
		})
		s.update(ctx, e)
		return
	}

	sentAt := now
	e.LastSentAt = &sentAt
	e.NextRetryAt = now.Add(s.cfg.AckTimeout)
	e.UpdatedAt = now
	res.Processed++
	s.update(ctx, e)
}

// update writes a processed entry. An entry acknowledged during the pass is
// gone and stays gone.
func (s *DispatchService) update(ctx context.Context, e domain.DispatchQueueEntry) {
	if err := s.repo.Update(ctx, e); err != nil {
		if errors.Is(err, domain.ErrEntryNotFound) {
			s.log.Debug("dispatch_entry_acked_during_pass", map[string]any{"key": e.Key().String()})
			return
		}
		s.log.Error("dispatch_entry_update_failed", err, map[string]any{"key": e.Key().String()})
	}
}

func (s *DispatchService) exhaust(ctx context.Context, e domain.DispatchQueueEntry, now time.Time) {
	e.Status = domain.DispatchFailed
	e.UpdatedAt = now
	if err := s.repo.Update(ctx, e); err != nil {
		if !errors.Is(err, domain.ErrEntryNotFound) {
			s.log.Error("dispatch_entry_update_failed", err, map[string]any{"key": e.Key().String()})
		}
		return
	}
	s.setOrderStatus(e.OrderID, domain.DispatchFailed)
	s.log.Error("dispatch_failed", errors.New(e.LastError), map[string]any{
		"order_id":      e.OrderID,
		"station":       e.Station.String(),
		"attempt_count": e.AttemptCount,
	})
	if s.alerter != nil {
		if err := s.alerter.DispatchFailed(ctx, e); err != nil {
			s.log.Error("dispatch_alert_failed", err, map[string]any{"order_id": e.OrderID})
		}
	}
}

func (s *DispatchService) onAck(msg lan.Message) {
	var env domain.LanMessage[domain.OrderAckPayload]
	if err := msg.Decode(&env); err != nil {
		s.log.Error("ack_malformed", err, map[string]any{"message_id": msg.ID})
		return
	}
	ack := env.Payload
	if ack.OrderID == "" || ack.Station == "" {
		s.log.Warn("ack_malformed", map[string]any{"message_id": msg.ID, "reason": "missing order_id or station"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()

	key := domain.EntryKey{OrderID: ack.OrderID, Station: ack.Station}
	// Only pending entries are acknowledged. A failed entry stays failed.
	deleted, err := s.repo.DeletePending(ctx, key)
	if err != nil {
		s.log.Error("ack_delete_failed", err, map[string]any{"key": key.String()})
		return
	}
	if !deleted {
		s.log.Debug("ack_ignored", map[string]any{"key": key.String(), "from": env.From})
		return
	}
	s.log.Info("ack_received", map[string]any{"key": key.String(), "from": env.From, "device_id": ack.DeviceID})

	rest, err := s.repo.ListByOrder(ctx, ack.OrderID)
	if err != nil {
		s.log.Error("ack_status_lookup_failed", err, map[string]any{"order_id": ack.OrderID})
		return
	}
	if st := aggregate(rest); st == domain.DispatchDispatched {
		s.markDelivered(ack.OrderID)
	}
}

// markDelivered records the last outstanding ACK of an order. An order with
// a station that never got an entry keeps its failed status.
func (s *DispatchService) markDelivered(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orders[orderID] == domain.DispatchFailed {
		return
	}
	s.orders[orderID] = domain.DispatchDispatched
}

// aggregate derives an order's status from its remaining entries.
func aggregate(rest []domain.DispatchQueueEntry) domain.DispatchStatus {
	st := domain.DispatchDispatched
	for _, e := range rest {
		switch e.Status {
		case domain.DispatchFailed:
			return domain.DispatchFailed
		case domain.DispatchPending:
			st = domain.DispatchPending
		case domain.DispatchDispatched:
		}
	}
	return st
}

// OrderStatus reports the dispatch status of an order. After a restart the
// status is derived from the persisted entries.
func (s *DispatchService) OrderStatus(ctx context.Context, orderID string) (domain.DispatchStatus, bool) {
	s.mu.Lock()
	st, ok := s.orders[orderID]
	s.mu.Unlock()
	if ok {
		return st, true
	}
	rest, err := s.repo.ListByOrder(ctx, orderID)
	if err != nil || len(rest) == 0 {
		return "", false
	}
	return aggregate(rest), true
}

func (s *DispatchService) PendingCount(ctx context.Context) (int, error) {
	return s.repo.Count(ctx, domain.DispatchPending)
}

func (s *DispatchService) FailedCount(ctx context.Context) (int, error) {
	return s.repo.Count(ctx, domain.DispatchFailed)
}

// onStateChange schedules a pass shortly after the channel comes back. A
// new reconnect inside the window restarts the wait.
func (s *DispatchService) onStateChange(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debounce.Stop()
	s.debounce = nil
	if !active {
		return
	}
	s.log.Info("lan_reconnected", map[string]any{"debounce": s.cfg.ReconnectDebounce.String()})
	s.debounce = s.clk.AfterFunc(s.cfg.ReconnectDebounce, s.trigger)
}

// trigger asks Run for a pass. Requests coalesce.
func (s *DispatchService) trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the processor: once at start, after each debounced reconnect
// and every ProcessInterval while entries are pending.
func (s *DispatchService) Run(ctx context.Context) error {
	// Entries persisted before a restart go out first.
	s.pass(ctx)

	t := s.clk.NewTicker(s.cfg.ProcessInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
			s.pass(ctx)
		case <-t.C:
			n, err := s.PendingCount(ctx)
			if err != nil {
				s.log.Error("dispatch_pending_count_failed", err, nil)
				continue
			}
			if n > 0 {
				s.pass(ctx)
			}
		}
	}
}

func (s *DispatchService) pass(ctx context.Context) {
	if _, err := s.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("dispatch_pass_failed", err, nil)
	}
}
