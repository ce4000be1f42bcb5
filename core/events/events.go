package events

import (
	"context"
	"sync"
	"time"

	"evidence-ledger/core/metrics"
	"evidence-ledger/core/store"
	"evidence-ledger/core/utils"

	"go.uber.org/zap"
)

// StateChanged is emitted after an incident status change commits.
type StateChanged struct {
	IncidentID string       `json:"incident_id"`
	OldStatus  store.Status `json:"old_status"`
	NewStatus  store.Status `json:"new_status"`
	StationID  *string      `json:"station_id,omitempty"`
	ActorRole  store.Role   `json:"actor_role"`
	At         time.Time    `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, evt StateChanged) error
	Close() error
}

// Emitter delivers events in the background. Delivery failures are logged and counted, never retried.
type Emitter struct {
	pub     Publisher
	timeout time.Duration
	logger  *utils.Logger
	wg      sync.WaitGroup
}

func NewEmitter(pub Publisher, timeout time.Duration, logger *utils.Logger) *Emitter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Emitter{pub: pub, timeout: timeout, logger: logger}
}

func (e *Emitter) Emit(evt StateChanged) {
	if e == nil || e.pub == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		if err := e.pub.Publish(ctx, evt); err != nil {
			metrics.EventPublishFailed()
			e.logger.Warn("state changed event dropped",
				zap.String("incident_id", evt.IncidentID),
				zap.String("new_status", string(evt.NewStatus)),
				zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (e *Emitter) Wait() {
	if e == nil {
		return
	}
	e.wg.Wait()
}

func (e *Emitter) Close() error {
	if e == nil || e.pub == nil {
		return nil
	}
	e.wg.Wait()
	return e.pub.Close()
}

type LogPublisher struct {
	logger *utils.Logger
}

func NewLogPublisher(logger *utils.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, evt StateChanged) error {
	station := ""
	if evt.StationID != nil {
		station = *evt.StationID
	}
	p.logger.Info("incident state changed",
		zap.String("incident_id", evt.IncidentID),
		zap.String("old_status", string(evt.OldStatus)),
		zap.String("new_status", string(evt.NewStatus)),
		zap.String("station_id", station))
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}

// MemoryPublisher keeps events in memory for inspection.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []StateChanged
}

func (p *MemoryPublisher) Publish(_ context.Context, evt StateChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *MemoryPublisher) Close() error {
	return nil
}

func (p *MemoryPublisher) Events() []StateChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StateChanged, len(p.events))
	copy(out, p.events)
	return out
}
