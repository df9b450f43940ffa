package suspension

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/miragespace/parrainage/broker"
	"github.com/miragespace/parrainage/store"
)

// Result is the structured outcome of a suspension attempt. Nothing in this
// package escapes as a panic or an unhandled error to the triggering event
// handler.
type Result struct {
	Success  bool   `json:"success"`
	Rejected bool   `json:"rejected"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Counters tracks the session's suspension activity for observability
type Counters struct {
	Attempted uint64 `json:"attempted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

type ManagerOptions struct {
	Validator *Validator
	Handler   *Handler
	Producer  broker.Producer // optional
	Logger    *zap.Logger
}

// Manager orchestrates validator then handler for every filleul transition
// that might suspend a discount
type Manager struct {
	ManagerOptions
	mu       sync.Mutex
	counters Counters
}

func NewManager(option ManagerOptions) (*Manager, error) {
	if option.Validator == nil {
		return nil, fmt.Errorf("nil Validator is invalid")
	}
	if option.Handler == nil {
		return nil, fmt.Errorf("nil Handler is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// HandleStatusChange runs the suspension pipeline for a filleul transition
func (m *Manager) HandleStatusChange(ctx context.Context, filleulSubID string, newStatus store.State) (result Result) {
	m.count(func(c *Counters) { c.Attempted++ })

	logger := m.Logger.With(
		zap.String("FilleulSubscriptionID", filleulSubID),
		zap.String("NewStatus", string(newStatus)),
		zap.String("Channel", "suspension"),
	)

	defer func() {
		if r := recover(); r != nil {
			m.count(func(c *Counters) { c.Failed++ })
			logger.Error("Suspension pipeline panicked",
				zap.Any("Panic", r),
			)
			result = Result{Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	input := Input{
		FilleulSubscriptionID: filleulSubID,
		NewStatus:             newStatus,
	}

	validated, reason, err := m.Validator.Validate(ctx, input)
	if err != nil {
		m.count(func(c *Counters) { c.Failed++ })
		logger.Error("Suspension validation hit an infrastructure fault",
			zap.Error(err),
		)
		return Result{Error: err.Error()}
	}
	if validated == nil {
		m.count(func(c *Counters) { c.Rejected++ })
		logger.Info("Suspension rejected",
			zap.String("Reason", reason),
		)
		return Result{Rejected: true, Reason: reason}
	}

	if err := m.Handler.Handle(ctx, input, validated); err != nil {
		m.count(func(c *Counters) { c.Failed++ })
		logger.Error("Suspension handler failed",
			zap.Error(err),
		)
		return Result{Error: err.Error()}
	}

	m.count(func(c *Counters) { c.Succeeded++ })
	logger.Info("Discount suspended",
		zap.String("ReferrerSubscriptionID", validated.Link.ReferrerSubscriptionID),
	)

	if m.Producer != nil {
		if err := m.Producer.Publish(broker.Event{
			Name:       broker.EventDiscountSuspended,
			OccurredAt: time.Now(),
			Payload: map[string]string{
				"referrerSubscriptionId": validated.Link.ReferrerSubscriptionID,
				"filleulSubscriptionId":  filleulSubID,
				"causingStatus":          string(newStatus),
			},
		}); err != nil {
			logger.Warn("Unable to publish suspension event",
				zap.Error(err),
			)
		}
	}

	return Result{Success: true}
}

// Counters returns a copy of the session counters
func (m *Manager) Counters() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

func (m *Manager) count(fn func(*Counters)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.counters)
}
