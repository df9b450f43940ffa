package reactivation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/miragespace/parrainage/broker"
	"github.com/miragespace/parrainage/store"
)

// Result is the structured outcome of a reactivation attempt
type Result struct {
	Success  bool   `json:"success"`
	Rejected bool   `json:"rejected"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Counters tracks the session's reactivation activity for observability
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
// back to active
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

// HandleStatusChange runs the reactivation pipeline for a filleul transition
func (m *Manager) HandleStatusChange(ctx context.Context, filleulSubID string, newStatus store.State) (result Result) {
	m.count(func(c *Counters) { c.Attempted++ })

	logger := m.Logger.With(
		zap.String("FilleulSubscriptionID", filleulSubID),
		zap.String("NewStatus", string(newStatus)),
		zap.String("Channel", "reactivation"),
	)

	defer func() {
		if r := recover(); r != nil {
			m.count(func(c *Counters) { c.Failed++ })
			logger.Error("Reactivation pipeline panicked",
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
		logger.Error("Reactivation validation hit an infrastructure fault",
			zap.Error(err),
		)
		return Result{Error: err.Error()}
	}
	if validated == nil {
		m.count(func(c *Counters) { c.Rejected++ })
		logger.Info("Reactivation rejected",
			zap.String("Reason", reason),
		)
		return Result{Rejected: true, Reason: reason}
	}

	if err := m.Handler.Handle(ctx, input, validated); err != nil {
		m.count(func(c *Counters) { c.Failed++ })
		logger.Error("Reactivation handler failed",
			zap.Error(err),
		)
		return Result{Error: err.Error()}
	}

	m.count(func(c *Counters) { c.Succeeded++ })
	logger.Info("Discount reactivated",
		zap.String("ReferrerSubscriptionID", validated.Link.ReferrerSubscriptionID),
	)

	if m.Producer != nil {
		if err := m.Producer.Publish(broker.Event{
			Name:       broker.EventDiscountReactivated,
			OccurredAt: time.Now(),
			Payload: map[string]string{
				"referrerSubscriptionId": validated.Link.ReferrerSubscriptionID,
				"filleulSubscriptionId":  filleulSubID,
			},
		}); err != nil {
			logger.Warn("Unable to publish reactivation event",
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
