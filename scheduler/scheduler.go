package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HandlerFunc is invoked with the args a task was scheduled with. Returning an
// error keeps the task row around for redelivery on a later tick.
type HandlerFunc func(ctx context.Context, args map[string]string) error

type Options struct {
	DB     *gorm.DB
	Logger *zap.Logger

	// BatchSize bounds how many due tasks a single tick will dispatch
	BatchSize int
	// RedeliveryDelay is how far a failed task is pushed into the future
	RedeliveryDelay time.Duration
}

// Scheduler is a best-effort delayed task runner: persisted task rows are
// polled every minute and dispatched to named hooks. Delivery is
// at-least-once, never exactly-once; a task row is removed only after its
// hook returns without error.
type Scheduler struct {
	Options
	cron     *cron.Cron
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func New(option Options) (*Scheduler, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.BatchSize == 0 {
		option.BatchSize = 50
	}
	if option.RedeliveryDelay == 0 {
		option.RedeliveryDelay = time.Minute
	}
	if err := option.DB.AutoMigrate(&Task{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize scheduler")
	}
	return &Scheduler{
		Options: option,
		cron: cron.New(
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		handlers: make(map[string]HandlerFunc),
	}, nil
}

// Register binds a hook name to its handler. Must be called before Start.
func (s *Scheduler) Register(hook string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[hook] = fn
}

// Schedule enqueues a task to be dispatched to the named hook at/after runAt
func (s *Scheduler) Schedule(ctx context.Context, runAt time.Time, hook string, args map[string]string) error {
	if len(hook) == 0 {
		return fmt.Errorf("empty hook is invalid")
	}
	task := &Task{
		ID:    shortuuid.New(),
		Hook:  hook,
		Args:  Args(args),
		RunAt: runAt,
	}
	result := s.DB.WithContext(ctx).Create(task)
	if result.Error != nil {
		s.Logger.Error("Unable to persist scheduled task",
			zap.String("Hook", hook),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot schedule task")
	}
	return nil
}

// Start begins polling for due tasks once a minute
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("@every 1m", func() {
		s.dispatchDue(ctx)
	}); err != nil {
		return extErrors.Wrap(err, "Cannot register scheduler poll")
	}
	s.cron.Start()
	return nil
}

// Stop halts the poller. In-flight dispatches run to completion.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	due := make([]Task, 0, s.BatchSize)
	result := s.DB.WithContext(ctx).
		Where("run_at <= ?", time.Now()).
		Order("run_at asc").
		Limit(s.BatchSize).
		Find(&due)
	if result.Error != nil {
		s.Logger.Error("Unable to fetch due tasks",
			zap.Error(result.Error),
		)
		return
	}
	for _, task := range due {
		s.dispatch(ctx, task)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, task Task) {
	logger := s.Logger.With(
		zap.String("TaskID", task.ID),
		zap.String("Hook", task.Hook),
	)
	s.mu.RLock()
	fn, ok := s.handlers[task.Hook]
	s.mu.RUnlock()
	if !ok {
		// leave the row so an operator can see what went unclaimed
		logger.Warn("No handler registered for hook")
		return
	}
	if err := fn(ctx, task.Args); err != nil {
		logger.Error("Task handler returned error",
			zap.Error(err),
		)
		updateRes := s.DB.WithContext(ctx).Model(&Task{}).
			Where("id = ?", task.ID).
			Updates(map[string]interface{}{
				"attempts":   gorm.Expr("attempts + 1"),
				"last_error": err.Error(),
				"run_at":     time.Now().Add(s.RedeliveryDelay),
			})
		if updateRes.Error != nil {
			logger.Error("Unable to push back failed task",
				zap.Error(updateRes.Error),
			)
		}
		return
	}
	deleteRes := s.DB.WithContext(ctx).Delete(&Task{}, "id = ?", task.ID)
	if deleteRes.Error != nil {
		// the task will fire again; hooks must be idempotent
		logger.Error("Unable to remove completed task",
			zap.Error(deleteRes.Error),
		)
	}
}
