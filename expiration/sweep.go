package expiration

import (
	"context"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/miragespace/parrainage/broker"
	"github.com/miragespace/parrainage/discount"
	"github.com/miragespace/parrainage/store"
)

type SweepOptions struct {
	Store    store.Store
	Tracker  *Tracker
	Mutator  *discount.Mutator
	Producer broker.Producer // optional
	Logger   *zap.Logger

	// Schedule is a cron expression, daily by default
	Schedule string
}

// Sweep is the safety net behind the event-driven paths: it re-scans every
// tracked subscription once a day and enters the same idempotent transitions
// the events do, so a missed renewal event or status transition cannot strand
// a discount.
type Sweep struct {
	SweepOptions
	cron *cron.Cron
}

func NewSweep(option SweepOptions) (*Sweep, error) {
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Tracker == nil {
		return nil, fmt.Errorf("nil Tracker is invalid")
	}
	if option.Mutator == nil {
		return nil, fmt.Errorf("nil Mutator is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.Schedule) == 0 {
		option.Schedule = "@daily"
	}
	return &Sweep{
		SweepOptions: option,
		cron: cron.New(
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
	}, nil
}

// Start registers the sweep with its cron schedule
func (s *Sweep) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.Schedule, func() {
		s.Run(ctx)
	}); err != nil {
		return extErrors.Wrap(err, "Cannot register expiration sweep")
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron. A sweep in flight runs to completion.
func (s *Sweep) Stop() {
	<-s.cron.Stop().Done()
}

// Run performs one full sweep pass. Exported so operators can trigger it
// manually after an incident.
func (s *Sweep) Run(ctx context.Context) {
	s.sweepFilleuls(ctx)
	s.sweepReferrers(ctx)
}

// sweepFilleuls catches referred subscriptions whose renewal events were
// missed: captured standard price, counter at/over the threshold, not yet
// flagged. ExpireIfDue re-checks everything, so racing the event path is
// harmless.
func (s *Sweep) sweepFilleuls(ctx context.Context) {
	subs, err := s.Store.ListSubscriptionsWithMeta(ctx, discount.MetaStandardPrice)
	if err != nil {
		s.Logger.Error("Unable to list tracked referred subscriptions",
			zap.Error(err),
		)
		return
	}
	for k := range subs {
		if _, err := s.Tracker.ExpireIfDue(ctx, subs[k].ID); err != nil {
			s.Logger.Error("Sweep could not expire referred-side discount",
				zap.String("FilleulSubscriptionID", subs[k].ID),
				zap.Error(err),
			)
		}
	}
}

// sweepReferrers closes parrain discounts whose end date (duration plus
// grace period) has passed
func (s *Sweep) sweepReferrers(ctx context.Context) {
	subs, err := s.Store.ListSubscriptionsWithMeta(ctx, discount.MetaDiscountRecord)
	if err != nil {
		s.Logger.Error("Unable to list discounted referrer subscriptions",
			zap.Error(err),
		)
		return
	}
	now := time.Now()
	for k := range subs {
		rec, err := discount.LoadRecord(&subs[k])
		if err != nil {
			s.Logger.Error("Sweep could not decode discount record",
				zap.String("ReferrerSubscriptionID", subs[k].ID),
				zap.Error(err),
			)
			continue
		}
		if rec == nil || !rec.Status.Open() || rec.EndDate.After(now) {
			continue
		}
		result, err := s.Mutator.Remove(ctx, subs[k].ID)
		if err != nil {
			s.Logger.Error("Sweep could not remove expired discount",
				zap.String("ReferrerSubscriptionID", subs[k].ID),
				zap.Error(err),
			)
			continue
		}
		if !result.Removed {
			continue
		}
		s.Logger.Info("Referrer discount expired",
			zap.String("ReferrerSubscriptionID", subs[k].ID),
			zap.String("RestoredPrice", result.RestoredPrice.String()),
			zap.String("Channel", "expiration"),
		)
		if s.Producer != nil {
			if err := s.Producer.Publish(broker.Event{
				Name:       broker.EventDiscountExpired,
				OccurredAt: time.Now(),
				Payload: map[string]string{
					"referrerSubscriptionId": subs[k].ID,
					"restoredPrice":          result.RestoredPrice.String(),
				},
			}); err != nil {
				s.Logger.Warn("Unable to publish expiration event",
					zap.Error(err),
				)
			}
		}
	}
}
