package referral

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"github.com/lithammer/shortuuid/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/miragespace/parrainage/broker"
	"github.com/miragespace/parrainage/discount"
	"github.com/miragespace/parrainage/response"
	"github.com/miragespace/parrainage/store"
)

// ConfigStore is the writable side of the product configuration source
type ConfigStore interface {
	Upsert(ctx context.Context, cfg *discount.ProductConfig) error
}

type ServiceOptions struct {
	Store      store.Store
	Referrals  Directory
	Configs    ConfigStore
	Cache      *discount.CachedConfig // optional
	Calculator *discount.Calculator
	Producer   broker.Producer // optional
	Logger     *zap.Logger
}

// Service is the external-facing API of the referral program: code
// management for the storefront and discount inspection plus configuration
// for administrators
type Service struct {
	ServiceOptions
	validate *validator.Validate
}

func NewService(option ServiceOptions) (*Service, error) {
	if option.Store == nil {
		return nil, fmt.Errorf("nil %s is invalid", "Store")
	}
	if option.Referrals == nil {
		return nil, fmt.Errorf("nil %s is invalid", "Referrals")
	}
	if option.Configs == nil {
		return nil, fmt.Errorf("nil %s is invalid", "Configs")
	}
	if option.Calculator == nil {
		return nil, fmt.Errorf("nil %s is invalid", "Calculator")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil %s is invalid", "Logger")
	}
	return &Service{
		ServiceOptions: option,
		validate:       validator.New(),
	}, nil
}

type createCodeRequest struct {
	CustomerID     string `json:"customerId" validate:"required"`
	SubscriptionID string `json:"subscriptionId" validate:"required"`
}

func (s *Service) createCode(w http.ResponseWriter, r *http.Request) {
	var req createCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteError(w, r, response.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		response.WriteError(w, r, response.ErrBadRequest().AddMessages("customerId and subscriptionId are required"))
		return
	}

	sub, err := s.Store.GetSubscription(r.Context(), req.SubscriptionID)
	if err != nil {
		s.Logger.Error("Unable to look up subscription",
			zap.Error(err),
		)
		response.WriteError(w, r, response.ErrUnexpected())
		return
	}
	if sub == nil || sub.CustomerID != req.CustomerID {
		response.WriteError(w, r, response.ErrNotFound().AddMessages("No such subscription for this customer"))
		return
	}

	existing, err := s.Referrals.GetCodeBySubscription(r.Context(), req.SubscriptionID)
	if err != nil {
		response.WriteError(w, r, response.ErrUnexpected())
		return
	}
	if existing != nil {
		response.WriteError(w, r, response.ErrConflict().AddMessages("Subscription already has a referral code"))
		return
	}

	code := &Code{
		Code:           shortuuid.New(),
		CustomerID:     req.CustomerID,
		SubscriptionID: req.SubscriptionID,
		CreatedAt:      time.Now(),
	}
	if err := s.Referrals.CreateCode(r.Context(), code); err != nil {
		response.WriteError(w, r, response.ErrUnexpected())
		return
	}

	response.WriteResponse(w, r, code)
}

func (s *Service) getCode(w http.ResponseWriter, r *http.Request) {
	presented := chi.URLParam(r, "code")
	if !ValidCodeFormat(presented) {
		response.WriteError(w, r, response.ErrInvalidCode())
		return
	}
	code, err := s.Referrals.GetCode(r.Context(), presented)
	if err != nil {
		response.WriteError(w, r, response.ErrUnexpected())
		return
	}
	if code == nil {
		response.WriteError(w, r, response.ErrNotFound().AddMessages("No such referral code"))
		return
	}
	response.WriteResponse(w, r, code)
}

type discountDetails struct {
	SubscriptionID string             `json:"subscriptionId"`
	Record         *discount.Record   `json:"record"`
	Snapshot       *discount.Snapshot `json:"snapshot,omitempty"`
}

// getDiscount exposes a referrer subscription's discount record, and the
// suspension snapshot while one is pending
func (s *Service) getDiscount(w http.ResponseWriter, r *http.Request) {
	subID := chi.URLParam(r, "id")

	sub, err := s.Store.GetSubscription(r.Context(), subID)
	if err != nil {
		response.WriteError(w, r, response.ErrUnexpected())
		return
	}
	if sub == nil {
		response.WriteError(w, r, response.ErrNotFound().AddMessages("No such subscription"))
		return
	}

	rec, err := discount.LoadRecord(sub)
	if err != nil {
		s.Logger.Error("Unable to decode discount record",
			zap.String("SubscriptionID", subID),
			zap.Error(err),
		)
		response.WriteError(w, r, response.ErrUnexpected())
		return
	}
	if rec == nil {
		response.WriteError(w, r, response.ErrNotFound().AddMessages("Subscription carries no referral discount"))
		return
	}

	details := discountDetails{
		SubscriptionID: subID,
		Record:         rec,
	}
	if rec.Status == discount.StatusSuspended {
		snapshot, err := discount.LoadSnapshot(sub)
		if err == nil && snapshot.Complete() {
			details.Snapshot = snapshot
		}
	}

	response.WriteResponse(w, r, details)
}

type upsertConfigRequest struct {
	Type          discount.Type `json:"type" validate:"required,oneof=percentage fixed"`
	Amount        string        `json:"amount" validate:"required"`
	StandardPrice string        `json:"standardPrice"`
}

// upsertConfig writes a product's discount configuration and drops every
// cache layered on top of the database source
func (s *Service) upsertConfig(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productId")

	var req upsertConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteError(w, r, response.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		response.WriteError(w, r, response.ErrBadRequest().AddMessages("type must be percentage or fixed, amount is required"))
		return
	}

	cfg := &discount.ProductConfig{
		ProductID: productID,
		Type:      req.Type,
	}
	var err error
	if cfg.Amount, err = decimal.NewFromString(req.Amount); err != nil {
		response.WriteError(w, r, response.ErrBadRequest().AddMessages("amount is not a valid decimal"))
		return
	}
	if len(req.StandardPrice) > 0 {
		if cfg.StandardPrice, err = decimal.NewFromString(req.StandardPrice); err != nil {
			response.WriteError(w, r, response.ErrBadRequest().AddMessages("standardPrice is not a valid decimal"))
			return
		}
	}
	if !cfg.Amount.IsPositive() {
		response.WriteError(w, r, response.ErrBadRequest().AddMessages("amount must be positive"))
		return
	}

	if err := s.Configs.Upsert(r.Context(), cfg); err != nil {
		response.WriteError(w, r, response.ErrUnexpected())
		return
	}
	s.invalidate(productID)

	response.WriteResponse(w, r, cfg)
}

// invalidateConfig drops a product's cached configuration without touching
// the stored one. Used when an administrator edits the database directly.
func (s *Service) invalidateConfig(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productId")
	s.invalidate(productID)
	response.WriteResponse(w, r, map[string]string{
		"productId": productID,
	})
}

func (s *Service) invalidate(productID string) {
	if s.Cache != nil {
		if err := s.Cache.Invalidate(productID); err != nil {
			s.Logger.Warn("Unable to invalidate cached product config",
				zap.String("ProductID", productID),
				zap.Error(err),
			)
		}
	}
	s.Calculator.Invalidate(productID)

	// the worker memoizes configs in its own process, tell it too
	if s.Producer != nil {
		if err := s.Producer.Publish(broker.Event{
			Name:       broker.EventConfigChanged,
			OccurredAt: time.Now(),
			Payload: map[string]string{
				"productId": productID,
			},
		}); err != nil {
			s.Logger.Warn("Unable to publish config change event",
				zap.String("ProductID", productID),
				zap.Error(err),
			)
		}
	}
}

// Router returns the routes managed by this service
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/codes", s.createCode)
	r.Get("/codes/{code}", s.getCode)
	r.Get("/subscriptions/{id}/discount", s.getDiscount)
	r.Put("/configs/{productId}", s.upsertConfig)
	r.Delete("/configs/{productId}/cache", s.invalidateConfig)

	return r
}
