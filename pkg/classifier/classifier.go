// Package classifier adapts intent classification backends to the validated
// IntentResult contract. Backends return raw text; the Adapter owns parsing,
// schema validation and the fail-closed fallback.
package classifier

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"wismo-triage/pkg/metrics"
	"wismo-triage/pkg/models"
)

// Input is what a backend sees for one turn.
type Input struct {
	Message    string
	Context    []models.Turn
	LastIntent models.Intent
}

// Backend produces raw classifier output, ideally one JSON object.
type Backend interface {
	Classify(ctx context.Context, in Input) (string, error)
	Name() string
}

type Adapter struct {
	backend   Backend
	validator *Validator
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

func NewAdapter(backend Backend, logger *logrus.Logger, metrics *metrics.Metrics) (*Adapter, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	return &Adapter{
		backend:   backend,
		validator: validator,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// Backend names the backend for logs.
func (a *Adapter) Backend() string {
	return a.backend.Name()
}

// Understand never fails: backend errors and malformed output both yield
// models.FallbackIntent.
func (a *Adapter) Understand(ctx context.Context, in Input) models.IntentResult {
	raw, err := a.backend.Classify(ctx, in)
	if err != nil {
		a.fallback("backend_error", err)
		return models.FallbackIntent()
	}

	result, err := a.validator.Parse(raw)
	if err != nil {
		a.fallback(fallbackReason(err), err)
		return models.FallbackIntent()
	}
	if result.MissingFields == nil {
		result.MissingFields = []string{}
	}
	if result.RiskFlags == nil {
		result.RiskFlags = []string{}
	}
	return result
}

func (a *Adapter) fallback(reason string, err error) {
	a.metrics.ClassifierFallbacks.WithLabelValues(reason).Inc()
	a.logger.WithError(err).WithFields(logrus.Fields{
		"backend": a.backend.Name(),
		"reason":  reason,
	}).Warn("Classifier output rejected, using fallback intent")
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, ErrNoJSON):
		return "no_json"
	case errors.Is(err, ErrInvalidJSON):
		return "invalid_json"
	case errors.Is(err, ErrSchema):
		return "schema"
	}
	return "unknown"
}
