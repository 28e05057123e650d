// Package tools provides the order and tracking lookups the triage core calls,
// and the guard that applies one timeout and retry policy at that boundary.
package tools

import (
	"context"
	"errors"

	"wismo-triage/pkg/models"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrEmailMismatch    = errors.New("email does not match order")
	ErrShipmentNotFound = errors.New("shipment not found")
)

type OrderTool interface {
	GetOrder(ctx context.Context, orderID, email string) (*models.Order, error)
}

type TrackingTool interface {
	GetTracking(ctx context.Context, trackingID string) (*models.Shipment, error)
}

// IsNotFound reports whether err is a lookup miss rather than a transport failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrEmailMismatch) || errors.Is(err, ErrShipmentNotFound)
}
