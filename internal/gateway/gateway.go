// Package gateway adapts external payment gateways to two capabilities:
// opening a hosted payment session for an order, and turning an inbound
// notification into a verified models.PaymentEvent.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"fulfillment-service/internal/models"
)

var (
	// ErrInvalidSignature means the notification failed authenticity checks
	ErrInvalidSignature = errors.New("invalid notification signature")
	// ErrIgnoredNotification means the notification is authentic but carries nothing to apply
	ErrIgnoredNotification = errors.New("notification ignored")
	// ErrConfirmFailed means the server-to-server confirmation call failed; safe to redeliver
	ErrConfirmFailed = errors.New("payment confirmation failed")
	// ErrMalformedNotification means the notification could not be parsed
	ErrMalformedNotification = errors.New("malformed notification")
	// ErrUnknownGateway is returned by Registry lookups for unconfigured gateways
	ErrUnknownGateway = errors.New("unknown gateway")
)

// SessionRequest carries a persisted order and its frozen items to a gateway
type SessionRequest struct {
	Order           *models.Order
	Items           []models.OrderItem
	Payer           models.Actor
	Currency        string
	SuccessURL      string
	FailureURL      string
	PendingURL      string
	NotificationURL string
}

// Session is an opened remote payment session
type Session struct {
	ReferenceID string `json:"gateway_reference_id"`
	RedirectURL string `json:"redirect_url"`
}

// Notification is an inbound gateway callback, body read in full
type Notification struct {
	Body   []byte
	Header http.Header
	Query  url.Values
}

// SessionOpener opens a hosted payment session for an order
type SessionOpener interface {
	Name() models.Gateway
	OpenSession(ctx context.Context, req *SessionRequest) (*Session, error)
}

// NotificationVerifier authenticates a notification and normalizes it
type NotificationVerifier interface {
	Name() models.Gateway
	VerifyNotification(ctx context.Context, n *Notification) (*models.PaymentEvent, error)
}

// Gateway is a gateway with both capabilities
type Gateway interface {
	SessionOpener
	NotificationVerifier
}

// Registry selects gateways by name
type Registry struct {
	gateways map[models.Gateway]Gateway
}

// NewRegistry builds a registry from the given gateways
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[models.Gateway]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	return r
}

// Get returns the named gateway
func (r *Registry) Get(name models.Gateway) (Gateway, error) {
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
	return g, nil
}

// Names lists the configured gateways in a stable order
func (r *Registry) Names() []models.Gateway {
	names := make([]models.Gateway, 0, len(r.gateways))
	for n := range r.gateways {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func validateSessionRequest(req *SessionRequest) error {
	if req == nil || req.Order == nil {
		return fmt.Errorf("session request has no order")
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("order %s has no items", req.Order.ID)
	}
	return nil
}
