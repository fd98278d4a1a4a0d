package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// StripeSignatureHeader carries the webhook signature
const StripeSignatureHeader = "Stripe-Signature"

// StripeConfig configures the Stripe Checkout gateway
type StripeConfig struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	Tolerance     time.Duration
	Timeout       time.Duration
}

// Stripe opens Checkout Sessions and verifies signed webhooks
type Stripe struct {
	cfg    StripeConfig
	client *http.Client
	now    func() time.Time
	logger *zap.Logger
}

// NewStripe creates the Stripe gateway
func NewStripe(cfg StripeConfig) *Stripe {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 5 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Stripe{
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout),
		now:    time.Now,
		logger: util.Named("gateway.stripe"),
	}
}

func (s *Stripe) Name() models.Gateway {
	return models.GatewayStripe
}

type stripeSession struct {
	ID                 string            `json:"id"`
	URL                string            `json:"url"`
	ClientReferenceID  string            `json:"client_reference_id"`
	PaymentIntent      *string           `json:"payment_intent"`
	PaymentStatus      string            `json:"payment_status"`
	AmountTotal        int64             `json:"amount_total"`
	Metadata           map[string]string `json:"metadata"`
	PaymentMethodTypes []string          `json:"payment_method_types"`
	CustomerDetails    *struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// OpenSession creates a Checkout Session priced from the order's frozen items
func (s *Stripe) OpenSession(ctx context.Context, req *SessionRequest) (*Session, error) {
	if err := validateSessionRequest(req); err != nil {
		return nil, err
	}

	form := s.sessionForm(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.BaseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.SecretKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("stripe create session: %w", err)
	}
	body, err := readResponse(res)
	if err != nil {
		return nil, fmt.Errorf("stripe create session: %w", err)
	}

	var sess stripeSession
	if err := json.Unmarshal(body, &sess); err != nil {
		return nil, fmt.Errorf("stripe create session: decode response: %w", err)
	}
	if sess.ID == "" || sess.URL == "" {
		return nil, fmt.Errorf("stripe create session: response missing id or url")
	}

	s.logger.Info("Checkout session opened",
		zap.String("order_id", req.Order.ID),
		zap.String("session_id", sess.ID))

	return &Session{ReferenceID: sess.ID, RedirectURL: sess.URL}, nil
}

func (s *Stripe) sessionForm(req *SessionRequest) url.Values {
	orderID := req.Order.ID
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", orderID)
	form.Set("success_url", withQuery(req.SuccessURL, "order_id", orderID)+"&session_id={CHECKOUT_SESSION_ID}")
	form.Set("cancel_url", withQuery(req.FailureURL, "order_id", orderID))
	if req.Payer.Email != "" {
		form.Set("customer_email", req.Payer.Email)
	}

	form.Set("metadata[order_id]", orderID)
	form.Set("metadata[user_id]", req.Order.UserID)
	form.Set("metadata[user_name]", req.Payer.Name)
	form.Set("metadata[user_email]", req.Payer.Email)
	form.Set("payment_intent_data[metadata][order_id]", orderID)

	currency := strings.ToLower(req.Currency)
	for i, item := range req.Items {
		p := fmt.Sprintf("line_items[%d]", i)
		form.Set(p+"[quantity]", strconv.Itoa(item.Quantity))
		form.Set(p+"[price_data][currency]", currency)
		form.Set(p+"[price_data][unit_amount]", strconv.FormatInt(item.UnitPrice, 10))
		form.Set(p+"[price_data][product_data][name]", item.Title)
		form.Set(p+"[price_data][product_data][metadata][product_type]", string(item.ProductType))
		form.Set(p+"[price_data][product_data][metadata][product_id]", item.ProductID)
	}
	return form
}

// VerifyNotification checks the webhook signature, then normalizes checkout session events
func (s *Stripe) VerifyNotification(ctx context.Context, n *Notification) (*models.PaymentEvent, error) {
	if err := s.verifySignature(n.Body, n.Header.Get(StripeSignatureHeader)); err != nil {
		return nil, err
	}

	var ev stripeEvent
	if err := json.Unmarshal(n.Body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}

	status, ok := stripeEventStatus(ev.Type)
	if !ok {
		return nil, fmt.Errorf("%w: stripe event type %s", ErrIgnoredNotification, ev.Type)
	}

	var sess stripeSession
	if err := json.Unmarshal(ev.Data.Object, &sess); err != nil {
		return nil, fmt.Errorf("%w: checkout session: %v", ErrMalformedNotification, err)
	}

	if ev.Type == "checkout.session.completed" {
		switch sess.PaymentStatus {
		case "paid", "no_payment_required":
			status = models.PaymentStatusApproved
		default:
			// delayed payment methods complete the session before funds arrive
			status = models.PaymentStatusPending
		}
	}

	orderID := sess.ClientReferenceID
	if orderID == "" {
		orderID = sess.Metadata["order_id"]
	}
	if orderID == "" {
		return nil, fmt.Errorf("%w: session %s carries no order reference", ErrIgnoredNotification, sess.ID)
	}

	paymentID := sess.ID
	if sess.PaymentIntent != nil && *sess.PaymentIntent != "" {
		paymentID = *sess.PaymentIntent
	}

	actor := models.Actor{
		UserID: sess.Metadata["user_id"],
		Name:   sess.Metadata["user_name"],
		Email:  sess.Metadata["user_email"],
	}
	if sess.CustomerDetails != nil {
		if actor.Email == "" {
			actor.Email = sess.CustomerDetails.Email
		}
		if actor.Name == "" {
			actor.Name = sess.CustomerDetails.Name
		}
	}

	method := ""
	if len(sess.PaymentMethodTypes) > 0 {
		method = sess.PaymentMethodTypes[0]
	}

	return &models.PaymentEvent{
		Gateway:          models.GatewayStripe,
		GatewayPaymentID: paymentID,
		OrderID:          orderID,
		Status:           status,
		Amount:           sess.AmountTotal,
		PaymentMethod:    method,
		Actor:            actor,
		RawPayload:       json.RawMessage(n.Body),
		ReceivedAt:       s.now().UTC(),
	}, nil
}

func stripeEventStatus(eventType string) (models.PaymentStatus, bool) {
	switch eventType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		return models.PaymentStatusApproved, true
	case "checkout.session.async_payment_failed":
		return models.PaymentStatusRejected, true
	case "checkout.session.expired":
		return models.PaymentStatusExpired, true
	}
	return "", false
}

// verifySignature checks a "t=<unix>,v1=<hex>[,v1=...]" header against the body
func (s *Stripe) verifySignature(body []byte, header string) error {
	if s.cfg.WebhookSecret == "" {
		return fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	if header == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, StripeSignatureHeader)
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	age := s.now().Sub(time.Unix(ts, 0))
	if age > s.cfg.Tolerance || age < -s.cfg.Tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := computeStripeSignature(s.cfg.WebhookSecret, timestamp, body)
	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}

func computeStripeSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignStripePayload builds a signature header for body at t. Used by local tooling and tests.
func SignStripePayload(secret string, t time.Time, body []byte) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + computeStripeSignature(secret, ts, body)
}

func withQuery(raw, key, value string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
