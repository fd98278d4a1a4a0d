package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MercadoPagoConfig configures the MercadoPago Checkout Pro gateway
type MercadoPagoConfig struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
}

// MercadoPago opens checkout preferences and confirms notifications by fetching the payment
type MercadoPago struct {
	cfg    MercadoPagoConfig
	client *http.Client
	now    func() time.Time
	logger *zap.Logger
}

// NewMercadoPago creates the MercadoPago gateway
func NewMercadoPago(cfg MercadoPagoConfig) *MercadoPago {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &MercadoPago{
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout),
		now:    time.Now,
		logger: util.Named("gateway.mercadopago"),
	}
}

func (m *MercadoPago) Name() models.Gateway {
	return models.GatewayMercadoPago
}

type mpItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

type mpPreference struct {
	Items             []mpItem          `json:"items"`
	Payer             *mpPayer          `json:"payer,omitempty"`
	BackURLs          mpBackURLs        `json:"back_urls"`
	AutoReturn        string            `json:"auto_return"`
	ExternalReference string            `json:"external_reference"`
	NotificationURL   string            `json:"notification_url,omitempty"`
	Metadata          map[string]string `json:"metadata"`
}

type mpPayer struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type mpBackURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

type mpPreferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

// mpID accepts ids sent either as JSON strings or numbers
type mpID string

func (id *mpID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "null" {
		s = ""
	}
	*id = mpID(s)
	return nil
}

type mpNotification struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Action string `json:"action"`
	Data   struct {
		ID mpID `json:"id"`
	} `json:"data"`
}

type mpPayment struct {
	ID                mpID           `json:"id"`
	Status            string         `json:"status"`
	StatusDetail      string         `json:"status_detail"`
	ExternalReference string         `json:"external_reference"`
	TransactionAmount float64        `json:"transaction_amount"`
	PaymentMethodID   string         `json:"payment_method_id"`
	PaymentTypeID     string         `json:"payment_type_id"`
	Metadata          map[string]any `json:"metadata"`
	Payer             map[string]any `json:"payer"`
}

// OpenSession creates a checkout preference priced from the order's frozen items
func (m *MercadoPago) OpenSession(ctx context.Context, req *SessionRequest) (*Session, error) {
	if err := validateSessionRequest(req); err != nil {
		return nil, err
	}

	pref := m.preference(req)
	payload, err := json.Marshal(pref)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.cfg.BaseURL+"/checkout/preferences", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.cfg.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Idempotency-Key", uuid.New().String())

	res, err := m.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mercadopago create preference: %w", err)
	}
	body, err := readResponse(res)
	if err != nil {
		return nil, fmt.Errorf("mercadopago create preference: %w", err)
	}

	var out mpPreferenceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("mercadopago create preference: decode response: %w", err)
	}
	redirect := out.InitPoint
	if redirect == "" {
		redirect = out.SandboxInitPoint
	}
	if out.ID == "" || redirect == "" {
		return nil, fmt.Errorf("mercadopago create preference: response missing id or init_point")
	}

	m.logger.Info("Checkout preference opened",
		zap.String("order_id", req.Order.ID),
		zap.String("preference_id", out.ID))

	return &Session{ReferenceID: out.ID, RedirectURL: redirect}, nil
}

func (m *MercadoPago) preference(req *SessionRequest) *mpPreference {
	currency := strings.ToUpper(req.Currency)
	items := make([]mpItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, mpItem{
			ID:         string(it.ProductType) + ":" + it.ProductID,
			Title:      it.Title,
			Quantity:   it.Quantity,
			UnitPrice:  MinorToDecimal(it.UnitPrice).InexactFloat64(),
			CurrencyID: currency,
		})
	}

	var payer *mpPayer
	if req.Payer.Email != "" || req.Payer.Name != "" {
		payer = &mpPayer{Name: req.Payer.Name, Email: req.Payer.Email}
	}

	orderID := req.Order.ID
	return &mpPreference{
		Items: items,
		Payer: payer,
		BackURLs: mpBackURLs{
			Success: withQuery(req.SuccessURL, "order_id", orderID),
			Failure: withQuery(req.FailureURL, "order_id", orderID),
			Pending: withQuery(req.PendingURL, "order_id", orderID),
		},
		AutoReturn:        "approved",
		ExternalReference: orderID,
		NotificationURL:   req.NotificationURL,
		Metadata: map[string]string{
			"order_id":   orderID,
			"user_id":    req.Order.UserID,
			"user_name":  req.Payer.Name,
			"user_email": req.Payer.Email,
		},
	}
}

// VerifyNotification extracts the payment id and fetches the payment from MercadoPago.
// The notification's own content is never trusted for status.
func (m *MercadoPago) VerifyNotification(ctx context.Context, n *Notification) (*models.PaymentEvent, error) {
	paymentID, err := m.paymentIDFromNotification(n)
	if err != nil {
		return nil, err
	}

	raw, payment, err := m.fetchPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	status, ok := mercadoPagoStatus(payment.Status)
	if !ok {
		return nil, fmt.Errorf("%w: payment %s status %s", ErrIgnoredNotification, paymentID, payment.Status)
	}

	orderID := payment.ExternalReference
	if orderID == "" {
		orderID = metaString(payment.Metadata, "order_id")
	}
	if orderID == "" {
		return nil, fmt.Errorf("%w: payment %s carries no order reference", ErrIgnoredNotification, paymentID)
	}

	actor := models.Actor{
		UserID: metaString(payment.Metadata, "user_id"),
		Name:   metaString(payment.Metadata, "user_name"),
		Email:  metaString(payment.Metadata, "user_email"),
	}
	if actor.Email == "" {
		actor.Email = metaString(payment.Payer, "email")
	}

	method := payment.PaymentMethodID
	if method == "" {
		method = payment.PaymentTypeID
	}

	return &models.PaymentEvent{
		Gateway:          models.GatewayMercadoPago,
		GatewayPaymentID: string(payment.ID),
		OrderID:          orderID,
		Status:           status,
		Amount:           DecimalToMinor(decimal.NewFromFloat(payment.TransactionAmount)),
		PaymentMethod:    method,
		Actor:            actor,
		RawPayload:       auditPayload(n.Body, raw),
		ReceivedAt:       m.now().UTC(),
	}, nil
}

// ConfirmPayment fetches a payment by id and normalizes it, bypassing any inbound notification
func (m *MercadoPago) ConfirmPayment(ctx context.Context, paymentID string) (*models.PaymentEvent, error) {
	q := url.Values{}
	q.Set("type", "payment")
	q.Set("data.id", paymentID)
	return m.VerifyNotification(ctx, &Notification{Query: q, Header: http.Header{}})
}

func (m *MercadoPago) paymentIDFromNotification(n *Notification) (string, error) {
	var body mpNotification
	if len(bytes.TrimSpace(n.Body)) > 0 {
		if err := json.Unmarshal(n.Body, &body); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedNotification, err)
		}
	}

	topic := firstNonEmpty(body.Type, body.Topic, n.Query.Get("type"), n.Query.Get("topic"))
	id := firstNonEmpty(string(body.Data.ID), n.Query.Get("data.id"), n.Query.Get("id"))

	if topic != "" && topic != "payment" {
		return "", fmt.Errorf("%w: topic %s", ErrIgnoredNotification, topic)
	}
	if id == "" {
		return "", fmt.Errorf("%w: no payment id", ErrMalformedNotification)
	}
	if strings.ContainsAny(id, "/?#") {
		return "", fmt.Errorf("%w: bad payment id", ErrMalformedNotification)
	}
	return id, nil
}

func (m *MercadoPago) fetchPayment(ctx context.Context, paymentID string) ([]byte, *mpPayment, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		m.cfg.BaseURL+"/v1/payments/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.cfg.AccessToken)

	res, err := m.client.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConfirmFailed, err)
	}
	body, err := readResponse(res)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			// test notifications and forged ids land here; redelivery cannot help
			return nil, nil, fmt.Errorf("%w: payment %s not found", ErrIgnoredNotification, paymentID)
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrConfirmFailed, err)
	}

	var payment mpPayment
	if err := json.Unmarshal(body, &payment); err != nil {
		return nil, nil, fmt.Errorf("%w: decode payment: %v", ErrConfirmFailed, err)
	}
	if payment.ID == "" {
		payment.ID = mpID(paymentID)
	}
	return body, &payment, nil
}

func mercadoPagoStatus(s string) (models.PaymentStatus, bool) {
	switch s {
	case "approved":
		return models.PaymentStatusApproved, true
	case "pending", "in_process", "authorized", "in_mediation":
		return models.PaymentStatusPending, true
	case "rejected":
		return models.PaymentStatusRejected, true
	case "cancelled":
		return models.PaymentStatusCancelled, true
	}
	// refunded and charged_back are not handled here
	return "", false
}

// MinorToDecimal converts minor currency units to a decimal amount
func MinorToDecimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// DecimalToMinor converts a decimal amount to minor currency units, rounding half away from zero
func DecimalToMinor(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func auditPayload(notification, payment []byte) json.RawMessage {
	wrapped := map[string]json.RawMessage{"payment": payment}
	if len(bytes.TrimSpace(notification)) > 0 && json.Valid(notification) {
		wrapped["notification"] = notification
	}
	out, err := json.Marshal(wrapped)
	if err != nil {
		return json.RawMessage(payment)
	}
	return out
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return decimal.NewFromFloat(v).String()
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
