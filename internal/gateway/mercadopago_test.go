package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMercadoPago(baseURL string) *MercadoPago {
	m := NewMercadoPago(MercadoPagoConfig{
		BaseURL:     baseURL,
		AccessToken: "APP_USR-test",
		Timeout:     time.Second,
	})
	m.now = func() time.Time { return fixedNow }
	return m
}

func paymentServer(t *testing.T, status int, payment string, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/payments/123456", r.URL.Path)
		assert.Equal(t, "Bearer APP_USR-test", r.Header.Get("Authorization"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(payment))
	}))
}

const approvedPayment = `{
	"id": 123456,
	"status": "approved",
	"status_detail": "accredited",
	"external_reference": "order-1",
	"transaction_amount": 65.5,
	"payment_method_id": "visa",
	"payment_type_id": "credit_card",
	"metadata": {"order_id": "order-1", "user_id": "user-1", "user_name": "Ada", "user_email": "ada@example.com"},
	"payer": {"email": "payer@example.com"}
}`

func TestMercadoPagoOpenSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/checkout/preferences", r.URL.Path)
		assert.Equal(t, "Bearer APP_USR-test", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Idempotency-Key"))

		var pref mpPreference
		require.NoError(t, json.NewDecoder(r.Body).Decode(&pref))

		assert.Equal(t, "9b2f1c1e-0000-4000-8000-000000000001", pref.ExternalReference)
		assert.Equal(t, "9b2f1c1e-0000-4000-8000-000000000001", pref.Metadata["order_id"])
		assert.Equal(t, "https://api.example.com/api/v1/webhooks/mercadopago", pref.NotificationURL)
		require.Len(t, pref.Items, 2)
		assert.Equal(t, 50.0, pref.Items[0].UnitPrice)
		assert.Equal(t, 15.0, pref.Items[1].UnitPrice)
		assert.Equal(t, "USD", pref.Items[1].CurrencyID)
		assert.Equal(t, "EBOOK:ebook-1", pref.Items[1].ID)
		assert.Contains(t, pref.BackURLs.Pending, "order_id=9b2f1c1e-0000-4000-8000-000000000001")
		assert.Equal(t, "approved", pref.AutoReturn)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"pref-1","init_point":"https://www.mercadopago.com/checkout/v1/redirect?pref_id=pref-1"}`))
	}))
	defer srv.Close()

	sess, err := newTestMercadoPago(srv.URL).OpenSession(context.Background(), testSessionRequest())
	require.NoError(t, err)
	assert.Equal(t, "pref-1", sess.ReferenceID)
	assert.Contains(t, sess.RedirectURL, "pref_id=pref-1")
}

func TestMercadoPagoOpenSessionTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	m := newTestMercadoPago(srv.URL)
	m.client.Timeout = 20 * time.Millisecond

	_, err := m.OpenSession(context.Background(), testSessionRequest())
	assert.Error(t, err)
}

func TestMercadoPagoVerifyConfirmsByID(t *testing.T) {
	srv := paymentServer(t, http.StatusOK, approvedPayment, nil)
	defer srv.Close()

	// the inbound body claims nothing about status; only the fetched payment counts
	n := &Notification{Body: []byte(`{"type":"payment","action":"payment.updated","data":{"id":"123456"}}`)}
	ev, err := newTestMercadoPago(srv.URL).VerifyNotification(context.Background(), n)
	require.NoError(t, err)

	assert.Equal(t, models.GatewayMercadoPago, ev.Gateway)
	assert.Equal(t, "123456", ev.GatewayPaymentID)
	assert.Equal(t, "order-1", ev.OrderID)
	assert.Equal(t, models.PaymentStatusApproved, ev.Status)
	assert.Equal(t, int64(6550), ev.Amount)
	assert.Equal(t, "visa", ev.PaymentMethod)
	assert.Equal(t, "ada@example.com", ev.Actor.Email)
	assert.Equal(t, "user-1", ev.Actor.UserID)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(ev.RawPayload, &raw))
	assert.Contains(t, raw, "payment")
	assert.Contains(t, raw, "notification")
}

func TestMercadoPagoVerifyQueryNotifications(t *testing.T) {
	srv := paymentServer(t, http.StatusOK, approvedPayment, nil)
	defer srv.Close()
	m := newTestMercadoPago(srv.URL)

	t.Run("webhook query", func(t *testing.T) {
		q := url.Values{"type": {"payment"}, "data.id": {"123456"}}
		ev, err := m.VerifyNotification(context.Background(), &Notification{Query: q})
		require.NoError(t, err)
		assert.Equal(t, "order-1", ev.OrderID)
	})

	t.Run("legacy ipn", func(t *testing.T) {
		q := url.Values{"topic": {"payment"}, "id": {"123456"}}
		ev, err := m.VerifyNotification(context.Background(), &Notification{Query: q})
		require.NoError(t, err)
		assert.Equal(t, "123456", ev.GatewayPaymentID)
	})
}

func TestMercadoPagoVerifyIgnoresOtherTopics(t *testing.T) {
	var calls int32
	srv := paymentServer(t, http.StatusOK, approvedPayment, &calls)
	defer srv.Close()

	q := url.Values{"topic": {"merchant_order"}, "id": {"999"}}
	_, err := newTestMercadoPago(srv.URL).VerifyNotification(context.Background(), &Notification{Query: q})
	assert.ErrorIs(t, err, ErrIgnoredNotification)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestMercadoPagoVerifyMalformed(t *testing.T) {
	m := newTestMercadoPago("http://127.0.0.1:1")

	_, err := m.VerifyNotification(context.Background(), &Notification{Body: []byte(`{"type":"payment"}`)})
	assert.ErrorIs(t, err, ErrMalformedNotification)

	_, err = m.VerifyNotification(context.Background(), &Notification{Body: []byte(`not json`)})
	assert.ErrorIs(t, err, ErrMalformedNotification)
}

func TestMercadoPagoConfirmFailures(t *testing.T) {
	n := &Notification{Body: []byte(`{"type":"payment","data":{"id":"123456"}}`)}

	t.Run("server error is transient", func(t *testing.T) {
		srv := paymentServer(t, http.StatusInternalServerError, `{"message":"boom"}`, nil)
		defer srv.Close()
		_, err := newTestMercadoPago(srv.URL).VerifyNotification(context.Background(), n)
		assert.ErrorIs(t, err, ErrConfirmFailed)
	})

	t.Run("unknown payment is ignored", func(t *testing.T) {
		srv := paymentServer(t, http.StatusNotFound, `{"message":"Payment not found"}`, nil)
		defer srv.Close()
		_, err := newTestMercadoPago(srv.URL).VerifyNotification(context.Background(), n)
		assert.ErrorIs(t, err, ErrIgnoredNotification)
	})

	t.Run("timeout is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()
		m := newTestMercadoPago(srv.URL)
		m.client.Timeout = 20 * time.Millisecond
		_, err := m.VerifyNotification(context.Background(), n)
		assert.ErrorIs(t, err, ErrConfirmFailed)
	})
}

func TestMercadoPagoStatusMapping(t *testing.T) {
	cases := map[string]models.PaymentStatus{
		"approved":     models.PaymentStatusApproved,
		"pending":      models.PaymentStatusPending,
		"in_process":   models.PaymentStatusPending,
		"authorized":   models.PaymentStatusPending,
		"in_mediation": models.PaymentStatusPending,
		"rejected":     models.PaymentStatusRejected,
		"cancelled":    models.PaymentStatusCancelled,
	}
	for in, want := range cases {
		got, ok := mercadoPagoStatus(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := mercadoPagoStatus("refunded")
	assert.False(t, ok)
	_, ok = mercadoPagoStatus("charged_back")
	assert.False(t, ok)
}

func TestMoneyConversion(t *testing.T) {
	assert.Equal(t, "15", MinorToDecimal(1500).String())
	assert.Equal(t, "0.99", MinorToDecimal(99).String())
	assert.Equal(t, int64(6550), DecimalToMinor(decimal.NewFromFloat(65.5)))
	assert.Equal(t, int64(30), DecimalToMinor(decimal.NewFromFloat(0.1).Add(decimal.NewFromFloat(0.2))))
	assert.Equal(t, int64(1999), DecimalToMinor(decimal.NewFromFloat(19.99)))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(newTestStripe(""), newTestMercadoPago(""))

	g, err := r.Get(models.GatewayStripe)
	require.NoError(t, err)
	assert.Equal(t, models.GatewayStripe, g.Name())

	_, err = r.Get("paypal")
	assert.ErrorIs(t, err, ErrUnknownGateway)

	assert.Equal(t, []models.Gateway{models.GatewayMercadoPago, models.GatewayStripe}, r.Names())
}
