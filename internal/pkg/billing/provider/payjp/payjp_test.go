package payjp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/event"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *Adapter {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "sk_test_payjp", user)
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return New(Config{
		SecretKey:    "sk_test_payjp",
		WebhookToken: "whook_token",
		BaseURL:      srv.URL,
		Plans:        provider.NewPlanTable(map[string]string{"standard": "pln_std", "pro": "pln_pro"}, []string{"standard", "pro", "enterprise"}),
		Timeout:      timeout,
	})
}

func TestCreatePayment(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantOK   bool
		settled  bool
		action   bool
		wantCode string
	}{
		{"captured", http.StatusOK, `{"id":"ch_1","paid":true,"captured":true,"amount":3000,"currency":"jpy"}`, true, true, false, ""},
		{"authorized only", http.StatusOK, `{"id":"ch_2","paid":true,"captured":false}`, true, false, false, ""},
		{"3ds pending", http.StatusOK, `{"id":"ch_3","paid":false,"three_d_secure_status":"unverified"}`, true, false, true, ""},
		{"card declined", http.StatusPaymentRequired, `{"error":{"type":"card_error","code":"card_declined","message":"declined","status":402}}`, false, false, false, "card_declined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, r.ParseForm())
				assert.Equal(t, "/v1/charges", r.URL.Path)
				assert.Equal(t, "3000", r.PostForm.Get("amount"))
				assert.Equal(t, "jpy", r.PostForm.Get("currency"))
				assert.Equal(t, "pay-1", r.PostForm.Get("metadata[payment_id]"))
				assert.Equal(t, "pay-1", r.Header.Get("Idempotency-Key"))
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}, 5*time.Second)

			res, err := a.CreatePayment(context.Background(), provider.PaymentRequest{
				Amount: 3000, Currency: "JPY", PaymentMethodID: "tok_1", IdempotencyKey: "pay-1",
				Metadata: map[string]string{provider.MetadataPaymentID: "pay-1"},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, res.Success)
			assert.Equal(t, tt.settled, res.Settled)
			assert.Equal(t, tt.action, res.RequiresAction)
			assert.Equal(t, tt.wantCode, res.ErrorCode)
		})
	}
}

func TestCreatePayment_TimeoutIsUnavailable(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		fmt.Fprint(w, `{}`)
	}, 50*time.Millisecond)

	_, err := a.CreatePayment(context.Background(), provider.PaymentRequest{Amount: 100, Currency: "JPY"})
	assert.ErrorIs(t, err, provider.ErrUnavailable)
}

func TestCreateSubscription_Trial(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "pln_pro", r.PostForm.Get("plan"))
		assert.Equal(t, "cus_1", r.PostForm.Get("customer"))
		fmt.Fprint(w, `{"id":"sub_1","status":"trial","current_period_start":1740787200,"current_period_end":1743465600}`)
	}, 5*time.Second)

	res, err := a.CreateSubscription(context.Background(), provider.SubscriptionRequest{PlanID: "pro", CustomerID: "cus_1"})
	require.NoError(t, err)
	assert.Equal(t, provider.SubscriptionStatusTrialing, res.SubscriptionStatus)
	require.NotNil(t, res.PeriodStart)
	assert.Equal(t, int64(1740787200), res.PeriodStart.Unix())
}

func TestCancelSubscription(t *testing.T) {
	tests := []struct {
		immediately bool
		method      string
		path        string
	}{
		{false, http.MethodPost, "/v1/subscriptions/sub_1/cancel"},
		{true, http.MethodDelete, "/v1/subscriptions/sub_1"},
	}
	for _, tt := range tests {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, tt.method, r.Method)
			assert.Equal(t, tt.path, r.URL.Path)
			fmt.Fprint(w, `{"id":"sub_1"}`)
		}, 5*time.Second)
		ok, err := a.CancelSubscription(context.Background(), "sub_1", tt.immediately)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestUpdateSubscriptionProrates(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/v1/subscriptions/sub_1", r.URL.Path)
		assert.Equal(t, "pln_std", r.PostForm.Get("plan"))
		assert.Equal(t, "true", r.PostForm.Get("prorate"))
		fmt.Fprint(w, `{"id":"sub_1","status":"active"}`)
	}, 5*time.Second)

	ok, err := a.UpdateSubscription(context.Background(), "sub_1", "standard")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRetrievePaymentMethods(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/customers/cus_1/cards", r.URL.Path)
		fmt.Fprint(w, `{"data":[{"id":"car_1","brand":"Visa","last4":"4242","exp_month":1,"exp_year":2031}]}`)
	}, 5*time.Second)

	methods, err := a.RetrievePaymentMethods(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, []provider.PaymentMethod{{ID: "car_1", Type: "card", Brand: "visa", Last4: "4242", ExpMonth: 1, ExpYear: 2031}}, methods)
}

func TestRefundPayment_SynthesizesRefundID(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/v1/charges/ch_1/refund", r.URL.Path)
		assert.Equal(t, "1000", r.PostForm.Get("amount"))
		fmt.Fprint(w, `{"id":"ch_1","amount":3000,"amount_refunded":1500,"refunded":true}`)
	}, 5*time.Second)

	res, err := a.RefundPayment(context.Background(), provider.RefundRequest{ProviderPaymentID: "ch_1", Amount: 1000, Currency: "JPY"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "ch_1:1500", res.RefundID)
	assert.Equal(t, provider.RefundStatusSucceeded, res.Status)
}

func TestRefundPayment_InvalidRequestIsFailedResult(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"client_error","code":"invalid_refund_amount","message":"too large","status":400}}`)
	}, 5*time.Second)

	res, err := a.RefundPayment(context.Background(), provider.RefundRequest{ProviderPaymentID: "ch_1", Amount: 99999, Currency: "JPY"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "invalid_refund_amount", res.ErrorCode)
}

func webhook(body, token string) provider.WebhookRequest {
	h := http.Header{}
	if token != "" {
		h.Set(tokenHeader, token)
	}
	return provider.WebhookRequest{Body: []byte(body), Header: h}
}

func TestVerify_Token(t *testing.T) {
	a := New(Config{WebhookToken: "whook_token"})
	body := `{"id":"evnt_1","type":"charge.succeeded","created":1740787200,"data":{"id":"ch_1","amount":3000,"currency":"jpy","metadata":{"payment_id":"pay-1"}}}`

	ev, err := a.Verify(context.Background(), webhook(body, "whook_token"))
	require.NoError(t, err)
	assert.Equal(t, event.ChargeSucceeded{
		Meta:      event.Meta{Provider: name, ID: "evnt_1", Type: "charge.succeeded", OccurredAt: time.Unix(1740787200, 0).UTC()},
		ChargeRef: event.ChargeRef{ProviderPaymentID: "ch_1", ReferenceID: "pay-1"},
		Amount:    3000,
		Currency:  "JPY",
	}, ev)

	for _, token := range []string{"", "wrong", "whook_token_x", "WHOOK_TOKEN"} {
		_, err := a.Verify(context.Background(), webhook(body, token))
		assert.True(t, provider.IsSignatureError(err), "token %q: %v", token, err)
	}
}

func TestDecode(t *testing.T) {
	a := New(Config{WebhookToken: "t"})
	tests := []struct {
		name string
		body string
		want event.Event
	}{
		{
			name: "renewal charge is an invoice",
			body: `{"id":"e1","type":"charge.succeeded","data":{"id":"ch_9","amount":4980,"currency":"jpy","subscription":"sub_1"}}`,
			want: event.InvoicePaid{Meta: event.Meta{Provider: name, ID: "e1", Type: "charge.succeeded"}, ProviderSubscriptionID: "sub_1", ProviderInvoiceID: "ch_9", Amount: 4980, Currency: "JPY"},
		},
		{
			name: "renewal failure",
			body: `{"id":"e2","type":"charge.failed","data":{"id":"ch_9","amount":4980,"currency":"jpy","subscription":"sub_1","failure_message":"expired card"}}`,
			want: event.InvoicePaymentFailed{Meta: event.Meta{Provider: name, ID: "e2", Type: "charge.failed"}, ProviderSubscriptionID: "sub_1", ProviderInvoiceID: "ch_9", Amount: 4980, Currency: "JPY", Reason: "expired card"},
		},
		{
			name: "one-off failure",
			body: `{"id":"e3","type":"charge.failed","data":{"id":"ch_1","failure_code":"card_declined","failure_message":"declined","metadata":{"payment_id":"pay-1"}}}`,
			want: event.ChargeFailed{Meta: event.Meta{Provider: name, ID: "e3", Type: "charge.failed"}, ChargeRef: event.ChargeRef{ProviderPaymentID: "ch_1", ReferenceID: "pay-1"}, Code: "card_declined", Reason: "declined"},
		},
		{
			name: "refund reports cumulative total",
			body: `{"id":"e4","type":"charge.refunded","data":{"id":"ch_1","amount":3000,"amount_refunded":2000,"currency":"jpy"}}`,
			want: event.ChargeRefunded{Meta: event.Meta{Provider: name, ID: "e4", Type: "charge.refunded"}, ChargeRef: event.ChargeRef{ProviderPaymentID: "ch_1"}, ProviderRefundID: "ch_1:2000", TotalRefunded: 2000, Currency: "JPY", Status: provider.RefundStatusSucceeded},
		},
		{
			name: "cancel at period end",
			body: `{"id":"e5","type":"subscription.canceled","data":{"id":"sub_1","status":"canceled"}}`,
			want: event.SubscriptionCancelScheduled{Meta: event.Meta{Provider: name, ID: "e5", Type: "subscription.canceled"}, ProviderSubscriptionID: "sub_1", Scheduled: true},
		},
		{
			name: "deleted",
			body: `{"id":"e6","type":"subscription.deleted","data":{"id":"sub_1"}}`,
			want: event.SubscriptionCanceled{Meta: event.Meta{Provider: name, ID: "e6", Type: "subscription.deleted"}, ProviderSubscriptionID: "sub_1"},
		},
		{
			name: "paused",
			body: `{"id":"e7","type":"subscription.paused","data":{"id":"sub_1"}}`,
			want: event.SubscriptionRetriesExhausted{Meta: event.Meta{Provider: name, ID: "e7", Type: "subscription.paused"}, ProviderSubscriptionID: "sub_1"},
		},
		{
			name: "customer events are ignored",
			body: `{"id":"e8","type":"customer.created","data":{"id":"cus_1"}}`,
			want: event.Unhandled{Meta: event.Meta{Provider: name, ID: "e8", Type: "customer.created"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := a.Verify(context.Background(), webhook(tt.body, "t"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
		})
	}
}
