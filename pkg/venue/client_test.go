package venue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/model"
)

const testSecret = "JBSWY3DPEHPK3PXP"

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{
		BaseURL:    srv.URL,
		APIKey:     "key",
		ClientCode: "C123",
		Password:   "pw",
		TOTPSecret: testSecret,
		Timeout:    2 * time.Second,
	})
	return c, srv
}

func loginHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		ok, err := totp.ValidateCustom(body["totp"], testSecret, time.Now(), totp.ValidateOpts{
			Period: 30, Skew: 1, Digits: 6,
		})
		require.NoError(t, err)
		if !ok || body["client_code"] != "C123" || body["password"] != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
	}
}

func TestLoginGeneratesValidTOTP(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", loginHandler(t))
	c, _ := newTestClient(t, mux)

	require.NoError(t, c.Login(context.Background()))
}

func TestPlaceOrderSendsIdempotencyKey(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", loginHandler(t))
	var gotKey, gotAuth string
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		var req model.OrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ACME", req.Instrument)
		json.NewEncoder(w).Encode(map[string]string{"order_id": "V-42", "status": "PLACED"})
	})
	c, _ := newTestClient(t, mux)
	require.NoError(t, c.Login(context.Background()))

	id, err := c.PlaceOrder(context.Background(), model.OrderRequest{
		CorrelationID: "corr-abc",
		Instrument:    "ACME",
		Direction:     model.Long,
		Qty:           5,
		Type:          model.OrderMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, "V-42", id)
	assert.Equal(t, "corr-abc", gotKey)
	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestPlaceOrderWithoutLogin(t *testing.T) {
	c, _ := newTestClient(t, http.NewServeMux())
	_, err := c.PlaceOrder(context.Background(), model.OrderRequest{Instrument: "ACME"})
	assert.True(t, errors.Is(err, model.ErrAuth))
}

func TestPlaceOrderRejection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", loginHandler(t))
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"status": "REJECTED", "message": "insufficient margin",
		})
	})
	c, _ := newTestClient(t, mux)
	require.NoError(t, c.Login(context.Background()))

	_, err := c.PlaceOrder(context.Background(), model.OrderRequest{Instrument: "ACME"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrRejected))
	assert.Contains(t, err.Error(), "insufficient margin")
	assert.False(t, model.IsTransient(err), "a rejection must not be retried")
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, model.ErrAuth},
		{http.StatusForbidden, model.ErrAuth},
		{http.StatusTooManyRequests, model.ErrRateLimited},
		{http.StatusGatewayTimeout, model.ErrTimeout},
		{http.StatusInternalServerError, model.ErrDisconnected},
		{http.StatusBadRequest, model.ErrRejected},
	}
	for _, tc := range cases {
		status := tc.status
		mux := http.NewServeMux()
		mux.HandleFunc("/auth/login", loginHandler(t))
		mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		c, _ := newTestClient(t, mux)
		require.NoError(t, c.Login(context.Background()))

		_, err := c.GetOpenPositions(context.Background())
		assert.True(t, errors.Is(err, tc.want), "status %d should map to %v, got %v", tc.status, tc.want, err)
	}
}

func TestSessionExpiryHookFires(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", loginHandler(t))
	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	c, _ := newTestClient(t, mux)
	require.NoError(t, c.Login(context.Background()))

	fired := false
	c.SessionExpiryHook = func() { fired = true }

	_, err := c.GetOpenPositions(context.Background())
	assert.True(t, errors.Is(err, model.ErrAuth))
	assert.True(t, fired)
}

func TestGetOpenPositions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", loginHandler(t))
	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"positions": []model.VenuePosition{
				{Instrument: "ACME", Direction: model.Long, Qty: 5, AvgPrice: 10000},
			},
		})
	})
	c, _ := newTestClient(t, mux)
	require.NoError(t, c.Login(context.Background()))

	got, err := c.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ACME", got[0].Instrument)
	assert.Equal(t, int64(5), got[0].Qty)
}
