package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simaogato/payrecon-backend/internal/adapter/repository/memory"
	"github.com/simaogato/payrecon-backend/internal/domain"
	"github.com/simaogato/payrecon-backend/internal/usecase/report"
)

const token = "ops-token"

var start = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) (http.Handler, *domain.PaymentIntent) {
	t.Helper()
	intents := memory.NewPaymentIntentRepository()
	intent := &domain.PaymentIntent{
		ID:         uuid.New(),
		Reference:  "SOL_42_1740823200_abcdef",
		CustomerID: "42",
		Basket: domain.BasketSnapshot{Items: []domain.LineItem{
			{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(100), Payout: domain.PayoutTargetWallet1},
		}},
		FiatTotal:      decimal.NewFromInt(100),
		RequiredAmount: decimal.RequireFromString("0.721473"),
		Tolerance:      decimal.RequireFromString("0.001"),
		Destination:    domain.Destination{Kind: domain.DestinationKindDirect, Wallet: "W1"},
		Status:         domain.PaymentStatusPending,
		CreatedAt:      start,
		ExpiresAt:      start.Add(20 * time.Minute),
		UpdatedAt:      start,
	}
	require.NoError(t, intents.Create(context.Background(), intent))

	h := NewHandler(intents, report.NewSummaryService(intents, memory.NewCompensationRepository()), token, nil)
	return h.Router(), intent
}

func do(router http.Handler, path string, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRouter(t *testing.T) {
	router, intent := setup(t)

	t.Run("health needs no token", func(t *testing.T) {
		rec := do(router, "/healthz", false)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("metrics are exposed", func(t *testing.T) {
		rec := do(router, "/metrics", false)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "go_goroutines")
	})

	t.Run("payment lookup requires token", func(t *testing.T) {
		rec := do(router, "/v1/payments/"+intent.ID.String(), false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("payment lookup", func(t *testing.T) {
		rec := do(router, "/v1/payments/"+intent.ID.String(), true)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var got map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, intent.ID.String(), got["id"])
		assert.Equal(t, "PENDING", got["status"])
		assert.Equal(t, "0.721473", got["required_amount"])
		assert.Equal(t, "W1", got["address"])
		assert.Equal(t, "2025-03-01T10:20:00Z", got["expires_at"])
		assert.NotContains(t, got, "matched_signature")
	})

	t.Run("unknown payment", func(t *testing.T) {
		rec := do(router, "/v1/payments/"+uuid.NewString(), true)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		rec := do(router, "/v1/payments/abc", true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("summary", func(t *testing.T) {
		rec := do(router, "/v1/summary", true)
		require.Equal(t, http.StatusOK, rec.Code)

		var got struct {
			ByStatus map[string]int `json:"by_status"`
			Open     int            `json:"open"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, 1, got.ByStatus["PENDING"])
		assert.Equal(t, 0, got.ByStatus["CONFIRMED"])
		assert.Equal(t, 1, got.Open)
	})
}
