package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stockline/stockline/internal/ledger"
	"github.com/stockline/stockline/internal/ledger/ledgertest"
	"github.com/stockline/stockline/internal/observability"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestRouter(t *testing.T, db Pinger) http.Handler {
	t.Helper()
	store := ledgertest.New()
	store.AddReference(ledger.Reference{Type: ledger.RefPurchase, ID: 11})
	logger := slog.New(slog.DiscardHandler)
	svc := ledger.NewService(store, nil, nil, ledger.ServiceConfig{Logger: logger})
	return NewRouter(RouterParams{
		Logger:        logger,
		Config:        &Config{RateLimitPerMinute: 1000},
		DB:            db,
		LedgerHandler: ledger.NewHandler(logger, svc),
		Metrics:       observability.NewMetrics(),
	})
}

func TestRouterHealthz(t *testing.T) {
	router := newTestRouter(t, pingerFunc(func(context.Context) error { return nil }))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok"`)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	down := newTestRouter(t, pingerFunc(func(context.Context) error { return errors.New("down") }))
	rec = httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouterScopesLedgerByBusinessHeader(t *testing.T) {
	router := newTestRouter(t, nil)
	body := `{"variation_id":7,"location_id":2,"type":"purchase","quantity_change":"10","ref_type":"purchase","ref_id":11}`

	req := httptest.NewRequest(http.MethodPost, "/api/ledger/entries", strings.NewReader(body))
	req.Header.Set("X-Business-ID", "3")
	req.Header.Set("X-Actor-ID", "9")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, rec.Body.String(), `stockline_http_requests_total{code="201",route="/api/ledger/entries"} 1`)
}

func TestActorMiddlewareRejectsBadHeaders(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/ledger/balances/7/2", nil)
	req.Header.Set("X-Business-ID", "abc")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Invalid Business")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ledger/balances/7/2", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Missing Business")
}
