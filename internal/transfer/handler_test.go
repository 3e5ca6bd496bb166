package transfer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/stockline/stockline/internal/shared"
)

func newTestRouter(f fixture) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := shared.ContextWithActor(req.Context(), shared.Actor{BusinessID: business, UserID: 3})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Route("/transfers", NewHandler(slog.New(slog.DiscardHandler), f.svc).MountRoutes)
	return r
}

func TestHandlerCreateAndSend(t *testing.T) {
	f := newFixture(t)
	f.open(t, locationA, variation, "50")
	router := newTestRouter(f)

	body := `{"from_location_id":10,"to_location_id":20,"items":[{"variation_id":7,"quantity":"20"}]}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/transfers/", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created Transfer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, StatusDraft, created.Status)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/transfers/%d/send", created.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/transfers/%d/verify", created.ID), nil))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerRejectsSameLocations(t *testing.T) {
	router := newTestRouter(newFixture(t))
	body := `{"from_location_id":10,"to_location_id":10,"items":[{"variation_id":7,"quantity":"1"}]}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/transfers/", strings.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transfers/99", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
