package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stockline/stockline/internal/shared"
)

func TestRespondErrorMapsKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{shared.NewError(shared.ErrNotFound, "transfer not found"), http.StatusNotFound},
		{shared.NewError(shared.ErrInvalidInput, "bad qty"), http.StatusBadRequest},
		{shared.NewError(shared.ErrUnprocessable, "unknown reference"), http.StatusUnprocessableEntity},
		{shared.NewError(shared.ErrConflict, "insufficient stock"), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)
		require.Equal(t, tc.status, rec.Code)
		var body ProblemDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, tc.status, body.Status)
	}
}

func TestDecodeAndValidate(t *testing.T) {
	type payload struct {
		LocationID int64 `json:"location_id" validate:"required,gt=0"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"location_id":0}`))
	rec := httptest.NewRecorder()
	var p payload
	require.False(t, DecodeAndValidate(rec, req, &p))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "LocationID")

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"location_id":4}`))
	rec = httptest.NewRecorder()
	require.True(t, DecodeAndValidate(rec, req, &p))
	require.Equal(t, int64(4), p.LocationID)
}
