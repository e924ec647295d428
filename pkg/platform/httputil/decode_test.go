package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "studio/pkg/domain-errors"
)

type priorityRequest struct {
	Priority   int    `json:"priority"`
	Label      string `json:"label"`
	normalized bool
}

func (r *priorityRequest) Normalize() {
	r.Label = strings.TrimSpace(r.Label)
	r.normalized = true
}

func (r *priorityRequest) Validate() error {
	if r.Priority == 0 {
		return errors.New("priority is required")
	}
	if r.Priority > 10 {
		return dErrors.New(dErrors.CodeOutOfRange, "priority must be at most 10")
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestDecodeJSON(t *testing.T) {
	t.Run("decodes valid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"priority":7,"label":"x"}`))
		rec := httptest.NewRecorder()

		out, ok := DecodeJSON[priorityRequest](rec, req, discardLogger(), context.Background(), "req-1")
		require.True(t, ok)
		assert.Equal(t, 7, out.Priority)
	})

	t.Run("malformed body writes bad request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{not json`))
		rec := httptest.NewRecorder()

		out, ok := DecodeJSON[priorityRequest](rec, req, discardLogger(), context.Background(), "req-1")
		assert.False(t, ok)
		assert.Nil(t, out)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "bad_request", decodeBody(t, rec)["error"])
	})
}

func TestDecodeAndPrepare(t *testing.T) {
	t.Run("normalizes before validating", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"priority":3,"label":"  hi  "}`))
		rec := httptest.NewRecorder()

		out, ok := DecodeAndPrepare[priorityRequest](rec, req, discardLogger(), context.Background(), "")
		require.True(t, ok)
		assert.True(t, out.normalized)
		assert.Equal(t, "hi", out.Label)
	})

	t.Run("plain validation error maps to validation_error", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"label":"x"}`))
		rec := httptest.NewRecorder()

		_, ok := DecodeAndPrepare[priorityRequest](rec, req, discardLogger(), context.Background(), "")
		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "validation_error", body["error"])
		assert.Equal(t, "priority is required", body["error_description"])
	})

	t.Run("domain validation error keeps its code", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"priority":42}`))
		rec := httptest.NewRecorder()

		_, ok := DecodeAndPrepare[priorityRequest](rec, req, discardLogger(), context.Background(), "")
		assert.False(t, ok)
		assert.Equal(t, "out_of_range", decodeBody(t, rec)["error"])
	})
}

func TestWriteError(t *testing.T) {
	cases := []struct {
		code   dErrors.Code
		status int
	}{
		{dErrors.CodeNotFound, http.StatusNotFound},
		{dErrors.CodeInvalidState, http.StatusConflict},
		{dErrors.CodeRetriesExhausted, http.StatusConflict},
		{dErrors.CodeValidation, http.StatusBadRequest},
		{dErrors.CodeUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, dErrors.New(tc.code, "boom"))
			assert.Equal(t, tc.status, rec.Code)
		})
	}

	t.Run("non-domain error is internal", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, errors.New("unexpected"))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "internal_error", decodeBody(t, rec)["error"])
	})
}
