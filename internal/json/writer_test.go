package json

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dgellow/mcp-gateway/internal/errs"
)

func TestWriteErr(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", errs.NotFound("tool group %s", "reads"), http.StatusNotFound, "not_found"},
		{"already exists", errs.AlreadyExists("target server %s", "slack"), http.StatusConflict, "already_exists"},
		{"validation", errs.Validation("name is required"), http.StatusBadRequest, "bad_request"},
		{"inactive", errs.Wrap(errs.ErrInactive, "Target server slack is inactive"), http.StatusForbidden, "inactive"},
		{"not approved", errs.Wrap(errs.ErrNotApproved, "tool x"), http.StatusForbidden, "not_approved"},
		{"failed to connect", fmt.Errorf("adding slack: %w", errs.ErrFailedToConnect), http.StatusBadGateway, "failed_to_connect"},
		{"unclassified", fmt.Errorf("boom"), http.StatusInternalServerError, "internal_server_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			WriteErr(w, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", w.Code, tt.wantStatus)
			}
			var body ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if body.Error != tt.wantCode {
				t.Errorf("error = %q, want %q", body.Error, tt.wantCode)
			}
			if body.Message != tt.err.Error() {
				t.Errorf("message = %q, want %q", body.Message, tt.err.Error())
			}
		})
	}
}

func TestWriteUnauthorized(t *testing.T) {
	w := httptest.NewRecorder()

	WriteUnauthorized(w, "Test error")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %v, want %v", w.Code, http.StatusUnauthorized)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}
