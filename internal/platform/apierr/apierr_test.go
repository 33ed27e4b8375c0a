package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/clinicops/clinic/internal/platform/auth"
	"github.com/clinicops/clinic/internal/platform/fsm"
)

func TestToHTTP(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"validation", Invalid("patient_id is required"), http.StatusBadRequest, "validation"},
		{"forbidden", fmt.Errorf("%w: patients only", auth.ErrForbidden), http.StatusForbidden, "forbidden"},
		{"not found", fmt.Errorf("session abc: %w", ErrNotFound), http.StatusNotFound, "not_found"},
		{"transition", fsm.Reject("appointment", "1", "completed", "cancelled", "appointment already completed"), http.StatusConflict, "invalid_transition"},
		{"conflict", fmt.Errorf("%w: already checked in today", ErrConflict), http.StatusConflict, "conflict"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			he := ToHTTP(tt.err)
			if he.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, he.Code)
			}
			body, ok := he.Message.(Response)
			if !ok {
				t.Fatalf("expected Response body, got %T", he.Message)
			}
			if body.Code != tt.kind {
				t.Errorf("expected code %q, got %q", tt.kind, body.Code)
			}
		})
	}
}

func TestToHTTP_StaleFlag(t *testing.T) {
	he := ToHTTP(fsm.Stale("session", "1", "doctor-notified", "in-progress"))
	body := he.Message.(Response)
	if !body.Stale {
		t.Error("expected stale flag on lost compare-and-swap")
	}
}

func TestToHTTP_InternalHidesDetail(t *testing.T) {
	he := ToHTTP(errors.New("pq: password authentication failed"))
	if body := he.Message.(Response); body.Error != "internal server error" {
		t.Errorf("internal errors must not leak detail, got %q", body.Error)
	}
}
