package validate

import (
	"errors"
	"strings"
	"testing"

	"github.com/medmart/telehealth/internal/platform/apperr"
)

type sample struct {
	Email string   `json:"email" validate:"required,email"`
	Mode  string   `json:"mode" validate:"omitempty,oneof=video audio form"`
	Tags  []string `json:"tags" validate:"omitempty,dive,required"`
}

func TestStruct(t *testing.T) {
	if err := Struct(sample{Email: "a@b.co", Mode: "video"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := Struct(sample{Email: "secret-not-an-email", Mode: "fax"})
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "email: must be a valid email address") {
		t.Errorf("missing email message: %s", msg)
	}
	if !strings.Contains(msg, "mode: must be one of [video audio form]") {
		t.Errorf("missing mode message: %s", msg)
	}
	if strings.Contains(msg, "secret-not-an-email") {
		t.Error("submitted values must not be echoed")
	}
}

func TestStruct_NestedPath(t *testing.T) {
	err := Struct(sample{Email: "a@b.co", Tags: []string{"ok", ""}})
	if err == nil || !strings.Contains(err.Error(), "tags[1]: is required") {
		t.Errorf("expected nested path, got %v", err)
	}
}

func TestVar(t *testing.T) {
	if err := Var("slug", "acme", "required,alphanum"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := Var("slug", "", "required")
	if !errors.Is(err, apperr.ErrInvalidInput) || !strings.Contains(err.Error(), "slug: is required") {
		t.Errorf("unexpected error: %v", err)
	}
}
