// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindValidation, "invalid window")
	if err.Error() != "invalid window" {
		t.Errorf("expected 'invalid window', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindInternal, "failed to score subject")
	if wrapped.Error() != "failed to score subject: invalid window" {
		t.Errorf("expected 'failed to score subject: invalid window', got '%s'", wrapped.Error())
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindValidation, "invalid window")
	if GetKind(err) != KindValidation {
		t.Errorf("expected KindValidation, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindUnavailable, "store write failed")
	if GetKind(wrapped) != KindUnavailable {
		t.Errorf("expected KindUnavailable, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("disk full")
	wrapped := Wrap(inner, KindUnavailable, "commit failed")
	if !Is(wrapped, inner) {
		t.Error("wrapped error should match its cause")
	}
	if Wrap(nil, KindInternal, "noop") != nil {
		t.Error("wrapping nil should return nil")
	}
}
