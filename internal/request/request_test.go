package request

import (
	"errors"
	"testing"
	"time"
)

func TestNewDerivesUniqueKey(t *testing.T) {
	r, err := New("https://Example.com/Path?q=1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.Method != "GET" {
		t.Errorf("expected default method GET, got %q", r.Method)
	}
	want := "https://example.com/Path?q=1"
	if r.UniqueKey != want {
		t.Errorf("expected uniqueKey %q, got %q", want, r.UniqueKey)
	}
}

func TestNewRejectsEmptyURL(t *testing.T) {
	_, err := New("   ")
	if err == nil {
		t.Fatal("expected an error for an empty url")
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNewRejectsHostlessURL(t *testing.T) {
	_, err := New("/just/a/path")
	if err == nil {
		t.Fatal("expected an error for a url with no host")
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestWithUniqueKeyOverridesDefault(t *testing.T) {
	r, err := New("https://example.com/a", WithUniqueKey("custom"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.UniqueKey != "custom" {
		t.Errorf("expected override uniqueKey, got %q", r.UniqueKey)
	}
}

func TestOptionsApply(t *testing.T) {
	r, err := New("https://example.com/a",
		WithMethod("POST"),
		WithPayload([]byte("body")),
		WithUserData(map[string]any{"k": "v"}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.Method != "POST" {
		t.Errorf("expected method POST, got %q", r.Method)
	}
	if string(r.Payload) != "body" {
		t.Errorf("expected payload %q, got %q", "body", r.Payload)
	}
	if r.UserData["k"] != "v" {
		t.Errorf("expected userData to carry through, got %v", r.UserData)
	}
}

func TestMarkHandledAndIsHandled(t *testing.T) {
	r, err := New("https://example.com/a")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.IsHandled() {
		t.Fatal("expected a fresh request to be unhandled")
	}
	r.MarkHandled(time.Now())
	if !r.IsHandled() {
		t.Fatal("expected request to be handled after MarkHandled")
	}
}

func TestAddErrorBumpsRetryCount(t *testing.T) {
	r, err := New("https://example.com/a")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.AddError("timeout")
	r.AddError("connection reset")
	if r.RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", r.RetryCount)
	}
	if len(r.ErrorMessages) != 2 {
		t.Errorf("expected 2 error messages, got %d", len(r.ErrorMessages))
	}
}

func TestErrorIsComparesKindNotOp(t *testing.T) {
	err1 := newErr("op1", KindInvalidInput, errors.New("boom"))
	err2 := newErr("op2", KindInvalidInput, errors.New("different"))
	if !errors.Is(err1, err2) {
		t.Error("expected errors with the same Kind to satisfy errors.Is regardless of Op/Err")
	}
	err3 := newErr("op1", KindLaunchFailed, nil)
	if errors.Is(err1, err3) {
		t.Error("expected errors with different Kinds to not satisfy errors.Is")
	}
}

func TestDuplicateSuffixer(t *testing.T) {
	s := NewDuplicateSuffixer()
	if got := s.Next("key"); got != "key" {
		t.Errorf("expected first call to return key unchanged, got %q", got)
	}
	if got := s.Next("key"); got != "key#2" {
		t.Errorf("expected second call to return key#2, got %q", got)
	}
	if got := s.Next("key"); got != "key#3" {
		t.Errorf("expected third call to return key#3, got %q", got)
	}
	if got := s.Next("other"); got != "other" {
		t.Errorf("expected a new key to start unchanged, got %q", got)
	}
}
