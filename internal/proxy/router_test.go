package proxy

import "testing"

func TestStripPath(t *testing.T) {
	got := StripPath("/api/users/me", "/api")
	if got != "/users/me" {
		t.Fatalf("expected /users/me, got %q", got)
	}
}

func TestStripPath_ExactMatch(t *testing.T) {
	got := StripPath("/api/users/me", "/api/users/me")
	if got != "/" {
		t.Fatalf("expected /, got %q", got)
	}
}

func TestStripPath_NoMatch(t *testing.T) {
	got := StripPath("/other/path", "/api")
	if got != "/other/path" {
		t.Fatalf("expected unchanged path, got %q", got)
	}
}
