package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestParseUserID(t *testing.T) {
	valid := []string{"12345", "123456789", strings.Repeat("9", 25), " 123456789 ", "00000"}
	for _, s := range valid {
		id, err := ParseUserID(s)
		if err != nil {
			t.Fatalf("expected %q valid, got %v", s, err)
		}
		if !id.Valid() {
			t.Fatalf("Valid() false for %q", id)
		}
		if id.String() != strings.TrimSpace(s) {
			t.Fatalf("expected trimmed id, got %q", id)
		}
	}

	invalid := []string{"", "abc", "1234", strings.Repeat("1", 26), "12345a", "-12345", "12 345", "１２３４５", "123456789\n1"}
	for _, s := range invalid {
		if _, err := ParseUserID(s); !errors.Is(err, ErrMalformedIdentity) {
			t.Errorf("expected ErrMalformedIdentity for %q, got %v", s, err)
		}
	}
}

func TestUserIDValidMethod(t *testing.T) {
	if UserID(" 12345").Valid() {
		t.Fatalf("Valid must not trim")
	}
	if !UserID("12345").Valid() {
		t.Fatalf("expected valid id")
	}
}
