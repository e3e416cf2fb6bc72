package messenger

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		kind Kind
		wait time.Duration
	}{
		{name: "rate", err: &RateLimitedError{Wait: 20 * time.Second}, kind: KindRateLimited, wait: 20 * time.Second},
		{name: "wrapped rate", err: fmt.Errorf("send: %w", &RateLimitedError{Wait: time.Second}), kind: KindRateLimited, wait: time.Second},
		{name: "denied", err: fmt.Errorf("send: %w", ErrPermissionDenied), kind: KindPermissionDenied},
		{name: "not found", err: ErrNotFound, kind: KindNotFound},
		{name: "other", err: errors.New("boom"), kind: KindOther},
		{name: "nil", err: nil, kind: KindOther},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			kind, wait := Classify(tt.err)
			if kind != tt.kind || wait != tt.wait {
				t.Fatalf("Classify() = %v, %v; want %v, %v", kind, wait, tt.kind, tt.wait)
			}
		})
	}
}

func TestJoinErrorUnwrap(t *testing.T) {
	t.Parallel()
	err := &JoinError{Destination: "t.me/+abc", Err: ErrExpiredInvite}
	if !errors.Is(err, ErrExpiredInvite) {
		t.Fatal("JoinError should unwrap to its cause")
	}
	cerr := &ConnectionError{AccountID: "a1", Err: ErrPermissionDenied}
	if !errors.Is(cerr, ErrPermissionDenied) {
		t.Fatal("ConnectionError should unwrap to its cause")
	}
}

func TestInviteHash(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		hash string
		ok   bool
	}{
		{"https://t.me/+AbC_123", "AbC_123", true},
		{"t.me/joinchat/XyZ", "XyZ", true},
		{"https://telegram.me/joinchat/XyZ/", "XyZ", true},
		{"https://t.me/somegroup", "", false},
		{"@somegroup", "", false},
		{"https://t.me/+", "", false},
	}
	for _, tt := range tests {
		hash, ok := InviteHash(tt.in)
		if hash != tt.hash || ok != tt.ok {
			t.Fatalf("InviteHash(%q) = %q, %v; want %q, %v", tt.in, hash, ok, tt.hash, tt.ok)
		}
	}
}

func TestHandle(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"@news":                 "news",
		"news":                  "news",
		"https://t.me/news":     "news",
		"https://t.me/news/15":  "news",
		"t.me/+hash":            "",
		"-1001234567890":        "",
		"  ":                    "",
		"http://www.t.me/chat1": "chat1",
	}
	for in, want := range tests {
		if got := Handle(in); got != want {
			t.Fatalf("Handle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseSourceLink(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want SourceLink
	}{
		{"https://t.me/news/42", SourceLink{Handle: "news", MessageID: 42}},
		{"https://t.me/news", SourceLink{Handle: "news"}},
		{"https://t.me/c/1234567890/7", SourceLink{InternalID: 1234567890, MessageID: 7}},
		{"https://t.me/c/1234567890/99/7?single", SourceLink{InternalID: 1234567890, MessageID: 7}},
	}
	for _, tt := range tests {
		got, err := ParseSourceLink(tt.in)
		if err != nil {
			t.Fatalf("ParseSourceLink(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseSourceLink(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
	if id := (SourceLink{InternalID: 1234567890}).ChatID(); id != -1001234567890 {
		t.Fatalf("ChatID() = %d", id)
	}

	for _, bad := range []string{"", "news/1", "https://t.me/c/abc/1", "https://t.me/news/x"} {
		if _, err := ParseSourceLink(bad); err == nil {
			t.Fatalf("ParseSourceLink(%q): expected error", bad)
		}
	}
}

func TestEntityHelpers(t *testing.T) {
	t.Parallel()
	if (Entity{Kind: KindUser}).IsGroupLike() {
		t.Fatal("users are not group-like")
	}
	for _, k := range []EntityKind{KindGroup, KindSupergroup, KindChannel} {
		if !(Entity{Kind: k}).IsGroupLike() {
			t.Fatalf("%v should be group-like", k)
		}
	}
	if n := (Entity{ID: 5, Handle: "h"}).Name(); n != "@h" {
		t.Fatalf("Name() = %q", n)
	}
	if n := (Entity{ID: 5}).Name(); n != "5" {
		t.Fatalf("Name() = %q", n)
	}
}
