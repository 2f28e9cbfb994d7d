package version

import "testing"

func TestSetAndCurrent(t *testing.T) {
	Set(Info{Version: "v1.2.3", Commit: "abc123", BuildTime: "2026-08-31T00:00:00Z"})

	got := Current()
	if got.Version != "v1.2.3" || got.Commit != "abc123" {
		t.Fatalf("unexpected info: %+v", got)
	}
}

func TestSetEmptyVersionFallsBackToDev(t *testing.T) {
	Set(Info{Commit: "deadbeef"})

	got := Current()
	if got.Version != "dev" {
		t.Fatalf("expected dev fallback, got %q", got.Version)
	}
	if got.Commit != "deadbeef" {
		t.Fatalf("commit lost on fallback: %+v", got)
	}
}
