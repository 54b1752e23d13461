package dsync

import "testing"

func TestUserAgent(t *testing.T) {
	got := UserAgent()
	want := "dsync/" + Version
	if got != want {
		t.Fatalf("UserAgent() = %q, want %q", got, want)
	}
}
