package main

import (
	"testing"

	"gbn-rdt-pa/chat"
)

func TestAfterFields(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"/pm bob hi there", 2, "hi there"},
		{"/pm\tbob\thi", 2, "hi"},
		{"@bob   spaced  out ", 1, "spaced  out"},
		{"/pm bob", 2, ""},
		{"", 1, ""},
	}
	for _, tt := range tests {
		if got := afterFields(tt.in, tt.n); got != tt.want {
			t.Errorf("afterFields(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestPrintEventShortOfferID(t *testing.T) {
	// Ids from the wire are validated, but events built by hand may still
	// carry short ones.
	printEvent(chat.Event{
		Kind:     chat.EventOffer,
		From:     "ana",
		Transfer: &chat.Transfer{Offer: chat.Offer{ID: "x", Kind: chat.KindFile, Filename: "a.txt", Size: 1}},
	})
}
