// Copyright 2024-2026 Aiku AI

package wanode

import "testing"

func TestParseJID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		want   JID
		wantOK bool
	}{
		{in: "123@s.whatsapp.net", want: JID{User: "123", Server: DefaultUserServer}, wantOK: true},
		{in: "123:7@s.whatsapp.net", want: JID{User: "123", Device: 7, Server: DefaultUserServer}, wantOK: true},
		{in: "120363@g.us", want: JID{User: "120363", Server: GroupServer}, wantOK: true},
		{in: "@g.us", want: JID{Server: GroupServer}, wantOK: true},
		{in: "no-server", wantOK: false},
	}
	for _, tt := range tests {
		got, ok := ParseJID(tt.in)
		if ok != tt.wantOK {
			t.Errorf("ParseJID(%q) ok: got %v, want %v", tt.in, ok, tt.wantOK)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseJID(%q): got %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestJIDStringRoundTrip(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"123@s.whatsapp.net", "123:7@s.whatsapp.net", "1-2@g.us"} {
		jid, ok := ParseJID(in)
		if !ok {
			t.Fatalf("ParseJID(%q) failed", in)
		}
		if got := jid.String(); got != in {
			t.Errorf("round trip: got %q, want %q", got, in)
		}
	}
}

func TestNormalizeUser(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"999@s.whatsapp.net":    "999@s.whatsapp.net",
		"999:12@s.whatsapp.net": "999@s.whatsapp.net",
		"999@c.us":              "999@s.whatsapp.net",
		"garbage":               "garbage",
	}
	for in, want := range tests {
		if got := NormalizeUser(in); got != want {
			t.Errorf("NormalizeUser(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestCanonicalGroupID(t *testing.T) {
	t.Parallel()
	if got := CanonicalGroupID("123"); got != "123@g.us" {
		t.Errorf("bare id: got %q", got)
	}
	if got := CanonicalGroupID("123@g.us"); got != "123@g.us" {
		t.Errorf("qualified id: got %q", got)
	}
	if got := CanonicalGroupID(CanonicalGroupID("456")); got != "456@g.us" {
		t.Errorf("idempotence: got %q", got)
	}
	if !IsGroup("1@g.us") || IsGroup("1@s.whatsapp.net") {
		t.Error("IsGroup misclassified")
	}
}
