package tgui

import "testing"

func TestDataSplitRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		scope, action, payload string
		want                   string
	}{
		{"settings", "toggle", "", "settings:toggle"},
		{"settings", "time", "09:00", "settings:time:09:00"},
		{"a", "b", "c:d", "a:b:c:d"},
	}
	for _, tt := range tests {
		got := Data(tt.scope, tt.action, tt.payload)
		if got != tt.want {
			t.Fatalf("Data = %q, want %q", got, tt.want)
		}
		s, a, p := Split(got)
		if s != tt.scope || a != tt.action || p != tt.payload {
			t.Fatalf("Split(%q) = %q %q %q", got, s, a, p)
		}
	}
}

func TestEsc(t *testing.T) {
	t.Parallel()
	if got := Esc(`<b> & "x"`); got == H(`<b> & "x"`) {
		t.Fatalf("Esc did not escape: %q", got)
	}
	if got := B("a<b"); got != `<b>a&lt;b</b>` {
		t.Fatalf("B = %q", got)
	}
	if got := Link("src", `https://t.me/c/1`); got != `<a href="https://t.me/c/1">src</a>` {
		t.Fatalf("Link = %q", got)
	}
}

func TestJoinHSkipsBlank(t *testing.T) {
	t.Parallel()
	if got := JoinH("\n", "a", "  ", "b"); got != "a\nb" {
		t.Fatalf("JoinH = %q", got)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 4, "hell…"},
		{"héllo", 2, "hé…"},
		{"x", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncRunes(tt.in, tt.n); got != tt.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestInlineRows(t *testing.T) {
	t.Parallel()
	kb := NewInline().
		Row(Btn("a", "s:a")).
		Row(Btn("b", "s:b"), Btn("c", "s:c"))
	rm := kb.Markup()
	if len(rm.InlineKeyboard) != 2 {
		t.Fatalf("rows = %d, want 2", len(rm.InlineKeyboard))
	}
	if len(rm.InlineKeyboard[1]) != 2 {
		t.Fatalf("second row buttons = %d, want 2", len(rm.InlineKeyboard[1]))
	}
}
