package digest

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain text", in: "hello world", want: "hello world"},
		{name: "bold kept", in: "<b>title</b>", want: "<b>title</b>"},
		{name: "italic kept", in: "<i>aside</i>", want: "<i>aside</i>"},
		{
			name: "anchor kept",
			in:   `see <a href="https://t.me/chan/5">source</a>`,
			want: `see <a href="https://t.me/chan/5">source</a>`,
		},
		{
			name: "unknown tag escaped",
			in:   "<script>alert(1)</script>",
			want: "&lt;script&gt;alert(1)&lt;/script&gt;",
		},
		{name: "underline escaped", in: "<u>x</u>", want: "&lt;u&gt;x&lt;/u&gt;"},
		{name: "ampersand escaped", in: "a & b", want: "a &amp; b"},
		{name: "quote escaped", in: `say "hi"`, want: "say &#34;hi&#34;"},
		{name: "stray angle brackets", in: "1 < 2 > 0", want: "1 &lt; 2 &gt; 0"},
		{
			name: "anchor with quote in url stays escaped",
			in:   `<a href="x" onclick="y">z</a>`,
			want: `&lt;a href=&#34;x&#34; onclick=&#34;y&#34;&gt;z</a>`,
		},
		{
			name: "existing entity not double escaped",
			in:   "a &amp; b",
			want: "a &amp; b",
		},
		{name: "empty", in: "", want: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Sanitize(tt.in)
			if got != tt.want {
				t.Fatalf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	t.Parallel()
	inputs := []string{
		"plain",
		"<b>bold</b> & <i>italic</i>",
		`link: <a href="https://t.me/c/1">source</a>`,
		"<script>x</script> \"quoted\" <b>ok</b>",
		"mixed &lt; already &amp; escaped",
		"a < b > c & d \" e",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Fatalf("Sanitize not idempotent for %q:\n once: %q\ntwice: %q", in, once, twice)
		}
	}
}

func TestSanitizeLongInput(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("<b>x</b> & y ", 500)
	once := Sanitize(in)
	if Sanitize(once) != once {
		t.Fatal("Sanitize not idempotent on long input")
	}
	if !strings.Contains(once, "<b>x</b>") || !strings.Contains(once, "&amp; y") {
		t.Fatalf("unexpected output head: %q", once[:50])
	}
}
