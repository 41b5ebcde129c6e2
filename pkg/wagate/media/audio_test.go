package media

import (
	"strings"
	"testing"
)

func TestExtFromMIME(t *testing.T) {
	cases := []struct {
		mime string
		want string
	}{
		{"audio/ogg; codecs=opus", ".ogg"},
		{"audio/ogg", ".ogg"},
		{"audio/mpeg", ".mp3"},
		{"audio/mp4", ".m4a"},
		{"audio/wav", ".wav"},
		{"audio/amr", ".amr"},
		{"application/octet-stream", ".bin"},
		{"", ".bin"},
	}

	for _, tc := range cases {
		t.Run(tc.mime, func(t *testing.T) {
			if got := extFromMIME(tc.mime); got != tc.want {
				t.Errorf("extFromMIME(%q) = %q, want %q", tc.mime, got, tc.want)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	if got := sanitize("3EB0C767D82B1A88F2/=@!"); strings.ContainsAny(got, "/=@!") {
		t.Errorf("sanitize left unsafe characters: %q", got)
	}
	if got := sanitize("ABC-123_x.y"); got != "ABC-123_x.y" {
		t.Errorf("sanitize mangled safe characters: %q", got)
	}
}

func TestObjectPath(t *testing.T) {
	p := NewProcessor(nil, Config{}, nil)

	t.Run("path is scoped to the agent", func(t *testing.T) {
		path := p.objectPath("agent-1", "MSG01", "audio/ogg", "")
		if !strings.HasPrefix(path, "agent-1/") {
			t.Errorf("path not agent-scoped: %q", path)
		}
		if !strings.HasSuffix(path, "-MSG01.ogg") {
			t.Errorf("path missing message id or extension: %q", path)
		}
	})

	t.Run("collision suffix lands before the extension", func(t *testing.T) {
		path := p.objectPath("agent-1", "MSG01", "audio/ogg", "abcd1234")
		if !strings.HasSuffix(path, "-MSG01-abcd1234.ogg") {
			t.Errorf("unexpected collision path: %q", path)
		}
	})
}
