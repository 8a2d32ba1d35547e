package ssh

import "testing"

func TestQuote(t *testing.T) {
	cases := map[string]string{
		"":                         "''",
		"registry.io/app:main-1a2": "registry.io/app:main-1a2",
		"hello world":              "'hello world'",
		"it's":                     `'it'\''s'`,
		"{{.State.Running}}":       "'{{.State.Running}}'",
	}
	for in, want := range cases {
		if got := Quote(in); got != want {
			t.Errorf("Quote(%q) = %q, want %q", in, got, want)
		}
	}
	if got := Command("docker", "rm", "-f", "my app"); got != "docker rm -f 'my app'" {
		t.Fatalf("Command = %q", got)
	}
}
