package runtime

import (
	"strings"
	"testing"
)

func TestParseEnv(t *testing.T) {
	in := `
# comment
REGISTRY_URL=registry.example.com
export IMAGE_NAME = acme/app
IMAGE_TAG="main-abc1234"
GREETING='hello world'
EMPTY=
`
	env, err := ParseEnv(strings.NewReader(in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := map[string]string{
		"REGISTRY_URL": "registry.example.com",
		"IMAGE_NAME":   "acme/app",
		"IMAGE_TAG":    "main-abc1234",
		"GREETING":     "hello world",
		"EMPTY":        "",
	}
	if len(env) != len(want) {
		t.Fatalf("got %v", env)
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}
}

func TestParseEnvRejectsGarbage(t *testing.T) {
	if _, err := ParseEnv(strings.NewReader("OK=1\nnot a pair\n")); err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line 2 error, got %v", err)
	}
}

func TestEnvList(t *testing.T) {
	got := strings.Join(EnvList(map[string]string{"B": "2", "A": "1"}), ",")
	if got != "A=1,B=2" {
		t.Fatalf("got %q", got)
	}
}
