package passphrase

import (
	"errors"
	"strings"
	"testing"
)

func newTestSource(env map[string]string, prompt func(string) ([]byte, error)) *Source {
	s := NewSource("ESCROW_PASS", "escrow")
	s.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	s.prompt = prompt
	return s
}

func TestSourcePrefersEnvironment(t *testing.T) {
	prompted := false
	s := newTestSource(map[string]string{"ESCROW_PASS": "hunter2"}, func(string) ([]byte, error) {
		prompted = true
		return []byte("typed"), nil
	})
	got, err := s.Get()
	if err != nil || got != "hunter2" {
		t.Fatalf("expected env passphrase, got %q (%v)", got, err)
	}
	if prompted {
		t.Fatalf("prompt should not run when the variable is set")
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	s := newTestSource(map[string]string{"ESCROW_PASS": "  "}, nil)
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "set but empty") {
		t.Fatalf("expected blank variable error, got %v", err)
	}
}

func TestSourcePromptsOnceAndCaches(t *testing.T) {
	calls := 0
	s := newTestSource(nil, func(label string) ([]byte, error) {
		calls++
		if label != "escrow" {
			t.Fatalf("unexpected label %q", label)
		}
		return []byte("typed"), nil
	})
	for i := 0; i < 3; i++ {
		got, err := s.Get()
		if err != nil || got != "typed" {
			t.Fatalf("call %d: got %q (%v)", i, got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one prompt, got %d", calls)
	}
}

func TestSourceWithoutTerminalNamesVariable(t *testing.T) {
	s := newTestSource(nil, func(string) ([]byte, error) {
		return nil, errNoTerminal
	})
	_, err := s.Get()
	if err == nil || !strings.Contains(err.Error(), "ESCROW_PASS") {
		t.Fatalf("expected hint naming the variable, got %v", err)
	}

	s = newTestSource(nil, func(string) ([]byte, error) { return []byte(" "), nil })
	if _, err := s.Get(); err == nil || errors.Is(err, errNoTerminal) {
		t.Fatalf("expected empty passphrase error, got %v", err)
	}
}
