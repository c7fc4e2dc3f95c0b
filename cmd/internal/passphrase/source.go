package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a keystore passphrase once, from an environment variable or
// a terminal prompt, and caches it.
type Source struct {
	envVar string
	label  string

	lookupEnv func(string) (string, bool)
	prompt    func(label string) ([]byte, error)

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar before prompting for the keystore named by label,
// for example "escrow".
func NewSource(envVar, label string) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "keystore"
	}
	return &Source{
		envVar:    strings.TrimSpace(envVar),
		label:     label,
		lookupEnv: os.LookupEnv,
		prompt:    terminalPrompt,
	}
}

// Get returns the passphrase. A set but blank environment variable is an
// error rather than an unprotected keystore.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := s.lookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		raw, err := s.prompt(s.label)
		if err != nil {
			if errors.Is(err, errNoTerminal) && s.envVar != "" {
				s.err = fmt.Errorf("%s passphrase required; set %s or run interactively", s.label, s.envVar)
				return
			}
			s.err = err
			return
		}
		if strings.TrimSpace(string(raw)) == "" {
			s.err = fmt.Errorf("%s passphrase cannot be empty", s.label)
			return
		}
		s.value = string(raw)
	})
	return s.value, s.err
}

var errNoTerminal = errors.New("no terminal available")

func terminalPrompt(label string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("%s passphrase required: %w", label, errNoTerminal)
	}
	fmt.Fprintf(os.Stderr, "Enter %s keystore passphrase: ", label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	return raw, nil
}
