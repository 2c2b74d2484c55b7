// Package passphrase resolves keystore secrets for the node binaries.
package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

var errNoTerminal = errors.New("no terminal available")

// Source yields a passphrase from an environment variable, falling back to a
// terminal prompt. The first result, success or failure, is cached.
type Source struct {
	envVar string
	label  string
	lookup func(string) (string, bool)
	prompt func(label string) (string, error)

	once  sync.Once
	value string
	err   error
}

// NewSource returns a Source reading envVar. label names the secret in the
// prompt, e.g. "node keystore".
func NewSource(envVar, label string) *Source {
	if label = strings.TrimSpace(label); label == "" {
		label = "keystore"
	}
	return &Source{
		envVar: strings.TrimSpace(envVar),
		label:  label,
		lookup: os.LookupEnv,
		prompt: promptTerminal,
	}
}

// Get returns the passphrase. Blank values are rejected from either source.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve() })
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookup(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	value, err := s.prompt(s.label)
	switch {
	case errors.Is(err, errNoTerminal) && s.envVar != "":
		return "", fmt.Errorf("%s passphrase required; set %s or run interactively", s.label, s.envVar)
	case err != nil:
		return "", fmt.Errorf("%s passphrase: %w", s.label, err)
	case strings.TrimSpace(value) == "":
		return "", fmt.Errorf("%s passphrase cannot be empty", s.label)
	}
	return value, nil
}

func promptTerminal(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	fmt.Fprintf(os.Stderr, "Enter %s passphrase: ", label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
