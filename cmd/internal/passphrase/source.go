package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a passphrase from an environment variable or by prompting
// the operator. The value is cached after the first successful retrieval.
type Source struct {
	envVar string
	label  string

	// lookup and prompt are replaced in tests.
	lookup func(string) (string, bool)
	prompt func(label string) (string, error)

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar before prompting for the label's passphrase on the
// terminal.
func NewSource(envVar, label string) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "wallet key"
	}
	return &Source{
		envVar: strings.TrimSpace(envVar),
		label:  label,
		lookup: os.LookupEnv,
		prompt: terminalPrompt(os.Stdin, os.Stderr),
	}
}

// Get returns the cached passphrase or resolves it on the first call. An
// environment value is used verbatim; whitespace-only passphrases are
// rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := s.lookup(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}
		value, err := s.prompt(s.label)
		if err != nil {
			if s.envVar != "" {
				s.err = fmt.Errorf("%s passphrase required; set %s or run interactively: %w", s.label, s.envVar, err)
			} else {
				s.err = fmt.Errorf("%s passphrase required: %w", s.label, err)
			}
			return
		}
		if strings.TrimSpace(value) == "" {
			s.err = fmt.Errorf("%s passphrase cannot be empty", s.label)
			return
		}
		s.value = value
	})
	return s.value, s.err
}

var errNoTerminal = errors.New("no terminal available")

func terminalPrompt(in *os.File, out io.Writer) func(string) (string, error) {
	return func(label string) (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", errNoTerminal
		}
		fmt.Fprintf(out, "Enter %s passphrase: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		return string(raw), nil
	}
}
