package util

import (
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
)

// UISpinner wraps spinner for terminal progress. When plain is set (no
// terminal, or verbose logging) it prints one line per message instead.
type UISpinner struct {
	sp    *spinner.Spinner
	out   io.Writer
	plain bool
}

// NewUISpinner creates and starts a spinner with the given message
func NewUISpinner(out io.Writer, plain bool, message string) *UISpinner {
	s := &UISpinner{out: out, plain: plain}

	if !plain {
		// Use dots spinner style (CharSet 14)
		s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
		s.sp.Prefix = "  "
		s.sp.Suffix = " " + message
		s.sp.Start()
	} else {
		fmt.Fprintf(out, "  %s\n", message)
	}

	return s
}

// Update replaces the spinner message
func (s *UISpinner) Update(message string) {
	if s.plain {
		fmt.Fprintf(s.out, "  %s\n", message)
		return
	}
	s.sp.Lock()
	s.sp.Suffix = " " + message
	s.sp.Unlock()
}

// Success stops the spinner and prints a success message
func (s *UISpinner) Success(message string) {
	s.Stop()
	fmt.Fprintf(s.out, "  ✓ %s\n", message)
}

// Fail stops the spinner and prints an error message
func (s *UISpinner) Fail(message string) {
	s.Stop()
	fmt.Fprintf(s.out, "  ✗ %s\n", message)
}

// Stop stops the spinner without printing anything
func (s *UISpinner) Stop() {
	if !s.plain && s.sp != nil {
		s.sp.Stop()
		fmt.Fprint(s.out, "\r\033[K") // Clear the line
	}
}
