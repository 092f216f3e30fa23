package main

import (
	"fmt"
	"io"

	"github.com/pkg/browser"
	"github.com/rs/zerolog"
)

// terminalUI opens the sign-in page in the system browser and prints everything else.
type terminalUI struct {
	w      io.Writer
	open   func(url string) error
	logger zerolog.Logger
}

func newTerminalUI(w io.Writer, logger zerolog.Logger) *terminalUI {
	// Browser launchers chatter on stdout and stderr.
	browser.Stdout = io.Discard
	browser.Stderr = io.Discard
	return &terminalUI{
		w:      w,
		open:   browser.OpenURL,
		logger: logger.With().Str("module", "terminal_ui").Logger(),
	}
}

// OpenURL always prints url so the user can open it by hand when no browser starts.
func (u *terminalUI) OpenURL(url string) error {
	fmt.Fprintf(u.w, "Sign in at: %s\n", url)
	if err := u.open(url); nil != err {
		u.logger.Debug().Err(err).Msg("Failed to launch browser")
		return fmt.Errorf("failed to launch browser: %v", err)
	}
	return nil
}

func (u *terminalUI) Notify(message string) {
	fmt.Fprintln(u.w, message)
}

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}
