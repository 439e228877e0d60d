package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

// Outcome is the user's answer to an install prompt.
type Outcome string

const (
	OutcomeAccepted    Outcome = "accepted"
	OutcomeDismissed   Outcome = "dismissed"
	OutcomeUnavailable Outcome = "unavailable"
)

// InstallPrompt is a deferred, single-use platform install prompt.
type InstallPrompt interface {
	Prompt(ctx context.Context) (Outcome, error)
}

// PromptFunc adapts a function to InstallPrompt.
type PromptFunc func(ctx context.Context) (Outcome, error)

// Prompt calls f.
func (f PromptFunc) Prompt(ctx context.Context) (Outcome, error) { return f(ctx) }

// DesktopEntry installs a launcher for the local UI as a freedesktop
// .desktop file.
type DesktopEntry struct {
	Path string
	Name string
	URL  string
}

// Prompt writes the launcher file.
func (d DesktopEntry) Prompt(ctx context.Context) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeDismissed, err
	}
	if d.Path == "" {
		return OutcomeUnavailable, nil
	}
	if err := os.MkdirAll(filepath.Dir(d.Path), 0o755); err != nil {
		return OutcomeDismissed, errors.Wrap(errors.ErrStorage, "failed to create launcher directory", err)
	}

	entry := fmt.Sprintf("[Desktop Entry]\nType=Application\nName=%s\nExec=xdg-open %s\nTerminal=false\nCategories=Utility;\n", d.Name, d.URL)
	if err := os.WriteFile(d.Path, []byte(entry), 0o644); err != nil {
		return OutcomeDismissed, errors.Wrap(errors.ErrStorage, "failed to write launcher", err)
	}

	logging.Info("Installed desktop launcher", map[string]interface{}{"path": d.Path})
	return OutcomeAccepted, nil
}
