package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/lherron/dhismig/internal/cli/appctx"
	"github.com/lherron/dhismig/internal/migrate"
	"github.com/lherron/dhismig/internal/store"
)

// promptConfirmer asks on out and reads the answer from in.
type promptConfirmer struct {
	in  *bufio.Reader
	out io.Writer
}

func newPromptConfirmer(in io.Reader, out io.Writer) *promptConfirmer {
	return &promptConfirmer{in: bufio.NewReader(in), out: out}
}

func (p *promptConfirmer) Confirm(prompt string) (bool, error) {
	fmt.Fprintf(p.out, "%s [y/N]: ", prompt)
	answer, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

type assumeYes struct{}

func (assumeYes) Confirm(string) (bool, error) { return true, nil }

// runState maps a command outcome onto a journal state.
func runState(err error) string {
	switch {
	case err == nil:
		return store.StateCompleted
	case errors.Is(err, migrate.ErrCancelled), errors.Is(err, context.Canceled):
		return store.StateCancelled
	default:
		return store.StateFailed
	}
}

// startRun journals a new run of command, or reopens resume ("latest" or
// a run id) when set.
func startRun(app *appctx.App, command, resume string, options any) (string, error) {
	runs := app.Store.Runs
	if resume == "" {
		return runs.Create(store.RunCreateParams{
			Command:   command,
			Worksheet: app.Config.Worksheet,
			Options:   options,
		})
	}

	var (
		run *store.Run
		err error
	)
	if resume == "latest" {
		run, err = runs.Latest(command)
	} else {
		run, err = runs.Get(resume)
	}
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("no %s run to resume (%s)", command, resume)
	}
	if err != nil {
		return "", err
	}
	if run.Command != command {
		return "", fmt.Errorf("run %s is a %s run, not %s", run.ID, run.Command, command)
	}
	if err := runs.Reopen(run.ID); err != nil {
		return "", err
	}
	app.Logger.Info("resuming run", zap.String("run", run.ID), zap.String("previous_state", run.State))
	return run.ID, nil
}

// finishRun records the outcome of a run and passes cause through.
func finishRun(app *appctx.App, runID string, cause error) error {
	if err := app.Store.Runs.Finish(runID, runState(cause), cause); err != nil {
		app.Logger.Warn("run outcome not journaled", zap.String("run", runID), zap.Error(err))
	}
	return cause
}
