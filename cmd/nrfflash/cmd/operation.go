package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/OpenTraceLab/OpenTraceFlash/internal/oplog"
	"github.com/OpenTraceLab/OpenTraceFlash/internal/sequencer"
)

var (
	assumeYes  bool
	cancelWait time.Duration
	logFile    string
)

var errDeclined = errors.New("cancelled by user")

func init() {
	pf := rootCmd.PersistentFlags()
	pf.DurationVar(&cancelWait, "cancel-wait", 3*time.Second, "how long to wait for the worker after Ctrl-C")
	pf.StringVar(&logFile, "log-file", "", "save the operation log to this file")
}

// addYesFlag registers --yes on a destructive command.
func addYesFlag(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
}

// confirm asks the user before a destructive operation. Without a terminal
// on stdin the operation is refused unless --yes was given.
func confirm(prompt string) error {
	if assumeYes {
		return nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("%s: stdin is not a terminal, pass --yes to proceed", prompt)
	}
	fmt.Printf("%s [y/N] ", prompt)
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	}
	return errDeclined
}

// runOperation starts req, renders its events to out until the outcome and
// returns it. Ctrl-C sets the stop flag; if the worker has not finished within
// --cancel-wait the command gives up waiting.
func runOperation(cmd *cobra.Command, req sequencer.Request, out *os.File) (*sequencer.Outcome, error) {
	ctx := commandContext(cmd)
	logger := log.WithFunc("cmd.runOperation")

	runner, err := newRunner()
	if err != nil {
		return nil, err
	}
	req.Serial = conf.Serial
	req.Timeout = conf.Timeout()

	op, err := runner.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	logger.Debugf(ctx, "operation %s started: %s via %s", op.ID(), req.Mode, conf.Backend)

	record := oplog.New(0)
	view := newProgressView(out)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var (
		outcome *sequencer.Outcome
		expired <-chan time.Time
		waitErr error
	)
	events := op.Events()
loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			record.Record(ev)
			view.Render(ev)
			if ev.Kind == sequencer.EventOutcome {
				outcome = ev.Outcome
			}
		case <-sigs:
			if expired != nil {
				continue
			}
			view.Note("Stopping after the current step...")
			record.Add("info", "Stop requested")
			op.Cancel()
			expired = time.After(cancelWait)
		case <-expired:
			waitErr = fmt.Errorf("operation %s did not stop within %s", req.Mode, cancelWait)
			record.Add("error", waitErr.Error())
			break loop
		}
	}

	if logFile != "" {
		if err := record.Save(logFile); err != nil {
			logger.Warnf(ctx, "%v", err)
		} else {
			fmt.Fprintf(out, "Log saved to %s\n", logFile)
		}
	}
	if waitErr != nil {
		return nil, waitErr
	}
	if outcome == nil {
		return nil, fmt.Errorf("operation %s ended without an outcome", op.ID())
	}
	if !outcome.Success {
		if outcome.Err != nil {
			return outcome, outcome.Err
		}
		return outcome, errors.New(outcome.Message)
	}
	return outcome, nil
}
