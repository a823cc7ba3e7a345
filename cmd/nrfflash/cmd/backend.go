package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFlash/internal/lock"
	"github.com/OpenTraceLab/OpenTraceFlash/internal/sequencer"
	"github.com/OpenTraceLab/OpenTraceFlash/internal/workspace"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/probe/cmsisdap"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/probe/nrfjprog"
)

var (
	// Simulator knobs for --backend sim
	simProbes string
	simFail   []string
	simDelay  time.Duration
)

func registerSimFlags(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&simProbes, "sim-probes", "682000001", "simulator: comma separated probe serials to report")
	pf.StringSliceVar(&simFail, "sim-fail", nil, "simulator: calls to fail (connect, eraseAll, program, recover, reset)")
	pf.DurationVar(&simDelay, "sim-delay", 0, "simulator: delay applied to every target call")
	for _, name := range []string{"sim-probes", "sim-fail", "sim-delay"} {
		_ = pf.MarkHidden(name)
	}
}

// newProbe builds the configured backend. logf receives backend output.
func newProbe(logf probe.LogFunc) (probe.Probe, error) {
	kind, err := probe.ParseKind(conf.Backend)
	if err != nil {
		return nil, err
	}
	switch kind {
	case probe.KindNrfjprog:
		return nrfjprog.New(nrfjprog.Options{
			Path:   conf.Nrfjprog,
			Family: conf.Family,
			Log:    logf,
		}), nil
	case probe.KindCMSISDAP:
		return cmsisdap.New(cmsisdap.Options{
			ClockHz: conf.ClockHz,
			Verify:  conf.Verify,
			Log:     logf,
		}), nil
	default:
		var serials []string
		for _, s := range strings.Split(simProbes, ",") {
			if s = strings.TrimSpace(s); s != "" {
				serials = append(serials, s)
			}
		}
		sim := probe.NewSimulator(serials...)
		sim.CheckFiles = true
		sim.Delay = simDelay
		sim.Log = logf
		for _, c := range simFail {
			sim.Fail(probe.Call(c), fmt.Errorf("simulated %s failure", c))
		}
		return sim, nil
	}
}

// newRunner wires the backend, sequencer and probe lock together.
func newRunner() (*sequencer.Runner, error) {
	var seq *sequencer.Sequencer
	p, err := newProbe(func(line string) { seq.BackendLog(line) })
	if err != nil {
		return nil, err
	}
	seq = sequencer.New(p)

	var locker sequencer.Locker
	if conf.LockFile != "" {
		locker = lock.New(conf.LockFile)
	}
	return sequencer.NewRunner(seq, locker), nil
}

func hexWorkspace() *workspace.Workspace {
	return workspace.New(conf.HexDir)
}
