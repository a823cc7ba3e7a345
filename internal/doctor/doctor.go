// Package doctor checks that the host is ready to flash: toolchain, probe
// drivers, workspace directories and configuration.
package doctor

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/OpenTraceLab/OpenTraceFlash/internal/config"
	"github.com/OpenTraceLab/OpenTraceFlash/internal/lock"
	"github.com/OpenTraceLab/OpenTraceFlash/internal/workspace"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/probe/cmsisdap"
)

// CheckTimeout bounds a single check.
const CheckTimeout = 15 * time.Second

// Result is the outcome of one check.
type Result struct {
	OK     bool
	Detail string
	// Fix is a hint printed when the check fails.
	Fix string
}

// Check is one named probe of the host.
type Check struct {
	Name string
	// Optional checks are reported but do not fail the run.
	Optional bool
	Run      func(ctx context.Context) Result
}

// Report pairs checks with their results, in check order.
type Report struct {
	Checks  []Check
	Results []Result
}

// Passed counts successful checks.
func (r Report) Passed() int {
	n := 0
	for _, res := range r.Results {
		if res.OK {
			n++
		}
	}
	return n
}

// OK reports whether every required check passed.
func (r Report) OK() bool {
	for i, res := range r.Results {
		if !res.OK && !r.Checks[i].Optional {
			return false
		}
	}
	return true
}

// Run executes checks concurrently and returns results in order.
func Run(ctx context.Context, checks []Check) Report {
	logger := log.WithFunc("doctor.Run")
	results := make([]Result, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, CheckTimeout)
			defer cancel()
			results[i] = c.Run(cctx)
			logger.Debugf(ctx, "check %q ok=%v: %s", c.Name, results[i].OK, results[i].Detail)
			return nil
		})
	}
	_ = g.Wait()
	return Report{Checks: checks, Results: results}
}

// Print renders r in the "[n/N] name" checklist format.
func Print(w io.Writer, r Report) {
	total := len(r.Checks)
	for i, c := range r.Checks {
		res := r.Results[i]
		fmt.Fprintf(w, "[%d/%d] %s\n", i+1, total, c.Name)
		mark := "✓"
		if !res.OK {
			mark = "✗"
			if c.Optional {
				mark = "-"
			}
		}
		fmt.Fprintf(w, "  %s %s\n", mark, res.Detail)
		if !res.OK && res.Fix != "" {
			fmt.Fprintf(w, "  fix: %s\n", res.Fix)
		}
	}
	fmt.Fprintf(w, "\nResult: %d/%d checks passed\n", r.Passed(), total)
	if r.OK() {
		fmt.Fprintln(w, "All required checks passed.")
	} else {
		fmt.Fprintln(w, "Some checks failed, see the fix hints above.")
	}
}

// Options feed the default checklist.
type Options struct {
	Config *config.Config
	// ConfigPath is the file given with --config, if any.
	ConfigPath string
	// NrfjprogVersion reports the installed nrfjprog.
	NrfjprogVersion func(ctx context.Context) (string, error)
	// Discover enumerates CMSIS-DAP probes.
	Discover func(ctx context.Context) ([]cmsisdap.DeviceInfo, error)
}

// Default returns the standard checklist. Backend-specific checks are
// optional when another backend is configured.
func Default(opts Options) []Check {
	backend, _ := probe.ParseKind(opts.Config.Backend)
	if opts.Discover == nil {
		opts.Discover = cmsisdap.Discover
	}
	return []Check{
		{Name: "Go runtime", Run: checkRuntime},
		{
			Name:     "nrfjprog",
			Optional: backend != probe.KindNrfjprog,
			Run: func(ctx context.Context) Result {
				return checkNrfjprog(ctx, opts.NrfjprogVersion)
			},
		},
		{
			Name:     "CMSIS-DAP probes (libusb)",
			Optional: backend != probe.KindCMSISDAP,
			Run: func(ctx context.Context) Result {
				return checkUSB(ctx, opts.Discover)
			},
		},
		{
			Name: "Firmware directories",
			Run: func(context.Context) Result {
				return checkWorkspace(workspace.New(opts.Config.HexDir))
			},
		},
		{
			Name: "Configuration",
			Run: func(context.Context) Result {
				return checkConfig(opts.ConfigPath)
			},
		},
		{
			Name: "Probe lock",
			Run: func(ctx context.Context) Result {
				return checkLock(ctx, opts.Config.LockFile)
			},
		},
	}
}

func checkRuntime(context.Context) Result {
	return Result{OK: true, Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)}
}

func checkNrfjprog(ctx context.Context, version func(context.Context) (string, error)) Result {
	if version == nil {
		return Result{Detail: "nrfjprog backend not configured"}
	}
	v, err := version(ctx)
	if err != nil {
		return Result{
			Detail: fmt.Sprintf("nrfjprog not usable: %v", err),
			Fix:    "install nRF Command Line Tools and the SEGGER J-Link Software Pack, or set nrfjprog in the config",
		}
	}
	return Result{OK: true, Detail: v}
}

func checkUSB(ctx context.Context, discover func(context.Context) ([]cmsisdap.DeviceInfo, error)) Result {
	devs, err := discover(ctx)
	if err != nil {
		return Result{
			Detail: fmt.Sprintf("USB enumeration failed: %v", err),
			Fix:    "install libusb-1.0 and check udev permissions for the probe",
		}
	}
	if len(devs) == 0 {
		return Result{
			Detail: "no CMSIS-DAP probe attached",
			Fix:    "connect a CMSIS-DAP v2 probe (picoprobe, DAPLink)",
		}
	}
	labels := make([]string, 0, len(devs))
	for _, d := range devs {
		labels = append(labels, d.Label())
	}
	return Result{OK: true, Detail: fmt.Sprintf("%d probe(s): %s", len(devs), strings.Join(labels, ", "))}
}

func checkWorkspace(ws *workspace.Workspace) Result {
	var missing []string
	total := 0
	for _, k := range workspace.Kinds {
		fi, err := os.Stat(ws.Path(k))
		if err != nil || !fi.IsDir() {
			missing = append(missing, ws.Path(k))
			continue
		}
		entries, _ := ws.List(k)
		total += len(entries)
	}
	if len(missing) > 0 {
		return Result{
			Detail: "missing " + strings.Join(missing, ", "),
			Fix:    "run `nrfflash files --create`",
		}
	}
	return Result{OK: true, Detail: fmt.Sprintf("%s (%d hex file(s))", ws.Root(), total)}
}

func checkConfig(path string) Result {
	if path == "" {
		if _, err := os.Stat(config.FileName); err != nil {
			return Result{OK: true, Detail: "no config file, using defaults"}
		}
		path = config.FileName
	}
	if _, err := os.Stat(path); err != nil {
		return Result{Detail: err.Error(), Fix: "run `nrfflash config init`"}
	}
	if _, err := config.Load(config.NewViper(), path); err != nil {
		return Result{Detail: err.Error(), Fix: "fix or regenerate the file with `nrfflash config init --force`"}
	}
	return Result{OK: true, Detail: path}
}

func checkLock(ctx context.Context, path string) Result {
	if path == "" {
		return Result{OK: true, Detail: "locking disabled"}
	}
	l := lock.New(path)
	ok, err := l.TryLock(ctx)
	if err != nil {
		return Result{Detail: err.Error(), Fix: "make the lock file directory writable or set lock_file"}
	}
	if !ok {
		return Result{Detail: "held by another nrfflash process", Fix: "wait for the other operation to finish"}
	}
	_ = l.Unlock(ctx)
	return Result{OK: true, Detail: path}
}
