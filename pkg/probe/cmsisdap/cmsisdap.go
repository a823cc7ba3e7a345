// Package cmsisdap is a native probe backend that drives nRF52 targets over
// SWD through any CMSIS-DAP v2 debug probe, without vendor tools.
package cmsisdap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/ihex"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/probe"
)

// Options configure a Probe.
type Options struct {
	// ClockHz is the SWD clock. Zero selects 4 MHz.
	ClockHz uint32
	// Verify reads back every programmed segment.
	Verify bool
	Log    probe.LogFunc

	// Open and List replace USB access, mainly for tests.
	Open func(serial string) (Transport, error)
	List func(ctx context.Context) ([]string, error)
}

// Probe implements probe.Probe for CMSIS-DAP adapters.
type Probe struct {
	opts Options

	mu     sync.Mutex
	link   *Link
	target *Target
	serial string
}

var _ probe.Probe = (*Probe)(nil)

// New returns a CMSIS-DAP backend.
func New(opts Options) *Probe {
	if opts.ClockHz == 0 {
		opts.ClockHz = 4_000_000
	}
	if opts.Open == nil {
		opts.Open = func(serial string) (Transport, error) { return OpenUSB(serial) }
	}
	if opts.List == nil {
		opts.List = listUSB
	}
	return &Probe{opts: opts}
}

func listUSB(ctx context.Context) ([]string, error) {
	devs, err := Discover(ctx)
	if err != nil {
		return nil, err
	}
	serials := make([]string, 0, len(devs))
	for _, d := range devs {
		if d.Serial != "" {
			serials = append(serials, d.Serial)
		}
	}
	return serials, nil
}

func (p *Probe) logf(format string, args ...any) {
	if p.opts.Log != nil {
		p.opts.Log(fmt.Sprintf(format, args...))
	}
}

// ListProbes returns the USB serial numbers of attached CMSIS-DAP probes.
func (p *Probe) ListProbes(ctx context.Context) ([]string, error) {
	return p.opts.List(ctx)
}

// Connect opens the probe, attaches over SWD and identifies the target.
func (p *Probe) Connect(ctx context.Context, serial string) error {
	logger := log.WithFunc("cmsisdap.Connect")
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != nil {
		p.closeLocked()
	}

	t, err := p.opts.Open(serial)
	switch {
	case errors.Is(err, probe.ErrNoProbe), errors.Is(err, probe.ErrProbeNotFound):
		return err
	case err != nil:
		return fmt.Errorf("open probe %s: %w", serial, err)
	}
	link := NewLink(t)
	if fw, err := link.Info(InfoFirmwareVer); err == nil && fw != "" {
		logger.Debugf(ctx, "probe %s firmware %s", serial, fw)
	}
	idcode, err := link.Init(ctx, p.opts.ClockHz)
	if err != nil {
		_ = link.Close()
		return fmt.Errorf("attach SWD: %w", err)
	}
	target, err := NewTarget(link)
	if err != nil {
		_ = link.Close()
		return err
	}

	p.link, p.target, p.serial = link, target, serial
	logger.Infof(ctx, "attached to DP 0x%08X via %s", idcode, serial)
	if target.Part() != 0 {
		p.logf("Target: nRF%X, %s flash, %s pages", target.Part(),
			units.BytesSize(float64(target.FlashSize())), units.BytesSize(float64(target.PageSize())))
	}
	if target.Protected() {
		p.logf("Target has access port protection enabled")
	}
	return nil
}

func (p *Probe) session() (*Target, error) {
	if p.target == nil {
		return nil, probe.ErrNotConnected
	}
	return p.target, nil
}

// EraseAll erases the whole code flash and UICR.
func (p *Probe) EraseAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.session()
	if err != nil {
		return err
	}
	return t.EraseAll(ctx)
}

// Program writes the Intel HEX image at path, erasing only the pages it
// touches.
func (p *Probe) Program(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.session()
	if err != nil {
		return err
	}
	img, err := ihex.Load(path)
	if err != nil {
		return err
	}
	stats, err := t.Program(ctx, img, p.opts.Verify)
	if err != nil {
		return err
	}
	p.logf("Wrote %s in %d segment(s), %d page(s) erased",
		units.BytesSize(float64(stats.Bytes)), len(img.Segments), stats.Pages)
	if p.opts.Verify {
		p.logf("Read-back verify passed")
	}
	return nil
}

// Reset restarts the target.
func (p *Probe) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.session()
	if err != nil {
		return err
	}
	return t.Reset(ctx)
}

// Recover clears access port protection by a CTRL-AP full erase.
func (p *Probe) Recover(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.session()
	if err != nil {
		return err
	}
	return t.Recover(ctx)
}

// Disconnect releases the probe.
func (p *Probe) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *Probe) closeLocked() error {
	if p.link == nil {
		return nil
	}
	err := p.link.Close()
	p.link, p.target, p.serial = nil, nil, ""
	return err
}
