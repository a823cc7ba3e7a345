package cmsisdap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/ihex"
)

// nRF52 memory map
const (
	nvmcBase      = 0x4001E000
	nvmcReady     = nvmcBase + 0x400
	nvmcConfig    = nvmcBase + 0x504
	nvmcErasePage = nvmcBase + 0x508
	nvmcEraseAll  = nvmcBase + 0x50C
	nvmcEraseUICR = nvmcBase + 0x514

	nvmcConfigRead  = 0
	nvmcConfigWrite = 1
	nvmcConfigErase = 2

	ficrCodePageSize = 0x10000010
	ficrCodeSize     = 0x10000014
	ficrPart         = 0x10000100

	uicrBase = 0x10001000
	uicrSize = 0x1000

	defaultPageSize = 4096
)

// Cortex-M debug registers
const (
	regDHCSR = 0xE000EDF0
	regAIRCR = 0xE000ED0C

	dhcsrKey   = 0xA05F0000
	dhcsrDebug = 1 << 0
	dhcsrHalt  = 1 << 1
	dhcsrSHalt = 1 << 17
	aircrReset = 0x05FA0004 // VECTKEY | SYSRESETREQ
)

// Nordic CTRL-AP (access port 1)
const (
	ctrlAP               = 1
	ctrlAPReset          = 0x000
	ctrlAPEraseAll       = 0x004
	ctrlAPEraseAllStatus = 0x008
	ctrlAPApprotect      = 0x00C
	ctrlAPIDR            = 0x0FC

	ctrlAPIDRValue = 0x02880000
)

// ErrProtected is returned for memory operations on a target whose
// access port protection is enabled. Recover clears it.
var ErrProtected = errors.New("nrf52: access port protection enabled, recover the device first")

// Target drives an nRF52 through an SWD link.
type Target struct {
	link *Link

	protected bool
	pageSize  uint32
	codeSize  uint32
	part      uint32

	// ReadyTimeout bounds each wait on NVMC READY.
	ReadyTimeout time.Duration
}

// NewTarget probes the CTRL-AP and, when readable, the FICR geometry.
func NewTarget(link *Link) (*Target, error) {
	t := &Target{link: link, pageSize: defaultPageSize, ReadyTimeout: 30 * time.Second}
	idr, err := link.ReadAP(ctrlAP, ctrlAPIDR)
	if err != nil {
		return nil, fmt.Errorf("read CTRL-AP IDR: %w", err)
	}
	if idr != ctrlAPIDRValue {
		return nil, fmt.Errorf("not an nRF52 target (CTRL-AP IDR 0x%08X)", idr)
	}
	if err := t.refresh(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Target) refresh() error {
	st, err := t.link.ReadAP(ctrlAP, ctrlAPApprotect)
	if err != nil {
		return fmt.Errorf("read APPROTECTSTATUS: %w", err)
	}
	t.protected = st&1 == 0
	if t.protected {
		return nil
	}
	if v, err := t.link.ReadMem32(ficrCodePageSize); err == nil && v != 0 && v != 0xFFFFFFFF {
		t.pageSize = v
	}
	if v, err := t.link.ReadMem32(ficrCodeSize); err == nil && v != 0xFFFFFFFF {
		t.codeSize = v
	}
	if v, err := t.link.ReadMem32(ficrPart); err == nil {
		t.part = v
	}
	return nil
}

// Protected reports whether APPROTECT is active.
func (t *Target) Protected() bool { return t.protected }

// Part returns the FICR part number (e.g. 0x52832), zero when unknown.
func (t *Target) Part() uint32 { return t.part }

// PageSize returns the flash page size in bytes.
func (t *Target) PageSize() uint32 { return t.pageSize }

// FlashSize returns the code flash size in bytes, zero when unknown.
func (t *Target) FlashSize() uint32 { return t.pageSize * t.codeSize }

func (t *Target) waitReady(ctx context.Context) error {
	return poll(ctx, t.ReadyTimeout, func() (bool, error) {
		v, err := t.link.ReadMem32(nvmcReady)
		if err != nil {
			return false, err
		}
		return v&1 == 1, nil
	})
}

func (t *Target) setConfig(ctx context.Context, mode uint32) error {
	if err := t.link.WriteMem32(nvmcConfig, mode); err != nil {
		return fmt.Errorf("NVMC CONFIG=%d: %w", mode, err)
	}
	return t.waitReady(ctx)
}

// Halt stops the core so it cannot fetch from flash while it is rewritten.
func (t *Target) Halt(ctx context.Context) error {
	if t.protected {
		return ErrProtected
	}
	if err := t.link.WriteMem32(regDHCSR, dhcsrKey|dhcsrDebug|dhcsrHalt); err != nil {
		return fmt.Errorf("halt: %w", err)
	}
	return poll(ctx, time.Second, func() (bool, error) {
		v, err := t.link.ReadMem32(regDHCSR)
		if err != nil {
			return false, err
		}
		return v&dhcsrSHalt != 0, nil
	})
}

// EraseAll erases code flash and UICR through the NVMC.
func (t *Target) EraseAll(ctx context.Context) error {
	if t.protected {
		return ErrProtected
	}
	if err := t.setConfig(ctx, nvmcConfigErase); err != nil {
		return err
	}
	if err := t.link.WriteMem32(nvmcEraseAll, 1); err != nil {
		return fmt.Errorf("ERASEALL: %w", err)
	}
	if err := t.waitReady(ctx); err != nil {
		return err
	}
	return t.setConfig(ctx, nvmcConfigRead)
}

// ErasePages erases the flash pages starting at each address. UICR is
// erased as a whole.
func (t *Target) ErasePages(ctx context.Context, pages []uint32) error {
	if t.protected {
		return ErrProtected
	}
	if err := t.setConfig(ctx, nvmcConfigErase); err != nil {
		return err
	}
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return err
		}
		reg, val := uint32(nvmcErasePage), page
		if isUICR(page) {
			reg, val = nvmcEraseUICR, 1
		}
		if err := t.link.WriteMem32(reg, val); err != nil {
			return fmt.Errorf("erase page 0x%08X: %w", page, err)
		}
		if err := t.waitReady(ctx); err != nil {
			return err
		}
	}
	return t.setConfig(ctx, nvmcConfigRead)
}

// Write programs words at the word-aligned addr. The region must be erased.
func (t *Target) Write(ctx context.Context, addr uint32, words []uint32) error {
	if t.protected {
		return ErrProtected
	}
	if err := t.setConfig(ctx, nvmcConfigWrite); err != nil {
		return err
	}
	const chunk = tarWrap / 4
	for len(words) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := chunkWords(addr, len(words), chunk)
		if err := t.link.WriteBlock32(addr, words[:n]); err != nil {
			return err
		}
		if err := t.waitReady(ctx); err != nil {
			return err
		}
		addr += uint32(4 * n)
		words = words[n:]
	}
	return t.setConfig(ctx, nvmcConfigRead)
}

// Verify reads back words at addr and compares them.
func (t *Target) Verify(addr uint32, words []uint32) error {
	got, err := t.link.ReadBlock32(addr, len(words))
	if err != nil {
		return err
	}
	for i, w := range words {
		if got[i] != w {
			return fmt.Errorf("verify failed at 0x%08X: read 0x%08X, want 0x%08X", addr+uint32(4*i), got[i], w)
		}
	}
	return nil
}

// ProgramStats summarises a Program call.
type ProgramStats struct {
	Pages int
	Bytes int
}

// Program erases the pages img touches, writes every segment and, if
// verify is set, reads them back. Pages outside the image are preserved.
func (t *Target) Program(ctx context.Context, img *ihex.Image, verify bool) (ProgramStats, error) {
	var stats ProgramStats
	if t.protected {
		return stats, ErrProtected
	}
	if err := t.Halt(ctx); err != nil {
		return stats, err
	}

	pages := t.pagesFor(img.Segments)
	if err := t.ErasePages(ctx, pages); err != nil {
		return stats, err
	}
	stats.Pages = len(pages)

	for _, seg := range img.Segments {
		base, words := seg.Words()
		if err := t.Write(ctx, base, words); err != nil {
			return stats, fmt.Errorf("write segment 0x%08X: %w", seg.Address, err)
		}
		stats.Bytes += len(seg.Data)
	}
	if verify {
		for _, seg := range img.Segments {
			base, words := seg.Words()
			if err := t.Verify(base, words); err != nil {
				return stats, err
			}
		}
	}
	return stats, nil
}

// pagesFor lists the distinct page base addresses covered by segs, in
// ascending order.
func (t *Target) pagesFor(segs []ihex.Segment) []uint32 {
	seen := make(map[uint32]bool)
	var pages []uint32
	for _, seg := range segs {
		if len(seg.Data) == 0 {
			continue
		}
		size := t.pageSize
		if isUICR(seg.Address) {
			size = uicrSize
		}
		for p := seg.Address &^ (size - 1); p <= seg.End(); p += size {
			if !seen[p] {
				seen[p] = true
				pages = append(pages, p)
			}
			if p+size < p {
				break
			}
		}
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages
}

func isUICR(addr uint32) bool {
	return addr >= uicrBase && addr < uicrBase+uicrSize
}

// Reset requests a system reset through AIRCR and lets the core run.
func (t *Target) Reset(ctx context.Context) error {
	if t.protected {
		return t.link.HardReset()
	}
	if err := t.link.WriteMem32(regDHCSR, dhcsrKey); err != nil {
		return fmt.Errorf("release halt: %w", err)
	}
	// The reset may tear down the AHB-AP before the write is acknowledged.
	_ = t.link.WriteMem32(regAIRCR, aircrReset)
	t.link.invalidate()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	return t.link.PowerUp(ctx)
}

// Recover erases flash, RAM and UICR through the CTRL-AP, which also clears
// APPROTECT, then resets the device.
func (t *Target) Recover(ctx context.Context) error {
	if err := t.link.WriteAP(ctrlAP, ctrlAPEraseAll, 1); err != nil {
		return fmt.Errorf("CTRL-AP ERASEALL: %w", err)
	}
	err := poll(ctx, t.ReadyTimeout, func() (bool, error) {
		v, err := t.link.ReadAP(ctrlAP, ctrlAPEraseAllStatus)
		if err != nil {
			return false, err
		}
		return v == 0, nil
	})
	if err != nil {
		return fmt.Errorf("wait for ERASEALL: %w", err)
	}
	for _, v := range []uint32{1, 0} {
		if err := t.link.WriteAP(ctrlAP, ctrlAPReset, v); err != nil {
			return fmt.Errorf("CTRL-AP RESET=%d: %w", v, err)
		}
	}
	if err := t.link.WriteAP(ctrlAP, ctrlAPEraseAll, 0); err != nil {
		return err
	}
	t.link.invalidate()
	if err := t.link.PowerUp(ctx); err != nil {
		return err
	}
	return t.refresh()
}
