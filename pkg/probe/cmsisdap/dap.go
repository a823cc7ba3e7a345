package cmsisdap

import (
	"context"
	"fmt"
	"time"
)

// Debug port registers
const (
	DPIDCODE   = 0x00 // read
	DPABORT    = 0x00 // write
	DPCTRLSTAT = 0x04
	DPSELECT   = 0x08
	DPRDBUFF   = 0x0C
)

// CTRL/STAT bits
const (
	CSYSPWRUPACK  = 1 << 31
	CSYSPWRUPREQ  = 1 << 30
	CDBGPWRUPACK  = 1 << 29
	CDBGPWRUPREQ  = 1 << 28
	abortClearAll = 0x1E // STKCMPCLR | STKERRCLR | WDERRCLR | ORUNERRCLR
)

// MEM-AP registers
const (
	APCSW = 0x00
	APTAR = 0x04
	APDRW = 0x0C
	APIDR = 0xFC

	// 32-bit accesses, single auto-increment, debug enable.
	cswWord = 0x23000052
)

// TAR auto-increment is only guaranteed within a 1 KiB window.
const tarWrap = 1024

// Link is an SWD connection to a target's debug port.
type Link struct {
	transport Transport
	protocol  *Protocol

	selected uint32
	selValid bool
	csw      uint32
}

// NewLink wraps t. Call Init before any register access.
func NewLink(t Transport) *Link {
	return &Link{transport: t, protocol: NewProtocol(t.PacketSize())}
}

func (l *Link) command(cmd []byte) ([]byte, error) {
	return l.transport.WriteRead(cmd)
}

func (l *Link) status(cmd []byte) error {
	resp, err := l.command(cmd)
	if err != nil {
		return err
	}
	return l.protocol.DecodeStatus(cmd[0], resp)
}

// Info queries a DAP_Info string.
func (l *Link) Info(id byte) (string, error) {
	resp, err := l.command(l.protocol.EncodeInfo(id))
	if err != nil {
		return "", err
	}
	return l.protocol.DecodeInfo(resp)
}

// Init connects the probe in SWD mode at clockHz, switches the target from
// JTAG to SWD, powers up the debug domain and returns the DP IDCODE.
func (l *Link) Init(ctx context.Context, clockHz uint32) (uint32, error) {
	resp, err := l.command(l.protocol.EncodeConnect(PortSWD))
	if err != nil {
		return 0, err
	}
	port, err := l.protocol.DecodeConnect(resp)
	if err != nil {
		return 0, err
	}
	if port != PortSWD {
		return 0, fmt.Errorf("failed to connect in SWD mode (got port %d)", port)
	}

	if err := l.status(l.protocol.EncodeSetClock(clockHz)); err != nil {
		return 0, fmt.Errorf("set clock: %w", err)
	}
	if err := l.status(l.protocol.EncodeTransferConfigure(2, 0xFFFF, 0)); err != nil {
		return 0, fmt.Errorf("transfer configure: %w", err)
	}
	if err := l.status(l.protocol.EncodeSWDConfigure(1, false)); err != nil {
		return 0, fmt.Errorf("swd configure: %w", err)
	}
	if err := l.LineReset(); err != nil {
		return 0, err
	}

	l.invalidate()
	idcode, err := l.ReadDP(DPIDCODE)
	if err != nil {
		return 0, fmt.Errorf("read IDCODE: %w", err)
	}
	if err := l.WriteDP(DPABORT, abortClearAll); err != nil {
		return 0, err
	}
	if err := l.PowerUp(ctx); err != nil {
		return 0, err
	}
	return idcode, nil
}

// LineReset sends the JTAG-to-SWD switch sequence framed by line resets.
func (l *Link) LineReset() error {
	ones := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	seqs := []struct {
		bits int
		data []byte
	}{
		{51, ones},
		{16, []byte{0x9E, 0xE7}},
		{51, ones},
		{8, []byte{0x00}},
	}
	for _, s := range seqs {
		if err := l.status(l.protocol.EncodeSWJSequence(s.bits, s.data)); err != nil {
			return fmt.Errorf("swj sequence: %w", err)
		}
	}
	return nil
}

// PowerUp requests system and debug power and waits for both ACKs.
func (l *Link) PowerUp(ctx context.Context) error {
	if err := l.WriteDP(DPCTRLSTAT, CSYSPWRUPREQ|CDBGPWRUPREQ); err != nil {
		return err
	}
	return poll(ctx, time.Second, func() (bool, error) {
		v, err := l.ReadDP(DPCTRLSTAT)
		if err != nil {
			return false, err
		}
		return v&(CSYSPWRUPACK|CDBGPWRUPACK) == CSYSPWRUPACK|CDBGPWRUPACK, nil
	})
}

// Close sends DAP_Disconnect and releases the transport.
func (l *Link) Close() error {
	_, _ = l.command(l.protocol.EncodeDisconnect())
	return l.transport.Close()
}

// HardReset pulses nRESET through DAP_ResetTarget.
func (l *Link) HardReset() error {
	resp, err := l.command(l.protocol.EncodeResetTarget())
	if err != nil {
		return err
	}
	return l.protocol.DecodeStatus(CmdResetTarget, resp)
}

// invalidate forgets the cached SELECT and CSW values, e.g. after the
// target was reset.
func (l *Link) invalidate() {
	l.selValid = false
	l.csw = 0
}

func (l *Link) transfer(ts ...Transfer) ([]uint32, error) {
	resp, err := l.command(l.protocol.EncodeTransfer(ts))
	if err != nil {
		return nil, err
	}
	return l.protocol.DecodeTransfer(resp, ts)
}

// ReadDP reads a debug port register.
func (l *Link) ReadDP(addr byte) (uint32, error) {
	v, err := l.transfer(Transfer{Read: true, Addr: addr})
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// WriteDP writes a debug port register.
func (l *Link) WriteDP(addr byte, value uint32) error {
	_, err := l.transfer(Transfer{Addr: addr, Value: value})
	return err
}

func (l *Link) selectAP(apsel byte, addr byte) error {
	sel := uint32(apsel)<<24 | uint32(addr&0xF0)
	if l.selValid && sel == l.selected {
		return nil
	}
	if err := l.WriteDP(DPSELECT, sel); err != nil {
		return err
	}
	l.selected, l.selValid = sel, true
	return nil
}

// ReadAP reads register addr of access port apsel.
func (l *Link) ReadAP(apsel, addr byte) (uint32, error) {
	if err := l.selectAP(apsel, addr); err != nil {
		return 0, err
	}
	v, err := l.transfer(Transfer{AP: true, Read: true, Addr: addr})
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// WriteAP writes register addr of access port apsel.
func (l *Link) WriteAP(apsel, addr byte, value uint32) error {
	if err := l.selectAP(apsel, addr); err != nil {
		return err
	}
	_, err := l.transfer(Transfer{AP: true, Addr: addr, Value: value})
	return err
}

func (l *Link) setupMem(addr uint32) error {
	if l.csw != cswWord {
		if err := l.WriteAP(0, APCSW, cswWord); err != nil {
			return err
		}
		l.csw = cswWord
	}
	return l.WriteAP(0, APTAR, addr)
}

// ReadMem32 reads one word through MEM-AP 0.
func (l *Link) ReadMem32(addr uint32) (uint32, error) {
	if err := l.setupMem(addr); err != nil {
		return 0, err
	}
	return l.ReadAP(0, APDRW)
}

// WriteMem32 writes one word through MEM-AP 0.
func (l *Link) WriteMem32(addr, value uint32) error {
	if err := l.setupMem(addr); err != nil {
		return err
	}
	return l.WriteAP(0, APDRW, value)
}

// WriteBlock32 writes consecutive words starting at the word-aligned addr.
func (l *Link) WriteBlock32(addr uint32, words []uint32) error {
	limit := l.protocol.MaxBlockWords(false)
	for len(words) > 0 {
		n := chunkWords(addr, len(words), limit)
		if err := l.setupMem(addr); err != nil {
			return err
		}
		req := Transfer{AP: true, Addr: APDRW}
		resp, err := l.command(l.protocol.EncodeTransferBlock(req, n, words[:n]))
		if err != nil {
			return err
		}
		if _, err := l.protocol.DecodeTransferBlock(resp, req, n); err != nil {
			return fmt.Errorf("write 0x%08X: %w", addr, err)
		}
		addr += uint32(4 * n)
		words = words[n:]
	}
	return nil
}

// ReadBlock32 reads count consecutive words starting at the word-aligned
// addr.
func (l *Link) ReadBlock32(addr uint32, count int) ([]uint32, error) {
	out := make([]uint32, 0, count)
	limit := l.protocol.MaxBlockWords(true)
	for count > 0 {
		n := chunkWords(addr, count, limit)
		if err := l.setupMem(addr); err != nil {
			return nil, err
		}
		req := Transfer{AP: true, Read: true, Addr: APDRW}
		resp, err := l.command(l.protocol.EncodeTransferBlock(req, n, nil))
		if err != nil {
			return nil, err
		}
		words, err := l.protocol.DecodeTransferBlock(resp, req, n)
		if err != nil {
			return nil, fmt.Errorf("read 0x%08X: %w", addr, err)
		}
		out = append(out, words...)
		addr += uint32(4 * n)
		count -= n
	}
	return out, nil
}

// chunkWords limits a block to the packet capacity and the TAR wrap window.
func chunkWords(addr uint32, remaining, limit int) int {
	n := remaining
	if n > limit {
		n = limit
	}
	if room := int(tarWrap-addr%tarWrap) / 4; n > room {
		n = room
	}
	return n
}

// poll calls fn until it reports done, ctx ends or timeout elapses.
func poll(ctx context.Context, timeout time.Duration, fn func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		done, err := fn()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}
