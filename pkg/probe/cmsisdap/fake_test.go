package cmsisdap

import (
	"encoding/binary"
	"sync"
)

// fakeDAP emulates a CMSIS-DAP probe attached to an nRF52832 at the
// command level: DP and AP registers, a MEM-AP with auto-increment, the
// NVMC and the Nordic CTRL-AP.
type fakeDAP struct {
	mu sync.Mutex

	packetSize int
	flashSize  uint32
	protected  bool

	// failAP makes every MEM-AP access return this ack when non-zero.
	failAP byte

	port     byte
	sel      uint32
	ctrlstat uint32
	csw, tar uint32
	nvmc     uint32
	dhcsr    uint32

	mem map[uint32]uint32

	cmds        []byte
	aircrWrites int
	ctrlResets  int
	badWrites   int
	closed      bool
}

func newFakeDAP() *fakeDAP {
	return &fakeDAP{
		packetSize: 64,
		flashSize:  512 * 1024,
		mem:        make(map[uint32]uint32),
	}
}

func (f *fakeDAP) PacketSize() int { return f.packetSize }

func (f *fakeDAP) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDAP) sent(cmd byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.cmds {
		if c == cmd {
			n++
		}
	}
	return n
}

func (f *fakeDAP) WriteRead(cmd []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd[0])

	switch cmd[0] {
	case CmdInfo:
		s := "2.1.0"
		return append([]byte{CmdInfo, byte(len(s))}, s...), nil
	case CmdConnect:
		f.port = cmd[1]
		if f.port == PortDefault {
			f.port = PortSWD
		}
		return []byte{CmdConnect, f.port}, nil
	case CmdTransfer:
		return f.transfer(cmd), nil
	case CmdTransferBlock:
		return f.transferBlock(cmd), nil
	default:
		return []byte{cmd[0], StatusOK}, nil
	}
}

func (f *fakeDAP) transfer(cmd []byte) []byte {
	count := int(cmd[2])
	resp := []byte{CmdTransfer, 0, 0}
	off := 3
	for i := 0; i < count; i++ {
		req := cmd[off]
		off++
		var v uint32
		if req&ReqRnW == 0 {
			v = binary.LittleEndian.Uint32(cmd[off:])
			off += 4
		}
		ack, val := f.access(req, v)
		if ack != AckOK {
			resp[1], resp[2] = byte(i), ack
			return resp[:3]
		}
		if req&ReqRnW != 0 {
			resp = binary.LittleEndian.AppendUint32(resp, val)
		}
	}
	resp[1], resp[2] = byte(count), AckOK
	return resp
}

func (f *fakeDAP) transferBlock(cmd []byte) []byte {
	count := int(binary.LittleEndian.Uint16(cmd[2:4]))
	req := cmd[4]
	resp := []byte{CmdTransferBlock, 0, 0, 0}
	off := 5
	for i := 0; i < count; i++ {
		var v uint32
		if req&ReqRnW == 0 {
			v = binary.LittleEndian.Uint32(cmd[off:])
			off += 4
		}
		ack, val := f.access(req, v)
		if ack != AckOK {
			binary.LittleEndian.PutUint16(resp[1:3], uint16(i))
			resp[3] = ack
			return resp[:4]
		}
		if req&ReqRnW != 0 {
			resp = binary.LittleEndian.AppendUint32(resp, val)
		}
	}
	binary.LittleEndian.PutUint16(resp[1:3], uint16(count))
	resp[3] = AckOK
	return resp
}

func (f *fakeDAP) access(req byte, v uint32) (byte, uint32) {
	read := req&ReqRnW != 0
	a := req & (ReqA2 | ReqA3)
	if req&ReqAPnDP == 0 {
		return f.dp(read, a, v)
	}
	apsel := f.sel >> 24
	reg := f.sel&0xF0 | uint32(a)
	switch apsel {
	case ctrlAP:
		return f.ctrl(read, reg, v)
	case 0:
		if f.failAP != 0 {
			return f.failAP, 0
		}
		if f.protected {
			return AckFault, 0
		}
		return f.memAP(read, reg, v)
	}
	return AckFault, 0
}

func (f *fakeDAP) dp(read bool, a byte, v uint32) (byte, uint32) {
	switch a {
	case DPIDCODE:
		if read {
			return AckOK, 0x2BA01477
		}
		return AckOK, 0
	case DPCTRLSTAT:
		if !read {
			f.ctrlstat = v
			return AckOK, 0
		}
		st := f.ctrlstat
		if st&CSYSPWRUPREQ != 0 {
			st |= CSYSPWRUPACK
		}
		if st&CDBGPWRUPREQ != 0 {
			st |= CDBGPWRUPACK
		}
		return AckOK, st
	case DPSELECT:
		f.sel = v
		return AckOK, 0
	}
	return AckOK, 0
}

func (f *fakeDAP) ctrl(read bool, reg, v uint32) (byte, uint32) {
	switch reg {
	case ctrlAPReset:
		if !read && v == 1 {
			f.ctrlResets++
		}
	case ctrlAPEraseAll:
		if !read && v == 1 {
			f.eraseRange(0, f.flashSize)
			f.eraseRange(uicrBase, uicrBase+uicrSize)
			f.protected = false
		}
	case ctrlAPEraseAllStatus:
		return AckOK, 0
	case ctrlAPApprotect:
		if f.protected {
			return AckOK, 0
		}
		return AckOK, 1
	case ctrlAPIDR:
		return AckOK, ctrlAPIDRValue
	}
	return AckOK, 0
}

func (f *fakeDAP) memAP(read bool, reg, v uint32) (byte, uint32) {
	switch reg {
	case APCSW:
		if read {
			return AckOK, f.csw
		}
		f.csw = v
	case APTAR:
		if read {
			return AckOK, f.tar
		}
		f.tar = v
	case APDRW:
		var out uint32
		if read {
			out = f.load(f.tar)
		} else {
			f.store(f.tar, v)
		}
		if f.csw&0x30 == 0x10 {
			f.tar += 4
		}
		return AckOK, out
	}
	return AckOK, 0
}

func (f *fakeDAP) inFlash(addr uint32) bool {
	return addr < f.flashSize || isUICR(addr)
}

func (f *fakeDAP) load(addr uint32) uint32 {
	switch addr {
	case nvmcReady:
		return 1
	case nvmcConfig:
		return f.nvmc
	case ficrCodePageSize:
		return defaultPageSize
	case ficrCodeSize:
		return f.flashSize / defaultPageSize
	case ficrPart:
		return 0x52832
	case regDHCSR:
		st := f.dhcsr
		if st&dhcsrHalt != 0 {
			st |= dhcsrSHalt
		}
		return st
	}
	if v, ok := f.mem[addr]; ok {
		return v
	}
	if f.inFlash(addr) {
		return 0xFFFFFFFF
	}
	return 0
}

func (f *fakeDAP) store(addr, v uint32) {
	switch addr {
	case nvmcConfig:
		f.nvmc = v
		return
	case nvmcErasePage:
		if f.nvmc == nvmcConfigErase {
			f.eraseRange(v, v+defaultPageSize)
		}
		return
	case nvmcEraseAll:
		if f.nvmc == nvmcConfigErase && v == 1 {
			f.eraseRange(0, f.flashSize)
			f.eraseRange(uicrBase, uicrBase+uicrSize)
		}
		return
	case nvmcEraseUICR:
		if f.nvmc == nvmcConfigErase && v == 1 {
			f.eraseRange(uicrBase, uicrBase+uicrSize)
		}
		return
	case regDHCSR:
		if v&0xFFFF0000 == dhcsrKey {
			f.dhcsr = v & 0xFFFF
		}
		return
	case regAIRCR:
		if v == aircrReset {
			f.aircrWrites++
		}
		return
	}
	if f.inFlash(addr) {
		if f.nvmc != nvmcConfigWrite {
			f.badWrites++
			return
		}
		f.mem[addr] = f.load(addr) & v
		return
	}
	f.mem[addr] = v
}

func (f *fakeDAP) eraseRange(from, to uint32) {
	for addr := range f.mem {
		if addr >= from && addr < to {
			delete(f.mem, addr)
		}
	}
}

// word reads target memory directly, bypassing the probe.
func (f *fakeDAP) word(addr uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load(addr)
}

func (f *fakeDAP) poke(addr, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mem[addr] = v
}
