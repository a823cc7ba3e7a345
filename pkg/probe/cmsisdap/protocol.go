package cmsisdap

import (
	"encoding/binary"
	"fmt"
)

// CMSIS-DAP Command IDs
const (
	CmdInfo              = 0x00
	CmdHostStatus        = 0x01
	CmdConnect           = 0x02
	CmdDisconnect        = 0x03
	CmdTransferConfigure = 0x04
	CmdTransfer          = 0x05
	CmdTransferBlock     = 0x06
	CmdResetTarget       = 0x0A
	CmdSWJClock          = 0x11
	CmdSWJSequence       = 0x12
	CmdSWDConfigure      = 0x13
)

// DAP_Info Info IDs
const (
	InfoVendorID     = 0x01
	InfoProductID    = 0x02
	InfoSerialNum    = 0x03
	InfoFirmwareVer  = 0x04
	InfoCapabilities = 0xF0
	InfoPacketCount  = 0xFE
	InfoPacketSize   = 0xFF
)

// Connection ports
const (
	PortDefault = 0
	PortSWD     = 1
	PortJTAG    = 2
)

// Status codes
const (
	StatusOK    = 0x00
	StatusError = 0xFF
)

// Transfer request bits
const (
	ReqAPnDP = 0x01
	ReqRnW   = 0x02
	ReqA2    = 0x04
	ReqA3    = 0x08
)

// Transfer acknowledge values
const (
	AckOK       = 0x01
	AckWait     = 0x02
	AckFault    = 0x04
	AckNoAck    = 0x07
	AckProtocol = 0x08
	AckMismatch = 0x10
)

// TransferError reports a DAP_Transfer that stopped before completing every
// request.
type TransferError struct {
	Ack      byte
	Executed int
}

func (e *TransferError) Error() string {
	var what string
	switch e.Ack & 0x07 {
	case AckWait:
		what = "WAIT"
	case AckFault:
		what = "FAULT"
	case AckNoAck:
		what = "no ACK"
	default:
		what = fmt.Sprintf("ack 0x%02X", e.Ack)
	}
	if e.Ack&AckProtocol != 0 {
		what = "SWD protocol error"
	}
	return fmt.Sprintf("transfer failed after %d request(s): %s", e.Executed, what)
}

// Transfer is one DP or AP register access within a DAP_Transfer command.
type Transfer struct {
	AP    bool
	Read  bool
	Addr  byte // register address, only bits [3:2] are sent
	Value uint32
}

// Request returns the transfer request byte.
func (t Transfer) Request() byte {
	req := t.Addr & (ReqA2 | ReqA3)
	if t.AP {
		req |= ReqAPnDP
	}
	if t.Read {
		req |= ReqRnW
	}
	return req
}

// Protocol handles encoding/decoding of CMSIS-DAP commands.
type Protocol struct {
	PacketSize int
}

// NewProtocol creates a new protocol handler
func NewProtocol(packetSize int) *Protocol {
	return &Protocol{PacketSize: packetSize}
}

// EncodeInfo builds a DAP_Info command
func (p *Protocol) EncodeInfo(infoID byte) []byte {
	return []byte{CmdInfo, infoID}
}

// DecodeInfo parses a DAP_Info response
func (p *Protocol) DecodeInfo(resp []byte) (string, error) {
	if len(resp) < 2 {
		return "", fmt.Errorf("response too short")
	}
	if resp[0] != CmdInfo {
		return "", fmt.Errorf("invalid command ID: 0x%02X", resp[0])
	}

	length := int(resp[1])
	if len(resp) < 2+length {
		return "", fmt.Errorf("incomplete info string")
	}

	// Firmware pads strings with a trailing NUL.
	s := resp[2 : 2+length]
	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return string(s), nil
}

// DecodeInfoU16 parses a numeric DAP_Info response such as the packet size.
func (p *Protocol) DecodeInfoU16(resp []byte) (uint16, error) {
	if len(resp) < 2 || resp[0] != CmdInfo {
		return 0, fmt.Errorf("invalid info response")
	}
	switch resp[1] {
	case 1:
		if len(resp) < 3 {
			return 0, fmt.Errorf("response too short")
		}
		return uint16(resp[2]), nil
	case 2:
		if len(resp) < 4 {
			return 0, fmt.Errorf("response too short")
		}
		return binary.LittleEndian.Uint16(resp[2:4]), nil
	}
	return 0, fmt.Errorf("unexpected info length %d", resp[1])
}

// EncodeConnect builds a DAP_Connect command
func (p *Protocol) EncodeConnect(port byte) []byte {
	return []byte{CmdConnect, port}
}

// DecodeConnect parses a DAP_Connect response
func (p *Protocol) DecodeConnect(resp []byte) (byte, error) {
	if len(resp) < 2 {
		return 0, fmt.Errorf("response too short")
	}
	if resp[0] != CmdConnect {
		return 0, fmt.Errorf("invalid command ID")
	}
	if resp[1] == 0 {
		return 0, fmt.Errorf("connection failed")
	}
	return resp[1], nil
}

// EncodeDisconnect builds a DAP_Disconnect command
func (p *Protocol) EncodeDisconnect() []byte {
	return []byte{CmdDisconnect}
}

// DecodeStatus parses the one-byte status response shared by most
// configuration commands.
func (p *Protocol) DecodeStatus(cmd byte, resp []byte) error {
	if len(resp) < 2 {
		return fmt.Errorf("response too short")
	}
	if resp[0] != cmd {
		return fmt.Errorf("invalid command ID: 0x%02X", resp[0])
	}
	if resp[1] != StatusOK {
		return fmt.Errorf("command 0x%02X failed", cmd)
	}
	return nil
}

// EncodeSetClock builds a DAP_SWJ_Clock command
func (p *Protocol) EncodeSetClock(hz uint32) []byte {
	cmd := make([]byte, 5)
	cmd[0] = CmdSWJClock
	binary.LittleEndian.PutUint32(cmd[1:], hz)
	return cmd
}

// EncodeSWJSequence builds a DAP_SWJ_Sequence command clocking bits out on
// SWDIO/TMS, LSB first. bits must be 1..256.
func (p *Protocol) EncodeSWJSequence(bits int, data []byte) []byte {
	cmd := make([]byte, 2+(bits+7)/8)
	cmd[0] = CmdSWJSequence
	cmd[1] = byte(bits) // 256 is encoded as 0
	copy(cmd[2:], data)
	return cmd
}

// EncodeSWDConfigure builds a DAP_SWD_Configure command. turnaround is in
// clock cycles (1..4).
func (p *Protocol) EncodeSWDConfigure(turnaround int, dataPhase bool) []byte {
	cfg := byte(turnaround-1) & 0x03
	if dataPhase {
		cfg |= 0x04
	}
	return []byte{CmdSWDConfigure, cfg}
}

// EncodeTransferConfigure builds a DAP_TransferConfigure command.
func (p *Protocol) EncodeTransferConfigure(idleCycles byte, waitRetry, matchRetry uint16) []byte {
	cmd := make([]byte, 6)
	cmd[0] = CmdTransferConfigure
	cmd[1] = idleCycles
	binary.LittleEndian.PutUint16(cmd[2:], waitRetry)
	binary.LittleEndian.PutUint16(cmd[4:], matchRetry)
	return cmd
}

// EncodeTransfer builds a DAP_Transfer command for DAP index 0.
func (p *Protocol) EncodeTransfer(transfers []Transfer) []byte {
	cmd := make([]byte, 3, 3+5*len(transfers))
	cmd[0] = CmdTransfer
	cmd[1] = 0
	cmd[2] = byte(len(transfers))
	for _, t := range transfers {
		cmd = append(cmd, t.Request())
		if !t.Read {
			cmd = binary.LittleEndian.AppendUint32(cmd, t.Value)
		}
	}
	return cmd
}

// DecodeTransfer parses a DAP_Transfer response and returns the values of
// the read requests in order.
func (p *Protocol) DecodeTransfer(resp []byte, transfers []Transfer) ([]uint32, error) {
	if len(resp) < 3 {
		return nil, fmt.Errorf("response too short")
	}
	if resp[0] != CmdTransfer {
		return nil, fmt.Errorf("invalid command ID: 0x%02X", resp[0])
	}
	executed := int(resp[1])
	ack := resp[2]
	if executed != len(transfers) || ack != AckOK {
		return nil, &TransferError{Ack: ack, Executed: executed}
	}

	var values []uint32
	offset := 3
	for _, t := range transfers {
		if !t.Read {
			continue
		}
		if offset+4 > len(resp) {
			return nil, fmt.Errorf("incomplete transfer data")
		}
		values = append(values, binary.LittleEndian.Uint32(resp[offset:]))
		offset += 4
	}
	return values, nil
}

// EncodeTransferBlock builds a DAP_TransferBlock command. For writes, data
// holds the words to send; for reads, count words are requested.
func (p *Protocol) EncodeTransferBlock(req Transfer, count int, data []uint32) []byte {
	cmd := make([]byte, 5, 5+4*len(data))
	cmd[0] = CmdTransferBlock
	cmd[1] = 0
	binary.LittleEndian.PutUint16(cmd[2:], uint16(count))
	cmd[4] = req.Request()
	if !req.Read {
		for _, w := range data {
			cmd = binary.LittleEndian.AppendUint32(cmd, w)
		}
	}
	return cmd
}

// DecodeTransferBlock parses a DAP_TransferBlock response.
func (p *Protocol) DecodeTransferBlock(resp []byte, req Transfer, count int) ([]uint32, error) {
	if len(resp) < 4 {
		return nil, fmt.Errorf("response too short")
	}
	if resp[0] != CmdTransferBlock {
		return nil, fmt.Errorf("invalid command ID: 0x%02X", resp[0])
	}
	executed := int(binary.LittleEndian.Uint16(resp[1:3]))
	ack := resp[3]
	if executed != count || ack != AckOK {
		return nil, &TransferError{Ack: ack, Executed: executed}
	}
	if !req.Read {
		return nil, nil
	}
	if len(resp) < 4+4*count {
		return nil, fmt.Errorf("incomplete block data")
	}
	words := make([]uint32, count)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(resp[4+4*i:])
	}
	return words, nil
}

// MaxBlockWords returns how many words a single TransferBlock can carry.
func (p *Protocol) MaxBlockWords(read bool) int {
	if read {
		return (p.PacketSize - 4) / 4
	}
	return (p.PacketSize - 5) / 4
}

// EncodeResetTarget builds a DAP_ResetTarget command
func (p *Protocol) EncodeResetTarget() []byte {
	return []byte{CmdResetTarget}
}
