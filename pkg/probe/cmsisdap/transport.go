package cmsisdap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/probe"
)

const (
	// Raspberry Pi debugprobe / picoprobe
	VendorIDRaspberryPi = 0x2E8A
	ProductIDCMSISDAP   = 0x000C

	// Default packet size for CMSIS-DAP v1/v2
	DefaultPacketSize = 64
	DefaultTimeout    = 5 * time.Second
)

// Transport carries CMSIS-DAP command/response packets.
type Transport interface {
	WriteRead(cmd []byte) ([]byte, error)
	PacketSize() int
	Close() error
}

// USBTransport handles bulk USB communication with a CMSIS-DAP v2 probe.
type USBTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	packetSize int
	timeout    time.Duration

	serial string
}

// OpenUSB opens the CMSIS-DAP probe with the given USB serial number, or the
// first known probe when serial is empty.
func OpenUSB(serial string) (*USBTransport, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, ok := classify(desc)
		return ok
	})
	if err != nil && !errors.Is(err, gousb.ErrorAccess) && len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("USB error: %w", err)
	}

	var dev *gousb.Device
	var snr string
	for _, d := range devs {
		s, _ := d.SerialNumber()
		if dev == nil && (serial == "" || s == serial) {
			dev, snr = d, s
			continue
		}
		d.Close()
	}
	if dev == nil {
		ctx.Close()
		switch {
		case err != nil:
			// A matching probe exists but could not be opened.
			return nil, fmt.Errorf("open CMSIS-DAP probe: %w", err)
		case serial != "":
			return nil, fmt.Errorf("%w: CMSIS-DAP %s", probe.ErrProbeNotFound, serial)
		default:
			return nil, probe.ErrNoProbe
		}
	}

	// Set auto-detach kernel driver (important for Linux). Not fatal on
	// every platform.
	_ = dev.SetAutoDetach(true)

	t := &USBTransport{
		ctx:        ctx,
		dev:        dev,
		packetSize: DefaultPacketSize,
		timeout:    DefaultTimeout,
		serial:     snr,
	}
	if err := t.claimInterface(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// claimInterface finds and claims the CMSIS-DAP vendor interface
func (t *USBTransport) claimInterface() error {
	num, err := t.dev.ActiveConfigNum()
	if err != nil {
		num = 1
	}
	cfg, err := t.dev.Config(num)
	if err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}
	t.cfg = cfg

	// CMSIS-DAP v2 uses a vendor-specific class (0xFF) interface with two
	// bulk endpoints.
	vendorIntfNum := -1
	for _, intf := range cfg.Desc.Interfaces {
		if len(intf.AltSettings) > 0 && intf.AltSettings[0].Class == gousb.ClassVendorSpec {
			vendorIntfNum = intf.Number
			break
		}
	}
	if vendorIntfNum == -1 {
		vendorIntfNum = 0
	}

	intf, err := cfg.Interface(vendorIntfNum, 0)
	if err != nil {
		return fmt.Errorf("failed to claim interface %d: %w", vendorIntfNum, err)
	}
	t.intf = intf

	return t.findEndpoints()
}

// findEndpoints discovers the bulk IN and OUT endpoints
func (t *USBTransport) findEndpoints() error {
	var outAddr, inAddr int
	for _, ep := range t.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch {
		case ep.Direction == gousb.EndpointDirectionOut && outAddr == 0:
			outAddr = ep.Number
		case ep.Direction == gousb.EndpointDirectionIn && inAddr == 0:
			inAddr = ep.Number
			t.packetSize = ep.MaxPacketSize
		}
	}
	if outAddr == 0 {
		return fmt.Errorf("bulk OUT endpoint not found")
	}
	if inAddr == 0 {
		return fmt.Errorf("bulk IN endpoint not found")
	}

	epOut, err := t.intf.OutEndpoint(outAddr)
	if err != nil {
		return fmt.Errorf("failed to open OUT endpoint: %w", err)
	}
	t.epOut = epOut

	epIn, err := t.intf.InEndpoint(inAddr)
	if err != nil {
		return fmt.Errorf("failed to open IN endpoint: %w", err)
	}
	t.epIn = epIn
	return nil
}

// WriteRead performs a command/response transaction
func (t *USBTransport) WriteRead(cmd []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	if _, err := t.epOut.WriteContext(ctx, cmd); err != nil {
		return nil, fmt.Errorf("USB write failed: %w", err)
	}

	resp := make([]byte, t.packetSize)
	n, err := t.epIn.ReadContext(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("USB read failed: %w", err)
	}
	return resp[:n], nil
}

// PacketSize returns the current packet size
func (t *USBTransport) PacketSize() int {
	return t.packetSize
}

// Serial returns the USB serial number of the opened probe.
func (t *USBTransport) Serial() string {
	return t.serial
}

// SetTimeout sets the read/write timeout
func (t *USBTransport) SetTimeout(timeout time.Duration) {
	t.timeout = timeout
}

// Close releases USB resources
func (t *USBTransport) Close() error {
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.cfg != nil {
		t.cfg.Close()
		t.cfg = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}
