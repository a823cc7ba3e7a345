package cmsisdap

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// DeviceInfo describes a detected CMSIS-DAP probe.
type DeviceInfo struct {
	VendorID    uint16
	ProductID   uint16
	Serial      string
	Description string
}

// Label returns a user-friendly description for the probe.
func (d DeviceInfo) Label() string {
	desc := d.Description
	if desc == "" {
		desc = fmt.Sprintf("CMSIS-DAP (%04X:%04X)", d.VendorID, d.ProductID)
	}
	if d.Serial != "" {
		return desc + " " + d.Serial
	}
	return desc
}

// Discover enumerates connected CMSIS-DAP probes matching known VID/PID
// pairs. Devices the user may not open are still listed, without a serial.
func Discover(ctx context.Context) ([]DeviceInfo, error) {
	usb := gousb.NewContext()
	defer usb.Close()

	var matched []*gousb.DeviceDesc
	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if _, ok := classify(desc); !ok {
			return false
		}
		matched = append(matched, desc)
		return true
	})
	serials := make(map[usbAddr]string, len(devs))
	for _, dev := range devs {
		serials[addrOf(dev.Desc)], _ = dev.SerialNumber()
		dev.Close()
	}
	results := describe(matched, serials)
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		return results, err
	}
	return results, ctx.Err()
}

// usbAddr identifies a device on the bus for the lifetime of one scan.
type usbAddr struct {
	bus, address int
}

func addrOf(desc *gousb.DeviceDesc) usbAddr {
	return usbAddr{bus: desc.Bus, address: desc.Address}
}

// describe turns the matched descriptors into DeviceInfo in enumeration
// order. serials holds the devices that could be opened.
func describe(descs []*gousb.DeviceDesc, serials map[usbAddr]string) []DeviceInfo {
	results := make([]DeviceInfo, 0, len(descs))
	for _, desc := range descs {
		known, ok := classify(desc)
		if !ok {
			continue
		}
		results = append(results, DeviceInfo{
			VendorID:    known.VendorID,
			ProductID:   known.ProductID,
			Serial:      serials[addrOf(desc)],
			Description: known.Description,
		})
	}
	return results
}

func classify(desc *gousb.DeviceDesc) (knownUSBDevice, bool) {
	for _, known := range knownCMSISDAPVIDPIDs {
		if uint16(desc.Vendor) == known.VendorID && uint16(desc.Product) == known.ProductID {
			return known, true
		}
	}
	return knownUSBDevice{}, false
}

type knownUSBDevice struct {
	VendorID    uint16
	ProductID   uint16
	Description string
}

var knownCMSISDAPVIDPIDs = []knownUSBDevice{
	{VendorID: VendorIDRaspberryPi, ProductID: ProductIDCMSISDAP, Description: "Raspberry Pi Debug Probe"},
	{VendorID: 0x0d28, ProductID: 0x0204, Description: "DAPLink CMSIS-DAP"},
	{VendorID: 0x1366, ProductID: 0x0101, Description: "SEGGER J-Link CMSIS-DAP"},
	{VendorID: 0x1915, ProductID: 0xc00a, Description: "Nordic nRF CMSIS-DAP"},
	{VendorID: 0xc251, ProductID: 0xf002, Description: "Keil ULINK CMSIS-DAP"},
}
