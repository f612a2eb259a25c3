// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/devbridge/protocol"
)

// DefaultSysfsRoot is where Linux exposes device topology.
const DefaultSysfsRoot = "/sys"

// ErrNoUSBDevice is returned when no attached device matches a filter.
var ErrNoUSBDevice = errors.New("transport: no matching USB serial device")

// USBDevice is a USB serial interface visible to the kernel as a tty.
type USBDevice struct {
	// Path is the tty device node, e.g. /dev/ttyACM0.
	Path         string `json:"path"`
	VendorID     uint16 `json:"vendorId"`
	ProductID    uint16 `json:"productId"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Product      string `json:"product,omitempty"`
}

func (d USBDevice) String() string {
	return fmt.Sprintf("%s (%04x:%04x %s)", d.Path, d.VendorID, d.ProductID, d.Product)
}

// USBFilter selects devices. Zero fields match anything.
type USBFilter struct {
	VendorID     uint16
	ProductID    uint16
	SerialNumber string
}

func (f USBFilter) matches(d USBDevice) bool {
	return (f.VendorID == 0 || f.VendorID == d.VendorID) &&
		(f.ProductID == 0 || f.ProductID == d.ProductID) &&
		(f.SerialNumber == "" || f.SerialNumber == d.SerialNumber)
}

// EnumerateUSB lists tty devices under sysfsRoot backed by a USB
// device matching filter, sorted by path. Each tty's sysfs "device"
// link points at a USB interface; the USB device that owns it is the
// nearest ancestor directory carrying idVendor and idProduct.
func EnumerateUSB(sysfsRoot string, filter USBFilter) ([]USBDevice, error) {
	if sysfsRoot == "" {
		sysfsRoot = DefaultSysfsRoot
	}
	ttyClass := filepath.Join(sysfsRoot, "class", "tty")
	entries, err := os.ReadDir(ttyClass)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", ttyClass, err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(sysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", sysfsRoot, err)
	}

	var devices []USBDevice
	for _, entry := range entries {
		deviceLink := filepath.Join(ttyClass, entry.Name(), "device")
		interfaceDir, err := filepath.EvalSymlinks(deviceLink)
		if err != nil {
			// Virtual terminals and ptys have no device link.
			continue
		}
		usbDir, ok := findUSBAncestor(interfaceDir, resolvedRoot)
		if !ok {
			continue
		}
		vendor, vendorErr := readHexID(filepath.Join(usbDir, "idVendor"))
		product, productErr := readHexID(filepath.Join(usbDir, "idProduct"))
		if vendorErr != nil || productErr != nil {
			continue
		}
		device := USBDevice{
			Path:         filepath.Join("/dev", entry.Name()),
			VendorID:     vendor,
			ProductID:    product,
			SerialNumber: readAttribute(filepath.Join(usbDir, "serial")),
			Manufacturer: readAttribute(filepath.Join(usbDir, "manufacturer")),
			Product:      readAttribute(filepath.Join(usbDir, "product")),
		}
		if filter.matches(device) {
			devices = append(devices, device)
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Path < devices[j].Path })
	return devices, nil
}

func findUSBAncestor(dir, root string) (string, bool) {
	for strings.HasPrefix(dir, root) && dir != root {
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func readAttribute(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readHexID(path string) (uint16, error) {
	value, err := strconv.ParseUint(readAttribute(path), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return uint16(value), nil
}

// Compile-time interface checks.
var (
	_ Transport     = (*USBSerial)(nil)
	_ MessageReader = (*USBSerial)(nil)
)

// usbReadSize matches a full-speed bulk endpoint burst; reads never
// align with frame boundaries.
const usbReadSize = 4096

// USBSerial is a serial transport to a USB device that reassembles
// whole protocol messages from the raw byte stream.
type USBSerial struct {
	*Serial
	Device USBDevice

	mu     sync.Mutex
	reader *protocol.FrameReader
}

// NewUSBSerial returns an unconnected transport for device.
func NewUSBSerial(device USBDevice, baud int, openTimeout time.Duration) *USBSerial {
	u := &USBSerial{Serial: NewSerial(device.Path, baud, openTimeout), Device: device}
	u.reader = protocol.NewFrameReader(u.Serial, usbReadSize)
	return u
}

// Connect opens the device and starts a fresh frame reader, so bytes
// and errors left over from a previous connection are not carried into
// the new one.
func (u *USBSerial) Connect(ctx context.Context) error {
	if u.Connected() {
		return nil
	}
	if err := u.Serial.Connect(ctx); err != nil {
		return err
	}
	u.mu.Lock()
	u.reader = protocol.NewFrameReader(u.Serial, usbReadSize)
	u.mu.Unlock()
	return nil
}

// FindUSBSerial enumerates devices under sysfsRoot and returns a
// transport for the first match.
func FindUSBSerial(sysfsRoot string, filter USBFilter, baud int, openTimeout time.Duration) (*USBSerial, error) {
	devices, err := EnumerateUSB(sysfsRoot, filter)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w (vendor %04x product %04x)", ErrNoUSBDevice, filter.VendorID, filter.ProductID)
	}
	return NewUSBSerial(devices[0], baud, openTimeout), nil
}

func (u *USBSerial) String() string { return "usb://" + u.Device.Path }

// ReadMessage returns the next complete message from the device.
func (u *USBSerial) ReadMessage() (protocol.Message, error) {
	u.mu.Lock()
	reader := u.reader
	u.mu.Unlock()
	return reader.ReadMessage()
}
