package serialport

import (
	"slices"

	"go.bug.st/serial/enumerator"
)

// commonPorts are offered even when enumeration does not report them;
// /dev/serial0 is a symlink on Raspberry Pi OS and never enumerated.
var commonPorts = []string{"/dev/serial0", "/dev/ttyAMA0", "/dev/ttyUSB0", "/dev/ttyUSB1"}

// PortInfo describes one candidate device.
type PortInfo struct {
	Device       string `json:"device"`
	Description  string `json:"description,omitempty"`
	USB          bool   `json:"usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}

// ListPorts enumerates serial devices and appends the common Raspberry Pi
// device paths that are missing. Enumeration errors are returned together
// with the common paths so callers can still offer a choice.
//
// Transfers accept any path; this list is advisory.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()

	ports := make([]PortInfo, 0, len(details)+len(commonPorts))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Device:       d.Name,
			Description:  d.Product,
			USB:          d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
		})
	}

	for _, dev := range commonPorts {
		if !slices.ContainsFunc(ports, func(p PortInfo) bool { return p.Device == dev }) {
			ports = append(ports, PortInfo{Device: dev, Description: "common serial port"})
		}
	}

	return ports, err
}
