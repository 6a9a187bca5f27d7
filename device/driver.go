// Package device contains the driver registry used by the hal to discover
// board peripherals.
package device

import (
	"gopherpi/kernel"

	"github.com/sirupsen/logrus"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. Drivers that need to
	// report progress can log through the supplied entry which is already
	// tagged with the driver name.
	DriverInit(*logrus.Entry) *kernel.Error
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it.
type ProbeFn func() Driver

// DetectOrder specifies when each driver's probe function will be invoked
// by the hal.
type DetectOrder int8

const (
	// DetectOrderEarly drivers are probed before any other driver.
	DetectOrderEarly DetectOrder = -128

	// DetectOrderConsole drivers are probed before the interrupt
	// controller so that init messages reach the console.
	DetectOrderConsole DetectOrder = -64

	// DetectOrderIntc drivers are probed after the console and before
	// any peripheral that raises interrupts.
	DetectOrderIntc DetectOrder = -32

	// DetectOrderTimer drivers are probed once an interrupt controller
	// is available.
	DetectOrderTimer DetectOrder = 0

	// DetectOrderLast drivers are probed last.
	DetectOrderLast DetectOrder = 127
)

// DriverInfo is used to register a driver with the driver registry.
type DriverInfo struct {
	// Order specifies at which stage of the hardware detection process
	// this driver should be probed.
	Order DetectOrder

	// Probe is invoked by the hal to check for the presence of the
	// hardware supported by the driver.
	Probe ProbeFn
}

// DriverInfoList is a list of registered drivers that implements
// sort.Interface.
type DriverInfoList []*DriverInfo

// Len returns the length of the driver info list.
func (l DriverInfoList) Len() int { return len(l) }

// Swap exchanges two elements in the driver info list.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less reports whether element i should be probed before element j.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

var registeredDrivers DriverInfoList

// RegisterDriver adds the supplied driver info to the list of drivers that
// are probed during hardware detection.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of registered drivers.
func DriverList() DriverInfoList {
	return registeredDrivers
}

// ResetDrivers removes all registered drivers.
func ResetDrivers() {
	registeredDrivers = nil
}
