// Package hal discovers the board peripherals through the driver registry
// and exposes the ones the kernel depends on.
package hal

import (
	"io"
	"sort"
	"time"

	"gopherpi/device"
	"gopherpi/kernel"
	"gopherpi/kernel/cpu"
	"gopherpi/kernel/gate"
	"gopherpi/kernel/irq"
	"gopherpi/kernel/kfmt"
)

//go:generate mockgen -destination mock_hal.go -package hal gopherpi/kernel/hal Timer

// Timer is implemented by system timer drivers.
type Timer interface {
	// CurrentTime returns the time elapsed since the timer was started.
	CurrentTime() time.Duration

	// TickIn arms the timer to raise its interrupt after d.
	TickIn(d time.Duration)
}

// UserEntry is implemented by machines that can drop to EL0.
type UserEntry interface {
	// EnterUser restores tf and returns to user mode. It returns once
	// the machine stops running user code.
	EnterUser(tf *gate.TrapFrame)
}

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	activeTimer   Timer
	activeIntc    irq.Controller
	activeConsole io.Writer

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

var (
	devices managedDevices

	errNoUserEntry = &kernel.Error{Module: "hal", Message: "machine does not support entering user mode"}
)

// ActiveTimer returns the system timer or nil if none was detected.
func ActiveTimer() Timer { return devices.activeTimer }

// ActiveInterruptController returns the interrupt controller or nil if none
// was detected.
func ActiveInterruptController() irq.Controller { return devices.activeIntc }

// ActiveConsole returns the console or nil if none was detected.
func ActiveConsole() io.Writer { return devices.activeConsole }

// ActiveDrivers returns the drivers that were successfully initialized.
func ActiveDrivers() []device.Driver { return devices.activeDrivers }

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers.
func DetectHardware() {
	// Get driver list and sort by detection priority
	drivers := device.DriverList()
	sort.Stable(drivers)

	probe(drivers)
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func probe(driverInfoList device.DriverInfoList) {
	log := kfmt.Log("hal")

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		major, minor, patch := drv.DriverVersion()
		drvLog := log.WithField("driver", drv.DriverName())
		if err := drv.DriverInit(drvLog); err != nil {
			log.Warnf("%s(%d.%d.%d): init failed: %s", drv.DriverName(), major, minor, patch, err.Message)
			continue
		}

		log.Infof("%s(%d.%d.%d): initialized", drv.DriverName(), major, minor, patch)
		onDriverInit(drv)
		devices.activeDrivers = append(devices.activeDrivers, drv)
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized. The first driver of each kind becomes the
// active one.
func onDriverInit(drv device.Driver) {
	if timer, ok := drv.(Timer); ok && devices.activeTimer == nil {
		devices.activeTimer = timer
	}

	if intc, ok := drv.(irq.Controller); ok && devices.activeIntc == nil {
		devices.activeIntc = intc
	}

	if cons, ok := drv.(io.Writer); ok && devices.activeConsole == nil {
		devices.activeConsole = cons
		kfmt.SetOutputSink(cons)
	}
}

// EnterUser transfers control to user mode using the active machine.
func EnterUser(tf *gate.TrapFrame) *kernel.Error {
	entry, ok := cpu.ActiveMachine().(UserEntry)
	if !ok {
		return errNoUserEntry
	}

	entry.EnterUser(tf)
	return nil
}

// Reset forgets all detected devices.
func Reset() {
	devices = managedDevices{}
}
