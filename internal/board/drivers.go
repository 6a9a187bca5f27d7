package board

import (
	"time"

	"gopherpi/device"
	"gopherpi/kernel"
	"gopherpi/kernel/cpu"
	"gopherpi/kernel/gate"
	"gopherpi/kernel/hal"
	"gopherpi/kernel/irq"
	"gopherpi/kernel/kfmt"

	"github.com/sirupsen/logrus"
)

const timerLine = irq.Timer1

// registerDrivers makes the board peripherals visible to hal.DetectHardware.
func (b *Board) registerDrivers() {
	device.ResetDrivers()
	hal.Reset()

	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderConsole,
		Probe: func() device.Driver { return &uart{b: b} },
	})
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderIntc,
		Probe: func() device.Driver { return &intc{b: b} },
	})
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderTimer,
		Probe: func() device.Driver { return &sysTimer{b: b} },
	})
}

// detach undoes the global state set up by Run.
func (b *Board) detach() {
	cpu.SetMachine(nil)
	device.ResetDrivers()
	hal.Reset()
	gate.Init(nil)
	kfmt.SetOutputSink(nil)
}

func (b *Board) raise(line irq.Interrupt) { b.pending |= 1 << line }

// sysTimer models compare channel 1 of the BCM2837 system timer.
type sysTimer struct {
	b *Board
}

func (t *sysTimer) DriverName() string                      { return "bcm2837-systimer" }
func (t *sysTimer) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

func (t *sysTimer) DriverInit(log *logrus.Entry) *kernel.Error {
	log.Debugf("cycle time %v", t.b.cfg.CycleTime)
	return nil
}

// CurrentTime implements hal.Timer.
func (t *sysTimer) CurrentTime() time.Duration { return t.b.clock }

// TickIn implements hal.Timer.
func (t *sysTimer) TickIn(d time.Duration) {
	t.b.compare = t.b.clock + d
	t.b.armed = true
}

// intc models the BCM2837 interrupt controller.
type intc struct {
	b *Board
}

func (c *intc) DriverName() string                      { return "bcm2837-intc" }
func (c *intc) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }
func (c *intc) DriverInit(*logrus.Entry) *kernel.Error  { return nil }

func (c *intc) Enable(line irq.Interrupt)  { c.b.enabled |= 1 << line }
func (c *intc) Disable(line irq.Interrupt) { c.b.enabled &^= 1 << line }

func (c *intc) IsPending(line irq.Interrupt) bool {
	return c.b.pending&c.b.enabled&(1<<line) != 0
}

func (c *intc) Acknowledge(line irq.Interrupt) { c.b.pending &^= 1 << line }

// uart models the transmit side of the PL011 UART.
type uart struct {
	b *Board
}

func (u *uart) DriverName() string                      { return "pl011-uart" }
func (u *uart) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }
func (u *uart) DriverInit(*logrus.Entry) *kernel.Error  { return nil }

func (u *uart) Write(p []byte) (int, error) { return u.b.cfg.Console.Write(p) }
