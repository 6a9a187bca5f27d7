// Package irq enumerates the peripheral interrupt lines handled by the kernel
// and describes the interrupt controller used to inspect them.
package irq

//go:generate mockgen -destination mock_irq.go -package irq gopherpi/kernel/irq Controller

// Interrupt identifies a peripheral interrupt line routed through the
// BCM2837 interrupt controller.
type Interrupt uint8

const (
	// Timer1 is system timer compare channel 1. It drives the scheduler
	// tick.
	Timer1 Interrupt = 1

	// Timer3 is system timer compare channel 3.
	Timer3 Interrupt = 3

	// Usb is the USB controller interrupt.
	Usb Interrupt = 9

	// Gpio0 to Gpio3 are the GPIO bank interrupts.
	Gpio0 Interrupt = 49
	Gpio1 Interrupt = 50
	Gpio2 Interrupt = 51
	Gpio3 Interrupt = 52

	// Uart is the PL011 UART interrupt.
	Uart Interrupt = 57
)

// Priority lists the interrupt lines in the order in which pending
// interrupts are serviced.
var Priority = [...]Interrupt{Timer1, Timer3, Usb, Gpio0, Gpio1, Gpio2, Gpio3, Uart}

func (i Interrupt) String() string {
	switch i {
	case Timer1:
		return "Timer1"
	case Timer3:
		return "Timer3"
	case Usb:
		return "Usb"
	case Gpio0, Gpio1, Gpio2, Gpio3:
		return "Gpio" + string(rune('0'+i-Gpio0))
	case Uart:
		return "Uart"
	}
	return "Unknown"
}

// Controller is implemented by interrupt controller drivers.
type Controller interface {
	// Enable unmasks the interrupt line.
	Enable(line Interrupt)

	// Disable masks the interrupt line.
	Disable(line Interrupt)

	// IsPending returns true if the interrupt line is asserted.
	IsPending(line Interrupt) bool

	// Acknowledge clears the pending state of the interrupt line.
	Acknowledge(line Interrupt)
}
