package flash

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// FaultHandler services the flash error interrupt. A programming fault is not
// recoverable at runtime: the handler acknowledges the error flags, reports
// them and halts.
type FaultHandler struct {
	bus     Bus
	console io.Writer

	// Halt must not return. Defaults to exiting the process.
	Halt func(status uint32)
}

// NewFaultHandler will create a handler reporting to console, which may be nil
func NewFaultHandler(bus Bus, console io.Writer) *FaultHandler {
	return &FaultHandler{
		bus:     bus,
		console: console,
		Halt: func(status uint32) {
			logrus.Fatalf("halted after flash fault, SR=0x%08X", status)
		},
	}
}

// Handle clears every latched error flag so the interrupt is acknowledged,
// then halts
func (h *FaultHandler) Handle() {
	sr := h.bus.ReadReg(RegSR)
	h.bus.WriteReg(RegSR, SR_ERRORS)

	logrus.Errorf("memory error, SR=0x%08X (%s)", sr, srString(sr))
	if h.console != nil {
		fmt.Fprintf(h.console, "Memory error... SR=0x%08X\r\n", sr)
	}

	h.Halt(sr)
	panic("flash: fault handler halt returned")
}
