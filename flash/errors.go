package flash

import (
	"fmt"

	"github.com/pkg/errors"
)

var ErrPollTimeout = errors.New("timed out polling the flash status register")
var ErrUnlocked = errors.New("flash interface is already unlocked")
var ErrBusy = errors.New("flash operation already in progress")
var ErrOutOfBank = errors.New("address is outside the flash bank")

// AlignmentError is returned when an address does not meet the alignment an
// operation requires. The bus is not touched.
type AlignmentError struct {
	Op    string
	Addr  uint32
	Align uint32
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("%s: address 0x%08X is not aligned to %d bytes", e.Op, e.Addr, e.Align)
}

// FaultError reports error flags latched in SR during an operation
type FaultError struct {
	Op     string
	Addr   uint32
	Status uint32
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s at 0x%08X: hardware fault, SR=0x%08X (%s)", e.Op, e.Addr, e.Status, srString(e.Status))
}
