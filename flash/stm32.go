package flash

import "fmt"

// Reg identifies one of the NVM interface registers
type Reg int

const (
	RegPECR Reg = iota
	RegPEKEYR
	RegPRGKEYR
	RegSR
)

func (r Reg) String() string {
	switch r {
	case RegPECR:
		return "PECR"
	case RegPEKEYR:
		return "PEKEYR"
	case RegPRGKEYR:
		return "PRGKEYR"
	case RegSR:
		return "SR"
	}
	return fmt.Sprintf("Reg(%d)", int(r))
}

// key sequences, written in order
const (
	PEKey1  uint32 = 0x89ABCDEF
	PEKey2  uint32 = 0x02030405
	PRGKey1 uint32 = 0x8C9DAEBF
	PRGKey2 uint32 = 0x13141516
)

// PECR bits
const (
	PECR_PELOCK  uint32 = 1 << 0
	PECR_PRGLOCK uint32 = 1 << 1
	PECR_PROG    uint32 = 1 << 3
	PECR_ERASE   uint32 = 1 << 9
	PECR_FPRG    uint32 = 1 << 10
	PECR_EOPIE   uint32 = 1 << 16
	PECR_ERRIE   uint32 = 1 << 17
)

// SR bits
const (
	SR_BSY        uint32 = 1 << 0
	SR_EOP        uint32 = 1 << 1
	SR_WRPERR     uint32 = 1 << 8
	SR_PGAERR     uint32 = 1 << 9
	SR_SIZERR     uint32 = 1 << 10
	SR_OPTVERR    uint32 = 1 << 11
	SR_RDERR      uint32 = 1 << 13
	SR_NOTZEROERR uint32 = 1 << 16
	SR_FWWERR     uint32 = 1 << 17

	// SR_ERRORS is every latched fault flag
	SR_ERRORS uint32 = 0x32F << 8
)

// pecrModeBits are the operation selection bits cleared between operations
const pecrModeBits = PECR_PROG | PECR_ERASE | PECR_FPRG

// Bus is the memory-mapped view of the NVM interface and the flash array.
// Accesses never fail: faults are latched in SR and signalled asynchronously.
type Bus interface {
	ReadReg(r Reg) uint32
	WriteReg(r Reg, v uint32)

	// Load reads a word from the flash array
	Load(addr uint32) uint32
	// Store writes a word to the flash array, latching an erase or program
	// operation depending on PECR
	Store(addr uint32, v uint32)
	// Fetch marks an instruction fetch from addr
	Fetch(addr uint32)
}

// Interrupts masks and unmasks the delivery of all maskable interrupts
type Interrupts interface {
	Disable()
	Enable()
}

type noInterrupts struct{}

func (noInterrupts) Disable() {}
func (noInterrupts) Enable()  {}

// srString will format the set SR flags for logging
func srString(sr uint32) string {
	names := []struct {
		bit  uint32
		name string
	}{
		{SR_BSY, "BSY"},
		{SR_EOP, "EOP"},
		{SR_WRPERR, "WRPERR"},
		{SR_PGAERR, "PGAERR"},
		{SR_SIZERR, "SIZERR"},
		{SR_OPTVERR, "OPTVERR"},
		{SR_RDERR, "RDERR"},
		{SR_NOTZEROERR, "NOTZEROERR"},
		{SR_FWWERR, "FWWERR"},
	}
	s := ""
	for _, n := range names {
		if sr&n.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += n.name
	}
	if s == "" {
		return "0"
	}
	return s
}
