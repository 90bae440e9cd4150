package flash

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultLatency is the number of SR reads a simulated operation stays busy
const DefaultLatency = 3

// DeviceConfig defines the behaviour of a simulated NVM interface
type DeviceConfig struct {
	// Cells selects how the array merges programmed words, ORMerge if nil
	Cells CellModel

	// Latency is the number of SR reads an operation reports BSY for
	Latency int
}

type opKind int

const (
	opNone opKind = iota
	opErase
	opWord
	opHalfPage
)

func (k opKind) String() string {
	switch k {
	case opErase:
		return "erase"
	case opWord:
		return "word"
	case opHalfPage:
		return "half-page"
	}
	return "none"
}

// Device simulates the STM32L0x3 NVM interface and its flash bank. It
// implements Bus. The array is non-volatile: Reset clears the interface state
// and keeps the stored words.
type Device struct {
	mu sync.Mutex

	cells   CellModel
	latency int
	mem     []uint32

	pecr uint32
	sr   uint32

	peKeys    int
	prgKeys   int
	lockedOut bool

	op struct {
		kind      opKind
		addr      uint32
		value     uint32
		remaining int
	}

	burst struct {
		active bool
		base   uint32
		n      int
		buf    ProgramBuffer
	}

	// stalled is set by a flash access during a half-page burst. The bus
	// never recovers until Reset.
	stalled bool

	faultSignal func()
	fire        bool
}

// NewDevice will create a simulated NVM interface with an erased bank
func NewDevice(c *DeviceConfig) *Device {
	if c == nil {
		c = &DeviceConfig{}
	}
	if c.Cells == nil {
		c.Cells = ORMerge{}
	}
	if c.Latency < 0 {
		c.Latency = 0
	}
	if c.Latency == 0 {
		c.Latency = DefaultLatency
	}

	d := &Device{
		cells:   c.Cells,
		latency: c.Latency,
		mem:     make([]uint32, FlashBank.Size/WordSize),
	}
	for i := range d.mem {
		d.mem[i] = d.cells.Erased()
	}
	d.Reset()

	return d
}

// SetFaultSignal sets the function called when an error flag is latched while
// the error interrupt is enabled
func (d *Device) SetFaultSignal(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faultSignal = f
}

// Reset returns the interface to its power-on state. Stored words are kept.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pecr = PECR_PELOCK | PECR_PRGLOCK
	d.sr = 0
	d.peKeys = 0
	d.prgKeys = 0
	d.lockedOut = false
	d.op.kind = opNone
	d.burst.active = false
	d.stalled = false
	d.fire = false
}

// Stalled reports whether a flash access during a half-page burst has hung
// the bus
func (d *Device) Stalled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stalled
}

// Peek reads a word without any bus side effects
func (d *Device) Peek(addr uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !FlashBank.Contains(addr) {
		return 0
	}
	return d.mem[d.index(addr)]
}

// ReadReg implements Bus
func (d *Device) ReadReg(r Reg) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch r {
	case RegPECR:
		return d.pecr
	case RegSR:
		d.step()
		return d.sr
	}
	// key registers are write-only
	return 0
}

// WriteReg implements Bus
func (d *Device) WriteReg(r Reg, v uint32) {
	d.mu.Lock()
	switch r {
	case RegPEKEYR:
		d.writePEKey(v)
	case RegPRGKEYR:
		d.writePRGKey(v)
	case RegPECR:
		d.writePECR(v)
	case RegSR:
		d.writeSR(v)
	}
	d.signal()
}

// Load implements Bus
func (d *Device) Load(addr uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !FlashBank.Contains(addr) {
		return 0
	}
	if d.burst.active || (d.op.kind == opHalfPage && !d.stalled) {
		logrus.Warnf("nvm sim: read of 0x%08X during half-page burst, bus stalled", addr)
		d.stalled = true
	}
	return d.mem[d.index(addr)]
}

// Fetch implements Bus
func (d *Device) Fetch(addr uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !FlashBank.Contains(addr) {
		return
	}
	if d.burst.active && d.burst.n > 0 {
		logrus.Warnf("nvm sim: instruction fetch from 0x%08X during half-page burst, bus stalled", addr)
		d.stalled = true
	}
}

// Store implements Bus
func (d *Device) Store(addr uint32, v uint32) {
	d.mu.Lock()
	d.store(addr, v)
	d.signal()
}

func (d *Device) store(addr uint32, v uint32) {
	if d.lockedOut || d.pecr&(PECR_PELOCK|PECR_PRGLOCK) != 0 || !FlashBank.Contains(addr) {
		d.setError(SR_WRPERR)
		return
	}
	if !aligned(addr, WordSize) {
		d.setError(SR_PGAERR)
		return
	}

	// a store while an earlier operation is busy waits for it on the bus
	if d.op.kind != opNone && d.op.kind != opHalfPage {
		d.finish()
	}

	switch {
	case d.pecr&PECR_ERASE != 0:
		d.startOp(opErase, PageOf(addr), 0)
	case d.pecr&PECR_FPRG != 0:
		d.storeBurst(addr, v)
	default:
		d.startOp(opWord, addr, v)
	}
}

func (d *Device) storeBurst(addr uint32, v uint32) {
	if !d.burst.active {
		if !aligned(addr, HalfPageSize) {
			d.setError(SR_PGAERR)
			return
		}
		d.burst.active = true
		d.burst.base = addr
		d.burst.n = 0
		d.sr |= SR_BSY
	}
	if HalfPageOf(addr) != d.burst.base {
		d.burst.active = false
		d.sr &^= SR_BSY
		d.setError(SR_PGAERR)
		return
	}

	d.burst.buf[d.burst.n] = v
	d.burst.n++
	if d.burst.n == WordsPerHalfPage {
		d.burst.active = false
		d.startOp(opHalfPage, d.burst.base, 0)
	}
}

func (d *Device) startOp(kind opKind, addr uint32, v uint32) {
	d.op.kind = kind
	d.op.addr = addr
	d.op.value = v
	d.op.remaining = d.latency
	d.sr |= SR_BSY
}

// step advances the operation in progress by one status read
func (d *Device) step() {
	if d.op.kind == opNone || d.stalled {
		return
	}
	if d.op.remaining > 0 {
		d.op.remaining--
		return
	}
	d.finish()
}

// finish applies the operation in progress to the array and raises EOP
func (d *Device) finish() {
	switch d.op.kind {
	case opErase:
		base := d.index(d.op.addr)
		for i := 0; i < WordsPerPage; i++ {
			d.mem[base+i] = d.cells.Erased()
		}
	case opWord:
		i := d.index(d.op.addr)
		d.mem[i] = d.cells.Program(d.mem[i], d.op.value)
	case opHalfPage:
		base := d.index(d.op.addr)
		for i, w := range d.burst.buf {
			d.mem[base+i] = d.cells.Program(d.mem[base+i], w)
		}
	default:
		return
	}

	logrus.Debugf("nvm sim: %s at 0x%08X done", d.op.kind, d.op.addr)
	d.op.kind = opNone
	d.sr &^= SR_BSY
	d.sr |= SR_EOP
}

func (d *Device) setError(bits uint32) {
	d.sr |= bits
	logrus.Debugf("nvm sim: error flags %s", srString(bits))
	if d.pecr&PECR_ERRIE != 0 {
		d.fire = true
	}
}

// signal will release the lock and then raise the fault line if an error
// was latched under it
func (d *Device) signal() {
	fire, f := d.fire, d.faultSignal
	d.fire = false
	d.mu.Unlock()

	if fire && f != nil {
		f()
	}
}

func (d *Device) index(addr uint32) int {
	return int((addr - FlashBank.Base) / WordSize)
}
