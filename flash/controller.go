package flash

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Controller drives the NVM interface through the unlock, select, latch,
// poll and re-lock sequence of each programming operation. The interface lock
// is global, so a Controller refuses to start an operation while another one
// is in progress.
type Controller struct {
	bus    Bus
	config config
	busy   atomic.Bool
}

// NewController will create a controller for the NVM interface behind bus
func NewController(bus Bus, opts ...Option) *Controller {
	if bus == nil {
		panic("bus cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Controller{
		bus:    bus,
		config: cfg,
	}
}

// Init will enable the error interrupt so faults are signalled on the flash
// interrupt line, and keep the end-of-operation interrupt off since every
// operation polls for it
func (c *Controller) Init() error {
	release, err := c.begin()
	if err != nil {
		return err
	}
	defer release()

	if err := c.unlock(false); err != nil {
		return errors.Wrap(err, "could not init nvm")
	}
	defer c.lock()

	pecr := c.bus.ReadReg(RegPECR)
	pecr &^= PECR_EOPIE
	pecr |= PECR_ERRIE
	c.bus.WriteReg(RegPECR, pecr)

	logrus.Debug("nvm init: ERRIE on, EOPIE off")

	return nil
}

// ErasePage will erase the page starting at addr. On return every word of the
// page reads as the erased value.
func (c *Controller) ErasePage(ctx context.Context, addr uint32) error {
	const op = "erase page"

	if err := checkAddr(op, addr, PageSize); err != nil {
		return err
	}

	release, err := c.begin()
	if err != nil {
		return err
	}
	defer release()

	if err := c.unlock(true); err != nil {
		return errors.Wrap(err, op)
	}
	defer c.relock()

	c.selectMode(PECR_ERASE | PECR_PROG)

	// the value is ignored, the store only latches the page to erase
	c.bus.Store(addr, 0)
	logrus.Debugf("nvm erase: latched page 0x%08X", addr)

	return c.complete(ctx, op, addr)
}

// WriteWord will program a single word. The target must have been erased:
// otherwise the stored word is the merge of the old and new values, which the
// hardware does not report.
func (c *Controller) WriteWord(ctx context.Context, addr uint32, v uint32) error {
	const op = "write word"

	if err := checkAddr(op, addr, WordSize); err != nil {
		return err
	}

	release, err := c.begin()
	if err != nil {
		return err
	}
	defer release()

	if err := c.unlock(true); err != nil {
		return errors.Wrap(err, op)
	}
	defer c.relock()

	c.selectMode(0)

	c.bus.Store(addr, v)
	logrus.Debugf("nvm write: 0x%08X <- 0x%08X", addr, v)

	return c.complete(ctx, op, addr)
}

// WriteHalfPage will burst-program buf into the erased half-page at addr.
// Interrupts stay masked for the whole burst: any other access to the flash
// array while the burst is in flight stalls the processor.
func (c *Controller) WriteHalfPage(ctx context.Context, buf ProgramBuffer, addr uint32) error {
	const op = "write half-page"

	if err := checkAddr(op, addr, HalfPageSize); err != nil {
		return err
	}

	release, err := c.begin()
	if err != nil {
		return err
	}
	defer release()

	if err := c.unlock(true); err != nil {
		return errors.Wrap(err, op)
	}

	masked := false
	defer func() {
		c.relock()
		if masked {
			c.config.irq.Enable()
		}
	}()

	c.selectMode(PECR_PROG | PECR_FPRG)

	c.config.irq.Disable()
	masked = true

	// the destination stays put, the peripheral steps through the half-page
	for _, w := range buf {
		c.bus.Fetch(c.config.routineAddr)
		c.bus.Store(addr, w)
	}
	logrus.Debugf("nvm write: half-page 0x%08X <- %08X", addr, buf[:])

	return c.complete(ctx, op, addr)
}

// ReadWord will read the word at addr straight from the flash array
func (c *Controller) ReadWord(addr uint32) (uint32, error) {
	if err := checkAddr("read word", addr, WordSize); err != nil {
		return 0, err
	}
	return c.bus.Load(addr), nil
}

// ReadHalfPage will read the sixteen words of the half-page at addr
func (c *Controller) ReadHalfPage(addr uint32) (ProgramBuffer, error) {
	var buf ProgramBuffer
	if err := checkAddr("read half-page", addr, HalfPageSize); err != nil {
		return buf, err
	}
	for i := range buf {
		buf[i] = c.bus.Load(addr + uint32(i*WordSize))
	}
	return buf, nil
}

func checkAddr(op string, addr uint32, align uint32) error {
	if !FlashBank.Contains(addr) {
		return errors.Wrapf(ErrOutOfBank, "%s at 0x%08X", op, addr)
	}
	if !aligned(addr, align) {
		return &AlignmentError{Op: op, Addr: addr, Align: align}
	}
	return nil
}

// begin claims the interface for one operation
func (c *Controller) begin() (func(), error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	return func() { c.busy.Store(false) }, nil
}

// unlock will present the PECR keys and, when program is set, the program
// memory keys
func (c *Controller) unlock(program bool) error {
	if c.bus.ReadReg(RegPECR)&PECR_PELOCK == 0 {
		return ErrUnlocked
	}

	c.bus.WriteReg(RegPEKEYR, PEKey1)
	c.bus.WriteReg(RegPEKEYR, PEKey2)
	if pecr := c.bus.ReadReg(RegPECR); pecr&PECR_PELOCK != 0 {
		c.lock()
		return &FaultError{Op: "unlock PECR", Status: c.bus.ReadReg(RegSR)}
	}

	if !program {
		return nil
	}

	c.bus.WriteReg(RegPRGKEYR, PRGKey1)
	c.bus.WriteReg(RegPRGKEYR, PRGKey2)
	if pecr := c.bus.ReadReg(RegPECR); pecr&PECR_PRGLOCK != 0 {
		c.lock()
		return &FaultError{Op: "unlock program memory", Status: c.bus.ReadReg(RegSR)}
	}

	return nil
}

// lock will set PELOCK, which also locks program memory
func (c *Controller) lock() {
	c.bus.WriteReg(RegPECR, c.bus.ReadReg(RegPECR)|PECR_PELOCK)
}

// relock will drop the operation selection and lock the interface again
func (c *Controller) relock() {
	c.bus.WriteReg(RegPECR, c.bus.ReadReg(RegPECR)&^pecrModeBits)
	c.lock()
}

func (c *Controller) selectMode(bits uint32) {
	pecr := c.bus.ReadReg(RegPECR) &^ pecrModeBits
	c.bus.WriteReg(RegPECR, pecr|bits)
}

// complete will wait for BSY to drop and EOP to rise, then acknowledge EOP
func (c *Controller) complete(ctx context.Context, op string, addr uint32) error {
	if err := c.poll(ctx, op, addr, func(sr uint32) bool { return sr&SR_BSY == 0 }); err != nil {
		return err
	}
	if err := c.poll(ctx, op, addr, func(sr uint32) bool { return sr&SR_EOP != 0 }); err != nil {
		return err
	}
	c.bus.WriteReg(RegSR, SR_EOP)
	return nil
}

// poll will read SR until done holds, an error flag is latched, the context
// ends or the poll limit is reached
func (c *Controller) poll(ctx context.Context, op string, addr uint32, done func(uint32) bool) error {
	var sr uint32
	for i := 0; i < c.config.pollLimit; i++ {
		sr = c.bus.ReadReg(RegSR)
		if sr&SR_ERRORS != 0 {
			return &FaultError{Op: op, Addr: addr, Status: sr}
		}
		if done(sr) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "%s at 0x%08X", op, addr)
		}
	}
	return errors.Wrapf(ErrPollTimeout, "%s at 0x%08X, SR=0x%08X (%s)", op, addr, sr, srString(sr))
}
