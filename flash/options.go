package flash

// DefaultPollLimit is the number of status reads a poll may take before it
// gives up with ErrPollTimeout
const DefaultPollLimit = 1 << 20

type config struct {
	pollLimit   int
	irq         Interrupts
	routineAddr uint32
}

func defaultConfig() config {
	return config{
		pollLimit:   DefaultPollLimit,
		irq:         noInterrupts{},
		routineAddr: RAM.Base,
	}
}

// Option configures a Controller
type Option func(*config)

// WithPollLimit bounds every status poll to n reads. Zero or less keeps the
// default.
func WithPollLimit(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.pollLimit = n
		}
	}
}

// WithInterrupts sets the interrupt mask used around half-page bursts
func WithInterrupts(irq Interrupts) Option {
	return func(c *config) {
		if irq != nil {
			c.irq = irq
		}
	}
}

// WithRoutineAddr sets where the half-page program routine executes from. It
// has to be outside the flash bank, RAM.Base by default.
func WithRoutineAddr(addr uint32) Option {
	return func(c *config) {
		c.routineAddr = addr
	}
}
