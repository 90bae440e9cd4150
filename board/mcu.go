// Package board wires the NVM driver, the interrupt lines and the toggle
// routine into one simulated STM32L053R8.
package board

import (
	"context"
	"io"
	"os"

	"github.com/piotrjaromin/gpio"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/synthread/go-nvm/flash"
	"github.com/synthread/go-nvm/irq"
	"github.com/synthread/go-nvm/toggle"
)

var DefaultImagePath = "nvm.hex"
var DefaultBaud = 115200

// interrupt priorities, the flash error line wins ties on its lower number
const (
	prioFLASH    = 1
	prioEXTI4_15 = 1
)

// Config defines the simulated microcontroller
type Config struct {
	// ImagePath is the Intel HEX file backing the flash bank. It is loaded
	// when present and written back on Save.
	ImagePath string

	// PatchTablePath is a YAML patch table, the embedded demo table if empty
	PatchTablePath string

	// Strategy is "half-page" or "word"
	Strategy string

	// ButtonGPIO is the sysfs GPIO watched for falling edges, none if zero
	ButtonGPIO int

	ConsoleTTY  string
	ConsoleBaud int

	PollLimit int
	Latency   int
}

// Microcontroller is the simulated chip running the toggle firmware
type Microcontroller struct {
	config *Config

	device  *flash.Device
	nvm     *flash.Controller
	irq     *irq.Controller
	fault   *flash.FaultHandler
	prog    flash.Programmer
	table   *toggle.PatchTable
	toggle  *toggle.Orchestrator
	console *Console
}

// NewMicrocontroller will create the chip, load its flash image and set up
// its interrupt lines
func NewMicrocontroller(c *Config) (*Microcontroller, error) {
	if c == nil {
		c = &Config{}
	}
	if c.ImagePath == "" {
		c.ImagePath = DefaultImagePath
	}
	if c.Strategy == "" {
		c.Strategy = flash.StrategyHalfPage.String()
	}
	if c.ConsoleBaud <= 0 {
		c.ConsoleBaud = DefaultBaud
	}

	strategy, err := flash.ParseStrategy(c.Strategy)
	if err != nil {
		return nil, err
	}

	table := toggle.DefaultPatchTable()
	if c.PatchTablePath != "" {
		if table, err = toggle.LoadPatchTableFromFile(c.PatchTablePath); err != nil {
			return nil, err
		}
	}

	mc := &Microcontroller{
		config: c,
		device: flash.NewDevice(&flash.DeviceConfig{Latency: c.Latency}),
		irq:    irq.New(),
		table:  table,
	}

	if c.ConsoleTTY != "" {
		if mc.console, err = openConsole(c.ConsoleTTY, c.ConsoleBaud); err != nil {
			return nil, err
		}
	}

	if err := mc.setup(strategy); err != nil {
		mc.Close()
		return nil, err
	}

	return mc, nil
}

// setup will load the image, build the driver and register the interrupt
// handlers
func (mc *Microcontroller) setup(strategy flash.Strategy) error {
	if err := mc.loadImage(); err != nil {
		return err
	}

	mc.nvm = flash.NewController(mc.device,
		flash.WithInterrupts(mc.irq),
		flash.WithPollLimit(mc.config.PollLimit),
	)

	var err error
	if mc.prog, err = flash.NewProgrammer(mc.nvm, strategy); err != nil {
		return err
	}
	mc.toggle = toggle.New(mc.nvm, mc.prog, mc.table, mc.irq)

	var console io.Writer
	if mc.console != nil {
		console = mc.console
	}
	mc.fault = flash.NewFaultHandler(mc.device, console)
	mc.fault.Halt = mc.halt

	mc.device.SetFaultSignal(func() { mc.irq.Raise(irq.LineFLASH) })
	mc.irq.Register(irq.LineFLASH, prioFLASH, mc.handleFlash)
	mc.irq.Register(irq.LineEXTI4_15, prioEXTI4_15, mc.toggle.Handle)

	if err := mc.nvm.Init(); err != nil {
		return errors.Wrap(err, "could not init nvm")
	}

	return nil
}

func (mc *Microcontroller) loadImage() error {
	err := mc.device.LoadImageFromFile(mc.config.ImagePath)
	if errors.Is(err, os.ErrNotExist) {
		logrus.Infof("no image at %s, starting with an erased bank", mc.config.ImagePath)
		return nil
	}
	return err
}

func (mc *Microcontroller) handleFlash(ctx context.Context, l irq.Line) {
	mc.irq.ClearPending(l)
	mc.fault.Handle()
}

// halt keeps whatever the fault left in flash, the way the silicon would, and
// stops the process
func (mc *Microcontroller) halt(status uint32) {
	if err := mc.Save(); err != nil {
		logrus.Errorf("could not save image before halting: %v", err)
	}
	logrus.Fatalf("halted after flash fault, SR=0x%08X", status)
}

// Fault returns the flash fault handler, whose Halt may be replaced
func (mc *Microcontroller) Fault() *flash.FaultHandler {
	return mc.fault
}

// Device returns the simulated NVM interface
func (mc *Microcontroller) Device() *flash.Device {
	return mc.device
}

// PatchTable returns the table in use
func (mc *Microcontroller) PatchTable() *toggle.PatchTable {
	return mc.table
}

// State reads the active state back from flash
func (mc *Microcontroller) State() (toggle.State, error) {
	return mc.toggle.Current()
}

// Press raises the button line, the same way a falling edge on the button
// input does
func (mc *Microcontroller) Press() {
	mc.irq.Raise(irq.LineEXTI4_15)
}

// Pending reports whether a button press is still being serviced
func (mc *Microcontroller) Pending() bool {
	return mc.irq.Pending(irq.LineEXTI4_15)
}

// Service will run every deliverable interrupt on the calling goroutine
func (mc *Microcontroller) Service(ctx context.Context) int {
	return mc.irq.Drain(ctx)
}

// Seed will erase the routine page and program state A of the patch table
// into an otherwise erased half-page, for starting from a blank image. A
// failed seed services the interrupt lines, so a latched flash fault ends in
// the fault handler.
func (mc *Microcontroller) Seed(ctx context.Context) error {
	err := mc.seed(ctx)
	if err != nil {
		logrus.Errorf("seed: %v", err)
		mc.Service(ctx)
	}
	return err
}

func (mc *Microcontroller) seed(ctx context.Context) error {
	if err := mc.nvm.ErasePage(ctx, mc.table.Page); err != nil {
		return err
	}

	buf, err := mc.nvm.ReadHalfPage(mc.table.HalfPage)
	if err != nil {
		return err
	}
	for _, p := range mc.table.Patches {
		buf[p.Offset] = p.A
	}
	for _, f := range mc.table.FixupsFor(mc.prog.Strategy()) {
		buf[f.Offset] = f.Value
	}

	return mc.prog.Program(ctx, mc.table.HalfPage, buf)
}

// Run will service interrupts, watch the button and the console until ctx
// ends, then save the image
func (mc *Microcontroller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return mc.irq.Run(ctx)
	})

	if mc.config.ButtonGPIO > 0 {
		watcher := gpio.NewWatcher()
		watcher.AddPinWithEdgeAndLogic(uint(mc.config.ButtonGPIO), gpio.EdgeFalling, gpio.ActiveHigh)
		logrus.Infof("watching gpio %d for button presses", mc.config.ButtonGPIO)

		g.Go(func() error {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return nil
				case n := <-watcher.Notification:
					logrus.Debugf("gpio %d -> %d", n.Pin, n.Value)
					mc.Press()
				}
			}
		})
	}

	if mc.console != nil {
		g.Go(func() error {
			return mc.console.rx(ctx, mc.Press)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if serr := mc.Save(); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Save will write the flash bank back to the image file
func (mc *Microcontroller) Save() error {
	return mc.device.SaveImageToFile(mc.config.ImagePath)
}

// Close will release the console
func (mc *Microcontroller) Close() error {
	if mc.console != nil {
		return mc.console.Close()
	}
	return nil
}
