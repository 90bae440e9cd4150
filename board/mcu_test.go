package board

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.bug.st/serial"

	"github.com/synthread/go-nvm/flash"
	"github.com/synthread/go-nvm/toggle"
)

type halted struct{ status uint32 }

func newTestMicrocontroller(t *testing.T, image string, strategy string) *Microcontroller {
	t.Helper()
	mc, err := NewMicrocontroller(&Config{ImagePath: image, Strategy: strategy})
	if err != nil {
		t.Fatalf("NewMicrocontroller() error = %v", err)
	}
	mc.Fault().Halt = func(status uint32) { panic(halted{status}) }
	t.Cleanup(func() { mc.Close() })
	return mc
}

func TestPressSurvivesPowerCycle(t *testing.T) {
	for _, strategy := range []string{"half-page", "word"} {
		t.Run(strategy, func(t *testing.T) {
			ctx := context.Background()
			image := filepath.Join(t.TempDir(), "nvm.hex")

			mc := newTestMicrocontroller(t, image, strategy)
			if err := mc.Seed(ctx); err != nil {
				t.Fatalf("Seed() error = %v", err)
			}
			if s, _ := mc.State(); s != toggle.StateA {
				t.Fatalf("State() after seed = %v, want a", s)
			}

			mc.Press()
			if n := mc.Service(ctx); n != 1 {
				t.Errorf("Service() = %d, want 1", n)
			}
			if mc.Pending() {
				t.Fatal("press still pending")
			}
			if err := mc.Save(); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			next := newTestMicrocontroller(t, image, strategy)
			if s, _ := next.State(); s != toggle.StateB {
				t.Errorf("State() after power cycle = %v, want b", s)
			}
			if w := next.Device().Peek(0x0800C030); w != 0x0018005B {
				t.Errorf("second patch point = 0x%08X, want 0x0018005B", w)
			}
		})
	}
}

func TestMissingImageStartsErased(t *testing.T) {
	mc := newTestMicrocontroller(t, filepath.Join(t.TempDir(), "missing.hex"), "")
	if w := mc.Device().Peek(0x0800C014); w != 0 {
		t.Errorf("probe = 0x%08X, want erased", w)
	}
}

func TestBadStrategy(t *testing.T) {
	if _, err := NewMicrocontroller(&Config{ImagePath: filepath.Join(t.TempDir(), "x.hex"), Strategy: "dma"}); err == nil {
		t.Error("NewMicrocontroller() accepted an unknown strategy")
	}
}

func TestFlashFaultHalts(t *testing.T) {
	mc := newTestMicrocontroller(t, filepath.Join(t.TempDir(), "nvm.hex"), "")

	// a bad key latches WRPERR, and Init enabled the error interrupt
	mc.Device().WriteReg(flash.RegPEKEYR, 0xBAD)

	var got halted
	func() {
		defer func() {
			if r := recover(); r != nil {
				got = r.(halted)
			}
		}()
		mc.Service(context.Background())
	}()

	if got.status&flash.SR_WRPERR == 0 {
		t.Errorf("halt status = 0x%08X, want WRPERR", got.status)
	}
	if sr := mc.Device().ReadReg(flash.RegSR); sr&flash.SR_ERRORS != 0 {
		t.Errorf("SR = 0x%08X, error flags not cleared", sr)
	}
}

type fakePort struct {
	serial.Port
	closed bool
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func TestConsoleClosedWhenSetupFails(t *testing.T) {
	port := &fakePort{}
	openConsole = func(tty string, baud int) (*Console, error) {
		return &Console{port: port}, nil
	}
	t.Cleanup(func() { openConsole = OpenConsole })

	image := filepath.Join(t.TempDir(), "nvm.hex")
	if err := os.WriteFile(image, []byte("not intel hex\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewMicrocontroller(&Config{ImagePath: image, ConsoleTTY: "/dev/ttyFAKE"}); err == nil {
		t.Fatal("NewMicrocontroller() accepted a corrupt image")
	}
	if !port.closed {
		t.Error("console left open after a failed setup")
	}
}

func TestSeedFaultHalts(t *testing.T) {
	mc := newTestMicrocontroller(t, filepath.Join(t.TempDir(), "nvm.hex"), "")

	// locked out: the seed's unlock fails and the latched WRPERR must still
	// reach the fault handler
	mc.Device().WriteReg(flash.RegPEKEYR, 0xBAD)

	var (
		got halted
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				got = r.(halted)
			}
		}()
		err = mc.Seed(context.Background())
	}()

	if err != nil {
		t.Errorf("Seed() returned %v instead of halting", err)
	}
	if got.status&flash.SR_WRPERR == 0 {
		t.Errorf("halt status = 0x%08X, want WRPERR", got.status)
	}
	if mc.Pending() {
		t.Error("button line pending after seed")
	}
}
