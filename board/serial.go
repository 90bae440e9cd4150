package board

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

var ErrClosed = errors.New("console port is closed")

// pressKey is the console byte that presses the button
const pressKey = 'p'

// Console is the UART the firmware prints to. Fault reports go out on it and
// a 'p' received on it presses the button.
type Console struct {
	mu   sync.Mutex
	port serial.Port
}

var openConsole = OpenConsole

// OpenConsole will open tty at baud, 8N1
func OpenConsole(tty string, baud int) (*Console, error) {
	port, err := serial.Open(tty, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not open serial")
	}

	logrus.Debugf("console open on %s @ %d", tty, baud)

	return &Console{port: port}, nil
}

// Write implements io.Writer
func (c *Console) Write(bs []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return 0, ErrClosed
	}
	n, err := c.port.Write(bs)
	if err == nil {
		logrus.Debugf("console tx: %q", bs[:n])
	}
	return n, err
}

// Close will close the port
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil

	logrus.Debug("console close")

	return err
}

// rx is the loop that reads from the port until ctx ends or the port closes,
// calling press for every pressKey received
func (c *Console) rx(ctx context.Context, press func()) error {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return ErrClosed
	}

	if err := port.SetReadTimeout(50 * time.Millisecond); err != nil {
		return err
	}

	buf := make([]byte, 64)
	for ctx.Err() == nil {
		n, err := port.Read(buf)
		if err != nil {
			// don't complain about the port being closed under us
			if perr, ok := err.(*serial.PortError); ok && perr.Code() == serial.PortClosed {
				return nil
			}
			if errors.Is(err, syscall.EBADF) {
				return nil
			}
			return errors.Wrap(err, "console rx")
		}

		if n > 0 {
			logrus.Debugf("console rx: %q", buf[:n])
		}
		for _, b := range buf[:n] {
			if b == pressKey {
				press()
			}
		}
	}
	return nil
}
