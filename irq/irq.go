// Package irq dispatches latched interrupt lines to their handlers, one at a
// time, honouring a global mask.
package irq

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Line is an interrupt request number
type Line int

// STM32L0x3 request numbers used here
const (
	LineFLASH    Line = 3
	LineEXTI4_15 Line = 7
)

func (l Line) String() string {
	switch l {
	case LineFLASH:
		return "FLASH"
	case LineEXTI4_15:
		return "EXTI4_15"
	}
	return fmt.Sprintf("IRQ%d", int(l))
}

// Handler services a line. It owns the line's pending flag and must clear it
// with ClearPending once the request has been dealt with.
type Handler func(ctx context.Context, l Line)

type entry struct {
	line     Line
	priority int
	handler  Handler

	pending    bool
	dispatched bool
}

// Controller latches raised lines and delivers them to their handlers
type Controller struct {
	mu     sync.Mutex
	lines  map[Line]*entry
	order  []*entry
	masked bool
	wake   chan struct{}
}

// New will create a controller with no lines registered and interrupts
// enabled
func New() *Controller {
	return &Controller{
		lines: map[Line]*entry{},
		wake:  make(chan struct{}, 1),
	}
}

// Register attaches h to line l. Lower priority values are serviced first,
// ties go to the lower line number.
func (c *Controller) Register(l Line, priority int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lines[l]
	if !ok {
		e = &entry{line: l}
		c.lines[l] = e
		c.order = append(c.order, e)
	}
	e.priority = priority
	e.handler = h

	sort.SliceStable(c.order, func(i, j int) bool {
		if c.order[i].priority != c.order[j].priority {
			return c.order[i].priority < c.order[j].priority
		}
		return c.order[i].line < c.order[j].line
	})
}

// Raise latches a request on l. Raising a line that is already pending has
// no further effect.
func (c *Controller) Raise(l Line) {
	c.mu.Lock()
	e, ok := c.lines[l]
	if !ok {
		c.mu.Unlock()
		logrus.Warnf("irq: %v raised with no handler", l)
		return
	}
	if e.pending {
		c.mu.Unlock()
		logrus.Debugf("irq: %v already pending", l)
		return
	}
	e.pending = true
	c.mu.Unlock()

	logrus.Debugf("irq: %v raised", l)
	c.notify()
}

// Pending reports whether l has a latched request
func (c *Controller) Pending(l Line) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lines[l]
	return ok && e.pending
}

// ClearPending releases the request latched on l
func (c *Controller) ClearPending(l Line) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lines[l]; ok {
		e.pending = false
		e.dispatched = false
	}
}

// Disable masks delivery of every line. Requests keep latching.
func (c *Controller) Disable() {
	c.mu.Lock()
	c.masked = true
	c.mu.Unlock()
}

// Enable unmasks delivery and wakes the dispatcher for anything latched
// meanwhile
func (c *Controller) Enable() {
	c.mu.Lock()
	c.masked = false
	c.mu.Unlock()
	c.notify()
}

// Masked reports whether delivery is currently masked
func (c *Controller) Masked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masked
}

func (c *Controller) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// next picks the highest priority deliverable request and marks it as
// dispatched
func (c *Controller) next() *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.masked {
		return nil
	}
	for _, e := range c.order {
		if e.pending && !e.dispatched {
			e.dispatched = true
			return e
		}
	}
	return nil
}

// Drain will run the handler of every deliverable request, highest priority
// first, on the calling goroutine and return how many ran
func (c *Controller) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		e := c.next()
		if e == nil {
			break
		}

		logrus.Debugf("irq: servicing %v", e.line)
		e.handler(ctx, e.line)
		n++

		if c.Pending(e.line) {
			logrus.Warnf("irq: %v still pending after its handler, not servicing it again until cleared", e.line)
		}
	}
	return n
}

// Run will service requests as they are raised until ctx ends
func (c *Controller) Run(ctx context.Context) error {
	for {
		c.Drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		}
	}
}
