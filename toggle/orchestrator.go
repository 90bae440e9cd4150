// Package toggle rewrites a routine in flash between two builds on every
// trigger. The current build is recovered from flash each time, never from
// memory, so the toggle survives power loss.
package toggle

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/synthread/go-nvm/flash"
	"github.com/synthread/go-nvm/irq"
)

// Flash is the part of the flash controller the orchestrator reads and
// erases with
type Flash interface {
	ReadWord(addr uint32) (uint32, error)
	ReadHalfPage(addr uint32) (flash.ProgramBuffer, error)
	ErasePage(ctx context.Context, addr uint32) error
}

// Lines releases interrupt requests
type Lines interface {
	ClearPending(l irq.Line)
}

// Plan is one rewrite, built fresh from flash on every trigger
type Plan struct {
	From   State
	To     State
	Edits  []Edit
	Buffer flash.ProgramBuffer
}

// Orchestrator turns a trigger into an erase and program cycle of the patch
// table's half-page
type Orchestrator struct {
	flash Flash
	prog  flash.Programmer
	table *PatchTable
	lines Lines
}

// New will create an orchestrator. lines may be nil when Trigger is called
// directly.
func New(f Flash, prog flash.Programmer, table *PatchTable, lines Lines) *Orchestrator {
	if f == nil || prog == nil || table == nil {
		panic("toggle: flash, programmer and table are required")
	}
	return &Orchestrator{
		flash: f,
		prog:  prog,
		table: table,
		lines: lines,
	}
}

// Current reads the probe word from flash and returns the active state
func (o *Orchestrator) Current() (State, error) {
	w, err := o.flash.ReadWord(o.table.ProbeAddr())
	if err != nil {
		return StateA, errors.Wrap(err, "could not read probe word")
	}
	return o.table.StateOf(w), nil
}

// Plan will read the half-page back and build the buffer for the opposite
// state. Words that are neither patch points nor fixups are copied verbatim.
func (o *Orchestrator) Plan() (*Plan, error) {
	from, err := o.Current()
	if err != nil {
		return nil, err
	}
	to := from.Other()

	buf, err := o.flash.ReadHalfPage(o.table.HalfPage)
	if err != nil {
		return nil, errors.Wrap(err, "could not read half-page")
	}

	edits := o.table.Transition(to)
	for _, e := range edits {
		if e.Offset != o.table.Probe && buf[e.Offset] != e.Old {
			logrus.Warnf("toggle: patch point %d holds 0x%08X, expected 0x%08X", e.Offset, buf[e.Offset], e.Old)
		}
		buf[e.Offset] = e.New
	}
	for _, f := range o.table.FixupsFor(o.prog.Strategy()) {
		buf[f.Offset] = f.Value
	}

	return &Plan{
		From:   from,
		To:     to,
		Edits:  edits,
		Buffer: buf,
	}, nil
}

// Trigger will move the routine to the opposite state and return the new
// state
func (o *Orchestrator) Trigger(ctx context.Context) (State, error) {
	plan, err := o.Plan()
	if err != nil {
		return StateA, err
	}

	logrus.Infof("toggle: state %v -> %v (%s)", plan.From, plan.To, o.prog.Strategy())
	for _, e := range plan.Edits {
		logrus.Debugf("toggle: %v", e)
	}

	if err := o.flash.ErasePage(ctx, o.table.Page); err != nil {
		return plan.From, errors.Wrap(err, "could not erase routine page")
	}
	if err := o.prog.Program(ctx, o.table.HalfPage, plan.Buffer); err != nil {
		return plan.From, errors.Wrap(err, "could not program routine half-page")
	}

	return plan.To, nil
}

// Handle is the irq.Handler of the trigger line. The request stays pending
// for the whole rewrite and is released only once it has succeeded.
func (o *Orchestrator) Handle(ctx context.Context, l irq.Line) {
	if _, err := o.Trigger(ctx); err != nil {
		logrus.Errorf("toggle: %v, leaving %v pending", err, l)
		return
	}
	if o.lines != nil {
		o.lines.ClearPending(l)
	}
}
