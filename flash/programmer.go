package flash

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Strategy selects how a half-page worth of words is programmed
type Strategy int

const (
	// StrategyHalfPage programs all sixteen words in one burst
	StrategyHalfPage Strategy = iota
	// StrategyWord programs the words one at a time. Sixteen times slower,
	// but it needs neither RAM execution nor interrupt masking.
	StrategyWord
)

func (s Strategy) String() string {
	switch s {
	case StrategyHalfPage:
		return "half-page"
	case StrategyWord:
		return "word"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy is the inverse of Strategy.String
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "half-page", "halfpage":
		return StrategyHalfPage, nil
	case "word", "word-by-word":
		return StrategyWord, nil
	}
	return 0, errors.Errorf("unknown write strategy %q", s)
}

// Programmer writes a ProgramBuffer to an erased half-page
type Programmer interface {
	Program(ctx context.Context, addr uint32, buf ProgramBuffer) error
	Strategy() Strategy
}

// NewProgrammer will return the Programmer for the requested strategy
func NewProgrammer(c *Controller, s Strategy) (Programmer, error) {
	switch s {
	case StrategyHalfPage:
		return &HalfPageProgrammer{c: c}, nil
	case StrategyWord:
		return &WordProgrammer{c: c}, nil
	}
	return nil, errors.Errorf("unknown write strategy %d", int(s))
}

// HalfPageProgrammer uses a single WriteHalfPage burst
type HalfPageProgrammer struct {
	c *Controller
}

func (p *HalfPageProgrammer) Strategy() Strategy { return StrategyHalfPage }

func (p *HalfPageProgrammer) Program(ctx context.Context, addr uint32, buf ProgramBuffer) error {
	return p.c.WriteHalfPage(ctx, buf, addr)
}

// WordProgrammer steps through the half-page with WriteWord
type WordProgrammer struct {
	c *Controller
}

func (p *WordProgrammer) Strategy() Strategy { return StrategyWord }

func (p *WordProgrammer) Program(ctx context.Context, addr uint32, buf ProgramBuffer) error {
	if !aligned(addr, HalfPageSize) {
		return &AlignmentError{Op: "write half-page", Addr: addr, Align: HalfPageSize}
	}
	for i, w := range buf {
		a := addr + uint32(i*WordSize)
		if err := p.c.WriteWord(ctx, a, w); err != nil {
			return errors.Wrapf(err, "could not write word %d", i)
		}
	}
	return nil
}
