package flash

import "fmt"

// Flash geometry of the STM32L0x3 program memory
const (
	WordSize         = 4
	PageSize         = 128
	HalfPageSize     = PageSize / 2
	WordsPerPage     = PageSize / WordSize
	WordsPerHalfPage = HalfPageSize / WordSize
)

// Region is a contiguous span of the address space
type Region struct {
	Base uint32
	Size uint32
}

// Contains reports whether addr is inside the region
func (r Region) Contains(addr uint32) bool {
	return within(addr, r.Base, r.Size)
}

// End returns the first address past the region
func (r Region) End() uint32 {
	return r.Base + r.Size
}

func (r Region) String() string {
	return fmt.Sprintf("[0x%08X, 0x%08X)", r.Base, r.End())
}

// Memory map of the STM32L053R8
var (
	FlashBank = Region{Base: 0x08000000, Size: 64 * 1024}
	RAM       = Region{Base: 0x20000000, Size: 8 * 1024}
)

// PageOf returns the base address of the page containing addr
func PageOf(addr uint32) uint32 {
	return alignDown(addr, PageSize)
}

// HalfPageOf returns the base address of the half-page containing addr
func HalfPageOf(addr uint32) uint32 {
	return alignDown(addr, HalfPageSize)
}

// ProgramBuffer holds the sixteen words burst-written by a half-page program
type ProgramBuffer [WordsPerHalfPage]uint32

// CellModel describes how the array merges a programmed word into the
// existing content and what an erased word reads as
type CellModel interface {
	Erased() uint32
	Program(old, v uint32) uint32
}

// ORMerge is the STM32L0 behaviour: erased words read zero and programming
// ORs the new value into whatever is already stored.
type ORMerge struct{}

func (ORMerge) Erased() uint32               { return 0x00000000 }
func (ORMerge) Program(old, v uint32) uint32 { return old | v }

// ANDMerge is the usual NOR behaviour: erased words read all ones and
// programming can only clear bits.
type ANDMerge struct{}

func (ANDMerge) Erased() uint32               { return 0xFFFFFFFF }
func (ANDMerge) Program(old, v uint32) uint32 { return old & v }
