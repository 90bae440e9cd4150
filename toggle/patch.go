package toggle

import (
	_ "embed"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"github.com/synthread/go-nvm/flash"
)

// PatchTableVersion is the only table layout understood
const PatchTableVersion = 1

//go:embed patches.yaml
var rawDefaultTable []byte

var ErrInvalidTable = errors.New("invalid patch table")

// State is one of the two mutually exclusive builds of the routine
type State int

const (
	StateA State = iota
	StateB
)

func (s State) String() string {
	if s == StateA {
		return "a"
	}
	return "b"
}

// Other returns the opposite state
func (s State) Other() State {
	if s == StateA {
		return StateB
	}
	return StateA
}

// Patch is a patch point: a word of the half-page holding a different value
// in each state
type Patch struct {
	Offset int    `yaml:"offset"`
	A      uint32 `yaml:"a"`
	B      uint32 `yaml:"b"`
}

// Value returns the word the patch point holds in state s
func (p Patch) Value(s State) uint32 {
	if s == StateA {
		return p.A
	}
	return p.B
}

// Fixup is a word that depends on the write strategy, not on the state
type Fixup struct {
	Offset int    `yaml:"offset"`
	Value  uint32 `yaml:"value"`
}

// Edit is one word of a state transition
type Edit struct {
	Offset int
	Old    uint32
	New    uint32
}

func (e Edit) String() string {
	return fmt.Sprintf("[%d] 0x%08X -> 0x%08X", e.Offset, e.Old, e.New)
}

// PatchTable describes where the self-modified routine lives and which words
// change between states
type PatchTable struct {
	Version  int                `yaml:"version"`
	Page     uint32             `yaml:"page"`
	HalfPage uint32             `yaml:"half_page"`
	Probe    int                `yaml:"probe"`
	Patches  []Patch            `yaml:"patches"`
	Fixups   map[string][]Fixup `yaml:"fixups"`
}

// DefaultPatchTable returns a fresh copy of the table for the demo build
func DefaultPatchTable() *PatchTable {
	t, err := parsePatchTable(rawDefaultTable)
	if err != nil {
		panic(err)
	}
	return t
}

// LoadPatchTableFromFile will read and validate the table at filePath
func LoadPatchTableFromFile(filePath string) (*PatchTable, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := LoadPatchTable(f)
	return t, errors.Wrapf(err, "could not load %s", filePath)
}

// LoadPatchTable will read and validate a YAML table
func LoadPatchTable(r io.Reader) (*PatchTable, error) {
	bs, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return parsePatchTable(bs)
}

func parsePatchTable(bs []byte) (*PatchTable, error) {
	t := &PatchTable{}
	if err := yaml.Unmarshal(bs, t); err != nil {
		return nil, errors.Wrap(err, "could not parse patch table")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the table against the flash geometry
func (t *PatchTable) Validate() error {
	if t.Version != PatchTableVersion {
		return errors.Wrapf(ErrInvalidTable, "version %d, want %d", t.Version, PatchTableVersion)
	}
	if !flash.FlashBank.Contains(t.Page) || flash.PageOf(t.Page) != t.Page {
		return errors.Wrapf(ErrInvalidTable, "page 0x%08X is not a flash page", t.Page)
	}
	if flash.HalfPageOf(t.HalfPage) != t.HalfPage || flash.PageOf(t.HalfPage) != t.Page {
		return errors.Wrapf(ErrInvalidTable, "half-page 0x%08X is not in page 0x%08X", t.HalfPage, t.Page)
	}
	if len(t.Patches) == 0 {
		return errors.Wrap(ErrInvalidTable, "no patch points")
	}

	var seen []int
	claim := func(what string, off int) error {
		if off < 0 || off >= flash.WordsPerHalfPage {
			return errors.Wrapf(ErrInvalidTable, "%s offset %d outside the half-page", what, off)
		}
		if slices.Contains(seen, off) {
			return errors.Wrapf(ErrInvalidTable, "%s offset %d used twice", what, off)
		}
		seen = append(seen, off)
		return nil
	}

	probe := false
	for _, p := range t.Patches {
		if err := claim("patch", p.Offset); err != nil {
			return err
		}
		if p.Offset == t.Probe {
			if p.A == p.B {
				return errors.Wrapf(ErrInvalidTable, "probe offset %d has the same value in both states", p.Offset)
			}
			probe = true
		}
	}
	if !probe {
		return errors.Wrapf(ErrInvalidTable, "probe offset %d is not a patch point", t.Probe)
	}

	patched := seen
	for name, fixups := range t.Fixups {
		if s, err := flash.ParseStrategy(name); err != nil || s.String() != name {
			return errors.Wrapf(ErrInvalidTable, "unknown strategy %q in fixups", name)
		}
		seen = slices.Clone(patched)
		for _, f := range fixups {
			if err := claim(name+" fixup", f.Offset); err != nil {
				return err
			}
		}
	}

	return nil
}

// ProbeAddr is the flash address of the word that tells the states apart
func (t *PatchTable) ProbeAddr() uint32 {
	return t.HalfPage + uint32(t.Probe*flash.WordSize)
}

func (t *PatchTable) probePatch() Patch {
	for _, p := range t.Patches {
		if p.Offset == t.Probe {
			return p
		}
	}
	panic("toggle: probe offset is not a patch point")
}

// StateOf maps the stored probe word to a state. Only the state A value is
// recognised, anything else counts as state B.
func (t *PatchTable) StateOf(probe uint32) State {
	if probe == t.probePatch().A {
		return StateA
	}
	return StateB
}

// Transition returns the edits moving every patch point into state to
func (t *PatchTable) Transition(to State) []Edit {
	edits := make([]Edit, 0, len(t.Patches))
	for _, p := range t.Patches {
		edits = append(edits, Edit{
			Offset: p.Offset,
			Old:    p.Value(to.Other()),
			New:    p.Value(to),
		})
	}
	return edits
}

// FixupsFor returns the strategy dependent words
func (t *PatchTable) FixupsFor(s flash.Strategy) []Fixup {
	return t.Fixups[s.String()]
}
