package flash

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// LoadImageFromFile will load the Intel HEX image at filePath into the flash
// bank
func (d *Device) LoadImageFromFile(filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	return errors.Wrapf(d.LoadImage(f), "could not load %s", filePath)
}

// LoadImage will parse an Intel HEX image and store its segments in the flash
// bank. Words not covered by the image are left as they are.
func (d *Device) LoadImage(r io.Reader) error {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return errors.Wrap(err, "could not parse intel hex")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, seg := range mem.GetDataSegments() {
		end := seg.Address + uint32(len(seg.Data))
		if !FlashBank.Contains(seg.Address) || end > FlashBank.End() {
			return errors.Wrapf(ErrOutOfBank, "segment 0x%08X-0x%08X", seg.Address, end)
		}
		for i, b := range seg.Data {
			d.setByte(seg.Address+uint32(i), b)
		}
		logrus.Debugf("nvm image: loaded %d bytes @ 0x%08X", len(seg.Data), seg.Address)
	}

	return nil
}

// SaveImageToFile will write the flash bank to filePath as Intel HEX. The file
// is replaced atomically and keeps its permissions, new files get 0644.
func (d *Device) SaveImageToFile(filePath string) error {
	tmp, err := os.CreateTemp(filepath.Dir(filePath), filepath.Base(filePath)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	mode := os.FileMode(0o644)
	if fi, err := os.Stat(filePath); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}

	if err := d.SaveImage(tmp); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "could not save %s", filePath)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), filePath)
}

// SaveImage will dump every page of the bank that is not fully erased as
// Intel HEX
func (d *Device) SaveImage(w io.Writer) error {
	mem := gohex.NewMemory()

	d.mu.Lock()
	for base := 0; base < len(d.mem); base += WordsPerPage {
		page := d.mem[base : base+WordsPerPage]
		if d.erased(page) {
			continue
		}
		bs := make([]byte, PageSize)
		for i, word := range page {
			binary.LittleEndian.PutUint32(bs[i*WordSize:], word)
		}
		addr := FlashBank.Base + uint32(base*WordSize)
		if err := mem.AddBinary(addr, bs); err != nil {
			d.mu.Unlock()
			return errors.Wrapf(err, "could not add page 0x%08X", addr)
		}
	}
	d.mu.Unlock()

	return mem.DumpIntelHex(w, 16)
}

func (d *Device) erased(words []uint32) bool {
	for _, w := range words {
		if w != d.cells.Erased() {
			return false
		}
	}
	return true
}

// setByte writes one byte of the little-endian array directly, bypassing the
// programming interface
func (d *Device) setByte(addr uint32, b byte) {
	i := d.index(addr)
	shift := (addr % WordSize) * 8
	d.mem[i] = d.mem[i]&^(0xFF<<shift) | uint32(b)<<shift
}
