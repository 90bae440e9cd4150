package flash

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

func TestImageRoundTrip(t *testing.T) {
	dev, c := newTestController(nil)
	fillPage(t, c, testPage, 0x11110000)
	if err := c.WriteWord(context.Background(), FlashBank.Base, 0x20002000); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "nvm.hex")
	if err := dev.SaveImageToFile(path); err != nil {
		t.Fatalf("SaveImageToFile() error = %v", err)
	}

	// a fresh device stands in for the chip after a power cycle
	next := NewDevice(nil)
	if err := next.LoadImageFromFile(path); err != nil {
		t.Fatalf("LoadImageFromFile() error = %v", err)
	}

	for _, addr := range []uint32{FlashBank.Base, testPage, testPage + 4, testPage + PageSize - 4} {
		if got, want := next.Peek(addr), dev.Peek(addr); got != want {
			t.Errorf("word 0x%08X = 0x%08X, want 0x%08X", addr, got, want)
		}
	}
}

func TestSaveImageKeepsPermissions(t *testing.T) {
	dev := NewDevice(nil)
	dir := t.TempDir()

	fresh := filepath.Join(dir, "fresh.hex")
	if err := dev.SaveImageToFile(fresh); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(fresh); err != nil {
		t.Fatal(err)
	} else if fi.Mode().Perm() != 0o644 {
		t.Errorf("new image mode = %v, want %v", fi.Mode().Perm(), os.FileMode(0o644))
	}

	kept := filepath.Join(dir, "kept.hex")
	if err := os.WriteFile(kept, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(kept, 0o640); err != nil {
		t.Fatal(err)
	}
	if err := dev.SaveImageToFile(kept); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(kept); err != nil {
		t.Fatal(err)
	} else if fi.Mode().Perm() != 0o640 {
		t.Errorf("replaced image mode = %v, want %v", fi.Mode().Perm(), os.FileMode(0o640))
	}
}

func TestSaveImageSkipsErasedPages(t *testing.T) {
	dev, c := newTestController(nil)
	if err := c.WriteWord(context.Background(), testPage, 0xFF); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := dev.SaveImage(&buf); err != nil {
		t.Fatalf("SaveImage() error = %v", err)
	}

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(strings.NewReader(buf.String())); err != nil {
		t.Fatalf("ParseIntelHex() error = %v", err)
	}
	segs := mem.GetDataSegments()
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].Address != testPage || len(segs[0].Data) != PageSize {
		t.Errorf("segment = 0x%08X+%d, want 0x%08X+%d", segs[0].Address, len(segs[0].Data), testPage, PageSize)
	}
}

func TestLoadImageLittleEndian(t *testing.T) {
	mem := gohex.NewMemory()
	if err := mem.AddBinary(testPage+4, []byte{0xFA, 0x23, 0xDB, 0x00}); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := mem.DumpIntelHex(&buf, 16); err != nil {
		t.Fatal(err)
	}

	dev := NewDevice(nil)
	if err := dev.LoadImage(&buf); err != nil {
		t.Fatalf("LoadImage() error = %v", err)
	}
	if got := dev.Peek(testPage + 4); got != 0x00DB23FA {
		t.Errorf("word = 0x%08X, want 0x00DB23FA", got)
	}
}

func TestLoadImageOutOfBank(t *testing.T) {
	mem := gohex.NewMemory()
	if err := mem.AddBinary(RAM.Base, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := mem.DumpIntelHex(&buf, 16); err != nil {
		t.Fatal(err)
	}

	err := NewDevice(nil).LoadImage(&buf)
	if !errors.Is(err, ErrOutOfBank) {
		t.Errorf("LoadImage() error = %v, want ErrOutOfBank", err)
	}
}

func TestLoadImageGarbage(t *testing.T) {
	if err := NewDevice(nil).LoadImage(strings.NewReader("not hex\n")); err == nil {
		t.Error("LoadImage() accepted garbage")
	}
}
