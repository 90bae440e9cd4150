package flash

import (
	"golang.org/x/exp/constraints"
)

// aligned reports whether v is a multiple of n, n being a power of two
func aligned[T constraints.Unsigned](v, n T) bool {
	return v&(n-1) == 0
}

// alignDown will round v down to the nearest multiple of n, n being a power of
// two
func alignDown[T constraints.Unsigned](v, n T) T {
	return v &^ (n - 1)
}

// within reports whether addr falls inside [base, base+size)
func within[T constraints.Unsigned](addr, base, size T) bool {
	return addr >= base && addr-base < size
}
