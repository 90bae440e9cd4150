package flash

import (
	"github.com/sirupsen/logrus"
)

// writePEKey will advance the PECR unlock sequence. A wrong key, or a key
// written while PECR is already unlocked, locks the interface until reset.
func (d *Device) writePEKey(v uint32) {
	if d.lockedOut || d.pecr&PECR_PELOCK == 0 {
		d.lockOut("PEKEYR", v)
		return
	}

	switch {
	case d.peKeys == 0 && v == PEKey1:
		d.peKeys = 1
	case d.peKeys == 1 && v == PEKey2:
		d.peKeys = 0
		d.pecr &^= PECR_PELOCK
		logrus.Debug("nvm sim: PECR unlocked")
	default:
		d.lockOut("PEKEYR", v)
	}
}

// writePRGKey will advance the program memory unlock sequence, which is only
// accepted once PECR is unlocked
func (d *Device) writePRGKey(v uint32) {
	if d.lockedOut || d.pecr&PECR_PELOCK != 0 || d.pecr&PECR_PRGLOCK == 0 {
		d.lockOut("PRGKEYR", v)
		return
	}

	switch {
	case d.prgKeys == 0 && v == PRGKey1:
		d.prgKeys = 1
	case d.prgKeys == 1 && v == PRGKey2:
		d.prgKeys = 0
		d.pecr &^= PECR_PRGLOCK
		logrus.Debug("nvm sim: program memory unlocked")
	default:
		d.lockOut("PRGKEYR", v)
	}
}

func (d *Device) lockOut(reg string, v uint32) {
	logrus.Warnf("nvm sim: unexpected %s write 0x%08X, interface locked until reset", reg, v)
	d.lockedOut = true
	d.peKeys = 0
	d.prgKeys = 0
	d.pecr |= PECR_PELOCK | PECR_PRGLOCK
	d.setError(SR_WRPERR)
}

// writePECR ignores writes while PECR is locked. The lock bits can only be
// set here, clearing them takes the key sequences.
func (d *Device) writePECR(v uint32) {
	if d.pecr&PECR_PELOCK != 0 {
		return
	}

	if v&PECR_PELOCK != 0 {
		d.pecr |= PECR_PELOCK | PECR_PRGLOCK
		d.peKeys = 0
		d.prgKeys = 0
		return
	}

	locks := d.pecr & PECR_PRGLOCK
	if v&PECR_PRGLOCK != 0 {
		locks = PECR_PRGLOCK
	}
	d.pecr = v&^(PECR_PELOCK|PECR_PRGLOCK) | locks
}

// writeSR clears the flags written as one
func (d *Device) writeSR(v uint32) {
	d.sr &^= v & (SR_EOP | SR_ERRORS)
}
