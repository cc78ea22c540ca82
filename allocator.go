package rvth

import (
	"github.com/bodgit/rvth/nhcd"
)

// AutoAllocate asks Import to pick the bank.
const AutoAllocate = -1

// checkLayers checks the dual-layer placement rules for a primary bank i.
// A follower that is the second bank of the image being overwritten is
// allowed when overwrite is set.
func checkLayers(entries []BankEntry, g nhcd.Geometry, i, layers int, overwrite bool) error {
	if layers < 2 {
		return nil
	}
	switch {
	case i == 0:
		return ErrCannotUseBankZeroForDualLayer
	case i == len(entries)-1:
		return ErrCannotUseLastBankForDualLayer
	}

	next := entries[i+1]
	own := overwrite && entries[i].DiscType == DiscWiiDualLayer && next.Status == StatusSecondBank
	if !free(entries, i+1) && !own {
		return ErrSecondBankNotEmpty
	}
	if entries[i].Offset+g.BankSize() != next.Offset {
		return ErrBanksNotContiguous
	}

	return nil
}

// fits checks the image is large enough to hold layers banks from bank i.
func fits(entries []BankEntry, g nhcd.Geometry, imageSize int64, i, layers int) error {
	if entries[i].Offset+int64(layers)*g.BankSize() > imageSize {
		return ErrImageTooLargeForBank
	}
	return nil
}

// FindSlot returns the lowest free bank that can hold an image spanning
// layers banks. If no bank qualifies the reason the lowest free bank was
// rejected is returned, or ErrNoFreeBank if there are no free banks at all.
func FindSlot(entries []BankEntry, g nhcd.Geometry, imageSize int64, layers int) (int, error) {
	var first error
	for i := range entries {
		if !free(entries, i) {
			continue
		}
		err := checkLayers(entries, g, i, layers, false)
		if err == nil {
			err = fits(entries, g, imageSize, i, layers)
		}
		if err == nil {
			return i, nil
		}
		if first == nil {
			first = err
		}
	}
	if first != nil {
		return AutoAllocate, first
	}
	return AutoAllocate, ErrNoFreeBank
}

// ValidateTarget checks that an image of sourceSize bytes spanning layers
// banks can be imported into bank i.
func ValidateTarget(entries []BankEntry, g nhcd.Geometry, imageSize int64, i int, sourceSize int64, layers int, overwrite bool) error {
	if i < 0 || i >= len(entries) {
		return ErrBankOutOfRange
	}
	if sourceSize > int64(layers)*g.BankSize() {
		return ErrImageTooLargeForBank
	}

	switch e := entries[i]; e.Status {
	case StatusSecondBank:
		if !free(entries, i) {
			return ErrSecondBankOfDualLayer
		}
	case StatusOccupied, StatusIncomplete:
		if !overwrite {
			return ErrDestinationNotEmpty
		}
	}

	if err := checkLayers(entries, g, i, layers, overwrite); err != nil {
		return err
	}

	return fits(entries, g, imageSize, i, layers)
}
