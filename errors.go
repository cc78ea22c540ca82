package rvth

import (
	"errors"
	"fmt"
)

var (
	// ErrImageNotOpen is returned when an operation is called on a nil Image.
	ErrImageNotOpen = errors.New("rvth: image not open")
	// ErrPathNotSet is returned if a source or destination path is empty.
	ErrPathNotSet = errors.New("rvth: path not set")
	// ErrBankOutOfRange is returned for a bank index outside of the table.
	ErrBankOutOfRange = errors.New("rvth: bank out of range")
	// ErrWriteNotSupported is returned by every writing operation on an
	// image that is read-only, standalone or has a degraded table.
	ErrWriteNotSupported = errors.New("rvth: writing is not supported on this image")
	// ErrUnrecognizedFileFormat is returned if neither a bank table nor a
	// disc header can be found.
	ErrUnrecognizedFileFormat = errors.New("rvth: unrecognized file format")

	ErrDestinationNotEmpty           = errors.New("rvth: destination bank is not empty")
	ErrImageTooLargeForBank          = errors.New("rvth: image is too large for the bank")
	ErrSecondBankNotEmpty            = errors.New("rvth: second bank of a dual-layer image is not empty")
	ErrBanksNotContiguous            = errors.New("rvth: banks are not contiguous")
	ErrCannotUseBankZeroForDualLayer = errors.New("rvth: cannot use the first bank for a dual-layer image")
	ErrCannotUseLastBankForDualLayer = errors.New("rvth: cannot use the last bank for a dual-layer image")
	ErrNoFreeBank                    = errors.New("rvth: no free bank")
	ErrSecondBankOfDualLayer         = errors.New("rvth: bank is the second bank of a dual-layer image")

	ErrBankEmpty           = errors.New("rvth: bank is empty")
	ErrBankDeleted         = errors.New("rvth: bank is deleted")
	ErrBankIncomplete      = errors.New("rvth: bank holds an incomplete import")
	ErrAlreadyDeleted      = errors.New("rvth: bank is already deleted")
	ErrNotDeleted          = errors.New("rvth: bank is not deleted")
	ErrInconsistentPairing = errors.New("rvth: second bank of the dual-layer image has been reused")

	// ErrBusy is returned if another writing operation holds the image.
	ErrBusy = errors.New("rvth: another operation is in progress")
	// ErrBankBusy is returned if another operation holds the bank.
	ErrBankBusy = errors.New("rvth: bank is in use by another operation")

	// ErrCancelled is returned when the context is cancelled during a copy.
	ErrCancelled = errors.New("rvth: operation cancelled")
)

// IOError records a failed read or write and where in the stream it
// happened.
type IOError struct {
	Op     string
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("rvth: %s at offset %d: %v", e.Op, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
