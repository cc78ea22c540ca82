package rvth

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bodgit/plumbing"
	"github.com/bodgit/rvth/nhcd"
	"github.com/bodgit/rvth/wii"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	operationCounterVec = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rvth_operation_count",
			Help: "A count of finished operations.",
		},
		[]string{"operation", "state"},
	)

	bytesCopiedVec = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rvth_bytes_copied_total",
			Help: "Bytes copied to or from banks.",
		},
		[]string{"operation"},
	)
)

// Operation names an operation.
type Operation string

// Operations.
const (
	OpExtract  Operation = "extract"
	OpImport   Operation = "import"
	OpRecrypt  Operation = "recrypt"
	OpDelete   Operation = "delete"
	OpUndelete Operation = "undelete"
)

// State is the state of an operation.
type State int

// Operation states. Completed, Failed and Cancelled are terminal.
const (
	StateIdle State = iota
	StateValidating
	StateAllocating
	StateCopying
	StateFinalizing
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateAllocating:
		return "allocating"
	case StateCopying:
		return "copying"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Result describes how an operation went. It is returned with any error
// once the operation has started.
type Result struct {
	ID          ulid.ULID
	Operation   Operation
	Bank        int
	State       State
	BytesCopied int64
	// Path is the destination of an extract or the source of an import.
	Path string
	// SHA1 is the hex digest of the bytes copied.
	SHA1 string
	// Entry is the bank after the operation.
	Entry BankEntry
	// Skipped is set if there was nothing to do.
	Skipped bool
}

type operation struct {
	result *Result
	log    logrus.FieldLogger
	start  time.Time
}

func (img *Image) begin(name Operation, bank int) *operation {
	op := &operation{
		result: &Result{
			ID:        ulid.Make(),
			Operation: name,
			Bank:      bank,
			State:     StateIdle,
		},
		start: time.Now(),
	}
	op.log = img.log.WithFields(logrus.Fields{
		"operation": name,
		"id":        op.result.ID,
		"bank":      bank,
	})
	return op
}

func (op *operation) setBank(bank int) {
	op.result.Bank = bank
	op.log = op.log.WithField("bank", bank)
}

func (op *operation) transition(s State) {
	op.log.WithField("state", s).Debug("transition")
	op.result.State = s
}

func (op *operation) copied(n int64) {
	op.result.BytesCopied = n
	bytesCopiedVec.WithLabelValues(string(op.result.Operation)).Add(float64(n))
}

func (op *operation) finish(err error) (*Result, error) {
	switch {
	case err == nil:
		op.transition(StateCompleted)
	case errors.Is(err, ErrCancelled):
		op.transition(StateCancelled)
	default:
		op.transition(StateFailed)
	}

	log := op.log.WithField("duration", time.Since(op.start))
	if err != nil {
		log = log.WithError(err)
	}
	log.WithField("state", op.result.State).Info("operation finished")

	operationCounterVec.WithLabelValues(string(op.result.Operation), op.result.State.String()).Inc()

	return op.result, err
}

// precondition checks every writing operation shares.
func (img *Image) checkWrite(bank int) error {
	if err := img.writable(); err != nil {
		return err
	}
	_, err := img.Bank(bank)
	return err
}

func statusError(e BankEntry) error {
	switch e.Status {
	case StatusEmpty:
		return ErrBankEmpty
	case StatusDeleted:
		return ErrBankDeleted
	case StatusIncomplete:
		return ErrBankIncomplete
	case StatusSecondBank:
		return ErrSecondBankOfDualLayer
	}
	return nil
}

// Extract copies the disc image in bank to the file dest. A partially
// written file is left behind if the copy fails or is cancelled.
func (img *Image) Extract(ctx context.Context, bank int, dest string, p Progress) (*Result, error) {
	if img == nil {
		return nil, ErrImageNotOpen
	}

	op := img.begin(OpExtract, bank)
	op.result.Path = dest

	op.transition(StateValidating)
	if dest == "" {
		return op.finish(ErrPathNotSet)
	}
	e, err := img.claimEntry(bank)
	if err != nil {
		return op.finish(err)
	}
	defer img.release(bank)

	op.transition(StateCopying)
	f, err := fs.Create(dest)
	if err != nil {
		return op.finish(err)
	}

	h := sha1.New()
	w := plumbing.MultiWriteCloser(f, plumbing.NopWriteCloser(h))

	n, err := Copy(ctx, w, img.bank(e.Offset, e.Size), p)
	op.copied(n)
	if cerr := w.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return op.finish(err)
	}

	op.transition(StateFinalizing)
	op.result.SHA1 = hex.EncodeToString(h.Sum(nil))
	op.result.Entry = e

	return op.finish(nil)
}

// layers returns how many banks an image needs.
func (img *Image) layers(h *wii.Header, size int64) (int, error) {
	bankSize := img.geometry.BankSize()
	switch {
	case size <= bankSize:
		return 1, nil
	case h.IsWii() && size <= 2*bankSize:
		return 2, nil
	}
	return 0, ErrImageTooLargeForBank
}

// Import copies the disc image at source into bank, or the first suitable
// bank if bank is AutoAllocate. An occupied bank is only replaced if
// overwrite is set.
//
// Nothing is written until the target bank has been validated. The table is
// updated after the copy; if the copy fails or is cancelled part way the
// bank is recorded as incomplete and has to be deleted or overwritten.
func (img *Image) Import(ctx context.Context, source string, bank int, overwrite bool, p Progress) (*Result, error) {
	if img == nil {
		return nil, ErrImageNotOpen
	}

	op := img.begin(OpImport, bank)
	op.result.Path = source

	op.transition(StateValidating)
	if source == "" {
		return op.finish(ErrPathNotSet)
	}
	check := img.writable
	if bank != AutoAllocate {
		check = func() error { return img.checkWrite(bank) }
	}
	if err := check(); err != nil {
		return op.finish(err)
	}
	if !img.writer.TryLock() {
		return op.finish(ErrBusy)
	}
	defer img.writer.Unlock()

	src, err := OpenSource(source)
	if err != nil {
		return op.finish(err)
	}
	defer src.Close()

	h, err := wii.ReadHeader(src)
	if err != nil {
		if errors.Is(err, wii.ErrUnrecognized) {
			err = fmt.Errorf("%w: %s", ErrUnrecognizedFileFormat, source)
		}
		return op.finish(err)
	}

	op.transition(StateAllocating)
	t, entries := img.snapshot()

	layers, err := img.layers(h, src.Size())
	switch {
	case err != nil:
	case bank == AutoAllocate:
		bank, err = FindSlot(entries, img.geometry, img.size, layers)
	default:
		err = ValidateTarget(entries, img.geometry, img.size, bank, src.Size(), layers, overwrite)
	}
	if err != nil {
		return op.finish(err)
	}
	op.setBank(bank)

	banks := []int{bank}
	if layers == 2 {
		banks = append(banks, bank+1)
	}
	if err = img.claim(banks...); err != nil {
		return op.finish(err)
	}
	defer img.release(banks...)

	op.transition(StateCopying)
	off := entries[bank].Offset
	sum := sha1.New()
	w := plumbing.MultiWriteCloser(plumbing.NopWriteCloser(io.NewOffsetWriter(img.f, off)), plumbing.NopWriteCloser(sum))

	n, cerr := Copy(ctx, w, src, p)
	op.copied(n)
	if cerr != nil && n == 0 {
		// Nothing reached the bank
		return op.finish(cerr)
	}
	if err = img.sync(off); err != nil {
		if cerr != nil {
			err = fmt.Errorf("%w (while syncing: %v)", cerr, err)
		}
		return op.finish(err)
	}

	op.transition(StateFinalizing)
	discType := DiscGameCube
	switch {
	case h.IsWii() && layers == 2:
		discType = DiscWiiDualLayer
	case h.IsWii():
		discType = DiscWiiSingleLayer
	}

	t.Entries[bank] = nhcd.Entry{
		Type:       discType.bankType(),
		LBAStart:   uint32(off / nhcd.SectorSize),
		LBALen:     sectors(src.Size()),
		Incomplete: cerr != nil,
	}
	t.Stamp(bank)

	// Clear the record of whatever the second bank used to hold
	if next := bank + 1; next < len(t.Entries) && (layers == 2 || entries[next].Status == StatusSecondBank) {
		t.Entries[next] = nhcd.Entry{}
	}

	if err = img.commit(t); err != nil {
		if cerr != nil {
			err = fmt.Errorf("%w (while recording: %v)", cerr, err)
		}
		return op.finish(err)
	}

	op.result.Entry, _ = img.Bank(bank)
	if cerr != nil {
		op.log.WithField("bytes", n).Warn("bank left incomplete")
		return op.finish(cerr)
	}

	op.result.SHA1 = hex.EncodeToString(sum.Sum(nil))

	return op.finish(nil)
}

// Recrypt moves the Wii image in bank to the target key set. The ticket,
// TMD and certificate chain are written back in one go once both have been
// signed, cancelling ctx once that has started has no effect.
//
// A disc already in the target state is left alone and the result is
// marked as skipped.
func (img *Image) Recrypt(ctx context.Context, bank int, target wii.KeySet, p Progress) (*Result, error) {
	if img == nil {
		return nil, ErrImageNotOpen
	}

	op := img.begin(OpRecrypt, bank)

	op.transition(StateValidating)
	if err := img.checkWrite(bank); err != nil {
		return op.finish(err)
	}
	if !img.writer.TryLock() {
		return op.finish(ErrBusy)
	}
	defer img.writer.Unlock()

	e, _ := img.Bank(bank)
	if err := statusError(e); err != nil {
		return op.finish(err)
	}
	if e.DiscType == DiscGameCube {
		return op.finish(wii.ErrNotWii)
	}
	if ctx.Err() != nil {
		return op.finish(ErrCancelled)
	}
	if err := img.claim(bank); err != nil {
		return op.finish(err)
	}
	defer img.release(bank)

	r := img.bank(e.Offset, e.Capacity)
	h, err := wii.ReadHeader(r)
	if err != nil {
		return op.finish(err)
	}

	var part *wii.Partition
	if h.IsWii() && h.Encrypted() {
		if part, err = wii.GamePartition(r); err != nil {
			return op.finish(err)
		}
	}

	rc, err := img.auth.Recrypt(r, h, part, target)
	switch {
	case errors.Is(err, wii.ErrAlreadyEncrypted), errors.Is(err, wii.ErrAlreadyUnencrypted):
		op.log.WithField("keyset", target).Info("nothing to do")
		op.result.Skipped = true
		op.result.Entry = e
		return op.finish(nil)
	case err != nil:
		return op.finish(err)
	}

	op.transition(StateCopying)
	total := int64(len(rc.Header))
	if p != nil {
		p.Update(0, total)
	}

	off := e.Offset + rc.Offset
	nw, err := img.f.WriteAt(rc.Header, off)
	op.copied(int64(nw))
	if err != nil {
		return op.finish(&IOError{Op: "write", Offset: off + int64(nw), Err: err})
	}
	if err = img.sync(off); err != nil {
		return op.finish(err)
	}
	if p != nil {
		p.Update(total, total)
	}

	op.transition(StateFinalizing)
	t, _ := img.snapshot()
	t.Stamp(bank)
	if err = img.commit(t); err != nil {
		return op.finish(err)
	}

	if ctx.Err() != nil {
		op.log.Debug("cancellation ignored, recryption already written")
	}

	op.log.WithFields(logrus.Fields{
		"from": rc.From,
		"to":   rc.To,
	}).Info("recrypted")
	op.result.Entry, _ = img.Bank(bank)

	return op.finish(nil)
}

// Delete marks bank as deleted. The disc image is left intact and can be
// brought back with Undelete.
func (img *Image) Delete(bank int) (*Result, error) {
	if img == nil {
		return nil, ErrImageNotOpen
	}

	op := img.begin(OpDelete, bank)

	op.transition(StateValidating)
	if err := img.checkWrite(bank); err != nil {
		return op.finish(err)
	}
	if !img.writer.TryLock() {
		return op.finish(ErrBusy)
	}
	defer img.writer.Unlock()

	t, entries := img.snapshot()
	switch e := entries[bank]; e.Status {
	case StatusEmpty:
		return op.finish(ErrBankEmpty)
	case StatusDeleted:
		return op.finish(ErrAlreadyDeleted)
	case StatusSecondBank:
		return op.finish(ErrSecondBankOfDualLayer)
	}
	if err := img.claim(bank); err != nil {
		return op.finish(err)
	}
	defer img.release(bank)

	op.transition(StateFinalizing)
	t.Entries[bank].Type = nhcd.TypeEmpty
	if err := img.commit(t); err != nil {
		return op.finish(err)
	}
	op.result.Entry, _ = img.Bank(bank)

	return op.finish(nil)
}

// Undelete restores a deleted bank. A dual-layer image can only be restored
// if its second bank hasn't been reused.
func (img *Image) Undelete(bank int) (*Result, error) {
	if img == nil {
		return nil, ErrImageNotOpen
	}

	op := img.begin(OpUndelete, bank)

	op.transition(StateValidating)
	if err := img.checkWrite(bank); err != nil {
		return op.finish(err)
	}
	if !img.writer.TryLock() {
		return op.finish(ErrBusy)
	}
	defer img.writer.Unlock()

	t, entries := img.snapshot()
	e := entries[bank]
	switch e.Status {
	case StatusDeleted:
	case StatusSecondBank:
		return op.finish(ErrSecondBankOfDualLayer)
	default:
		return op.finish(ErrNotDeleted)
	}

	if e.DiscType == DiscWiiDualLayer {
		next := bank + 1
		if next >= len(entries) || t.Entries[next].Type != nhcd.TypeEmpty || entries[next].Status != StatusSecondBank {
			return op.finish(ErrInconsistentPairing)
		}
	}
	if err := img.claim(bank); err != nil {
		return op.finish(err)
	}
	defer img.release(bank)

	op.transition(StateFinalizing)
	t.Entries[bank].Type = e.DiscType.bankType()
	if err := img.commit(t); err != nil {
		return op.finish(err)
	}
	op.result.Entry, _ = img.Bank(bank)

	return op.finish(nil)
}
