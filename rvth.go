/*
Package rvth manages the banks of an RVT-H Reader hard disk image. It can
list the disc images held in each bank, extract and import them, soft delete
and undelete them, and move Wii images between the debug, retail and Korean
key sets.

An Image allows one writing operation at a time. Reading operations and
queries can run alongside it as long as they don't touch the same bank.
*/
package rvth

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/bodgit/rvth/nhcd"
	"github.com/bodgit/rvth/wii"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var fs = afero.NewOsFs()

// IncompletePolicy controls what happens to banks left incomplete by a
// failed import when an image is opened.
type IncompletePolicy int

const (
	// KeepIncomplete leaves incomplete banks for the user to delete.
	KeepIncomplete IncompletePolicy = iota
	// DeleteIncompleteOnOpen soft deletes incomplete banks.
	DeleteIncompleteOnOpen
)

// Options configure Open.
type Options struct {
	// ReadOnly opens the image without write access.
	ReadOnly bool
	// Logger defaults to discarding everything.
	Logger logrus.FieldLogger
	// Geometry defaults to nhcd.DefaultGeometry.
	Geometry nhcd.Geometry
	// Incomplete defaults to KeepIncomplete.
	Incomplete IncompletePolicy
	// Keys are used for signature classification and recryption.
	Keys *wii.KeyStore
}

// Image is an open RVT-H Reader hard disk image.
type Image struct {
	// writer is held by the one writing operation allowed at a time
	writer sync.Mutex

	// mu guards table, entries and busy
	mu      sync.RWMutex
	table   *nhcd.Table
	entries []BankEntry
	busy    map[int]bool

	f          afero.File
	name       string
	size       int64
	device     bool
	readOnly   bool
	standalone bool
	tableErr   error

	geometry nhcd.Geometry
	log      logrus.FieldLogger
	auth     *wii.Authority
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Open opens the image at name, which can be a file or a block device.
//
// If the bank table is missing or damaged but the file starts with a disc
// header, the file is treated as a single bank. Otherwise the default
// layout of eight banks is assumed and the reason is available from
// TableError. In either case the image can't be written to.
func Open(name string, opts *Options) (*Image, error) {
	if opts == nil {
		opts = &Options{}
	}

	img := &Image{
		name:     name,
		readOnly: opts.ReadOnly,
		geometry: opts.Geometry,
		log:      opts.Logger,
		auth:     wii.NewAuthority(opts.Keys),
		busy:     make(map[int]bool),
	}
	if img.geometry == (nhcd.Geometry{}) {
		img.geometry = nhcd.DefaultGeometry
	}
	if img.log == nil {
		img.log = discardLogger()
	}
	img.log = img.log.WithField("image", name)

	flag := os.O_RDWR
	if img.readOnly {
		flag = os.O_RDONLY
	}

	f, err := fs.OpenFile(name, flag, 0)
	if err != nil && !img.readOnly && os.IsPermission(err) {
		img.log.WithError(err).Warn("opening read-only")
		img.readOnly = true
		f, err = fs.OpenFile(name, os.O_RDONLY, 0)
	}
	if err != nil {
		return nil, err
	}
	img.f = f

	info, err := f.Stat()
	if err != nil {
		err = multierror.Append(err, f.Close())
		return nil, err
	}

	img.size = info.Size()
	if info.Mode()&os.ModeDevice != 0 {
		img.device = true
		if img.size, err = f.Seek(0, io.SeekEnd); err != nil {
			err = multierror.Append(err, f.Close())
			return nil, err
		}
	}

	if err = img.load(opts.Incomplete); err != nil {
		err = multierror.Append(err, f.Close())
		return nil, err
	}

	return img, nil
}

func isTableError(err error) bool {
	for _, target := range []error{nhcd.ErrCorruptTable, nhcd.ErrBankCount, nhcd.ErrChecksum, nhcd.ErrBadType, io.EOF, io.ErrUnexpectedEOF} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (img *Image) load(policy IncompletePolicy) error {
	t, err := nhcd.Read(img.f)
	switch {
	case err == nil:
		if policy == DeleteIncompleteOnOpen && !img.readOnly {
			if err = img.deleteIncomplete(t); err != nil {
				return err
			}
		}
	case !isTableError(err):
		return err
	default:
		if h, herr := wii.ReadHeader(img.f); herr == nil {
			img.log.WithField("game", h.GameID).Info("no bank table, opening as a single disc image")
			img.standalone = true
			t = standaloneTable(h, img.size)
			break
		}
		if img.size <= img.geometry.BankOffset(0) {
			return ErrUnrecognizedFileFormat
		}
		img.log.WithError(err).Warn("bank table is unusable, assuming defaults")
		img.tableErr = err
		t = img.defaultTable()
	}

	img.table = t
	img.entries = img.scan(t)

	return nil
}

func sectors(n int64) uint32 {
	return uint32((n + nhcd.SectorSize - 1) / nhcd.SectorSize)
}

func standaloneTable(h *wii.Header, size int64) *nhcd.Table {
	te := nhcd.Entry{
		Type:   nhcd.TypeGCN,
		LBALen: sectors(size),
	}
	if h.IsWii() {
		te.Type = nhcd.TypeWiiSL
	}
	return &nhcd.Table{Entries: []nhcd.Entry{te}}
}

// defaultTable guesses the table from the disc headers found where each of
// the default number of banks should start.
func (img *Image) defaultTable() *nhcd.Table {
	t, _ := nhcd.New(nhcd.DefaultBankCount)
	for i := range t.Entries {
		t.Entries[i].LBAStart = img.geometry.BankLBA(i)

		off := img.geometry.BankOffset(i)
		if off >= img.size {
			continue
		}
		h, err := wii.ReadHeader(img.bank(off, img.geometry.BankSize()))
		if err != nil {
			continue
		}

		t.Entries[i].Type = nhcd.TypeWiiSL
		if h.IsGameCube() {
			t.Entries[i].Type = nhcd.TypeGCN
		}
		size := img.size - off
		if size > img.geometry.BankSize() {
			size = img.geometry.BankSize()
		}
		t.Entries[i].LBALen = sectors(size)
	}
	return t
}

func (img *Image) deleteIncomplete(t *nhcd.Table) error {
	changed := false
	for i, te := range t.Entries {
		if te.Incomplete && te.Type != nhcd.TypeEmpty {
			img.log.WithField("bank", i).Warn("deleting incomplete bank")
			t.Entries[i].Type = nhcd.TypeEmpty
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return img.writeTable(t)
}

// sync flushes everything written so far. It is called after bank data is
// written and again after the table, so the table never reaches the disk
// ahead of the data it describes.
func (img *Image) sync(off int64) error {
	if err := img.f.Sync(); err != nil {
		return &IOError{Op: "sync", Offset: off, Err: err}
	}
	return nil
}

func (img *Image) writeTable(t *nhcd.Table) error {
	if err := t.Write(img.f); err != nil {
		return &IOError{Op: "write table", Offset: nhcd.TableOffset, Err: err}
	}
	return img.sync(nhcd.TableOffset)
}

// commit writes t and makes it the current table.
func (img *Image) commit(t *nhcd.Table) error {
	if err := img.writeTable(t); err != nil {
		return err
	}

	entries := img.scan(t)

	img.mu.Lock()
	defer img.mu.Unlock()
	img.table = t
	img.entries = entries

	return nil
}

// snapshot returns copies of the table and entries.
func (img *Image) snapshot() (*nhcd.Table, []BankEntry) {
	img.mu.RLock()
	defer img.mu.RUnlock()

	entries := make([]BankEntry, len(img.entries))
	copy(entries, img.entries)

	return img.table.Clone(), entries
}

func (img *Image) claim(banks ...int) error {
	img.mu.Lock()
	defer img.mu.Unlock()

	for _, b := range banks {
		if img.busy[b] {
			return ErrBankBusy
		}
	}
	for _, b := range banks {
		img.busy[b] = true
	}

	return nil
}

// claimEntry claims bank i for reading. The status is checked under the
// same lock so the entry returned can't have been deleted or replaced.
func (img *Image) claimEntry(i int) (BankEntry, error) {
	img.mu.Lock()
	defer img.mu.Unlock()

	if i < 0 || i >= len(img.entries) {
		return BankEntry{}, ErrBankOutOfRange
	}
	e := img.entries[i]
	if err := statusError(e); err != nil {
		return BankEntry{}, err
	}
	if img.busy[i] {
		return BankEntry{}, ErrBankBusy
	}
	img.busy[i] = true

	return e, nil
}

func (img *Image) release(banks ...int) {
	img.mu.Lock()
	defer img.mu.Unlock()

	for _, b := range banks {
		delete(img.busy, b)
	}
}

func (img *Image) writable() error {
	if img.readOnly || img.standalone || img.tableErr != nil {
		return ErrWriteNotSupported
	}
	return nil
}

// Banks returns a snapshot of every bank.
func (img *Image) Banks() []BankEntry {
	_, entries := img.snapshot()
	return entries
}

// Bank returns a snapshot of bank i.
func (img *Image) Bank(i int) (BankEntry, error) {
	img.mu.RLock()
	defer img.mu.RUnlock()

	if i < 0 || i >= len(img.entries) {
		return BankEntry{}, ErrBankOutOfRange
	}
	return img.entries[i], nil
}

// Name returns the name the image was opened with.
func (img *Image) Name() string {
	return img.name
}

// Size returns the size of the image in bytes.
func (img *Image) Size() int64 {
	return img.size
}

// IsDevice reports whether the image is a block device.
func (img *Image) IsDevice() bool {
	return img.device
}

// ReadOnly reports whether writing operations are refused.
func (img *Image) ReadOnly() bool {
	return img.writable() != nil
}

// Standalone reports whether the image is a single disc image rather than
// an RVT-H Reader hard disk image.
func (img *Image) Standalone() bool {
	return img.standalone
}

// TableError returns why the bank table couldn't be used, or nil.
func (img *Image) TableError() error {
	return img.tableErr
}

// Geometry returns the geometry used for the banks.
func (img *Image) Geometry() nhcd.Geometry {
	return img.geometry
}

// Close closes the image. It waits for any writing operation to finish.
func (img *Image) Close() error {
	img.writer.Lock()
	defer img.writer.Unlock()

	var result *multierror.Error
	if !img.readOnly {
		if err := img.f.Sync(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := img.f.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}
