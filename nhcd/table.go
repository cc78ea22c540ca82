package nhcd

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"time"
	"unsafe"
)

const timestampLayout = "20060102150405"

var now = time.Now

// Entry is a single bank entry record.
type Entry struct {
	Type       BankType
	Timestamp  time.Time
	LBAStart   uint32
	LBALen     uint32
	Incomplete bool
}

// Table is the bank table.
type Table struct {
	Entries     []Entry
	Checksummed bool
}

// New returns an empty table with count banks.
func New(count int) (*Table, error) {
	if count < MinBankCount || count > MaxBankCount {
		return nil, ErrBankCount
	}
	return &Table{Entries: make([]Entry, count)}, nil
}

// Read reads and validates the bank table from r.
func Read(r io.ReaderAt) (*Table, error) {
	h := header{}
	const headerSize = int64(unsafe.Sizeof(h))

	sr := io.NewSectionReader(r, TableOffset, headerSize)
	if err := binary.Read(sr, binary.BigEndian, &h); err != nil {
		return nil, err
	}
	if string(h.Magic[:]) != magic {
		return nil, ErrCorruptTable
	}
	if h.BankCount < MinBankCount || h.BankCount > MaxBankCount {
		return nil, fmt.Errorf("%w: %d", ErrBankCount, h.BankCount)
	}

	// Read all of the entry records in one go so they can be checksummed
	b := make([]byte, int(h.BankCount)*EntrySize)
	if _, err := r.ReadAt(b, TableOffset+EntrySize); err != nil {
		return nil, err
	}

	t := &Table{
		Entries: make([]Entry, h.BankCount),
	}

	if string(h.Tag[:]) == checksumTag {
		if sum := sha1.Sum(b); !bytes.Equal(sum[:], h.Checksum[:]) {
			return nil, ErrChecksum
		}
		t.Checksummed = true
	}

	br := bytes.NewReader(b)
	e := entry{}
	for i := range t.Entries {
		if err := binary.Read(br, binary.BigEndian, &e); err != nil {
			return nil, err
		}

		switch BankType(e.Type) {
		case TypeEmpty, TypeGCN, TypeWiiSL, TypeWiiDL:
		default:
			return nil, fmt.Errorf("%w: bank %d has type 0x%08x", ErrBadType, i, e.Type)
		}

		t.Entries[i] = Entry{
			Type:       BankType(e.Type),
			LBAStart:   e.LBAStart,
			LBALen:     e.LBALen,
			Incomplete: e.Flags&incomplete != 0,
		}

		// Hardware leaves these blank on empty banks
		if ts, err := time.ParseInLocation(timestampLayout, string(e.Date[:])+string(e.Time[:]), time.Local); err == nil {
			t.Entries[i].Timestamp = ts
		}
	}

	return t, nil
}

func (t *Table) marshalEntries() ([]byte, error) {
	b := new(bytes.Buffer)
	b.Grow(len(t.Entries) * EntrySize)

	for _, te := range t.Entries {
		e := entry{
			Type:     uint32(te.Type),
			LBAStart: te.LBAStart,
			LBALen:   te.LBALen,
		}
		if te.Type != TypeEmpty {
			copy(e.AllZero[:], bytes.Repeat([]byte{'0'}, len(e.AllZero)))
			if !te.Timestamp.IsZero() {
				ts := te.Timestamp.Format(timestampLayout)
				copy(e.Date[:], ts[:8])
				copy(e.Time[:], ts[8:])
			}
		}
		if te.Incomplete {
			e.Flags |= incomplete
		}
		if err := binary.Write(b, binary.BigEndian, &e); err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}

// Write persists the table to w. The entry records are written before the
// header, and the header carries a checksum of the records, so a write torn
// between the two is caught by Read.
func (t *Table) Write(w io.WriterAt) error {
	if len(t.Entries) < MinBankCount || len(t.Entries) > MaxBankCount {
		return ErrBankCount
	}

	b, err := t.marshalEntries()
	if err != nil {
		return err
	}

	h := header{
		X004:      x004,
		BankCount: uint32(len(t.Entries)),
		X010:      x010,
		Checksum:  sha1.Sum(b),
	}
	copy(h.Magic[:], magic)
	copy(h.Tag[:], checksumTag)

	hb := new(bytes.Buffer)
	if err := binary.Write(hb, binary.BigEndian, &h); err != nil {
		return err
	}

	if _, err := w.WriteAt(b, TableOffset+EntrySize); err != nil {
		return err
	}
	if _, err := w.WriteAt(hb.Bytes(), TableOffset); err != nil {
		return err
	}

	t.Checksummed = true

	return nil
}

// Stamp records the current time on entry i.
func (t *Table) Stamp(i int) {
	t.Entries[i].Timestamp = now().Truncate(time.Second)
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	c := &Table{
		Entries:     make([]Entry, len(t.Entries)),
		Checksummed: t.Checksummed,
	}
	copy(c.Entries, t.Entries)
	return c
}
