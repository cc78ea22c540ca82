package nhcd

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func newImage(t *testing.T) afero.File {
	t.Helper()
	f, err := afero.NewMemMapFs().Create("rvth.img")
	if err != nil {
		t.Fatal(err)
	}
	// Enough for the header and the maximum number of entries
	if err := f.Truncate(TableOffset + EntrySize*(MaxBankCount+1)); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestGeometry(t *testing.T) {
	g := DefaultGeometry
	if got := g.BankSize(); got != 4707319808 {
		t.Errorf("BankSize() = %d, want 4707319808", got)
	}
	if got := g.BankOffset(0); got != 0xc0000 {
		t.Errorf("BankOffset(0) = %#x, want 0xc0000", got)
	}
	if got := g.BankOffset(3) - g.BankOffset(2); got != g.BankSize() {
		t.Errorf("banks are %d bytes apart, want %d", got, g.BankSize())
	}
}

func TestWriteRead(t *testing.T) {
	now = func() time.Time { return time.Date(2018, 1, 12, 22, 27, 20, 0, time.Local) }
	defer func() { now = time.Now }()

	f := newImage(t)

	table, err := New(DefaultBankCount)
	if err != nil {
		t.Fatal(err)
	}
	table.Entries[0] = Entry{Type: TypeGCN, LBAStart: DefaultGeometry.BankLBA(0), LBALen: 0x2b8000}
	table.Stamp(0)
	table.Entries[1] = Entry{Type: TypeWiiDL, LBAStart: DefaultGeometry.BankLBA(1), LBALen: 2 * BankSizeLBA}
	table.Stamp(1)
	table.Entries[5] = Entry{Type: TypeWiiSL, LBAStart: DefaultGeometry.BankLBA(5), LBALen: 0x100, Incomplete: true}

	if err := table.Write(f); err != nil {
		t.Fatal(err)
	}

	got, err := Read(f)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Checksummed {
		t.Error("table was not checksummed")
	}
	if len(got.Entries) != DefaultBankCount {
		t.Fatalf("read %d entries, want %d", len(got.Entries), DefaultBankCount)
	}
	for i, e := range table.Entries {
		g := got.Entries[i]
		if g.Type != e.Type || g.LBAStart != e.LBAStart || g.LBALen != e.LBALen || g.Incomplete != e.Incomplete {
			t.Errorf("entry %d = %+v, want %+v", i, g, e)
		}
		if !g.Timestamp.Equal(e.Timestamp) {
			t.Errorf("entry %d timestamp = %v, want %v", i, g.Timestamp, e.Timestamp)
		}
	}
}

func TestRead(t *testing.T) {
	tests := []struct {
		name    string
		mangle  func(afero.File)
		wantErr error
	}{
		{
			name: "valid",
		},
		{
			name: "bad magic",
			mangle: func(f afero.File) {
				f.WriteAt([]byte("DCHN"), TableOffset)
			},
			wantErr: ErrCorruptTable,
		},
		{
			name: "zero banks",
			mangle: func(f afero.File) {
				b := make([]byte, 4)
				f.WriteAt(b, TableOffset+8)
			},
			wantErr: ErrBankCount,
		},
		{
			name: "too many banks",
			mangle: func(f afero.File) {
				b := make([]byte, 4)
				binary.BigEndian.PutUint32(b, MaxBankCount+1)
				f.WriteAt(b, TableOffset+8)
			},
			wantErr: ErrBankCount,
		},
		{
			name: "torn entry write",
			mangle: func(f afero.File) {
				b := make([]byte, 4)
				binary.BigEndian.PutUint32(b, uint32(TypeGCN))
				f.WriteAt(b, TableOffset+EntrySize*3)
			},
			wantErr: ErrChecksum,
		},
		{
			name: "unknown type without checksum",
			mangle: func(f afero.File) {
				f.WriteAt(make([]byte, 4), TableOffset+0x1e0)
				f.WriteAt([]byte("ABCD"), TableOffset+EntrySize)
			},
			wantErr: ErrBadType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newImage(t)
			table, _ := New(DefaultBankCount)
			if err := table.Write(f); err != nil {
				t.Fatal(err)
			}
			if tt.mangle != nil {
				tt.mangle(f)
			}

			_, err := Read(f)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Read() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReadHardwareTable(t *testing.T) {
	f := newImage(t)
	table, _ := New(DefaultBankCount)
	table.Entries[2] = Entry{Type: TypeWiiSL, LBAStart: DefaultGeometry.BankLBA(2), LBALen: 0x1000}
	if err := table.Write(f); err != nil {
		t.Fatal(err)
	}

	// Tables written by the hardware carry no checksum
	f.WriteAt(make([]byte, 24), TableOffset+0x1e0)

	got, err := Read(f)
	if err != nil {
		t.Fatal(err)
	}
	if got.Checksummed {
		t.Error("Checksummed = true, want false")
	}
	if got.Entries[2].Type != TypeWiiSL {
		t.Errorf("bank 2 type = %v, want %v", got.Entries[2].Type, TypeWiiSL)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		count   int
		wantErr bool
	}{
		{7, true},
		{8, false},
		{32, false},
		{33, true},
	}
	for _, tt := range tests {
		if _, err := New(tt.count); (err != nil) != tt.wantErr {
			t.Errorf("New(%d) error = %v, wantErr %v", tt.count, err, tt.wantErr)
		}
	}
}

func TestClone(t *testing.T) {
	table, _ := New(DefaultBankCount)
	c := table.Clone()
	c.Entries[0].Type = TypeGCN
	if table.Entries[0].Type != TypeEmpty {
		t.Error("Clone() shares entries with the original")
	}
}
