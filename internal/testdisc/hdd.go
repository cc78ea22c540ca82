package testdisc

import (
	"github.com/bodgit/rvth/nhcd"
	"github.com/spf13/afero"
)

// Geometry is a scaled down geometry with 1 MiB banks.
var Geometry = nhcd.Geometry{
	FirstBankLBA: nhcd.FirstBankLBA,
	BankSizeLBA:  0x800,
}

// Bank is the content of a single bank.
type Bank struct {
	Data []byte
	// Type is written to the table. It is left empty for deleted banks.
	Type nhcd.BankType
	// LBALen overrides the length derived from Data.
	LBALen uint32
}

// HDD writes an RVT-H image with count banks to name on fs.
func HDD(fs afero.Fs, name string, g nhcd.Geometry, count int, banks map[int]Bank) error {
	f, err := fs.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()

	if err = f.Truncate(g.BankOffset(count)); err != nil {
		return err
	}

	t, err := nhcd.New(count)
	if err != nil {
		return err
	}

	for i, b := range banks {
		if _, err = f.WriteAt(b.Data, g.BankOffset(i)); err != nil {
			return err
		}
		lbaLen := b.LBALen
		if lbaLen == 0 {
			lbaLen = uint32((len(b.Data) + nhcd.SectorSize - 1) / nhcd.SectorSize)
		}
		t.Entries[i] = nhcd.Entry{
			Type:     b.Type,
			LBAStart: g.BankLBA(i),
			LBALen:   lbaLen,
		}
		if b.Type != nhcd.TypeEmpty {
			t.Stamp(i)
		}
	}

	return t.Write(f)
}
