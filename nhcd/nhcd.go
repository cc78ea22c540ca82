/*
Package nhcd implements the bank table found on RVT-H Reader hard disk
images. The table lives at a fixed sector and describes a fixed number of
equally sized banks, each of which can hold a GameCube or Wii disc image, or
one half of a dual-layer Wii disc image.
*/
package nhcd

import "errors"

const (
	// SectorSize is the size of an LBA on the RVT-H hard disk.
	SectorSize = 512
	// TableLBA is the sector holding the bank table header.
	TableLBA = 0x300
	// TableOffset is the byte offset of the bank table header.
	TableOffset int64 = TableLBA * SectorSize
	// EntrySize is the size of the header and of each bank entry record.
	EntrySize = 512
	// MinBankCount and MaxBankCount bound the bank count field.
	MinBankCount = 8
	MaxBankCount = 32
	// DefaultBankCount is what the hardware ships with.
	DefaultBankCount = 8
	// FirstBankLBA is where bank 0 starts on a stock image.
	FirstBankLBA uint32 = 0x600
	// BankSizeLBA is the length of a single bank, in sectors.
	BankSizeLBA uint32 = 0x8c4a00

	magic       = "NHCD"
	checksumTag = "SHA1"
	x004        = 1
	x010        = 0x002ff000
)

// BankType is the type field of a bank entry record.
type BankType uint32

// Bank types as stored on disk.
const (
	TypeEmpty  BankType = 0
	TypeGCN    BankType = 0x4743314c // "GC1L"
	TypeWiiSL  BankType = 0x4e4e314c // "NN1L"
	TypeWiiDL  BankType = 0x4e4e324c // "NN2L"
	incomplete byte     = 1 << 0
)

func (t BankType) String() string {
	switch t {
	case TypeEmpty:
		return "empty"
	case TypeGCN:
		return "GC1L"
	case TypeWiiSL:
		return "NN1L"
	case TypeWiiDL:
		return "NN2L"
	}
	return "unknown"
}

var (
	// ErrCorruptTable is returned if the header does not start with the "NHCD" magic.
	ErrCorruptTable = errors.New("nhcd: bad magic")
	// ErrBankCount is returned if the bank count is outside of the supported range.
	ErrBankCount = errors.New("nhcd: invalid bank count")
	// ErrChecksum is returned if the entry records do not match the checksum
	// stored in the header, which means a table write was torn.
	ErrChecksum = errors.New("nhcd: bad table checksum")
	// ErrBadType is returned if an entry record has an unrecognised type.
	ErrBadType = errors.New("nhcd: bad bank type")
)

// The header and entries are read and written with encoding/binary so
// every field is big-endian and there's no padding.
type header struct {
	Magic     [4]byte
	X004      uint32
	BankCount uint32
	_         uint32
	X010      uint32
	_         [0x1cc]byte
	Tag       [4]byte
	Checksum  [20]byte
	_         [8]byte
}

type entry struct {
	Type     uint32
	AllZero  [14]byte
	Date     [8]byte
	Time     [6]byte
	LBAStart uint32
	LBALen   uint32
	Flags    byte
	_        [471]byte
}

// Geometry describes where banks live on the image.
type Geometry struct {
	FirstBankLBA uint32
	BankSizeLBA  uint32
}

// DefaultGeometry is the geometry of the RVT-H Reader hard disk.
var DefaultGeometry = Geometry{
	FirstBankLBA: FirstBankLBA,
	BankSizeLBA:  BankSizeLBA,
}

// BankSize returns the size of a single bank in bytes.
func (g Geometry) BankSize() int64 {
	return int64(g.BankSizeLBA) * SectorSize
}

// BankLBA returns the starting sector of bank i.
func (g Geometry) BankLBA(i int) uint32 {
	return g.FirstBankLBA + uint32(i)*g.BankSizeLBA
}

// BankOffset returns the byte offset of bank i.
func (g Geometry) BankOffset(i int) int64 {
	return int64(g.BankLBA(i)) * SectorSize
}
