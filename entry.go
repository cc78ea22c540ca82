package rvth

import (
	"io"
	"time"

	"github.com/bodgit/rvth/nhcd"
	"github.com/bodgit/rvth/wii"
)

// Status is the state of a bank.
type Status int

// Bank states.
const (
	StatusEmpty Status = iota
	StatusOccupied
	StatusDeleted
	// StatusSecondBank is the second half of a dual-layer image.
	StatusSecondBank
	// StatusIncomplete is an import that failed or was cancelled part way.
	StatusIncomplete
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusOccupied:
		return "occupied"
	case StatusDeleted:
		return "deleted"
	case StatusSecondBank:
		return "second bank"
	case StatusIncomplete:
		return "incomplete"
	}
	return "unknown"
}

// DiscType is the type of disc held in a bank.
type DiscType int

// Disc types.
const (
	DiscUnknown DiscType = iota
	DiscGameCube
	DiscWiiSingleLayer
	DiscWiiDualLayer
	DiscWiiDualLayerBank2
)

func (d DiscType) String() string {
	switch d {
	case DiscGameCube:
		return "GameCube"
	case DiscWiiSingleLayer:
		return "Wii (single layer)"
	case DiscWiiDualLayer:
		return "Wii (dual layer)"
	case DiscWiiDualLayerBank2:
		return "Wii (dual layer, bank 2)"
	}
	return "unknown"
}

func discTypeOf(t nhcd.BankType) DiscType {
	switch t {
	case nhcd.TypeGCN:
		return DiscGameCube
	case nhcd.TypeWiiSL:
		return DiscWiiSingleLayer
	case nhcd.TypeWiiDL:
		return DiscWiiDualLayer
	}
	return DiscUnknown
}

func (d DiscType) bankType() nhcd.BankType {
	switch d {
	case DiscGameCube:
		return nhcd.TypeGCN
	case DiscWiiSingleLayer:
		return nhcd.TypeWiiSL
	case DiscWiiDualLayer:
		return nhcd.TypeWiiDL
	}
	return nhcd.TypeEmpty
}

// BankEntry describes a single bank. It is a copy, changes to the image are
// not reflected in it.
type BankEntry struct {
	Index    int
	Status   Status
	DiscType DiscType

	GameID     string
	Title      string
	DiscNumber uint8
	Revision   uint8
	Region     wii.Region
	// SystemVersion is the IOS title ID from the TMD.
	SystemVersion uint64

	KeySet       wii.KeySet
	TicketStatus wii.SignatureStatus
	TMDStatus    wii.SignatureStatus

	// Offset is the byte offset of the bank within the image.
	Offset int64
	// Size is the length of the disc image held in the bank.
	Size int64
	// Capacity is the size of the bank, or both banks for a dual-layer
	// image.
	Capacity int64

	Timestamp time.Time
}

func (e BankEntry) hasData() bool {
	switch e.Status {
	case StatusOccupied, StatusDeleted, StatusIncomplete:
		return true
	}
	return false
}

// free reports whether bank i can be imported into without overwriting
// anything. The second bank of a deleted dual-layer image counts as free.
func free(entries []BankEntry, i int) bool {
	switch entries[i].Status {
	case StatusEmpty, StatusDeleted:
		return true
	case StatusSecondBank:
		return i > 0 && entries[i-1].Status == StatusDeleted
	}
	return false
}

func (img *Image) bankOffset(i int, te nhcd.Entry) int64 {
	switch {
	case img.standalone:
		return 0
	case te.LBAStart != 0:
		return int64(te.LBAStart) * nhcd.SectorSize
	}
	return img.geometry.BankOffset(i)
}

func (img *Image) bank(off, size int64) *io.SectionReader {
	return io.NewSectionReader(img.f, off, size)
}

// scan builds the bank entries from the table, reading the disc header of
// every bank that holds data.
func (img *Image) scan(t *nhcd.Table) []BankEntry {
	bankSize := img.geometry.BankSize()
	entries := make([]BankEntry, len(t.Entries))

	for i, te := range t.Entries {
		e := BankEntry{
			Index:     i,
			Offset:    img.bankOffset(i, te),
			Size:      int64(te.LBALen) * nhcd.SectorSize,
			Capacity:  bankSize,
			Timestamp: te.Timestamp,
		}

		if te.Type != nhcd.TypeEmpty {
			e.Status = StatusOccupied
			if te.Incomplete {
				e.Status = StatusIncomplete
			}
			e.DiscType = discTypeOf(te.Type)
		} else {
			h, err := wii.ReadHeader(img.bank(e.Offset, bankSize))

			var prev *BankEntry
			if i > 0 {
				prev = &entries[i-1]
			}

			switch {
			case prev != nil && prev.DiscType == DiscWiiDualLayer && (prev.Status != StatusDeleted || err != nil):
				e.Status = StatusSecondBank
				e.DiscType = DiscWiiDualLayerBank2
				e.Size = 0
				e.Timestamp = time.Time{}
			case err == nil && te.LBALen != 0:
				e.Status = StatusDeleted
				switch {
				case h.IsGameCube():
					e.DiscType = DiscGameCube
				case te.LBALen > img.geometry.BankSizeLBA:
					e.DiscType = DiscWiiDualLayer
				default:
					e.DiscType = DiscWiiSingleLayer
				}
			default:
				e.Size = 0
			}
		}

		if e.DiscType == DiscWiiDualLayer {
			e.Capacity *= 2
		}
		if img.standalone {
			e.Capacity = img.size
		}

		if e.hasData() {
			img.describe(&e)
		}

		entries[i] = e
	}

	return entries
}

// describe fills in the disc metadata and signature status of e.
func (img *Image) describe(e *BankEntry) {
	log := img.log.WithField("bank", e.Index)

	r := img.bank(e.Offset, e.Capacity)
	h, err := wii.ReadHeader(r)
	if err != nil {
		log.WithError(err).Debug("unable to read disc header")
		return
	}

	e.GameID = h.GameID
	e.Title = h.Title
	e.DiscNumber = h.DiscNumber
	e.Revision = h.Revision
	e.Region = h.Region

	if h.IsGameCube() {
		return
	}

	p, err := wii.GamePartition(r)
	if err != nil {
		log.WithError(err).Debug("unable to read game partition")
		return
	}

	e.SystemVersion = p.TMD.SystemVersion()
	if h.Encrypted() {
		e.KeySet = wii.KeySetOf(p.Ticket)
	}
	e.TicketStatus, e.TMDStatus = img.auth.Classify(p.Ticket, p.TMD, p.Chain)
}
