package wii

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	partitionTableOffset int64 = 0x40000
	partitionHeaderSize        = 0x2c0
	maxPartitions              = 64
)

// Partition types.
const (
	PartitionData    uint32 = 0
	PartitionUpdate  uint32 = 1
	PartitionChannel uint32 = 2
)

// ErrNoGamePartition is returned if a Wii disc has no data partition.
var ErrNoGamePartition = errors.New("wii: no game partition")

// PartitionEntry is an entry in the partition table.
type PartitionEntry struct {
	Offset int64
	Type   uint32
}

// Partition is a parsed partition header.
type Partition struct {
	Offset     int64
	Type       uint32
	Ticket     Ticket
	TMD        TMD
	TMDOffset  int64
	CertOffset int64
	CertSize   int64
	Chain      Chain
	DataOffset int64
	DataSize   int64

	// raw covers the ticket, TMD and certificate chain
	raw []byte
}

// ReadPartitions reads all four partition tables.
func ReadPartitions(r io.ReaderAt) ([]PartitionEntry, error) {
	groups := [4]struct {
		Count  uint32
		Offset uint32
	}{}
	if err := binary.Read(io.NewSectionReader(r, partitionTableOffset, 0x20), binary.BigEndian, &groups); err != nil {
		return nil, err
	}

	var entries []PartitionEntry
	for _, g := range groups {
		if g.Count == 0 {
			continue
		}
		if g.Count > maxPartitions {
			return nil, fmt.Errorf("wii: too many partitions: %d", g.Count)
		}

		pe := make([]struct {
			Offset uint32
			Type   uint32
		}, g.Count)
		if err := binary.Read(io.NewSectionReader(r, int64(g.Offset)<<2, int64(g.Count)*8), binary.BigEndian, &pe); err != nil {
			return nil, err
		}
		for _, e := range pe {
			entries = append(entries, PartitionEntry{
				Offset: int64(e.Offset) << 2,
				Type:   e.Type,
			})
		}
	}

	return entries, nil
}

// ReadPartition reads the partition header at off.
func ReadPartition(r io.ReaderAt, off int64) (*Partition, error) {
	ph := struct {
		TMDSize    uint32
		TMDOffset  uint32
		CertSize   uint32
		CertOffset uint32
		H3Offset   uint32
		DataOffset uint32
		DataSize   uint32
	}{}
	if err := binary.Read(io.NewSectionReader(r, off+TicketSize, 0x1c), binary.BigEndian, &ph); err != nil {
		return nil, fmt.Errorf("wii: failed to read partition header: %w", err)
	}

	p := &Partition{
		Offset:     off,
		TMDOffset:  int64(ph.TMDOffset) << 2,
		CertOffset: int64(ph.CertOffset) << 2,
		CertSize:   int64(ph.CertSize),
		DataOffset: int64(ph.DataOffset) << 2,
		DataSize:   int64(ph.DataSize) << 2,
	}

	tmdEnd := p.TMDOffset + int64(ph.TMDSize)
	certEnd := p.CertOffset + p.CertSize
	if ph.TMDSize < tmdHeaderSize || p.TMDOffset < partitionHeaderSize || p.CertOffset < partitionHeaderSize {
		return nil, errors.New("wii: bad partition header")
	}

	end := tmdEnd
	if certEnd > end {
		end = certEnd
	}
	if end > p.DataOffset || end > ClusterSize {
		return nil, errors.New("wii: partition header overlaps data")
	}

	p.raw = make([]byte, end)
	if _, err := r.ReadAt(p.raw, off); err != nil {
		return nil, err
	}

	p.Ticket = Ticket(p.raw[:TicketSize:TicketSize])
	p.TMD = TMD(p.raw[p.TMDOffset:tmdEnd:tmdEnd])

	var err error
	if p.Chain, err = ParseChain(p.raw[p.CertOffset:certEnd]); err != nil {
		return nil, err
	}

	return p, nil
}

// GamePartition returns the first data partition of the disc.
func GamePartition(r io.ReaderAt) (*Partition, error) {
	entries, err := ReadPartitions(r)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Type != PartitionData {
			continue
		}
		p, err := ReadPartition(r, e.Offset)
		if err != nil {
			return nil, err
		}
		p.Type = e.Type
		return p, nil
	}
	return nil, ErrNoGamePartition
}

// Raw returns a copy of the partition header region covering the ticket,
// TMD and certificate chain.
func (p *Partition) Raw() []byte {
	b := make([]byte, len(p.raw))
	copy(b, p.raw)
	return b
}
