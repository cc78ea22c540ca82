/*
Package wii implements the parts of the GameCube and Wii disc formats needed
to describe a disc image held in an RVT-H bank, classify the signatures on its
ticket and TMD, and move it between key sets.

All offsets are relative to the start of the disc image, callers wrap a bank
in an io.SectionReader.
*/
package wii

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	wiiMagic uint32 = 0x5d1c9ea3
	gcnMagic uint32 = 0xc2339f3d

	wiiRegionOffset int64 = 0x4e000
	gcnRegionOffset int64 = 0x458

	// ClusterSize is the size of an encrypted Wii partition cluster.
	ClusterSize int64 = 0x8000
	clusterData int64 = 0x400
)

var (
	// ErrUnrecognized is returned if an image has neither the GameCube nor the Wii magic.
	ErrUnrecognized = errors.New("wii: unrecognized disc image")
	// ErrNotWii is returned for Wii-only operations on a GameCube image.
	ErrNotWii = errors.New("wii: not a Wii disc image")
)

// Region is the region code of a disc.
type Region uint32

// Known regions.
const (
	RegionJapan Region = iota
	RegionUSA
	RegionEurope
	RegionFree
	RegionKorea
	RegionChina
	RegionUnknown Region = 0xffffffff
)

func (r Region) String() string {
	switch r {
	case RegionJapan:
		return "JPN"
	case RegionUSA:
		return "USA"
	case RegionEurope:
		return "EUR"
	case RegionFree:
		return "ALL"
	case RegionKorea:
		return "KOR"
	case RegionChina:
		return "CHN"
	}
	return "unknown"
}

// Header is the disc header found at the start of every image.
type Header struct {
	GameID            string
	Title             string
	DiscNumber        uint8
	Revision          uint8
	Region            Region
	wii               bool
	disableEncryption bool
}

// ReadHeader reads the disc header of the image in r.
func ReadHeader(r io.ReaderAt) (*Header, error) {
	dh := struct {
		GameID            [6]byte
		DiscNumber        uint8
		Revision          uint8
		AudioStreaming    uint8
		StreamBufSize     uint8
		_                 [14]byte
		WiiMagic          uint32
		GCNMagic          uint32
		Title             [64]byte
		DisableHashes     uint8
		DisableEncryption uint8
		_                 [30]byte
	}{}
	if err := binary.Read(io.NewSectionReader(r, 0, 0x80), binary.BigEndian, &dh); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrUnrecognized
		}
		return nil, err
	}

	h := &Header{
		GameID:     cstring(dh.GameID[:]),
		Title:      cstring(dh.Title[:]),
		DiscNumber: dh.DiscNumber,
		Revision:   dh.Revision,
		Region:     RegionUnknown,
	}

	var off int64
	switch {
	case dh.WiiMagic == wiiMagic:
		h.wii = true
		h.disableEncryption = dh.DisableEncryption != 0
		off = wiiRegionOffset
	case dh.GCNMagic == gcnMagic:
		off = gcnRegionOffset
	default:
		return nil, ErrUnrecognized
	}

	var region uint32
	if err := binary.Read(io.NewSectionReader(r, off, 4), binary.BigEndian, &region); err == nil {
		h.Region = Region(region)
	}

	return h, nil
}

// IsWii reports whether the image is a Wii disc.
func (h *Header) IsWii() bool {
	return h.wii
}

// IsGameCube reports whether the image is a GameCube disc.
func (h *Header) IsGameCube() bool {
	return !h.wii
}

// Encrypted reports whether the partitions of a Wii disc are encrypted.
func (h *Header) Encrypted() bool {
	return h.wii && !h.disableEncryption
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func putCString(b []byte, s string) {
	for i := range b {
		b[i] = 0
	}
	copy(b[:len(b)-1], s)
}
