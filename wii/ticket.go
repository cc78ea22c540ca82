package wii

import "encoding/binary"

const (
	// TicketSize is the size of a Wii ticket.
	TicketSize = 0x2a4

	issuerOffset = 0x140
	issuerSize   = 0x40

	ticketTitleKey   = 0x1bf
	ticketTitleID    = 0x1dc
	ticketCommonKey  = 0x1f1
	ticketFakesignAt = 0x262

	tmdHeaderSize   = 0x1e4
	tmdSysVersion   = 0x184
	tmdTitleID      = 0x18c
	tmdContentCount = 0x1de
	tmdFakesignAt   = 0x1e2
)

// Ticket is a raw Wii ticket. Methods modify it in place.
type Ticket []byte

// Issuer returns the signature issuer.
func (t Ticket) Issuer() string {
	return cstring(t[issuerOffset : issuerOffset+issuerSize])
}

// SetIssuer sets the signature issuer.
func (t Ticket) SetIssuer(s string) {
	putCString(t[issuerOffset:issuerOffset+issuerSize], s)
}

// TitleKey returns a copy of the encrypted title key.
func (t Ticket) TitleKey() []byte {
	k := make([]byte, keySize)
	copy(k, t[ticketTitleKey:])
	return k
}

// SetTitleKey sets the encrypted title key.
func (t Ticket) SetTitleKey(k []byte) {
	copy(t[ticketTitleKey:ticketTitleKey+keySize], k)
}

// TitleID returns the title ID the ticket is for.
func (t Ticket) TitleID() uint64 {
	return binary.BigEndian.Uint64(t[ticketTitleID:])
}

// CommonKeyIndex returns which common key encrypts the title key.
func (t Ticket) CommonKeyIndex() byte {
	return t[ticketCommonKey]
}

// SetCommonKeyIndex sets which common key encrypts the title key.
func (t Ticket) SetCommonKeyIndex(i byte) {
	t[ticketCommonKey] = i
}

// Fakesign zeroes the signature and brute-forces the padding field until the
// SHA-1 of the signed body starts with a zero byte.
func (t Ticket) Fakesign() error {
	return Fakesign(t, ticketFakesignAt)
}

// TMD is raw Wii title metadata. Methods modify it in place.
type TMD []byte

// Issuer returns the signature issuer.
func (t TMD) Issuer() string {
	return cstring(t[issuerOffset : issuerOffset+issuerSize])
}

// SetIssuer sets the signature issuer.
func (t TMD) SetIssuer(s string) {
	putCString(t[issuerOffset:issuerOffset+issuerSize], s)
}

// SystemVersion returns the title ID of the IOS the game requires.
func (t TMD) SystemVersion() uint64 {
	return binary.BigEndian.Uint64(t[tmdSysVersion:])
}

// TitleID returns the title ID.
func (t TMD) TitleID() uint64 {
	return binary.BigEndian.Uint64(t[tmdTitleID:])
}

// ContentCount returns the number of content records.
func (t TMD) ContentCount() uint16 {
	return binary.BigEndian.Uint16(t[tmdContentCount:])
}

// Fakesign zeroes the signature and brute-forces the padding field until the
// SHA-1 of the signed body starts with a zero byte.
func (t TMD) Fakesign() error {
	return Fakesign(t, tmdFakesignAt)
}
