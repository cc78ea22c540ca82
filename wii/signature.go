package wii

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"errors"
)

// Signature types.
const (
	SigRSA4096 uint32 = 0x10000
	SigRSA2048 uint32 = 0x10001
	SigECC     uint32 = 0x10002
)

// SignatureStatus is the result of classifying a ticket or TMD signature.
type SignatureStatus int

// Signature statuses.
const (
	StatusUnknown SignatureStatus = iota
	Realsigned
	Fakesigned
	Invalid
	UnknownIssuer
)

func (s SignatureStatus) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case Realsigned:
		return "realsigned"
	case Fakesigned:
		return "fakesigned"
	case Invalid:
		return "invalid"
	case UnknownIssuer:
		return "unknown issuer"
	}
	return "unknown"
}

var (
	// ErrInvalidSignature is returned if a signature does not verify.
	ErrInvalidSignature = errors.New("wii: invalid signature")
	// ErrUnknownIssuer is returned if the issuer is not one of the recognized ones.
	ErrUnknownIssuer = errors.New("wii: unknown issuer")
	// ErrFakesign is returned if no padding value produces a fakesigned hash.
	ErrFakesign = errors.New("wii: unable to fakesign")
	errSigType  = errors.New("wii: bad signature type")
)

const maxChainDepth = 4

// bodyOffset returns where the signed body starts for a signature type.
func bodyOffset(t uint32) (int, bool) {
	switch t {
	case SigRSA4096:
		return 4 + 0x200 + 0x3c, true
	case SigRSA2048:
		return 4 + 0x100 + 0x3c, true
	case SigECC:
		return 4 + 0x3c + 0x40, true
	}
	return 0, false
}

func split(b []byte) (sig, body []byte, err error) {
	if len(b) < 4 {
		return nil, nil, errSigType
	}
	start, ok := bodyOffset(binary.BigEndian.Uint32(b))
	if !ok || len(b) <= start {
		return nil, nil, errSigType
	}
	end := start - 0x3c
	if binary.BigEndian.Uint32(b) == SigECC {
		end = start - 0x40
	}
	return b[4:end], b[start:], nil
}

func fakesigned(b []byte) bool {
	sig, body, err := split(b)
	if err != nil {
		return false
	}
	for _, x := range sig {
		if x != 0 {
			return false
		}
	}
	h := sha1.Sum(body)
	return h[0] == 0
}

// Fakesign zeroes the signature of the blob in b and then tries every value
// of the 16-bit field at offset at until the SHA-1 of the signed body starts
// with a zero byte, which is all the strncmp-based check in older IOS looks at.
func Fakesign(b []byte, at int) error {
	sig, body, err := split(b)
	if err != nil {
		return err
	}
	for i := range sig {
		sig[i] = 0
	}
	for fill := 0; fill <= 0xffff; fill++ {
		binary.BigEndian.PutUint16(b[at:], uint16(fill))
		if h := sha1.Sum(body); h[0] == 0 {
			return nil
		}
	}
	return ErrFakesign
}

// Sign signs the blob in b with key using RSA PKCS #1 v1.5 over SHA-1.
func Sign(b []byte, key *rsa.PrivateKey) error {
	sig, body, err := split(b)
	if err != nil {
		return err
	}
	if key.Size() != len(sig) {
		return errSigType
	}
	h := sha1.Sum(body)
	s, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, h[:])
	if err != nil {
		return err
	}
	copy(sig, s)
	return nil
}

func verify(b []byte, key *rsa.PublicKey) bool {
	if key == nil {
		return false
	}
	sig, body, err := split(b)
	if err != nil {
		return false
	}
	h := sha1.Sum(body)
	return rsa.VerifyPKCS1v15(key, crypto.SHA1, h[:], sig) == nil
}
