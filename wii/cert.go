package wii

import (
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
)

// Public key types.
const (
	KeyRSA4096 uint32 = 0
	KeyRSA2048 uint32 = 1
	KeyECC     uint32 = 2
)

// Certificate is a single certificate from a chain.
type Certificate struct {
	Issuer    string
	Name      string
	KeyType   uint32
	PublicKey *rsa.PublicKey

	raw []byte
}

// Chain is a certificate chain as stored in a partition.
type Chain []Certificate

func keyLength(t uint32) (int, bool) {
	switch t {
	case KeyRSA4096:
		return 0x200 + 4 + 0x34, true
	case KeyRSA2048:
		return 0x100 + 4 + 0x34, true
	case KeyECC:
		return 0x3c + 0x3c, true
	}
	return 0, false
}

// ParseChain parses the concatenated certificates in b. Trailing zero
// padding is ignored.
func ParseChain(b []byte) (Chain, error) {
	var c Chain
	for len(b) >= 4 && binary.BigEndian.Uint32(b) != 0 {
		start, ok := bodyOffset(binary.BigEndian.Uint32(b))
		if !ok {
			return nil, fmt.Errorf("wii: bad certificate signature type 0x%08x", binary.BigEndian.Uint32(b))
		}
		if len(b) < start+issuerSize+4+0x40+4 {
			return nil, fmt.Errorf("wii: truncated certificate")
		}

		body := b[start:]
		cert := Certificate{
			Issuer:  cstring(body[:issuerSize]),
			KeyType: binary.BigEndian.Uint32(body[issuerSize:]),
			Name:    cstring(body[issuerSize+4 : issuerSize+4+0x40]),
		}

		key := start + issuerSize + 4 + 0x40 + 4
		n, ok := keyLength(cert.KeyType)
		if !ok {
			return nil, fmt.Errorf("wii: bad certificate key type %d", cert.KeyType)
		}
		if len(b) < key+n {
			return nil, fmt.Errorf("wii: truncated certificate")
		}

		if cert.KeyType != KeyECC {
			m := n - 4 - 0x34
			cert.PublicKey = &rsa.PublicKey{
				N: new(big.Int).SetBytes(b[key : key+m]),
				E: int(binary.BigEndian.Uint32(b[key+m:])),
			}
		}

		cert.raw = b[: key+n : key+n]
		c = append(c, cert)
		b = b[key+n:]
	}
	return c, nil
}

// Lookup finds the certificate for issuer, which is of the form
// "Root-CA00000001-XS00000003": the last component names the certificate
// and the rest is the certificate's own issuer.
func (c Chain) Lookup(issuer string) (*Certificate, bool) {
	i := strings.LastIndexByte(issuer, '-')
	if i < 0 {
		return nil, false
	}
	for j := range c {
		if c[j].Name == issuer[i+1:] && c[j].Issuer == issuer[:i] {
			return &c[j], true
		}
	}
	return nil, false
}
