// Package testdisc builds small synthetic GameCube and Wii disc images, the
// keys to go with them and RVT-H hard disk images holding them.
package testdisc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"sync"

	"github.com/bodgit/rvth/wii"
)

const (
	// TitleID is used for every Wii image.
	TitleID uint64 = 0x0001000052565454
	// SystemVersion is IOS36.
	SystemVersion uint64 = 0x0000000100000024

	partitionOffset = 0x50000
	tmdOffset       = 0x2c0
	tmdSize         = 0x1e4 + 0x24
	certOffset      = 0x4e0
	certSize        = 3 * certLen
	dataOffset      = 0x20000
	certLen         = 0x300

	// MinWiiSize is the size of the smallest image Wii returns.
	MinWiiSize = partitionOffset + dataOffset + 0x8000
)

var (
	// TitleKey is the plaintext title key of every Wii image.
	TitleKey = []byte{0x52, 0x56, 0x54, 0x2d, 0x48, 0x20, 0x74, 0x69, 0x74, 0x6c, 0x65, 0x20, 0x6b, 0x65, 0x79, 0x21}

	commonKeys = map[wii.KeySet][]byte{
		wii.KeySetRetail: {0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef, 0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef},
		wii.KeySetKorean: {0xfe, 0xdc, 0xba, 0x98, 0x76, 0x54, 0x32, 0x10, 0xfe, 0xdc, 0xba, 0x98, 0x76, 0x54, 0x32, 0x10},
		wii.KeySetDebug:  {0xa1, 0xb2, 0xc3, 0xd4, 0xe5, 0xf6, 0x07, 0x18, 0x29, 0x3a, 0x4b, 0x5c, 0x6d, 0x7e, 0x8f, 0x90},
	}

	once   sync.Once
	root   *rsa.PrivateKey
	signer *rsa.PrivateKey
)

func keys() (*rsa.PrivateKey, *rsa.PrivateKey) {
	once.Do(func() {
		var err error
		if root, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if signer, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return root, signer
}

// RootKey returns the key that signs the CA certificates.
func RootKey() *rsa.PrivateKey {
	r, _ := keys()
	return r
}

// SignerKey returns the key used for every CA, XS and CP certificate.
func SignerKey() *rsa.PrivateKey {
	_, s := keys()
	return s
}

// CommonKey returns the common key used for k.
func CommonKey(k wii.KeySet) []byte {
	return commonKeys[k]
}

// KeyStore returns a key store with every common key, the debug signers,
// chains for every key set and the root key.
func KeyStore() *wii.KeyStore {
	r, s := keys()
	ks := wii.NewKeyStore()
	for k, v := range commonKeys {
		ks.CommonKeys[k] = v
		ks.Chains[k] = Chain(k)
	}
	ks.Signers["Root-CA00000002-XS00000006"] = s
	ks.Signers["Root-CA00000002-CP00000007"] = s
	ks.Root = &r.PublicKey
	return ks
}

func putString(b []byte, s string) {
	copy(b, s)
}

// Certificate builds an RSA-2048 certificate signed by key.
func Certificate(issuer, name string, pub *rsa.PublicKey, key *rsa.PrivateKey) []byte {
	b := make([]byte, certLen)
	binary.BigEndian.PutUint32(b, wii.SigRSA2048)
	putString(b[0x140:0x180], issuer)
	binary.BigEndian.PutUint32(b[0x180:], wii.KeyRSA2048)
	putString(b[0x184:0x1c4], name)
	pub.N.FillBytes(b[0x1c8:0x2c8])
	binary.BigEndian.PutUint32(b[0x2c8:], uint32(pub.E))
	if err := wii.Sign(b, key); err != nil {
		panic(err)
	}
	return b
}

// Chain returns a CA, XS and CP certificate chain for k.
func Chain(k wii.KeySet) []byte {
	r, s := keys()
	ca, xs, cp := "CA00000001", "XS00000003", "CP00000004"
	if k == wii.KeySetDebug {
		ca, xs, cp = "CA00000002", "XS00000006", "CP00000007"
	}
	var b []byte
	b = append(b, Certificate("Root", ca, &s.PublicKey, r)...)
	b = append(b, Certificate("Root-"+ca, xs, &s.PublicKey, s)...)
	b = append(b, Certificate("Root-"+ca, cp, &s.PublicKey, s)...)
	return b
}

// GameCube returns a GameCube image of size bytes.
func GameCube(gameID string, size int64) []byte {
	b := make([]byte, size)
	putString(b, gameID)
	putString(b[0x20:0x60], "RVT-H Test Disc")
	binary.BigEndian.PutUint32(b[0x1c:], 0xc2339f3d)
	binary.BigEndian.PutUint32(b[0x458:], uint32(wii.RegionUSA))
	return b
}

// Wii describes a Wii image.
type Wii struct {
	GameID string
	// KeySet selects the common key and issuers. KeySetNone builds an
	// unencrypted image.
	KeySet wii.KeySet
	// Signature selects Realsigned or Fakesigned signatures, anything else
	// leaves garbage in the signature.
	Signature wii.SignatureStatus
	Region    wii.Region
	// Size is padded up to MinWiiSize.
	Size int64
}

// Bytes builds the image.
func (w Wii) Bytes() []byte {
	size := w.Size
	if size < MinWiiSize {
		size = MinWiiSize
	}
	b := make([]byte, size)

	putString(b, w.GameID)
	putString(b[0x20:0x60], "RVT-H Test Disc")
	binary.BigEndian.PutUint32(b[0x18:], 0x5d1c9ea3)
	binary.BigEndian.PutUint32(b[0x4e000:], uint32(w.Region))

	// One partition table group with a single data partition
	binary.BigEndian.PutUint32(b[0x40000:], 1)
	binary.BigEndian.PutUint32(b[0x40004:], 0x40020>>2)
	binary.BigEndian.PutUint32(b[0x40020:], partitionOffset>>2)
	binary.BigEndian.PutUint32(b[0x40024:], wii.PartitionData)

	p := b[partitionOffset:]
	binary.BigEndian.PutUint32(p[0x2a4:], tmdSize)
	binary.BigEndian.PutUint32(p[0x2a8:], tmdOffset>>2)
	binary.BigEndian.PutUint32(p[0x2ac:], certSize)
	binary.BigEndian.PutUint32(p[0x2b0:], certOffset>>2)
	binary.BigEndian.PutUint32(p[0x2b4:], 0x8000>>2)
	binary.BigEndian.PutUint32(p[0x2b8:], dataOffset>>2)
	binary.BigEndian.PutUint32(p[0x2bc:], 0x8000>>2)

	k := w.KeySet
	if k == wii.KeySetNone {
		b[0x61] = 1
		k = wii.KeySetRetail
	}

	ticket := wii.Ticket(p[:wii.TicketSize])
	binary.BigEndian.PutUint32(ticket, wii.SigRSA2048)
	binary.BigEndian.PutUint64(ticket[0x1dc:], TitleID)
	tmd := wii.TMD(p[tmdOffset : tmdOffset+tmdSize])
	binary.BigEndian.PutUint32(tmd, wii.SigRSA2048)
	binary.BigEndian.PutUint64(tmd[0x184:], SystemVersion)
	binary.BigEndian.PutUint64(tmd[0x18c:], TitleID)
	binary.BigEndian.PutUint16(tmd[0x1de:], 1)

	if k == wii.KeySetDebug {
		ticket.SetIssuer("Root-CA00000002-XS00000006")
		tmd.SetIssuer("Root-CA00000002-CP00000007")
	} else {
		ticket.SetIssuer("Root-CA00000001-XS00000003")
		tmd.SetIssuer("Root-CA00000001-CP00000004")
	}
	if k == wii.KeySetKorean {
		ticket.SetCommonKeyIndex(1)
	}
	copy(p[certOffset:], Chain(k))

	block, _ := aes.NewCipher(commonKeys[k])
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv, TitleID)
	key := make([]byte, len(TitleKey))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(key, TitleKey)
	ticket.SetTitleKey(key)

	switch w.Signature {
	case wii.Realsigned:
		_, s := keys()
		if err := wii.Sign(ticket, s); err != nil {
			panic(err)
		}
		if err := wii.Sign(tmd, s); err != nil {
			panic(err)
		}
	case wii.Fakesigned:
		if err := ticket.Fakesign(); err != nil {
			panic(err)
		}
		if err := tmd.Fakesign(); err != nil {
			panic(err)
		}
	default:
		for i := 4; i < 0x104; i++ {
			ticket[i], tmd[i] = 0x5a, 0xa5
		}
	}

	cluster := p[dataOffset : dataOffset+0x8000]
	for i := 0; i < 0x400; i++ {
		cluster[i] = byte(i)
	}
	putString(cluster[0x400:], w.GameID)
	binary.BigEndian.PutUint32(cluster[0x418:], 0x5d1c9ea3)

	if w.KeySet != wii.KeySetNone {
		tk, _ := aes.NewCipher(TitleKey)
		cipher.NewCBCEncrypter(tk, make([]byte, aes.BlockSize)).CryptBlocks(cluster[:0x400], cluster[:0x400])
		cipher.NewCBCEncrypter(tk, cluster[0x3d0:0x3e0]).CryptBlocks(cluster[0x400:], cluster[0x400:])
	}

	return b
}
