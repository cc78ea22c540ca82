package wii

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const keySize = 16

// KeySet is the encryption and signing category of a disc.
type KeySet int

// Key sets. KeySetNone as a recryption target means leave the disc alone.
const (
	KeySetNone KeySet = iota
	KeySetDebug
	KeySetRetail
	KeySetKorean
	KeySetUnknown
)

const (
	rootIssuer         = "Root"
	retailTicketIssuer = "Root-CA00000001-XS00000003"
	retailTMDIssuer    = "Root-CA00000001-CP00000004"
	debugTicketIssuer  = "Root-CA00000002-XS00000006"
	debugTMDIssuer     = "Root-CA00000002-CP00000007"
)

var (
	// ErrMissingKey is returned if the key store lacks a key needed for an operation.
	ErrMissingKey = errors.New("wii: missing key")
	// ErrKeySet is returned when parsing an unknown key set name.
	ErrKeySet = errors.New("wii: unknown key set")
)

func (k KeySet) String() string {
	switch k {
	case KeySetNone:
		return "none"
	case KeySetDebug:
		return "debug"
	case KeySetRetail:
		return "retail"
	case KeySetKorean:
		return "korean"
	case KeySetUnknown:
		return "unknown"
	}
	return "unknown"
}

// ParseKeySet parses the name of a key set as returned by String.
func ParseKeySet(s string) (KeySet, error) {
	for _, k := range []KeySet{KeySetNone, KeySetDebug, KeySetRetail, KeySetKorean} {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return KeySetUnknown, fmt.Errorf("%w: %q", ErrKeySet, s)
}

func (k KeySet) ticketIssuer() string {
	if k == KeySetDebug {
		return debugTicketIssuer
	}
	return retailTicketIssuer
}

func (k KeySet) tmdIssuer() string {
	if k == KeySetDebug {
		return debugTMDIssuer
	}
	return retailTMDIssuer
}

func (k KeySet) commonKeyIndex() byte {
	if k == KeySetKorean {
		return 1
	}
	return 0
}

// signed returns how a disc recrypted to k ends up signed.
func (k KeySet) signed() SignatureStatus {
	if k == KeySetDebug {
		return Realsigned
	}
	return Fakesigned
}

// KeySetOf works out the key set from the ticket issuer and common key index.
func KeySetOf(t Ticket) KeySet {
	switch t.Issuer() {
	case retailTicketIssuer:
		switch t.CommonKeyIndex() {
		case 0:
			return KeySetRetail
		case 1:
			return KeySetKorean
		}
	case debugTicketIssuer:
		if t.CommonKeyIndex() == 0 {
			return KeySetDebug
		}
	}
	return KeySetUnknown
}

func recognizedTicketIssuer(s string) bool {
	return s == retailTicketIssuer || s == debugTicketIssuer
}

func recognizedTMDIssuer(s string) bool {
	return s == retailTMDIssuer || s == debugTMDIssuer
}

// KeyStore holds the keys and certificates used for classification and
// recryption.
type KeyStore struct {
	// CommonKeys are keyed by key set.
	CommonKeys map[KeySet][]byte
	// Signers are private keys keyed by full issuer, such as
	// "Root-CA00000002-XS00000006".
	Signers map[string]*rsa.PrivateKey
	// Chains are raw certificate chains written to recrypted partitions.
	Chains map[KeySet][]byte
	// Root verifies CA certificates, if set.
	Root *rsa.PublicKey
}

// NewKeyStore returns an empty key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		CommonKeys: make(map[KeySet][]byte),
		Signers:    make(map[string]*rsa.PrivateKey),
		Chains:     make(map[KeySet][]byte),
	}
}

func (ks *KeyStore) commonKey(k KeySet) (cipher.Block, error) {
	key, ok := ks.CommonKeys[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s common key", ErrMissingKey, k)
	}
	return aes.NewCipher(key)
}

type keyEntry struct {
	CommonKey    string `yaml:"common_key"`
	TicketSigner string `yaml:"ticket_signer"`
	TMDSigner    string `yaml:"tmd_signer"`
	CertChain    string `yaml:"cert_chain"`
}

type keyFile struct {
	Retail keyEntry `yaml:"retail"`
	Korean keyEntry `yaml:"korean"`
	Debug  keyEntry `yaml:"debug"`
	Root   string   `yaml:"root"`
}

// LoadKeyStore reads a YAML key file from fs. Paths in the file are
// relative to the directory containing it.
func LoadKeyStore(fs afero.Fs, name string) (*KeyStore, error) {
	b, err := afero.ReadFile(fs, name)
	if err != nil {
		return nil, err
	}

	kf := keyFile{}
	if err = yaml.Unmarshal(b, &kf); err != nil {
		return nil, fmt.Errorf("wii: failed to parse %s: %w", name, err)
	}

	dir := filepath.Dir(name)
	path := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}

	ks := NewKeyStore()

	for k, e := range map[KeySet]keyEntry{KeySetRetail: kf.Retail, KeySetKorean: kf.Korean, KeySetDebug: kf.Debug} {
		if e.CommonKey != "" {
			key, err := hex.DecodeString(e.CommonKey)
			if err != nil {
				return nil, fmt.Errorf("wii: bad %s common key: %w", k, err)
			}
			if len(key) != keySize {
				return nil, fmt.Errorf("wii: bad %s common key: wrong size", k)
			}
			ks.CommonKeys[k] = key
		}

		for issuer, p := range map[string]string{k.ticketIssuer(): e.TicketSigner, k.tmdIssuer(): e.TMDSigner} {
			if p == "" {
				continue
			}
			key, err := readPrivateKey(fs, path(p))
			if err != nil {
				return nil, err
			}
			ks.Signers[issuer] = key
		}

		if e.CertChain != "" {
			chain, err := afero.ReadFile(fs, path(e.CertChain))
			if err != nil {
				return nil, err
			}
			if _, err = ParseChain(chain); err != nil {
				return nil, err
			}
			ks.Chains[k] = chain
		}
	}

	if kf.Root != "" {
		if ks.Root, err = readPublicKey(fs, path(kf.Root)); err != nil {
			return nil, err
		}
	}

	return ks, nil
}

func readPEM(fs afero.Fs, name string) (*pem.Block, error) {
	b, err := afero.ReadFile(fs, name)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("wii: no PEM data in %s", name)
	}
	return block, nil
}

func readPrivateKey(fs afero.Fs, name string) (*rsa.PrivateKey, error) {
	block, err := readPEM(fs, name)
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("wii: bad private key in %s: %w", name, err)
	}
	key, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("wii: %s is not an RSA key", name)
	}
	return key, nil
}

func readPublicKey(fs afero.Fs, name string) (*rsa.PublicKey, error) {
	block, err := readPEM(fs, name)
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("wii: bad public key in %s: %w", name, err)
	}
	key, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("wii: %s is not an RSA key", name)
	}
	return key, nil
}
