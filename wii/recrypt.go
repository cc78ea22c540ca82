package wii

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/connesc/cipherio"
)

var (
	// ErrAlreadyEncrypted is returned if a disc is already encrypted with
	// the requested key set. It means there is nothing to do.
	ErrAlreadyEncrypted = errors.New("wii: already encrypted with the requested key set")
	// ErrAlreadyUnencrypted is returned if an unencrypted disc is asked to
	// stay unencrypted. It means there is nothing to do.
	ErrAlreadyUnencrypted = errors.New("wii: already unencrypted")
	// ErrUnencrypted is returned when asked to encrypt an unencrypted disc.
	ErrUnencrypted = errors.New("wii: cannot recrypt an unencrypted disc")
	// ErrWrongTitleKey is returned if the decrypted title key does not
	// decrypt the partition.
	ErrWrongTitleKey = errors.New("wii: title key does not decrypt the partition")
	// ErrChainTooLarge is returned if the target certificate chain doesn't
	// fit in the space the partition has for it.
	ErrChainTooLarge = errors.New("wii: certificate chain too large for partition")
)

func checkSigned(what, issuer string, s SignatureStatus) error {
	switch s {
	case UnknownIssuer:
		return fmt.Errorf("%w: %s issuer %s", ErrUnknownIssuer, what, issuer)
	case Invalid:
		return fmt.Errorf("%w: %s", ErrInvalidSignature, what)
	}
	return nil
}

// Authority classifies signatures and recrypts tickets and TMDs using the
// keys in a KeyStore.
type Authority struct {
	keys *KeyStore
}

// NewAuthority returns an Authority backed by keys, which may be nil.
func NewAuthority(keys *KeyStore) *Authority {
	if keys == nil {
		keys = NewKeyStore()
	}
	return &Authority{keys: keys}
}

// Keys returns the key store.
func (a *Authority) Keys() *KeyStore {
	return a.keys
}

func (a *Authority) classify(b []byte, issuer string, recognized bool, chain Chain) SignatureStatus {
	if !recognized {
		return UnknownIssuer
	}
	if fakesigned(b) {
		return Fakesigned
	}
	if a.verifyChain(b, issuer, chain) {
		return Realsigned
	}
	return Invalid
}

// verifyChain verifies b was signed by issuer, then each certificate up to
// the root. The root itself is only checked if the key store has its key.
func (a *Authority) verifyChain(b []byte, issuer string, chain Chain) bool {
	for depth := 0; depth < maxChainDepth; depth++ {
		if issuer == rootIssuer {
			return a.keys.Root == nil || verify(b, a.keys.Root)
		}
		cert, ok := chain.Lookup(issuer)
		if !ok || !verify(b, cert.PublicKey) {
			return false
		}
		b, issuer = cert.raw, cert.Issuer
	}
	return false
}

// ClassifyTicket classifies the ticket signature.
func (a *Authority) ClassifyTicket(t Ticket, chain Chain) SignatureStatus {
	return a.classify(t, t.Issuer(), recognizedTicketIssuer(t.Issuer()), chain)
}

// ClassifyTMD classifies the TMD signature.
func (a *Authority) ClassifyTMD(t TMD, chain Chain) SignatureStatus {
	return a.classify(t, t.Issuer(), recognizedTMDIssuer(t.Issuer()), chain)
}

// Classify classifies both the ticket and TMD signatures.
func (a *Authority) Classify(t Ticket, m TMD, chain Chain) (SignatureStatus, SignatureStatus) {
	return a.ClassifyTicket(t, chain), a.ClassifyTMD(m, chain)
}

func titleIV(t Ticket) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv, t.TitleID())
	return iv
}

// TitleKey decrypts the title key in t with the common key of k.
func (a *Authority) TitleKey(t Ticket, k KeySet) ([]byte, error) {
	block, err := a.keys.commonKey(k)
	if err != nil {
		return nil, err
	}
	key := t.TitleKey()
	cipher.NewCBCDecrypter(block, titleIV(t)).CryptBlocks(key, key)
	return key, nil
}

// VerifyTitleKey decrypts the start of the first data cluster of p and
// checks for the Wii magic in the partition's own disc header.
func VerifyTitleKey(r io.ReaderAt, p *Partition, key []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}

	cluster := io.NewSectionReader(r, p.Offset+p.DataOffset, ClusterSize)

	// The data IV is taken from the encrypted hash block
	iv := make([]byte, block.BlockSize())
	if _, err = cluster.ReadAt(iv, 0x3d0); err != nil {
		return err
	}

	cbc := cipherio.NewBlockReader(io.NewSectionReader(cluster, clusterData, ClusterSize-clusterData), cipher.NewCBCDecrypter(block, iv))

	h := make([]byte, 0x20)
	if _, err = io.ReadFull(cbc, h); err != nil {
		return err
	}
	if binary.BigEndian.Uint32(h[0x18:]) != wiiMagic {
		return ErrWrongTitleKey
	}

	return nil
}

// Recrypted is the outcome of Recrypt. Nothing has been written yet.
type Recrypted struct {
	From   KeySet
	To     KeySet
	Ticket Ticket
	TMD    TMD
	// Offset is where Header should be written.
	Offset int64
	// Header is the partition header region with the new ticket, TMD and
	// certificate chain in place.
	Header []byte
}

// Recrypt re-encrypts the title key of the game partition p under the
// common key of target and re-signs the ticket and TMD to match. The
// partition is left untouched, the caller writes the result back.
//
// ErrAlreadyEncrypted and ErrAlreadyUnencrypted mean there is nothing to do.
func (a *Authority) Recrypt(r io.ReaderAt, h *Header, p *Partition, target KeySet) (*Recrypted, error) {
	if !h.IsWii() {
		return nil, ErrNotWii
	}
	if !h.Encrypted() {
		if target == KeySetNone {
			return nil, ErrAlreadyUnencrypted
		}
		return nil, ErrUnencrypted
	}
	if p == nil {
		return nil, ErrNoGamePartition
	}

	switch target {
	case KeySetDebug, KeySetRetail, KeySetKorean, KeySetNone:
	default:
		return nil, fmt.Errorf("%w: %s", ErrKeySet, target)
	}

	if err := checkSigned("ticket", p.Ticket.Issuer(), a.ClassifyTicket(p.Ticket, p.Chain)); err != nil {
		return nil, err
	}
	if err := checkSigned("TMD", p.TMD.Issuer(), a.ClassifyTMD(p.TMD, p.Chain)); err != nil {
		return nil, err
	}

	from := KeySetOf(p.Ticket)
	if from == KeySetUnknown {
		return nil, fmt.Errorf("%w: common key index %d", ErrUnknownIssuer, p.Ticket.CommonKeyIndex())
	}
	if target == KeySetNone || target == from {
		return nil, ErrAlreadyEncrypted
	}

	// A realsigned partition only verifies with the target's own chain
	c, ok := a.keys.Chains[target]
	if target.signed() == Realsigned {
		if !ok {
			return nil, fmt.Errorf("%w: %s certificate chain", ErrMissingKey, target)
		}
		if int64(len(c)) > p.CertSize {
			return nil, fmt.Errorf("%w: %d bytes, room for %d", ErrChainTooLarge, len(c), p.CertSize)
		}
	}

	key, err := a.TitleKey(p.Ticket, from)
	if err != nil {
		return nil, err
	}
	if err = VerifyTitleKey(r, p, key); err != nil {
		return nil, err
	}

	block, err := a.keys.commonKey(target)
	if err != nil {
		return nil, err
	}

	raw := p.Raw()
	ticket := Ticket(raw[:TicketSize:TicketSize])
	tmd := TMD(raw[p.TMDOffset : p.TMDOffset+int64(len(p.TMD)) : p.TMDOffset+int64(len(p.TMD))])

	cipher.NewCBCEncrypter(block, titleIV(ticket)).CryptBlocks(key, key)
	ticket.SetTitleKey(key)
	ticket.SetCommonKeyIndex(target.commonKeyIndex())
	ticket.SetIssuer(target.ticketIssuer())
	tmd.SetIssuer(target.tmdIssuer())

	chain := p.Chain
	if ok && int64(len(c)) <= p.CertSize {
		cert := raw[p.CertOffset : p.CertOffset+p.CertSize]
		for i := range cert {
			cert[i] = 0
		}
		copy(cert, c)
		if chain, err = ParseChain(c); err != nil {
			return nil, err
		}
	}

	if err = a.sign(ticket, tmd, target); err != nil {
		return nil, err
	}

	// Never hand back something that won't classify the way it should
	want := target.signed()
	if ts, ms := a.Classify(ticket, tmd, chain); ts != want || ms != want {
		return nil, fmt.Errorf("%w: ticket %s, TMD %s", ErrInvalidSignature, ts, ms)
	}

	return &Recrypted{
		From:   from,
		To:     target,
		Ticket: ticket,
		TMD:    tmd,
		Offset: p.Offset,
		Header: raw,
	}, nil
}

func (a *Authority) sign(ticket Ticket, tmd TMD, target KeySet) error {
	if target.signed() == Fakesigned {
		if err := ticket.Fakesign(); err != nil {
			return err
		}
		return tmd.Fakesign()
	}

	tk, ok := a.keys.Signers[ticket.Issuer()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingKey, ticket.Issuer())
	}
	mk, ok := a.keys.Signers[tmd.Issuer()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingKey, tmd.Issuer())
	}
	if err := Sign(ticket, tk); err != nil {
		return err
	}
	return Sign(tmd, mk)
}
