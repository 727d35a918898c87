package handshake

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"

	"github.com/menchan-Rub/quantum/internal/protocol"
)

// quicV1Salt is the fixed salt RFC 9001 §5.2 specifies for deriving
// Initial secrets for QUIC version 1.
var quicV1Salt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0a,
}

// KeySet bundles everything needed to seal and open packets at one
// encryption level: an AEAD (with its fixed nonce mask baked in) and a
// header-protection block cipher, for both directions.
type KeySet struct {
	Seal *DirectionalKeys
	Open *DirectionalKeys
}

// DirectionalKeys holds one direction's derived key material.
type DirectionalKeys struct {
	AEAD   cipher.AEAD
	IV     []byte
	HPSeal cipher.Block
}

// Nonce returns the per-packet AEAD nonce: the IV XORed with the packet
// number, per RFC 9001 §5.3.
func (d *DirectionalKeys) Nonce(pn protocol.PacketNumber) []byte {
	nonce := make([]byte, len(d.IV))
	copy(nonce, d.IV)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= byte(pn >> (8 * i))
	}
	return nonce
}

// DeriveInitialKeys computes the Initial encryption keys for both
// directions from the client-chosen destination connection ID, per RFC
// 9001 §5.2. These are used for the first flight in both directions and
// are discarded once Handshake keys are installed (RFC 9001 §4.9).
func DeriveInitialKeys(destConnID protocol.ConnectionID) (*KeySet, error) {
	initialSecret := hkdfExtract(quicV1Salt, destConnID)
	clientSecret := hkdfExpandLabel(initialSecret, "client in", nil, sha256.Size)
	serverSecret := hkdfExpandLabel(initialSecret, "server in", nil, sha256.Size)

	clientKeys, err := deriveDirectionalKeys(clientSecret)
	if err != nil {
		return nil, err
	}
	serverKeys, err := deriveDirectionalKeys(serverSecret)
	if err != nil {
		return nil, err
	}
	return &KeySet{Seal: clientKeys, Open: serverKeys}, nil
}

// deriveDirectionalKeys turns one side's traffic secret into an AEAD +
// header-protection key pair, per RFC 9001 §5.1/§5.4 (AEAD_AES_128_GCM
// for QUIC v1's mandatory Initial/TLS_AES_128_GCM_SHA256 suite).
func deriveDirectionalKeys(secret []byte) (*DirectionalKeys, error) {
	key := hkdfExpandLabel(secret, "quic key", nil, 16)
	iv := hkdfExpandLabel(secret, "quic iv", nil, 12)
	hpKey := hkdfExpandLabel(secret, "quic hp", nil, 16)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	hpBlock, err := aes.NewCipher(hpKey)
	if err != nil {
		return nil, err
	}
	return &DirectionalKeys{AEAD: aead, IV: iv, HPSeal: hpBlock}, nil
}

// DeriveKeysFromSecret derives an AEAD/header-protection key set from an
// arbitrary traffic secret (Handshake or Application), as surfaced by the
// TLS collaborator's SetReadSecret/SetWriteSecret events. keyLen sets the
// AEAD and header-protection key length (16 for AES-128-GCM, 32 for
// AES-256-GCM); the KDF hash is always SHA-256 and the AEAD always
// AES-GCM, so ChaCha20-Poly1305 suites are not supported.
func DeriveKeysFromSecret(secret []byte, keyLen int) (*DirectionalKeys, error) {
	key := hkdfExpandLabel(secret, "quic key", nil, keyLen)
	iv := hkdfExpandLabel(secret, "quic iv", nil, 12)
	hpKey := hkdfExpandLabel(secret, "quic hp", nil, keyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	hpBlock, err := aes.NewCipher(hpKey)
	if err != nil {
		return nil, err
	}
	return &DirectionalKeys{AEAD: aead, IV: iv, HPSeal: hpBlock}, nil
}

// UpdateKey derives the next generation's traffic secret from the
// current one, per RFC 9001 §6's key update ("ku" label), used both when
// the peer initiates a key update and when we do so locally after a
// configurable number of packets.
func UpdateKey(secret []byte) []byte {
	return hkdfExpandLabel(secret, "quic ku", nil, len(secret))
}
