// Package handshake implements RFC 9001's key schedule on top of the
// standard library's native QUIC-TLS support (crypto/tls's QUICConn),
// which supplies the handshake messages and per-epoch secrets that
// quic_transport_parameters and key derivation are built from.
package handshake

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfExtract and hkdfExpandLabel are RFC 5869 HKDF and RFC 8446 §7.1's
// "HKDF-Expand-Label", built on golang.org/x/crypto/hkdf with the
// SHA-256 hash RFC 9001 mandates for QUIC v1's initial cipher suite.
func hkdfExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, salt)
}

// hkdfExpandLabel applies the "tls13 " label prefix used (unchanged) by
// RFC 9001 §5.1 for QUIC key derivation.
func hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	fullLabel := "tls13 " + label
	info := make([]byte, 0, 2+1+len(fullLabel)+1+len(context))
	info = append(info, byte(length>>8), byte(length))
	info = append(info, byte(len(fullLabel)))
	info = append(info, fullLabel...)
	info = append(info, byte(len(context)))
	info = append(info, context...)
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, secret, info), out); err != nil {
		panic("handshake: HKDF-Expand-Label invocation failed: " + err.Error())
	}
	return out
}
