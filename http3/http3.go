// Package http3 implements the client half of RFC 9114 HTTP/3 on top of
// this module's quic package: unidirectional control/QPACK streams,
// SETTINGS/GOAWAY frame handling, request/response framing, and a
// net/http-compatible RoundTripper.
package http3

import (
	"net"
	"net/http"

	"github.com/menchan-Rub/quantum/internal/protocol"
)

// FrameType identifies an HTTP/3 frame (RFC 9114 §7.2).
type FrameType uint64

const (
	FrameTypeData         FrameType = 0x0
	FrameTypeHeaders      FrameType = 0x1
	FrameTypeCancelPush   FrameType = 0x3
	FrameTypeSettings     FrameType = 0x4
	FrameTypePushPromise  FrameType = 0x5
	FrameTypeGoaway       FrameType = 0x7
	FrameTypeMaxPushID    FrameType = 0xd
)

// Unidirectional stream types (RFC 9114 §6.2, RFC 9204 §4.2).
const (
	streamTypeControlStream     = 0x00
	streamTypePushStream        = 0x01
	streamTypeQPACKEncoderStream = 0x02
	streamTypeQPACKDecoderStream = 0x03
)

// SETTINGS identifiers this client sends and understands.
const (
	settingDatagram             = 0x33
	settingQPACKMaxTableCapacity = 0x1
	settingQPACKBlockedStreams   = 0x7
)

// H3 application error codes (RFC 9114 §8.1).
const (
	errorNoError              = 0x100
	errorGeneralProtocolError = 0x101
	errorInternalError        = 0x102
	errorStreamCreationError  = 0x103
	errorClosedCriticalStream = 0x104
	errorFrameUnexpected      = 0x105
	errorFrameError           = 0x106
	errorExcessiveLoad        = 0x107
	errorIDError              = 0x108
	errorSettingsError        = 0x109
	errorMissingSettings      = 0x10a
	errorRequestRejected      = 0x10b
	errorRequestCanceled      = 0x10c
	errorRequestIncomplete    = 0x10d
	errorMessageError         = 0x10e
	errorConnectError         = 0x10f
	errorVersionFallback      = 0x110
	errorQPACKDecompressionFailed = 0x200
	errorQPACKEncoderStreamError  = 0x201
	errorQPACKDecoderStreamError  = 0x202
)

func versionToALPN(v protocol.VersionNumber) string {
	if v == protocol.VersionTLS {
		return "h3"
	}
	return "h3"
}

// authorityAddr appends the default port for scheme, if authority
// doesn't carry one already, matching net/http's own normalization.
func authorityAddr(scheme, authority string) string {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		host = authority
		port = ""
	}
	if port == "" {
		if scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return net.JoinHostPort(host, port)
}

func hostnameFromRequest(req *http.Request) string {
	if req.URL != nil && req.URL.Host != "" {
		return req.URL.Host
	}
	return req.Host
}
