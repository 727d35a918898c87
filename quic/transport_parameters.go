package quic

import (
	"bytes"
	"io"

	"github.com/menchan-Rub/quantum/internal/protocol"
	"github.com/menchan-Rub/quantum/quicvarint"
)

// Transport parameter codepoints, RFC 9000 §18.2.
const (
	tpMaxIdleTimeout               = 0x01
	tpMaxUDPPayloadSize            = 0x03
	tpInitialMaxData               = 0x04
	tpInitialMaxStreamDataBidiLocal = 0x05
	tpInitialMaxStreamDataBidiRemote = 0x06
	tpInitialMaxStreamDataUni       = 0x07
	tpInitialMaxStreamsBidi         = 0x08
	tpInitialMaxStreamsUni          = 0x09
	tpAckDelayExponent              = 0x0a
	tpMaxAckDelay                   = 0x0b
	tpActiveConnectionIDLimit       = 0x0e
)

// TransportParameters is the decoded form of the quic_transport_parameters
// TLS extension (RFC 9000 §18.1). Fields absent on the wire take the RFC
// 9000 §18.2 defaults when decoded, except MaxUDPPayloadSize, which takes
// protocol.DefaultMaxUDPPayloadSize.
type TransportParameters struct {
	MaxIdleTimeout                 uint64 // milliseconds
	MaxUDPPayloadSize              uint64
	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64
	AckDelayExponent               uint64
	MaxAckDelay                    uint64
	ActiveConnectionIDLimit        uint64
}

// DefaultTransportParameters returns the set this client advertises,
// derived from a Config.
func DefaultTransportParameters(c *Config) *TransportParameters {
	return &TransportParameters{
		MaxIdleTimeout:                 uint64(c.MaxIdleTimeout / 1_000_000),
		MaxUDPPayloadSize:              c.MaxUDPPayloadSize,
		InitialMaxData:                 uint64(c.InitialMaxData),
		InitialMaxStreamDataBidiLocal:  uint64(c.InitialMaxStreamDataBidiLocal),
		InitialMaxStreamDataBidiRemote: uint64(c.InitialMaxStreamDataBidiRemote),
		InitialMaxStreamDataUni:        uint64(c.InitialMaxStreamDataUni),
		InitialMaxStreamsBidi:          protocol.DefaultInitialMaxStreamsBidi,
		InitialMaxStreamsUni:           uint64(c.MaxIncomingUniStreams),
		AckDelayExponent:               uint64(c.AckDelayExponent),
		MaxAckDelay:                    uint64(c.MaxAckDelay / 1_000_000),
		ActiveConnectionIDLimit:        uint64(c.ActiveConnectionIDLimit),
	}
}

func appendTP(b []byte, id uint64, v uint64) []byte {
	b = quicvarint.Append(b, id)
	val := quicvarint.Append(nil, v)
	b = quicvarint.Append(b, uint64(len(val)))
	return append(b, val...)
}

// Marshal encodes the parameters in the TLV form RFC 9000 §18.1
// specifies, suitable for CryptoSetup.SetTransportParameters.
func (tp *TransportParameters) Marshal() []byte {
	var b []byte
	b = appendTP(b, tpMaxIdleTimeout, tp.MaxIdleTimeout)
	b = appendTP(b, tpMaxUDPPayloadSize, tp.MaxUDPPayloadSize)
	b = appendTP(b, tpInitialMaxData, tp.InitialMaxData)
	b = appendTP(b, tpInitialMaxStreamDataBidiLocal, tp.InitialMaxStreamDataBidiLocal)
	b = appendTP(b, tpInitialMaxStreamDataBidiRemote, tp.InitialMaxStreamDataBidiRemote)
	b = appendTP(b, tpInitialMaxStreamDataUni, tp.InitialMaxStreamDataUni)
	b = appendTP(b, tpInitialMaxStreamsBidi, tp.InitialMaxStreamsBidi)
	b = appendTP(b, tpInitialMaxStreamsUni, tp.InitialMaxStreamsUni)
	b = appendTP(b, tpAckDelayExponent, tp.AckDelayExponent)
	b = appendTP(b, tpMaxAckDelay, tp.MaxAckDelay)
	b = appendTP(b, tpActiveConnectionIDLimit, tp.ActiveConnectionIDLimit)
	return b
}

// UnmarshalTransportParameters decodes a peer's quic_transport_parameters
// extension payload, applying the defaults described on
// TransportParameters for any parameter the peer omitted.
func UnmarshalTransportParameters(data []byte) (*TransportParameters, error) {
	tp := &TransportParameters{
		MaxIdleTimeout:           0,
		MaxUDPPayloadSize:        protocol.DefaultMaxUDPPayloadSize,
		AckDelayExponent:         protocol.DefaultAckDelayExponent,
		MaxAckDelay:              protocol.DefaultMaxAckDelayMs,
		ActiveConnectionIDLimit:  protocol.DefaultActiveConnectionIDLim,
	}
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		id, err := quicvarint.Read(quicvarint.NewReader(r))
		if err != nil {
			return nil, err
		}
		length, err := quicvarint.Read(quicvarint.NewReader(r))
		if err != nil {
			return nil, err
		}
		valBytes := make([]byte, length)
		if _, err := io.ReadFull(r, valBytes); err != nil {
			return nil, err
		}
		v, err := quicvarint.Read(quicvarint.NewReader(bytes.NewReader(valBytes)))
		if err != nil {
			continue // unknown/empty-valued parameter, ignore per RFC 9000 §7.4.2
		}
		switch id {
		case tpMaxIdleTimeout:
			tp.MaxIdleTimeout = v
		case tpMaxUDPPayloadSize:
			tp.MaxUDPPayloadSize = v
		case tpInitialMaxData:
			tp.InitialMaxData = v
		case tpInitialMaxStreamDataBidiLocal:
			tp.InitialMaxStreamDataBidiLocal = v
		case tpInitialMaxStreamDataBidiRemote:
			tp.InitialMaxStreamDataBidiRemote = v
		case tpInitialMaxStreamDataUni:
			tp.InitialMaxStreamDataUni = v
		case tpInitialMaxStreamsBidi:
			tp.InitialMaxStreamsBidi = v
		case tpInitialMaxStreamsUni:
			tp.InitialMaxStreamsUni = v
		case tpAckDelayExponent:
			tp.AckDelayExponent = v
		case tpMaxAckDelay:
			tp.MaxAckDelay = v
		case tpActiveConnectionIDLimit:
			tp.ActiveConnectionIDLimit = v
		}
	}
	return tp, nil
}
