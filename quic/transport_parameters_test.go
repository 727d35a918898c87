package quic

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/menchan-Rub/quantum/internal/protocol"
)

func TestTransportParametersRoundTrip(t *testing.T) {
	tp := &TransportParameters{
		MaxIdleTimeout:                 30_000,
		MaxUDPPayloadSize:              1452,
		InitialMaxData:                 1 << 20,
		InitialMaxStreamDataBidiLocal:  256 * 1024,
		InitialMaxStreamDataBidiRemote: 128 * 1024,
		InitialMaxStreamDataUni:        64 * 1024,
		InitialMaxStreamsBidi:          100,
		InitialMaxStreamsUni:           3,
		AckDelayExponent:               3,
		MaxAckDelay:                    25,
		ActiveConnectionIDLimit:        4,
	}
	got, err := UnmarshalTransportParameters(tp.Marshal())
	require.NoError(t, err)
	require.Equal(t, tp, got)
}

func TestTransportParametersAbsentTakeDefaults(t *testing.T) {
	got, err := UnmarshalTransportParameters(nil)
	require.NoError(t, err)
	require.EqualValues(t, protocol.DefaultAckDelayExponent, got.AckDelayExponent)
	require.EqualValues(t, protocol.DefaultMaxAckDelayMs, got.MaxAckDelay)
	require.EqualValues(t, protocol.DefaultActiveConnectionIDLim, got.ActiveConnectionIDLimit)
	require.EqualValues(t, protocol.DefaultMaxUDPPayloadSize, got.MaxUDPPayloadSize)
	require.Zero(t, got.InitialMaxData)
}

func TestTransportParametersUnknownIDsIgnored(t *testing.T) {
	b := appendTP(nil, 0x7f3f, 42) // a greased, unknown codepoint
	b = appendTP(b, tpInitialMaxData, 4096)
	got, err := UnmarshalTransportParameters(b)
	require.NoError(t, err)
	require.EqualValues(t, 4096, got.InitialMaxData)
}

func TestStreamIDHelpers(t *testing.T) {
	require.Equal(t, protocol.PerspectiveClient, protocol.StreamID(0).InitiatedBy())
	require.Equal(t, protocol.PerspectiveServer, protocol.StreamID(1).InitiatedBy())
	require.Equal(t, protocol.StreamTypeBidi, protocol.StreamID(0).Type())
	require.Equal(t, protocol.StreamTypeUni, protocol.StreamID(2).Type())
	require.Equal(t, protocol.StreamID(2), protocol.FirstStreamID(protocol.PerspectiveClient, protocol.StreamTypeUni))
	require.Equal(t, protocol.StreamID(3), protocol.FirstStreamID(protocol.PerspectiveServer, protocol.StreamTypeUni))
}
