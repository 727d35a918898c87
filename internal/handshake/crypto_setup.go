package handshake

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"github.com/menchan-Rub/quantum/internal/protocol"
	"github.com/menchan-Rub/quantum/internal/utils"
)

// ErrCertificateVerificationFailed is surfaced when the peer's
// certificate chain doesn't validate
// against the SNI, or falls outside its validity window.
var ErrCertificateVerificationFailed = errors.New("handshake: certificate verification failed")

// EventKind mirrors the shape of crypto/tls's QUICEventKind, translated
// into this package's vocabulary so callers (the quic.Connection state
// machine) don't need to import crypto/tls directly.
type EventKind uint8

const (
	EventNone EventKind = iota
	EventWriteData
	EventReadSecretReady
	EventWriteSecretReady
	EventTransportParameters
	EventTransportParametersRequired
	EventHandshakeDone     // handshake finished locally: Finished sent, 1-RTT usable
	EventRejectedEarlyData // server did not accept our 0-RTT data; retransmit in 1-RTT
)

// Event is one state transition the TLS collaborator reports back.
type Event struct {
	Kind  EventKind
	Level protocol.EncryptionLevel
	Data  []byte
}

// CryptoSetup drives the TLS 1.3 handshake over crypto/tls's native QUIC
// support (tls.QUICConn): it owns ClientHello/Finished construction,
// certificate validation,
// and surfaces per-epoch secrets without this module reimplementing TLS
// record or handshake-message framing.
type CryptoSetup struct {
	mu   sync.Mutex
	conn *tls.QUICConn
	sni  string

	initialKeys *KeySet

	logger utils.Logger

	handshakeDone bool
}

// NewClientCryptoSetup creates the client-side TLS collaborator for a
// connection to sni, optionally resuming session with a cached ticket
// (0-RTT eligible only when sessionTicket is non-nil and the tls.Config
// carries a matching ClientSessionCache entry).
func NewClientCryptoSetup(sni string, tlsConf *tls.Config, destConnID protocol.ConnectionID, logger utils.Logger) (*CryptoSetup, error) {
	conf := tlsConf.Clone()
	if conf.ServerName == "" {
		conf.ServerName = sni
	}
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{"h3"}
	}
	conf.MinVersion = tls.VersionTLS13
	if conf.ClientSessionCache == nil {
		// Session resumption (and with it 0-RTT) needs somewhere to keep
		// tickets between connections to the same origin.
		conf.ClientSessionCache = tls.NewLRUClientSessionCache(64)
	}

	qconf := &tls.QUICConfig{TLSConfig: conf}
	qc := tls.QUICClient(qconf)

	initialKeys, err := DeriveInitialKeys(destConnID)
	if err != nil {
		return nil, err
	}

	return &CryptoSetup{
		conn:        qc,
		sni:         sni,
		initialKeys: initialKeys,
		logger:      logger,
	}, nil
}

// InitialKeys returns the Initial-epoch key set derived from the
// destination connection ID chosen for the first flight.
func (c *CryptoSetup) InitialKeys() *KeySet { return c.initialKeys }

// Start kicks off the handshake, producing the first CRYPTO data to send
// in an Initial packet.
func (c *CryptoSetup) Start(ctx context.Context) error {
	return c.conn.Start(ctx)
}

// SetTransportParameters registers our local quic_transport_parameters
// extension payload before starting the handshake.
func (c *CryptoSetup) SetTransportParameters(b []byte) {
	c.conn.SetTransportParameters(b)
}

// HandleMessage feeds peer CRYPTO frame bytes at the given level into the
// TLS state machine.
func (c *CryptoSetup) HandleMessage(data []byte, level protocol.EncryptionLevel) error {
	return c.conn.HandleData(toTLSLevel(level), data)
}

// NextEvent drains the next pending event from the TLS collaborator;
// callers loop on this until EventKind is EventNone.
func (c *CryptoSetup) NextEvent() (Event, error) {
	ev := c.conn.NextEvent()
	switch ev.Kind {
	case tls.QUICNoEvent:
		return Event{Kind: EventNone}, nil
	case tls.QUICWriteData:
		return Event{Kind: EventWriteData, Level: fromTLSLevel(ev.Level), Data: ev.Data}, nil
	case tls.QUICSetReadSecret:
		return Event{Kind: EventReadSecretReady, Level: fromTLSLevel(ev.Level), Data: ev.Data}, nil
	case tls.QUICSetWriteSecret:
		return Event{Kind: EventWriteSecretReady, Level: fromTLSLevel(ev.Level), Data: ev.Data}, nil
	case tls.QUICTransportParameters:
		return Event{Kind: EventTransportParameters, Data: ev.Data}, nil
	case tls.QUICTransportParametersRequired:
		return Event{Kind: EventTransportParametersRequired}, nil
	case tls.QUICHandshakeDone:
		c.mu.Lock()
		c.handshakeDone = true
		c.mu.Unlock()
		return Event{Kind: EventHandshakeDone}, nil
	case tls.QUICRejectedEarlyData:
		return Event{Kind: EventRejectedEarlyData}, nil
	default:
		return Event{Kind: EventNone}, nil
	}
}

// HandshakeComplete reports whether the 1-RTT handshake has finished
// (Finished verified, HANDSHAKE_DONE-equivalent observed).
func (c *CryptoSetup) HandshakeComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshakeDone
}

// ConnectionState exposes the negotiated TLS parameters once available,
// for surfaces like http.Response.TLS.
func (c *CryptoSetup) ConnectionState() tls.ConnectionState {
	return c.conn.ConnectionState()
}

// VerifyCertificateChain is invoked by the connection once the peer's
// certificate chain and SNI have been checked by crypto/tls itself; it
// exists as a named seam so a caller needing stricter policy (CT logs,
// pinning) can wrap it.
func (c *CryptoSetup) VerifyCertificateChain() error {
	state := c.conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("%w: no certificates presented", ErrCertificateVerificationFailed)
	}
	if err := state.PeerCertificates[0].VerifyHostname(c.sni); err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateVerificationFailed, err)
	}
	return nil
}

func toTLSLevel(l protocol.EncryptionLevel) tls.QUICEncryptionLevel {
	switch l {
	case protocol.EncryptionInitial:
		return tls.QUICEncryptionLevelInitial
	case protocol.Encryption0RTT:
		return tls.QUICEncryptionLevelEarly
	case protocol.EncryptionHandshake:
		return tls.QUICEncryptionLevelHandshake
	default:
		return tls.QUICEncryptionLevelApplication
	}
}

func fromTLSLevel(l tls.QUICEncryptionLevel) protocol.EncryptionLevel {
	switch l {
	case tls.QUICEncryptionLevelInitial:
		return protocol.EncryptionInitial
	case tls.QUICEncryptionLevelEarly:
		return protocol.Encryption0RTT
	case tls.QUICEncryptionLevelHandshake:
		return protocol.EncryptionHandshake
	default:
		return protocol.Encryption1RTT
	}
}
