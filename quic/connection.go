package quic

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/menchan-Rub/quantum/internal/ackhandler"
	"github.com/menchan-Rub/quantum/internal/congestion"
	"github.com/menchan-Rub/quantum/internal/flowcontrol"
	"github.com/menchan-Rub/quantum/internal/handshake"
	"github.com/menchan-Rub/quantum/internal/protocol"
	"github.com/menchan-Rub/quantum/internal/utils"
	"github.com/menchan-Rub/quantum/internal/wire"
)

var randReader = rand.Reader

const maxDatagramSize = 1452
const minInitialDatagramSize = 1200

// aeadKeyLen is AES-128-GCM's key size; QUIC v1's mandatory cipher suite.
const aeadKeyLen = 16

// Connection is the client side of one QUIC connection: a single UDP
// 5-tuple carrying the handshake, every application stream, and the loss
// recovery / congestion state shared across them. It implements
// EarlyConnection.
type Connection struct {
	pconn      net.PacketConn
	remoteAddr net.Addr
	hostname   string

	config  *Config
	tlsConf *tls.Config

	origDestConnID protocol.ConnectionID

	// pktMu serializes packet assembly and emission; it also guards the
	// connection IDs and Retry token they are built from.
	pktMu      sync.Mutex
	destConnID protocol.ConnectionID
	srcConnID  protocol.ConnectionID
	token      []byte

	lastAckEliciting time.Time

	cryptoSetup *handshake.CryptoSetup

	spaces map[protocol.EncryptionLevel]*packetSpace

	// 0-RTT packets share the Application packet-number space but use
	// their own send keys, installed from the resumed session's early
	// secret; the client never receives 0-RTT, so there is no open half.
	zeroRTTMu   sync.Mutex
	zeroRTTSeal *handshake.DirectionalKeys

	// keyMu guards the 1-RTT traffic secrets and key-phase state used by
	// RFC 9001 §6 key updates.
	keyMu                sync.Mutex
	appSealSecret        []byte
	appOpenSecret        []byte
	keyPhase             int
	sealedSinceKeyUpdate uint64
	lastKeyUpdate        time.Time

	dropInitialOnce sync.Once

	sender   *congestion.Reno
	connFlow *flowcontrol.ConnectionFlowControl

	streamsMu      sync.Mutex
	streams        map[StreamID]*Stream
	nextBidiNum    protocol.StreamNum
	nextUniNum     protocol.StreamNum
	maxStreamsBidi protocol.StreamNum
	maxStreamsUni  protocol.StreamNum
	streamsCredit  chan struct{}
	acceptBidiCh   chan *Stream
	acceptUniCh    chan *Stream

	localTP *TransportParameters

	handshakeMu         sync.Mutex
	peerTP              *TransportParameters
	handshakeComplete   bool
	initialCrypto       []byte
	usedEarlyData       bool
	earlyDataOffered    bool
	earlyDataRejected   bool
	handshakeCompleteCh chan struct{}
	handshakeOnce       sync.Once

	sendSignal chan struct{}

	closeOnce sync.Once
	closeErr  error
	closedCh  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	logger utils.Logger

	lastActivity  time.Time
	lastKeepAlive time.Time
	activityMu    sync.Mutex
}

// Waiter is a channel-backed "done" signal, the shape HandshakeComplete
// hands callers to select on.
type Waiter interface {
	Done() <-chan struct{}
}

type chanWaiter chan struct{}

func (c chanWaiter) Done() <-chan struct{} { return c }

// ConnState is the negotiated state exposed once the handshake has
// produced it.
type ConnState struct {
	TLS               tls.ConnectionState
	SupportsDatagrams bool
	Used0RTT          bool
}

// DialAddrEarlyContext resolves addr, opens a UDP socket, and starts a
// QUIC handshake, returning an EarlyConnection that callers may use
// immediately (for 0-RTT streams) without waiting for the 1-RTT
// handshake to finish; callers needing full 1-RTT select on
// HandshakeComplete().Done() before sending.
func DialAddrEarlyContext(ctx context.Context, addr string, tlsConf *tls.Config, config *Config) (EarlyConnection, error) {
	if config == nil {
		config = DefaultConfig()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("quic: resolving %s: %w", addr, err)
	}
	pconn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("quic: opening socket: %w", err)
	}

	sni, _, err := net.SplitHostPort(addr)
	if err != nil {
		sni = addr
	}

	srcConnID := make(protocol.ConnectionID, 8)
	destConnID := make(protocol.ConnectionID, 8)
	if _, err := cryptoRandRead(srcConnID); err != nil {
		return nil, err
	}
	if _, err := cryptoRandRead(destConnID); err != nil {
		return nil, err
	}

	logger := utils.DefaultLogger.WithPrefix("quic conn")

	cs, err := handshake.NewClientCryptoSetup(sni, tlsConf, destConnID, logger)
	if err != nil {
		pconn.Close()
		return nil, err
	}

	cctx, cancel := context.WithCancel(context.Background())
	conn := &Connection{
		pconn:               pconn,
		remoteAddr:          udpAddr,
		hostname:            addr,
		config:              config,
		tlsConf:             tlsConf,
		origDestConnID:      destConnID,
		destConnID:          destConnID,
		srcConnID:           srcConnID,
		cryptoSetup:         cs,
		spaces:              make(map[protocol.EncryptionLevel]*packetSpace),
		sender:              congestion.NewReno(),
		connFlow:            flowcontrol.NewConnectionFlowControl(protocol.DefaultInitialMaxData, config.InitialMaxData),
		streams:             make(map[StreamID]*Stream),
		maxStreamsBidi:      protocol.DefaultInitialMaxStreamsBidi,
		maxStreamsUni:       protocol.DefaultInitialMaxStreamsUni,
		streamsCredit:       make(chan struct{}),
		acceptBidiCh:        make(chan *Stream, 8),
		acceptUniCh:         make(chan *Stream, 8),
		handshakeCompleteCh: make(chan struct{}),
		sendSignal:          make(chan struct{}, 1),
		closedCh:            make(chan struct{}),
		ctx:                 cctx,
		cancel:              cancel,
		logger:              logger,
		lastActivity:        time.Now(),
	}
	for _, lvl := range []protocol.EncryptionLevel{protocol.EncryptionInitial, protocol.EncryptionHandshake, protocol.Encryption1RTT} {
		conn.spaces[lvl] = newPacketSpace(lvl)
	}
	initialKeys, err := handshake.DeriveInitialKeys(destConnID)
	if err != nil {
		pconn.Close()
		return nil, err
	}
	conn.spaces[protocol.EncryptionInitial].setKeys(initialKeys)

	conn.localTP = DefaultTransportParameters(config)
	conn.cryptoSetup.SetTransportParameters(conn.localTP.Marshal())

	go conn.readLoop()
	go conn.sendLoop()
	go conn.idleTimeoutLoop()
	go conn.handshakeRetransmitLoop()

	if err := conn.cryptoSetup.Start(cctx); err != nil {
		conn.tearDown(err)
		return nil, err
	}
	conn.drainCryptoEvents()
	conn.flushCryptoSpace(protocol.EncryptionInitial)

	return conn, nil
}

func cryptoRandRead(b []byte) (int, error) {
	return randReader.Read(b)
}

// --- EarlyConnection surface ---

// OpenStreamSync allocates the next client-initiated bidirectional
// stream, blocking while the peer's MAX_STREAMS limit is exhausted.
func (c *Connection) OpenStreamSync(ctx context.Context) (*Stream, error) {
	for {
		c.streamsMu.Lock()
		if c.nextBidiNum < c.maxStreamsBidi {
			num := c.nextBidiNum
			c.nextBidiNum++
			id := protocol.FirstStreamID(protocol.PerspectiveClient, protocol.StreamTypeBidi) + StreamID(num)*4
			s := newStream(id, c, c.peerStreamDataLimit(), c.config.InitialMaxStreamDataBidiLocal)
			c.streams[id] = s
			c.streamsMu.Unlock()
			return s, nil
		}
		credit := c.streamsCredit
		c.streamsMu.Unlock()
		select {
		case <-credit:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closedCh:
			return nil, c.closeErr
		}
	}
}

func (c *Connection) OpenUniStream() (*Stream, error) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	if c.nextUniNum >= c.maxStreamsUni {
		return nil, &TransportError{Code: protocol.ErrStreamLimitError, ErrorMessage: "unidirectional stream limit exhausted"}
	}
	num := c.nextUniNum
	c.nextUniNum++
	id := protocol.FirstStreamID(protocol.PerspectiveClient, protocol.StreamTypeUni) + StreamID(num)*4
	s := newStream(id, c, c.peerUniStreamDataLimit(), 0)
	c.streams[id] = s
	return s, nil
}

func (c *Connection) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case s := <-c.acceptBidiCh:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closedCh:
		return nil, c.closeErr
	}
}

func (c *Connection) AcceptUniStream(ctx context.Context) (*Stream, error) {
	select {
	case s := <-c.acceptUniCh:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closedCh:
		return nil, c.closeErr
	}
}

func (c *Connection) HandshakeComplete() Waiter {
	return chanWaiter(c.handshakeCompleteCh)
}

func (c *Connection) ConnectionState() ConnState {
	c.handshakeMu.Lock()
	used := c.usedEarlyData
	hasTP := c.peerTP != nil
	c.handshakeMu.Unlock()
	return ConnState{
		TLS:               c.cryptoSetup.ConnectionState(),
		SupportsDatagrams: c.config.EnableDatagrams && hasTP,
		Used0RTT:          used,
	}
}

func (c *Connection) Context() context.Context { return c.ctx }

// CloseWithError sends CONNECTION_CLOSE once under the best installed
// keys and enters a 3·PTO draining period before the
// UDP endpoint is destroyed.
func (c *Connection) CloseWithError(code ApplicationErrorCode, reason string) error {
	c.closeOnce.Do(func() {
		f := &wire.ConnectionCloseFrame{IsApplicationError: true, ErrorCode: uint64(code), ReasonPhrase: reason}
		if lvl, ok := c.bestSealLevel(); ok {
			_ = c.sendPacket(lvl, []wire.Frame{f})
		}
		c.closeErr = &ApplicationError{ErrorCode: code, ErrorMessage: reason}
		close(c.closedCh)
		c.cancel()
		c.drainThenClose()
	})
	return nil
}

// closeWithTransportError handles locally-detected transport-fatal
// conditions: CONNECTION_CLOSE (QUIC variant) goes out
// once, every stream and pending accept observes the error, and the
// socket drains for 3·PTO.
func (c *Connection) closeWithTransportError(code protocol.TransportErrorCode, reason string) {
	c.closeOnce.Do(func() {
		f := &wire.ConnectionCloseFrame{ErrorCode: uint64(code), ReasonPhrase: reason}
		if lvl, ok := c.bestSealLevel(); ok {
			_ = c.sendPacket(lvl, []wire.Frame{f})
		}
		c.closeErr = &TransportError{Code: code, ErrorMessage: reason}
		close(c.closedCh)
		c.cancel()
		c.drainThenClose()
	})
	c.abortStreams(c.closeErr)
}

func (c *Connection) tearDown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closedCh)
		c.cancel()
		c.pconn.Close()
	})
	c.abortStreams(err)
}

// drainThenClose keeps the socket open long enough to absorb in-flight
// acknowledgments, then destroys it.
func (c *Connection) drainThenClose() {
	pto := c.sender.RTT.PTO(c.config.MaxAckDelay)
	time.AfterFunc(3*pto, func() { c.pconn.Close() })
}

// abortStreams propagates a connection-fatal error to every stream so
// blocked readers wake with a consistent error.
func (c *Connection) abortStreams(err error) {
	if err == nil {
		err = ErrConnectionClosed
	}
	c.streamsMu.Lock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streamsMu.Unlock()
	for _, s := range streams {
		s.abort(err)
	}
}

func (c *Connection) bestSealLevel() (protocol.EncryptionLevel, bool) {
	for _, lvl := range []protocol.EncryptionLevel{protocol.Encryption1RTT, protocol.EncryptionHandshake, protocol.EncryptionInitial} {
		if c.spaces[lvl].sealKeys() != nil {
			return lvl, true
		}
	}
	return 0, false
}

// --- stream and flow-control helpers ---

func (c *Connection) peerStreamDataLimit() protocol.ByteCount {
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()
	if c.peerTP != nil {
		return protocol.ByteCount(c.peerTP.InitialMaxStreamDataBidiRemote)
	}
	return protocol.DefaultInitialMaxStreamData
}

func (c *Connection) peerUniStreamDataLimit() protocol.ByteCount {
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()
	if c.peerTP != nil {
		return protocol.ByteCount(c.peerTP.InitialMaxStreamDataUni)
	}
	return protocol.DefaultInitialMaxStreamData
}

func (c *Connection) scheduleStream(id StreamID) {
	select {
	case c.sendSignal <- struct{}{}:
	default:
	}
}

func (c *Connection) sendReset(id StreamID, code StreamErrorCode, finalSize protocol.ByteCount) {
	f := &wire.ResetStreamFrame{StreamID: id, ErrorCode: uint64(code), FinalSize: finalSize}
	_ = c.sendPacket(protocol.Encryption1RTT, []wire.Frame{f})
}

func (c *Connection) sendStopSending(id StreamID, code StreamErrorCode) {
	f := &wire.StopSendingFrame{StreamID: id, ErrorCode: uint64(code)}
	_ = c.sendPacket(protocol.Encryption1RTT, []wire.Frame{f})
}

// raiseStreamLimits applies a peer-granted MAX_STREAMS (or the
// transport-parameter initial values), waking any OpenStreamSync caller
// blocked on the old limit. Limits only ever go up.
func (c *Connection) raiseStreamLimits(bidi, uni protocol.StreamNum) {
	c.streamsMu.Lock()
	raised := false
	if bidi > c.maxStreamsBidi {
		c.maxStreamsBidi = bidi
		raised = true
	}
	if uni > c.maxStreamsUni {
		c.maxStreamsUni = uni
		raised = true
	}
	if raised {
		close(c.streamsCredit)
		c.streamsCredit = make(chan struct{})
	}
	c.streamsMu.Unlock()
}

// --- handshake / crypto pump ---

func (c *Connection) drainCryptoEvents() {
	for {
		ev, err := c.cryptoSetup.NextEvent()
		if err != nil {
			c.logger.Errorf("tls event error: %s", err)
			c.tearDown(err)
			return
		}
		switch ev.Kind {
		case handshake.EventNone:
			return
		case handshake.EventWriteData:
			c.spaces[c.spaceLevelFor(ev.Level)].queueCrypto(ev.Data)
			if ev.Level == protocol.EncryptionInitial {
				c.handshakeMu.Lock()
				c.initialCrypto = append(c.initialCrypto, ev.Data...)
				c.handshakeMu.Unlock()
			}
		case handshake.EventReadSecretReady:
			c.installSecret(ev.Level, ev.Data, false)
		case handshake.EventWriteSecretReady:
			c.installSecret(ev.Level, ev.Data, true)
		case handshake.EventTransportParameters:
			tp, err := UnmarshalTransportParameters(ev.Data)
			if err != nil {
				c.closeWithTransportError(protocol.ErrTransportParameterError, err.Error())
				return
			}
			c.applyPeerTransportParameters(tp)
		case handshake.EventTransportParametersRequired:
			c.cryptoSetup.SetTransportParameters(c.localTP.Marshal())
		case handshake.EventRejectedEarlyData:
			// On rejection any 0-RTT stream state is retransmitted in
			// 1-RTT without duplication: the dead 0-RTT packets are never
			// acknowledged, so loss recovery re-emits their frames under
			// the 1-RTT keys.
			c.handshakeMu.Lock()
			c.earlyDataRejected = true
			c.handshakeMu.Unlock()
			c.zeroRTTMu.Lock()
			c.zeroRTTSeal = nil
			c.zeroRTTMu.Unlock()
		case handshake.EventHandshakeDone:
			c.onHandshakeComplete()
		}
	}
}

// spaceLevelFor maps an encryption level onto the packet space that
// carries it: 0-RTT shares the Application space per RFC 9002.
func (c *Connection) spaceLevelFor(level protocol.EncryptionLevel) protocol.EncryptionLevel {
	if level == protocol.Encryption0RTT {
		return protocol.Encryption1RTT
	}
	return level
}

func (c *Connection) applyPeerTransportParameters(tp *TransportParameters) {
	c.handshakeMu.Lock()
	c.peerTP = tp
	c.handshakeMu.Unlock()

	c.connFlow.Send.UpdateLimit(protocol.ByteCount(tp.InitialMaxData))
	c.raiseStreamLimits(protocol.StreamNum(tp.InitialMaxStreamsBidi), protocol.StreamNum(tp.InitialMaxStreamsUni))

	c.streamsMu.Lock()
	for _, s := range c.streams {
		if s.id.Type() == protocol.StreamTypeBidi {
			s.sendWindow.UpdateLimit(protocol.ByteCount(tp.InitialMaxStreamDataBidiRemote))
		} else {
			s.sendWindow.UpdateLimit(protocol.ByteCount(tp.InitialMaxStreamDataUni))
		}
	}
	c.streamsMu.Unlock()
}

// onHandshakeComplete records the TLS handshake finishing on our side;
// any pending Finished flight is flushed before waiters wake.
func (c *Connection) onHandshakeComplete() {
	c.handshakeMu.Lock()
	c.handshakeComplete = true
	c.usedEarlyData = c.earlyDataOffered && !c.earlyDataRejected
	c.handshakeMu.Unlock()
	c.flushCryptoSpace(protocol.EncryptionHandshake)
	c.handshakeOnce.Do(func() { close(c.handshakeCompleteCh) })
}

// onHandshakeConfirmed handles the peer's HANDSHAKE_DONE frame, which is
// the point where Handshake keys are retired (RFC 9001 §4.9.2).
func (c *Connection) onHandshakeConfirmed() {
	c.onHandshakeComplete()
	c.spaces[protocol.EncryptionHandshake].dropKeys()
}

func (c *Connection) isHandshakeComplete() bool {
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()
	return c.handshakeComplete
}

// installSecret derives AEAD/header-protection keys from a just-surfaced
// TLS secret. Initial keys never pass through here (they come straight
// from the connection ID); 0-RTT write keys are kept aside since they
// share the Application packet space but not its key set.
func (c *Connection) installSecret(level protocol.EncryptionLevel, secret []byte, isWrite bool) {
	dir, err := handshake.DeriveKeysFromSecret(secret, aeadKeyLen)
	if err != nil {
		c.logger.Errorf("key derivation failed: %s", err)
		return
	}
	if level == protocol.Encryption0RTT {
		if isWrite && c.config.Allow0RTT {
			c.zeroRTTMu.Lock()
			c.zeroRTTSeal = dir
			c.zeroRTTMu.Unlock()
			c.handshakeMu.Lock()
			c.earlyDataOffered = true
			c.handshakeMu.Unlock()
		}
		return
	}
	sp := c.spaces[level]
	if isWrite {
		sp.setSeal(dir)
	} else {
		sp.setOpen(dir)
	}
	if level == protocol.Encryption1RTT {
		c.keyMu.Lock()
		if isWrite {
			c.appSealSecret = append([]byte{}, secret...)
		} else {
			c.appOpenSecret = append([]byte{}, secret...)
		}
		c.lastKeyUpdate = time.Now()
		c.keyMu.Unlock()
	}
}

func (c *Connection) zeroRTTKeys() *handshake.DirectionalKeys {
	c.zeroRTTMu.Lock()
	defer c.zeroRTTMu.Unlock()
	return c.zeroRTTSeal
}

// KeySet is re-exported so callers outside this package never need to
// import internal/handshake directly.
type KeySet = handshake.KeySet

func (c *Connection) flushCryptoSpace(level protocol.EncryptionLevel) {
	sp := c.spaces[level]
	if sp == nil || sp.sealKeys() == nil {
		return
	}
	var frames []wire.Frame
	frames = append(frames, sp.takeRetransmit()...)
	if data, off := sp.takeCrypto(); len(data) > 0 {
		frames = append(frames, &wire.CryptoFrame{Offset: off, Data: data})
	}
	if ack := sp.takeAckFrame(); ack != nil {
		frames = append(frames, ack)
	}
	if len(frames) == 0 {
		return
	}
	if err := c.sendPacket(level, frames); err != nil {
		c.logger.Debugf("flushing %s crypto data failed: %s", level, err)
	}
}

// --- packet assembly ---

func (c *Connection) sealKeysFor(level protocol.EncryptionLevel) *handshake.DirectionalKeys {
	if level == protocol.Encryption0RTT {
		return c.zeroRTTKeys()
	}
	return c.spaces[level].sealKeys()
}

func (c *Connection) sendPacket(level protocol.EncryptionLevel, frames []wire.Frame) error {
	c.pktMu.Lock()
	defer c.pktMu.Unlock()

	sp := c.spaces[c.spaceLevelFor(level)]
	seal := c.sealKeysFor(level)
	if seal == nil {
		return fmt.Errorf("quic: no %s keys installed yet", level)
	}

	var payload []byte
	for _, f := range frames {
		var err error
		payload, err = f.Append(payload)
		if err != nil {
			return err
		}
	}
	if len(payload) == 0 {
		payload, _ = (&wire.PingFrame{}).Append(payload)
	}

	now := time.Now()
	c.sender.OnIdle(now, 10*time.Second)

	pn := sp.sent.NextPacketNumber()
	largestAcked := sp.sent.LargestAcked()
	if largestAcked < 0 {
		largestAcked = 0
	}
	pnBytes, pnLen := wire.EncodePacketNumber(pn, largestAcked)

	var header []byte
	if level == protocol.Encryption1RTT {
		header = wire.AppendShortHeader(nil, c.destConnID, false, c.currentKeyPhase(), pnLen)
	} else {
		typ := longPacketTypeFor(level)
		var token []byte
		if typ == protocol.PacketTypeInitial {
			token = c.token
		}
		length := uint64(pnLen) + uint64(len(payload)) + 16 // AEAD tag
		header = wire.AppendLongHeader(nil, typ, protocol.VersionTLS, c.destConnID, c.srcConnID, token, pnLen, length)
	}
	pnOffset := len(header)
	header = append(header, pnBytes...)

	nonce := seal.Nonce(pn)
	sealed := seal.AEAD.Seal(nil, nonce, payload, header)
	packet := append(header, sealed...)

	if level == protocol.EncryptionInitial && len(packet) < minInitialDatagramSize {
		pad := make([]byte, minInitialDatagramSize-len(packet))
		packet = append(packet, pad...)
	}

	if err := wire.ApplyHeaderProtection(seal.HPSeal, packet, pnOffset, pnLen); err != nil {
		return err
	}

	sp.sent.SentPacket(&ackhandler.Packet{PacketNumber: pn, SentTime: now, Size: protocol.ByteCount(len(packet)), Frames: frames, InFlight: true})
	c.sender.OnPacketSent(congestion.SentPacketInfo{PacketNumber: pn, SentTime: now, Size: protocol.ByteCount(len(packet)), InFlight: true})
	c.lastAckEliciting = now

	if level == protocol.EncryptionHandshake {
		// First Handshake send retires the Initial keys (RFC 9001 §4.9.1).
		c.dropInitialOnce.Do(func() { c.spaces[protocol.EncryptionInitial].dropKeys() })
	}
	if level == protocol.Encryption1RTT {
		c.maybeInitiateKeyUpdate()
	}

	_, err := c.pconn.WriteTo(packet, c.remoteAddr)
	return err
}

func longPacketTypeFor(level protocol.EncryptionLevel) protocol.PacketType {
	switch level {
	case protocol.EncryptionInitial:
		return protocol.PacketTypeInitial
	case protocol.EncryptionHandshake:
		return protocol.PacketTypeHandshake
	default:
		return protocol.PacketType0RTT
	}
}

// --- key update (RFC 9001 §6) ---

func (c *Connection) currentKeyPhase() int {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	return c.keyPhase & 1
}

// maybeInitiateKeyUpdate ratchets the 1-RTT keys once enough packets
// have been sealed under the current generation, but no sooner than
// 3·PTO after the previous update so the peer has confirmably caught
// up.
func (c *Connection) maybeInitiateKeyUpdate() {
	if !c.isHandshakeComplete() {
		return
	}
	interval := c.config.KeyUpdateInterval
	if interval == 0 {
		interval = DefaultKeyUpdateInterval
	}
	pto := c.sender.RTT.PTO(c.config.MaxAckDelay)
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	c.sealedSinceKeyUpdate++
	if c.sealedSinceKeyUpdate < interval || c.appSealSecret == nil || c.appOpenSecret == nil {
		return
	}
	if time.Since(c.lastKeyUpdate) < 3*pto {
		return
	}
	c.ratchetKeysLocked()
}

// ratchetKeysLocked advances both traffic secrets one generation and
// installs the derived keys; both directions move together per RFC 9001
// §6.1. Callers hold keyMu.
func (c *Connection) ratchetKeysLocked() {
	nextSeal := handshake.UpdateKey(c.appSealSecret)
	nextOpen := handshake.UpdateKey(c.appOpenSecret)
	sealKeys, err := handshake.DeriveKeysFromSecret(nextSeal, aeadKeyLen)
	if err != nil {
		return
	}
	openKeys, err := handshake.DeriveKeysFromSecret(nextOpen, aeadKeyLen)
	if err != nil {
		return
	}
	c.appSealSecret = nextSeal
	c.appOpenSecret = nextOpen
	sp := c.spaces[protocol.Encryption1RTT]
	sp.setSeal(sealKeys)
	sp.setOpen(openKeys)
	c.keyPhase ^= 1
	c.sealedSinceKeyUpdate = 0
	c.lastKeyUpdate = time.Now()
}

// tryPeerKeyUpdate handles a short-header packet whose key-phase bit
// doesn't match ours: derive the next-generation open keys and attempt
// to open with them; success commits the ratchet for both directions.
func (c *Connection) tryPeerKeyUpdate(header, ciphertext []byte, pn protocol.PacketNumber) ([]byte, bool) {
	c.keyMu.Lock()
	if c.appOpenSecret == nil {
		c.keyMu.Unlock()
		return nil, false
	}
	candSecret := handshake.UpdateKey(c.appOpenSecret)
	c.keyMu.Unlock()
	cand, err := handshake.DeriveKeysFromSecret(candSecret, aeadKeyLen)
	if err != nil {
		return nil, false
	}
	plaintext, err := cand.AEAD.Open(nil, cand.Nonce(pn), ciphertext, header)
	if err != nil {
		return nil, false
	}
	c.keyMu.Lock()
	c.ratchetKeysLocked()
	c.keyMu.Unlock()
	return plaintext, true
}

// --- receive path ---

func (c *Connection) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, _, err := c.pconn.ReadFrom(buf)
		if err != nil {
			return
		}
		c.touch()
		c.handleDatagram(append([]byte{}, buf[:n]...))
	}
}

func (c *Connection) handleDatagram(data []byte) {
	for len(data) > 0 {
		if data[0]&0x80 != 0 {
			n := c.handleLongHeaderPacket(data)
			if n <= 0 {
				return
			}
			data = data[n:]
		} else {
			c.handleShortHeaderPacket(data)
			return
		}
	}
}

func (c *Connection) handleLongHeaderPacket(data []byte) int {
	h, _, err := wire.ParseHeader(data)
	if err != nil {
		if errors.Is(err, wire.ErrVersionNegotiation) {
			c.tearDown(err)
			return -1
		}
		c.logger.Debugf("dropping unparseable long-header packet: %s", err)
		return -1
	}
	if h.Type == protocol.PacketTypeRetry {
		c.handleRetry(h)
		return len(data)
	}
	level := levelForPacketType(h.Type)
	sp := c.spaces[level]
	if sp == nil || sp.openKeys() == nil {
		return -1 // keys not installed (or a 0-RTT packet, which a client never accepts)
	}
	total := h.ParsedLen + int(h.Length)
	if total > len(data) {
		total = len(data)
	}
	pkt := data[:total]
	c.processProtectedPacket(pkt, h.ParsedLen, sp, level)
	return total
}

// handleRetry restarts the handshake with the server-provided token and
// connection ID (RFC 9000 §17.2.5). Only the first Retry counts; later
// ones (or one after the handshake moved on) are dropped.
func (c *Connection) handleRetry(h *wire.Header) {
	if c.isHandshakeComplete() {
		return
	}
	c.pktMu.Lock()
	if len(c.token) > 0 {
		c.pktMu.Unlock()
		return
	}
	c.token = append([]byte{}, h.Token...)
	c.destConnID = append(protocol.ConnectionID{}, h.SrcConnID...)
	c.pktMu.Unlock()

	keys, err := handshake.DeriveInitialKeys(c.destConnID)
	if err != nil {
		c.tearDown(err)
		return
	}
	sp := c.spaces[protocol.EncryptionInitial]
	sp.setKeys(keys)

	c.handshakeMu.Lock()
	hello := append([]byte{}, c.initialCrypto...)
	c.handshakeMu.Unlock()
	if len(hello) > 0 {
		sp.queueRetransmit([]wire.Frame{&wire.CryptoFrame{Offset: 0, Data: hello}})
		c.flushCryptoSpace(protocol.EncryptionInitial)
	}
}

func (c *Connection) handleShortHeaderPacket(data []byte) {
	sp := c.spaces[protocol.Encryption1RTT]
	if sp.openKeys() == nil {
		return
	}
	h, _, err := wire.ParseShortHeader(data, len(c.srcConnID))
	if err != nil {
		return
	}
	c.processProtectedPacket(data, h.ParsedLen, sp, protocol.Encryption1RTT)
}

func (c *Connection) processProtectedPacket(pkt []byte, pnOffset int, sp *packetSpace, level protocol.EncryptionLevel) {
	open := sp.openKeys()
	if open == nil {
		return
	}
	pnLen, err := wire.RemoveHeaderProtection(open.HPSeal, pkt, pnOffset)
	if err != nil {
		return
	}
	truncated := uint32(0)
	for i := 0; i < pnLen; i++ {
		truncated = truncated<<8 | uint32(pkt[pnOffset+i])
	}
	pn := wire.DecodePacketNumber(truncated, pnLen, sp.largestReceivedPN())

	header := pkt[:pnOffset+pnLen]
	ciphertext := pkt[pnOffset+pnLen:]

	plaintext, err := open.AEAD.Open(nil, open.Nonce(pn), ciphertext, header)
	if err != nil {
		if level == protocol.Encryption1RTT && c.isHandshakeComplete() &&
			wire.KeyPhaseBit(pkt[0]) != c.currentKeyPhase() {
			if pt, ok := c.tryPeerKeyUpdate(header, ciphertext, pn); ok {
				sp.recordReceived(pn)
				c.handleFrames(pt, level, sp)
				return
			}
		}
		// isolated AEAD failures are dropped silently, not treated as fatal
		c.logger.Debugf("AEAD open failed at %s", level)
		return
	}
	sp.recordReceived(pn)
	c.handleFrames(plaintext, level, sp)
}

func (c *Connection) handleFrames(data []byte, level protocol.EncryptionLevel, sp *packetSpace) {
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		f, err := wire.ParseNextFrame(r, level)
		if err != nil {
			if errors.Is(err, protocol.ErrProtocolViolation) {
				c.closeWithTransportError(protocol.ErrProtocolViolation, err.Error())
			} else if errors.Is(err, protocol.ErrFrameEncodingError) {
				c.closeWithTransportError(protocol.ErrFrameEncodingError, err.Error())
			} else {
				c.logger.Debugf("frame parse error: %s", err)
			}
			return
		}
		if f == nil {
			return
		}
		c.handleFrame(f, level, sp)
	}
}

func (c *Connection) handleFrame(f wire.Frame, level protocol.EncryptionLevel, sp *packetSpace) {
	switch fr := f.(type) {
	case *wire.PingFrame:
		sp.markAckElicited()
	case *wire.CryptoFrame:
		sp.markAckElicited()
		if err := c.cryptoSetup.HandleMessage(fr.Data, level); err != nil {
			c.logger.Errorf("tls handshake error: %s", err)
			c.tearDown(err)
			return
		}
		c.drainCryptoEvents()
		c.flushCryptoSpace(protocol.EncryptionInitial)
		c.flushCryptoSpace(protocol.EncryptionHandshake)
		c.flushCryptoSpace(protocol.Encryption1RTT)
	case *wire.AckFrame:
		c.handleAckFrame(fr, sp)
	case *wire.StreamFrame:
		sp.markAckElicited()
		c.dispatchStreamFrame(fr)
	case *wire.ResetStreamFrame:
		sp.markAckElicited()
		if s := c.lookupStream(fr.StreamID); s != nil {
			s.handleReset(StreamErrorCode(fr.ErrorCode))
		}
	case *wire.StopSendingFrame:
		sp.markAckElicited()
		if s := c.lookupStream(fr.StreamID); s != nil {
			s.CancelWrite(StreamErrorCode(fr.ErrorCode))
		}
	case *wire.MaxDataFrame:
		sp.markAckElicited()
		c.connFlow.Send.UpdateLimit(fr.MaximumData)
		c.scheduleStream(0)
	case *wire.MaxStreamDataFrame:
		sp.markAckElicited()
		if s := c.lookupStream(fr.StreamID); s != nil {
			s.sendWindow.UpdateLimit(fr.MaximumStreamData)
			c.scheduleStream(fr.StreamID)
		}
	case *wire.MaxStreamsFrame:
		sp.markAckElicited()
		if fr.Type == protocol.StreamTypeBidi {
			c.raiseStreamLimits(fr.MaxStreamNum, 0)
		} else {
			c.raiseStreamLimits(0, fr.MaxStreamNum)
		}
	case *wire.HandshakeDoneFrame:
		sp.markAckElicited()
		c.onHandshakeConfirmed()
	case *wire.ConnectionCloseFrame:
		err := error(&TransportError{Code: protocol.TransportErrorCode(fr.ErrorCode), Remote: true, ErrorMessage: fr.ReasonPhrase})
		if fr.IsApplicationError {
			err = &ApplicationError{ErrorCode: ApplicationErrorCode(fr.ErrorCode), Remote: true, ErrorMessage: fr.ReasonPhrase}
		}
		c.tearDown(err)
	case *wire.NewConnectionIDFrame, *wire.RetireConnectionIDFrame, *wire.PathChallengeFrame, *wire.PathResponseFrame,
		*wire.NewTokenFrame, *wire.DataBlockedFrame, *wire.StreamDataBlockedFrame, *wire.StreamsBlockedFrame:
		sp.markAckElicited()
	}
}

func (c *Connection) handleAckFrame(fr *wire.AckFrame, sp *packetSpace) {
	ackDelay := c.scaledAckDelay(fr.DelayTime)
	result := sp.sent.OnAckReceived(fr, &c.sender.RTT, ackDelay, time.Now())
	for _, p := range result.Acked {
		c.sender.OnPacketAcked(congestion.SentPacketInfo{PacketNumber: p.PacketNumber, SentTime: p.SentTime, Size: p.Size, InFlight: p.InFlight}, time.Now())
	}
	if len(result.Lost) > 0 {
		var lost []congestion.SentPacketInfo
		for _, p := range result.Lost {
			lost = append(lost, congestion.SentPacketInfo{PacketNumber: p.PacketNumber, SentTime: p.SentTime, Size: p.Size, InFlight: p.InFlight})
			c.requeueFrames(sp, p.Frames)
		}
		c.sender.OnPacketsLost(lost, time.Now())
	}
}

// scaledAckDelay converts the wire ACK Delay field (microseconds shifted
// by the peer's ack_delay_exponent) into a duration.
func (c *Connection) scaledAckDelay(raw time.Duration) time.Duration {
	exp := uint(protocol.DefaultAckDelayExponent)
	c.handshakeMu.Lock()
	if c.peerTP != nil {
		exp = uint(c.peerTP.AckDelayExponent)
	}
	c.handshakeMu.Unlock()
	if exp > 20 {
		exp = 20
	}
	return raw * time.Duration(1<<exp) * time.Microsecond
}

// requeueFrames puts a lost packet's retransmittable frames back in line
// for the next packet at the same level; STREAM and CRYPTO frames carry
// their original offsets, so they are re-emitted verbatim.
func (c *Connection) requeueFrames(sp *packetSpace, frames []wire.Frame) {
	var retr []wire.Frame
	for _, f := range frames {
		switch f.(type) {
		case *wire.StreamFrame, *wire.CryptoFrame, *wire.ResetStreamFrame, *wire.StopSendingFrame:
			retr = append(retr, f)
		}
	}
	if len(retr) > 0 {
		sp.queueRetransmit(retr)
		c.scheduleStream(0)
	}
}

func levelForPacketType(t protocol.PacketType) protocol.EncryptionLevel {
	switch t {
	case protocol.PacketTypeInitial:
		return protocol.EncryptionInitial
	case protocol.PacketTypeHandshake:
		return protocol.EncryptionHandshake
	default:
		return protocol.Encryption0RTT
	}
}

func (c *Connection) lookupStream(id StreamID) *Stream {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	return c.streams[id]
}

// dispatchStreamFrame routes a STREAM frame to its stream, creating
// peer-initiated streams on first sight after validating the ID's
// initiator bits and our advertised limits.
func (c *Connection) dispatchStreamFrame(fr *wire.StreamFrame) {
	c.streamsMu.Lock()
	s, ok := c.streams[fr.StreamID]
	if !ok {
		if fr.StreamID.InitiatedBy() == protocol.PerspectiveClient {
			// A frame for a client-initiated ID we never opened.
			c.streamsMu.Unlock()
			c.closeWithTransportError(protocol.ErrStreamStateError, fmt.Sprintf("received frame for unopened local stream %d", fr.StreamID))
			return
		}
		isUni := fr.StreamID.Type() == protocol.StreamTypeUni
		var limit protocol.StreamNum
		if isUni {
			limit = protocol.StreamNum(c.config.MaxIncomingUniStreams)
		} else if c.config.MaxIncomingStreams > 0 {
			limit = protocol.StreamNum(c.config.MaxIncomingStreams)
		}
		if fr.StreamID.StreamNum() >= limit {
			c.streamsMu.Unlock()
			c.closeWithTransportError(protocol.ErrStreamLimitError, fmt.Sprintf("peer opened stream %d beyond its limit", fr.StreamID))
			return
		}
		s = newStream(fr.StreamID, c, protocol.DefaultInitialMaxStreamData, c.config.InitialMaxStreamDataBidiRemote)
		c.streams[fr.StreamID] = s
		c.streamsMu.Unlock()
		if isUni {
			select {
			case c.acceptUniCh <- s:
			default:
			}
		} else {
			select {
			case c.acceptBidiCh <- s:
			default:
			}
		}
	} else {
		c.streamsMu.Unlock()
	}

	newBytes, err := s.handleStreamFrame(fr.Offset, fr.Data, fr.Fin)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrFinalSizeError):
			c.closeWithTransportError(protocol.ErrFinalSizeError, err.Error())
		case errors.Is(err, protocol.ErrFlowControlError):
			c.closeWithTransportError(protocol.ErrFlowControlError, err.Error())
		default:
			c.logger.Debugf("stream %d error: %s", fr.StreamID, err)
		}
		return
	}
	if newBytes > 0 {
		if err := c.connFlow.Receive.AddReceivedBytes(newBytes); err != nil {
			c.closeWithTransportError(protocol.ErrFlowControlError, "peer exceeded connection flow-control limit")
		}
	}
}

// --- send pump ---

func (c *Connection) sendLoop() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.sendSignal:
			c.flushApplicationData()
		case <-ticker.C:
			c.flushApplicationData()
			c.flushCryptoSpace(protocol.EncryptionInitial)
			c.flushCryptoSpace(protocol.EncryptionHandshake)
			c.checkLossAndProbe()
		}
	}
}

// checkLossAndProbe runs the time-threshold loss detector for every
// space and fires a PTO probe when in-flight data has gone
// unacknowledged for a full (backed-off) probe timeout.
func (c *Connection) checkLossAndProbe() {
	now := time.Now()
	for _, sp := range c.spaces {
		if sp.sealKeys() == nil {
			continue
		}
		if lt := sp.sent.LossTime(); !lt.IsZero() && now.After(lt) {
			lost := sp.sent.DetectTimeLosses(&c.sender.RTT, now)
			if len(lost) > 0 {
				var infos []congestion.SentPacketInfo
				for _, p := range lost {
					infos = append(infos, congestion.SentPacketInfo{PacketNumber: p.PacketNumber, SentTime: p.SentTime, Size: p.Size, InFlight: p.InFlight})
					c.requeueFrames(sp, p.Frames)
				}
				c.sender.OnPacketsLost(infos, now)
			}
		}
	}

	lvl, ok := c.bestSealLevel()
	if !ok {
		return
	}
	sp := c.spaces[c.spaceLevelFor(lvl)]
	if !sp.sent.HasInFlight() {
		return
	}
	pto := c.sender.RTT.PTO(c.config.MaxAckDelay) << uint(sp.sent.PTOCount())
	c.pktMu.Lock()
	last := c.lastAckEliciting
	c.pktMu.Unlock()
	if !last.IsZero() && now.Sub(last) > pto {
		sp.sent.OnPTOFired()
		if err := c.sendPacket(lvl, []wire.Frame{&wire.PingFrame{}}); err != nil {
			c.logger.Debugf("PTO probe failed: %s", err)
		}
	}
}

func (c *Connection) flushApplicationData() {
	level := protocol.Encryption1RTT
	sp := c.spaces[protocol.Encryption1RTT]
	if sp.sealKeys() == nil {
		// Before 1-RTT keys exist, early data rides in 0-RTT packets
		// (coalesced with Initial by the UDP layer's back-to-back sends).
		if c.zeroRTTKeys() == nil {
			return
		}
		level = protocol.Encryption0RTT
	}

	c.streamsMu.Lock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streamsMu.Unlock()

	var frames []wire.Frame
	size := 0
	const budget = maxDatagramSize - 64

	if level == protocol.Encryption1RTT {
		if ack := sp.takeAckFrame(); ack != nil {
			frames = append(frames, ack)
			size += ack.Length()
		}
		if newLimit, ok := c.connFlow.Receive.MaybeUpdateLimit(); ok {
			f := &wire.MaxDataFrame{MaximumData: newLimit}
			frames = append(frames, f)
			size += f.Length()
		}
	}

	retr := sp.takeRetransmit()
	for i, f := range retr {
		if size+f.Length() > budget && len(frames) > 0 {
			sp.queueRetransmit(retr[i:])
			break
		}
		frames = append(frames, f)
		size += f.Length()
	}

	for _, s := range streams {
		if size >= budget {
			break
		}
		if level == protocol.Encryption1RTT {
			if newLimit, ok := s.recvWindow.MaybeUpdateLimit(); ok {
				f := &wire.MaxStreamDataFrame{StreamID: s.id, MaximumStreamData: newLimit}
				frames = append(frames, f)
				size += f.Length()
			}
		}
		if !c.sender.CanSend(protocol.ByteCount(size)) {
			break
		}
		maxChunk := budget - size
		if credit := int(c.connFlow.Send.SendCredit()); credit < maxChunk {
			maxChunk = credit
		}
		data, offset, fin := s.pendingSendData(maxChunk)
		if len(data) == 0 && !fin {
			continue
		}
		c.connFlow.Send.AddSent(protocol.ByteCount(len(data)))
		f := &wire.StreamFrame{StreamID: s.id, Offset: offset, Data: data, Fin: fin, DataLenPresent: true}
		frames = append(frames, f)
		size += f.Length()
	}
	if len(frames) == 0 {
		return
	}
	if err := c.sendPacket(level, frames); err != nil {
		c.logger.Debugf("flushing application data failed: %s", err)
	}
}

// --- timers ---

// handshakeRetransmitLoop enforces the handshake retry budget: three
// ClientHello retransmissions with exponential backoff, then
// HandshakeTimeout.
func (c *Connection) handshakeRetransmitLoop() {
	for i, d := range HandshakeTimeoutSchedule {
		select {
		case <-c.handshakeCompleteCh:
			return
		case <-c.closedCh:
			return
		case <-time.After(d):
		}
		if i >= len(HandshakeTimeoutSchedule)-1 {
			break
		}
		sp := c.spaces[protocol.EncryptionInitial]
		if sp.sealKeys() == nil {
			// Initial keys already retired; the handshake has progressed
			// past the first flight and its own loss recovery takes over.
			return
		}
		c.handshakeMu.Lock()
		hello := append([]byte{}, c.initialCrypto...)
		c.handshakeMu.Unlock()
		if len(hello) == 0 {
			continue
		}
		c.logger.Debugf("retransmitting ClientHello (attempt %d)", i+1)
		sp.queueRetransmit([]wire.Frame{&wire.CryptoFrame{Offset: 0, Data: hello}})
		c.flushCryptoSpace(protocol.EncryptionInitial)
	}
	select {
	case <-c.handshakeCompleteCh:
		return
	case <-c.closedCh:
		return
	default:
	}
	c.tearDown(&HandshakeTimeoutError{})
}

func (c *Connection) touch() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()
}

// currentIdleTimeout is min(local, peer) max_idle_timeout (RFC 9000
// §10.1); a zero peer value means the peer disabled its side.
func (c *Connection) currentIdleTimeout() time.Duration {
	timeout := c.config.MaxIdleTimeout
	if timeout <= 0 {
		timeout = protocol.DefaultMaxIdleTimeoutMs * time.Millisecond
	}
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()
	if c.peerTP != nil && c.peerTP.MaxIdleTimeout > 0 {
		peer := time.Duration(c.peerTP.MaxIdleTimeout) * time.Millisecond
		if peer < timeout {
			timeout = peer
		}
	}
	return timeout
}

func (c *Connection) idleTimeoutLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			timeout := c.currentIdleTimeout()
			c.activityMu.Lock()
			idle := time.Since(c.lastActivity)
			sinceKeepAlive := time.Since(c.lastKeepAlive)
			c.activityMu.Unlock()
			if idle > timeout {
				c.tearDown(&IdleTimeoutError{Idle: idle})
				return
			}
			period := c.config.KeepAlivePeriod
			if period <= 0 {
				period = 15 * time.Second
			}
			if c.config.KeepAlive && c.isHandshakeComplete() &&
				idle > period && sinceKeepAlive > period {
				c.activityMu.Lock()
				c.lastKeepAlive = time.Now()
				c.activityMu.Unlock()
				if err := c.sendPacket(protocol.Encryption1RTT, []wire.Frame{&wire.PingFrame{}}); err != nil {
					c.logger.Debugf("keep-alive ping failed: %s", err)
				}
			}
		}
	}
}
