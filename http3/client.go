package http3

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/menchan-Rub/quantum/internal/utils"
	"github.com/menchan-Rub/quantum/qpack"
	"github.com/menchan-Rub/quantum/quic"
	"github.com/menchan-Rub/quantum/quicvarint"
)

// MethodGet0RTT requests that GET be sent using 0-RTT data; 0-RTT data
// carries no replay protection, so this is opt-in per call site.
const MethodGet0RTT = "GET_0RTT"

const (
	defaultMaxResponseHeaderBytes = 10 * 1 << 20
	qpackMaxTableCapacity         = 4096
	qpackBlockedStreams           = 16
)

var defaultQUICConfig = &quic.Config{
	MaxIncomingStreams: -1,
	KeepAlive:          true,
	Versions:           []quic.VersionNumber{quic.VersionTLS},
}

type dialFunc func(ctx context.Context, addr string, tlsCfg *tls.Config, cfg *quic.Config) (quic.EarlyConnection, error)

var dialAddr dialFunc = quic.DialAddrEarlyContext

// roundTripperOpts are the per-RoundTripper knobs a client instance is
// built with; see RoundTripper in roundtrip.go.
type roundTripperOpts struct {
	DisableCompression bool
	EnableDatagram      bool
	MaxHeaderBytes      int64
	AdditionalSettings  map[uint64]uint64
}

// client drives HTTP/3 over one dialed QUIC connection to a single
// origin; RoundTripper multiplexes one client per origin.
type client struct {
	tlsConf *tls.Config
	config  *quic.Config
	opts    *roundTripperOpts

	dialOnce     sync.Once
	dialer       dialFunc
	handshakeErr error

	requestWriter *requestWriter

	encoder *qpack.Encoder
	decoder *qpack.Decoder

	encoderStreamMu sync.Mutex
	encoderStream   io.Writer
	decoderStreamMu sync.Mutex
	decoderStream   io.Writer

	hostname string
	conn     quic.EarlyConnection

	logger utils.Logger
}

func newClient(hostname string, tlsConf *tls.Config, opts *roundTripperOpts, conf *quic.Config, dialer dialFunc) (*client, error) {
	if conf == nil {
		conf = defaultQUICConfig.Clone()
	} else if len(conf.Versions) == 0 {
		conf = conf.Clone()
		conf.Versions = []quic.VersionNumber{defaultQUICConfig.Versions[0]}
	}
	if len(conf.Versions) != 1 {
		return nil, errors.New("http3: can only use a single QUIC version for dialing a connection")
	}
	if conf.MaxIncomingStreams == 0 {
		conf.MaxIncomingStreams = -1
	}
	conf.EnableDatagrams = opts.EnableDatagram
	logger := utils.DefaultLogger.WithPrefix("h3 client")

	if tlsConf == nil {
		tlsConf = &tls.Config{}
	} else {
		tlsConf = tlsConf.Clone()
	}
	tlsConf.NextProtos = []string{versionToALPN(conf.Versions[0])}

	enc := qpack.NewEncoder()
	enc.SetCapacity(qpackMaxTableCapacity)
	enc.SetBlockedStreamsLimit(qpackBlockedStreams)
	dec := qpack.NewDecoder(qpackMaxTableCapacity)
	dec.SetBlockedStreamsLimit(qpackBlockedStreams)

	return &client{
		hostname:      authorityAddr("https", hostname),
		tlsConf:       tlsConf,
		requestWriter: newRequestWriter(logger, enc),
		encoder:       enc,
		decoder:       dec,
		config:        conf,
		opts:          opts,
		dialer:        dialer,
		logger:        logger,
	}, nil
}

func (c *client) dial(ctx context.Context) error {
	var err error
	if c.dialer != nil {
		c.conn, err = c.dialer(ctx, c.hostname, c.tlsConf, c.config)
	} else {
		c.conn, err = dialAddr(ctx, c.hostname, c.tlsConf, c.config)
	}
	if err != nil {
		return err
	}

	go func() {
		if err := c.setupConn(); err != nil {
			c.logger.Debugf("setting up connection failed: %s", err)
			c.conn.CloseWithError(quic.ApplicationErrorCode(errorInternalError), "")
		}
	}()
	go c.handleUnidirectionalStreams()
	return nil
}

// setupConn opens the three critical unidirectional streams this client
// sends on: the HTTP/3 control stream (SETTINGS) and the QPACK encoder
// and decoder streams (RFC 9204 §4.2) that keep the dynamic table in
// sync.
func (c *client) setupConn() error {
	ctrl, err := c.conn.OpenUniStream()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	quicvarint.Write(&buf, streamTypeControlStream)
	(&settingsFrame{
		Datagram: c.opts.EnableDatagram,
		Other: map[uint64]uint64{
			settingQPACKMaxTableCapacity: qpackMaxTableCapacity,
			settingQPACKBlockedStreams:   qpackBlockedStreams,
		},
	}).Write(&buf)
	if _, err := ctrl.Write(buf.Bytes()); err != nil {
		return err
	}

	encStr, err := c.conn.OpenUniStream()
	if err != nil {
		return err
	}
	var encHdr bytes.Buffer
	quicvarint.Write(&encHdr, streamTypeQPACKEncoderStream)
	if _, err := encStr.Write(encHdr.Bytes()); err != nil {
		return err
	}
	c.encoderStreamMu.Lock()
	c.encoderStream = encStr
	c.encoderStreamMu.Unlock()
	go c.pumpEncoderInstructions()

	decStr, err := c.conn.OpenUniStream()
	if err != nil {
		return err
	}
	var decHdr bytes.Buffer
	quicvarint.Write(&decHdr, streamTypeQPACKDecoderStream)
	if _, err := decStr.Write(decHdr.Bytes()); err != nil {
		return err
	}
	c.decoderStreamMu.Lock()
	c.decoderStream = decStr
	c.decoderStreamMu.Unlock()
	go c.pumpDecoderInstructions()
	return nil
}

// pumpEncoderInstructions periodically flushes newly queued QPACK
// encoder-stream instructions (dynamic table insertions) to the peer.
func (c *client) pumpEncoderInstructions() {
	for range tick(qpackPumpInterval) {
		b := c.encoder.PendingInstructions()
		if len(b) == 0 {
			continue
		}
		c.encoderStreamMu.Lock()
		w := c.encoderStream
		c.encoderStreamMu.Unlock()
		if w == nil {
			continue
		}
		if _, err := w.Write(b); err != nil {
			c.logger.Debugf("writing QPACK encoder instructions failed: %s", err)
			return
		}
	}
}

// pumpDecoderInstructions mirrors pumpEncoderInstructions for the
// decoder's section acknowledgments / stream cancellations / insert
// count increments.
func (c *client) pumpDecoderInstructions() {
	for range tick(qpackPumpInterval) {
		b := c.decoder.PendingInstructions()
		if len(b) == 0 {
			continue
		}
		c.decoderStreamMu.Lock()
		w := c.decoderStream
		c.decoderStreamMu.Unlock()
		if w == nil {
			continue
		}
		if _, err := w.Write(b); err != nil {
			c.logger.Debugf("writing QPACK decoder instructions failed: %s", err)
			return
		}
	}
}

func (c *client) handleUnidirectionalStreams() {
	for {
		str, err := c.conn.AcceptUniStream(context.Background())
		if err != nil {
			c.logger.Debugf("accepting unidirectional stream failed: %s", err)
			return
		}
		go c.handleUnidirectionalStream(str)
	}
}

func (c *client) handleUnidirectionalStream(str *quic.Stream) {
	streamType, err := quicvarint.Read(quicvarint.NewReader(str))
	if err != nil {
		c.logger.Debugf("reading stream type on stream %d failed: %s", str.StreamID(), err)
		return
	}
	switch streamType {
	case streamTypeControlStream:
		c.readControlStream(str)
	case streamTypeQPACKEncoderStream:
		c.readEncoderStream(str)
	case streamTypeQPACKDecoderStream:
		c.readDecoderStream(str)
	case streamTypePushStream:
		c.conn.CloseWithError(quic.ApplicationErrorCode(errorIDError), "")
	default:
		str.CancelRead(quic.StreamErrorCode(errorStreamCreationError))
	}
}

func (c *client) readControlStream(str *quic.Stream) {
	f, err := parseNextFrame(str, nil)
	if err != nil {
		c.conn.CloseWithError(quic.ApplicationErrorCode(errorFrameError), "")
		return
	}
	sf, ok := f.(*settingsFrame)
	if !ok {
		c.conn.CloseWithError(quic.ApplicationErrorCode(errorMissingSettings), "")
		return
	}
	if tableCap, ok := sf.Other[settingQPACKMaxTableCapacity]; ok {
		c.encoder.SetCapacity(minInt(qpackMaxTableCapacity, int(tableCap)))
	}
	if n, ok := sf.Other[settingQPACKBlockedStreams]; ok {
		c.encoder.SetBlockedStreamsLimit(int(n))
	}
	if c.opts.EnableDatagram && !sf.Datagram {
		return
	}
	if c.opts.EnableDatagram && !c.conn.ConnectionState().SupportsDatagrams {
		c.conn.CloseWithError(quic.ApplicationErrorCode(errorSettingsError), "missing QUIC Datagram support")
		return
	}

	for {
		f, err := parseNextFrame(str, nil)
		if err != nil {
			// The control stream is critical for the connection's whole
			// lifetime; the peer closing it (or resetting it) is fatal.
			c.conn.CloseWithError(quic.ApplicationErrorCode(errorClosedCriticalStream), "control stream closed")
			return
		}
		if _, ok := f.(*goawayFrame); ok {
			// A GOAWAY tells us the server won't initiate new streams
			// and will finish streams below the given ID; this client
			// never accepts server-initiated requests, so there's
			// nothing further to act on beyond logging it.
			c.logger.Infof("received GOAWAY on control stream")
		}
	}
}

// readEncoderStream applies QPACK encoder-stream instructions as they
// arrive. It parses instruction-by-instruction directly off the stream
// (RunEncoderStream), rather than chunking by Read call, since an
// instruction can legitimately straddle two QUIC STREAM frames.
func (c *client) readEncoderStream(str *quic.Stream) {
	if err := c.decoder.RunEncoderStream(str); err != nil {
		c.logger.Debugf("QPACK encoder stream ended: %s", err)
		if err != io.EOF {
			c.conn.CloseWithError(quic.ApplicationErrorCode(errorQPACKEncoderStreamError), "")
		}
	}
}

func (c *client) readDecoderStream(str *quic.Stream) {
	// This client's Encoder never blocks on acknowledgment to make
	// forward progress, so decoder-stream instructions from the peer
	// are drained but not otherwise acted on.
	buf := make([]byte, 4096)
	for {
		if _, err := str.Read(buf); err != nil {
			return
		}
	}
}

func (c *client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.CloseWithError(quic.ApplicationErrorCode(errorNoError), "")
}

func (c *client) maxHeaderBytes() uint64 {
	if c.opts.MaxHeaderBytes <= 0 {
		return defaultMaxResponseHeaderBytes
	}
	return uint64(c.opts.MaxHeaderBytes)
}

// RoundTrip executes one request on this origin's connection, dialing
// it lazily on first use.
func (c *client) RoundTrip(req *http.Request) (*http.Response, error) {
	if authorityAddr("https", hostnameFromRequest(req)) != c.hostname {
		return nil, fmt.Errorf("http3 client bug: RoundTrip called for the wrong client (expected %s, got %s)", c.hostname, req.Host)
	}

	c.dialOnce.Do(func() {
		c.handshakeErr = c.dial(req.Context())
	})
	if c.handshakeErr != nil {
		return nil, c.handshakeErr
	}

	if req.Method == MethodGet0RTT {
		req.Method = http.MethodGet
	} else {
		select {
		case <-c.conn.HandshakeComplete().Done():
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	str, err := c.conn.OpenStreamSync(req.Context())
	if err != nil {
		return nil, err
	}

	reqDone := make(chan struct{})
	go func() {
		select {
		case <-req.Context().Done():
			str.CancelWrite(quic.StreamErrorCode(errorRequestCanceled))
			str.CancelRead(quic.StreamErrorCode(errorRequestCanceled))
		case <-reqDone:
		}
	}()

	rsp, rerr := c.doRequest(req, str, reqDone)
	if rerr.err != nil {
		closeReqDone(reqDone)
		if rerr.streamErr != 0 {
			str.CancelWrite(quic.StreamErrorCode(rerr.streamErr))
		}
		if rerr.connErr != 0 {
			c.conn.CloseWithError(quic.ApplicationErrorCode(rerr.connErr), rerr.err.Error())
		}
	}
	return rsp, rerr.err
}

func closeReqDone(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (c *client) doRequest(req *http.Request, str *quic.Stream, reqDone chan struct{}) (*http.Response, requestError) {
	var requestGzip bool
	if !c.opts.DisableCompression && req.Method != http.MethodHead && req.Header.Get("Accept-Encoding") == "" && req.Header.Get("Range") == "" {
		requestGzip = true
	}
	if err := c.requestWriter.WriteRequest(str, req, requestGzip); err != nil {
		return nil, newStreamError(errorInternalError, err)
	}

	frame, err := parseNextFrame(str, nil)
	if err != nil {
		return nil, newStreamError(errorFrameError, err)
	}
	hf, ok := frame.(*headersFrame)
	if !ok {
		return nil, newConnError(errorFrameUnexpected, errors.New("expected first frame to be a HEADERS frame"))
	}
	if hf.Length > c.maxHeaderBytes() {
		return nil, newStreamError(errorFrameError, fmt.Errorf("HEADERS frame too large: %d bytes (max %d)", hf.Length, c.maxHeaderBytes()))
	}
	headerBlock := make([]byte, hf.Length)
	if _, err := io.ReadFull(str, headerBlock); err != nil {
		return nil, newStreamError(errorRequestIncomplete, err)
	}
	hfs, err := c.decoder.DecodeFieldSection(uint64(str.StreamID()), headerBlock)
	if err != nil {
		return nil, newConnError(errorQPACKDecompressionFailed, err)
	}

	res := &http.Response{
		Proto:      "HTTP/3",
		ProtoMajor: 3,
		Header:     http.Header{},
	}
	for _, hf := range hfs {
		switch hf.Name {
		case ":status":
			status, err := strconv.Atoi(hf.Value)
			if err != nil {
				return nil, newStreamError(errorGeneralProtocolError, errors.New("malformed non-numeric status pseudo header"))
			}
			res.StatusCode = status
			res.Status = hf.Value + " " + http.StatusText(status)
		default:
			res.Header.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
		}
	}

	respBody := newResponseBody(str, func(code uint64) { str.CancelRead(quic.StreamErrorCode(code)) }, reqDone, func() {
		c.conn.CloseWithError(quic.ApplicationErrorCode(errorFrameUnexpected), "")
	})

	_, hasTransferEncoding := res.Header["Transfer-Encoding"]
	isInformational := res.StatusCode >= 100 && res.StatusCode < 200
	isNoContent := res.StatusCode == 204
	isSuccessfulConnect := req.Method == http.MethodConnect && res.StatusCode >= 200 && res.StatusCode < 300
	if !hasTransferEncoding && !isInformational && !isNoContent && !isSuccessfulConnect {
		res.ContentLength = -1
		if clens, ok := res.Header["Content-Length"]; ok && len(clens) == 1 {
			if clen64, err := strconv.ParseInt(clens[0], 10, 64); err == nil {
				res.ContentLength = clen64
			}
		}
	}

	if requestGzip && res.Header.Get("Content-Encoding") == "gzip" {
		res.Header.Del("Content-Encoding")
		res.Header.Del("Content-Length")
		res.ContentLength = -1
		res.Body = newGzipReader(respBody)
		res.Uncompressed = true
	} else {
		res.Body = respBody
	}
	return res, requestError{}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
