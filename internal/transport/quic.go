package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/gorcd/internal/core/observability/log"
	"github.com/zeusync/gorcd/internal/core/router"
)

// generateSelfSignedTLS mints a throwaway TLS certificate for local
// development, lifted near-verbatim from the teacher's
// internal/core/protocol/quic/quic.go GenerateSelfSignedTLS, the same
// crypto/tls/x509 stdlib calls, since there is no third-party certificate
// generation library anywhere in the pack and rolling one's own over the
// standard library's own x509 package would just be a worse copy of it.
func generateSelfSignedTLS() (*tls.Config, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"gorcd"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:     []string{"localhost"},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: privateKey}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"gorcd-quic"},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// quicStreamConn frames every SendFrame call with an 8-byte big-endian
// length prefix, grounded on internal/core/protocol/quic/stream.go's
// SendMessage/ReceiveMessage header format, trimmed to a bare length
// prefix since this repository's envelopes are already self-describing
// JSON and need no further message-type/timestamp/TTL header fields.
type quicStreamConn struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (c *quicStreamConn) SendFrame(data []byte) error {
	header := make([]byte, 8)
	binary.BigEndian.PutUint64(header, uint64(len(data)))
	if _, err := c.stream.Write(header); err != nil {
		return fmt.Errorf("write quic frame header: %w", err)
	}
	if _, err := c.stream.Write(data); err != nil {
		return fmt.Errorf("write quic frame body: %w", err)
	}
	return nil
}

func (c *quicStreamConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *quicStreamConn) Close() error { return c.conn.CloseWithError(0, "closed") }

func (c *quicStreamConn) readFrame(maxSize int) ([]byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(c.stream, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint64(header)
	if maxSize > 0 && length > uint64(maxSize) {
		return nil, fmt.Errorf("quic frame of %d bytes exceeds max_envelope_bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(c.stream, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// QUICServer is the QUIC half of spec.md §6's transport, grounded on
// internal/core/protocol/quic/listener.go's Listen/Accept shape but
// without the teacher's protocol.BaseTransport statistics and feature
// negotiation, which the router has no use for.
type QUICServer struct {
	addr             string
	router           *router.Router
	registry         *Registry
	maxEnvelopeBytes int
	logger           log.Log

	listener *quic.Listener
}

func NewQUICServer(addr string, r *router.Router, registry *Registry, maxEnvelopeBytes int, logger log.Log) *QUICServer {
	return &QUICServer{addr: addr, router: r, registry: registry, maxEnvelopeBytes: maxEnvelopeBytes, logger: logger}
}

func (s *QUICServer) Start(ctx context.Context) error {
	tlsConfig, err := generateSelfSignedTLS()
	if err != nil {
		return fmt.Errorf("generate quic tls config: %w", err)
	}

	listener, err := quic.ListenAddr(s.addr, tlsConfig, &quic.Config{MaxIdleTimeout: 30 * time.Second})
	if err != nil {
		return fmt.Errorf("listen quic %s: %w", s.addr, err)
	}
	s.listener = listener

	go s.acceptLoop(ctx)
	return nil
}

func (s *QUICServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("quic accept failed", log.Error(err))
			return
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *QUICServer) handleConn(ctx context.Context, conn *quic.Conn) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		s.logger.Error("quic accept stream failed", log.Error(err))
		return
	}

	connID := uuid.NewString()
	sc := &quicStreamConn{conn: conn, stream: stream}
	s.registry.Add(connID, sc)
	defer func() {
		s.registry.Remove(connID)
		_ = sc.Close()
	}()

	s.logger.Info("quic connection accepted", log.String("conn_id", connID), log.String("remote_addr", sc.RemoteAddr()))

	for {
		frame, err := sc.readFrame(s.maxEnvelopeBytes)
		if err != nil {
			s.logger.Debug("quic connection closed", log.String("conn_id", connID), log.Error(err))
			return
		}
		if err := s.router.HandleInbound(connID, frame, sc); err != nil {
			s.logger.Debug("router rejected inbound frame", log.String("conn_id", connID), log.Error(err))
		}
	}
}

func (s *QUICServer) Stop(context.Context) error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
