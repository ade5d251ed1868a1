// Package network owns the QUIC transport: listening, dialing and framed
// persistent links. Everything above this package speaks frames; everything
// below is quic-go.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"
)

const alpnProto = "kore-quic"

var currentConns atomic.Uint64

// CurrentConns reports the number of live links, inbound and outbound.
func CurrentConns() uint64 {
	return currentConns.Load()
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert builds the deterministic development certificate. Transport
// security is not the trust anchor here; peers authenticate each other with
// signed identity proofs during the handshake.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("kore-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpnProto},
	}, nil
}

// Listener accepts inbound links.
type Listener struct {
	ql   *quic.Listener
	addr string
}

func Listen(addr string) (*Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ql, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	return &Listener{ql: ql, addr: ql.Addr().String()}, nil
}

func (l *Listener) Addr() string {
	return l.addr
}

func (l *Listener) Close() error {
	return l.ql.Close()
}

// Serve accepts connections until ctx is cancelled or the listener closes,
// handing each new link to accept on its own goroutine. It returns nil on
// clean shutdown.
func (l *Listener) Serve(ctx context.Context, mailboxCap int, accept func(*Link)) error {
	go func() {
		<-ctx.Done()
		_ = l.ql.Close()
	}()
	for {
		conn, err := l.ql.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				_ = conn.CloseWithError(0, "no stream")
				return
			}
			accept(newLink(conn, stream, mailboxCap))
		}()
	}
}

// Dial opens a link and its single bidirectional stream.
func Dial(ctx context.Context, addr string, mailboxCap int) (*Link, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, err
	}
	return newLink(conn, stream, mailboxCap), nil
}
