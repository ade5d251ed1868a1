package network

import (
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/kontains/freenet-kore/internal/kerr"
	"github.com/kontains/freenet-kore/internal/proto"
)

// Link is one peer connection: a QUIC connection with a single framed
// bidirectional stream and a bounded outbound mailbox. Before Start the
// caller drives the stream synchronously for the handshake; after Start a
// send goroutine drains the mailbox and a receive goroutine delivers frames
// to the handler in arrival order.
type Link struct {
	conn   *quic.Conn
	stream *quic.Stream
	out    chan []byte

	mu      sync.Mutex
	onClose func(abrupt bool)
	started bool

	closeOnce sync.Once
	closed    chan struct{}
	remote    string
}

func newLink(conn *quic.Conn, stream *quic.Stream, mailboxCap int) *Link {
	if mailboxCap <= 0 {
		mailboxCap = 64
	}
	currentConns.Add(1)
	return &Link{
		conn:   conn,
		stream: stream,
		out:    make(chan []byte, mailboxCap),
		closed: make(chan struct{}),
		remote: conn.RemoteAddr().String(),
	}
}

func (l *Link) RemoteAddr() string {
	return l.remote
}

// WriteNow writes a frame synchronously, bypassing the mailbox. Only valid
// during the handshake phase, before Start.
func (l *Link) WriteNow(payload []byte) error {
	return proto.WriteFrame(l.stream, payload)
}

// ReadNow reads one frame synchronously with a deadline. Only valid during
// the handshake phase, before Start.
func (l *Link) ReadNow(deadline time.Time) ([]byte, error) {
	if err := l.stream.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer func() { _ = l.stream.SetReadDeadline(time.Time{}) }()
	return proto.ReadFrame(l.stream)
}

// OnClose registers the close callback. abrupt is true when the transport
// failed underneath us rather than a local Close.
func (l *Link) OnClose(fn func(abrupt bool)) {
	l.mu.Lock()
	l.onClose = fn
	l.mu.Unlock()
}

// Start launches the send and receive loops. The handler runs on the
// receive goroutine, so frames from one link are processed in order.
func (l *Link) Start(handler func(payload []byte)) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	go l.sendLoop()
	go l.recvLoop(handler)
}

// Enqueue places a frame on the outbound mailbox. A full mailbox is
// backpressure: the caller gets an error instead of blocking or unbounded
// growth.
func (l *Link) Enqueue(payload []byte) error {
	select {
	case <-l.closed:
		return kerr.ErrTransportClosed
	default:
	}
	select {
	case l.out <- payload:
		return nil
	default:
		return kerr.ErrResourceExhausted
	}
}

func (l *Link) sendLoop() {
	for {
		select {
		case <-l.closed:
			return
		case payload := <-l.out:
			if err := proto.WriteFrame(l.stream, payload); err != nil {
				l.close(true)
				return
			}
		}
	}
}

func (l *Link) recvLoop(handler func(payload []byte)) {
	for {
		payload, err := proto.ReadFrame(l.stream)
		if err != nil {
			l.close(true)
			return
		}
		handler(payload)
	}
}

// Close shuts the link down cleanly.
func (l *Link) Close() {
	l.close(false)
}

func (l *Link) close(abrupt bool) {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.conn.CloseWithError(0, "")
		currentConns.Add(^uint64(0))
		l.mu.Lock()
		fn := l.onClose
		l.mu.Unlock()
		if fn != nil {
			fn(abrupt)
		}
	})
}
