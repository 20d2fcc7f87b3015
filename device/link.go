package device

import (
	"context"
	"errors"
	"sync"

	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/transport"
)

// outboundQueueSize bounds the per-device write queue. A full queue fails
// the send instead of blocking the caller behind a stalled peer.
const outboundQueueSize = 64

var (
	ErrLinkClosed = errors.New("link is closed")
	ErrQueueFull  = errors.New("outbound queue is full")
)

// Link kinds, used to pick the payload transfer mechanism.
const (
	linkKindTCP       = "tcp"
	linkKindBluetooth = "bluetooth"
)

// link owns one live connection: a writer goroutine draining the outbound
// queue and a context that in-flight payload tasks hang off. The reader loop
// lives in the registry, which knows what packets mean.
type link struct {
	conn transport.Conn
	kind string
	log  logger.Logger

	out chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newLink(parent context.Context, conn transport.Conn, kind string, log logger.Logger) *link {
	ctx, cancel := context.WithCancel(parent)

	l := &link{
		conn:   conn,
		kind:   kind,
		log:    log,
		out:    make(chan []byte, outboundQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	go l.writeLoop()

	return l
}

// enqueue hands one framed packet to the writer. It never blocks: a closed
// link or a full queue is reported to the caller immediately.
func (l *link) enqueue(frame []byte) error {
	select {
	case <-l.ctx.Done():
		return ErrLinkClosed
	default:
	}

	select {
	case l.out <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// writeLoop serializes all writes so concurrent senders never interleave a
// packet mid-frame. A write error tears the link down; the reader loop sees
// the close and runs the usual disconnect path.
func (l *link) writeLoop() {
	for {
		select {
		case <-l.ctx.Done():
			return
		case frame := <-l.out:
			if err := l.conn.Send(frame); err != nil {
				l.log.Debug().Err(err).Str("addr", l.conn.RemoteAddr()).
					Msg("link write failed")
				l.close()
				return
			}
		}
	}
}

// close shuts the link down exactly once: cancels payload tasks, stops the
// writer and closes the connection, which unblocks the reader loop.
func (l *link) close() {
	l.closeOnce.Do(func() {
		l.cancel()
		l.conn.Close()
	})
}
