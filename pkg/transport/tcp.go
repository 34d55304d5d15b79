package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const maxFrameLength = 0xffff

// Bridge talks to a radio bridge over TCP. Frames are prefixed by their
// length as a big endian u16, one response frame per request frame.
type Bridge struct {
	address string
	timeout time.Duration

	mtx  sync.Mutex
	conn net.Conn
}

func NewBridge(address string, timeout time.Duration) *Bridge {
	return &Bridge{
		address: address,
		timeout: timeout,
	}
}

func (b *Bridge) connect(ctx context.Context) (net.Conn, error) {
	if b.conn != nil {
		return b.conn, nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", b.address)
	if err != nil {
		return nil, err
	}
	log.Infof("Connected to bridge %s", b.address)
	b.conn = conn
	return conn, nil
}

func (b *Bridge) SendAndReceive(ctx context.Context, data []byte) ([]byte, error) {
	if len(data) > maxFrameLength {
		return nil, &Error{Op: "send", Err: fmt.Errorf("frame is too long: %d", len(data))}
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()

	conn, err := b.connect(ctx)
	if err != nil {
		return nil, &Error{Op: "connect", Err: err}
	}
	deadline := time.Now().Add(b.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		b.reset()
		return nil, &Error{Op: "send", Err: err}
	}

	frame := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(frame, uint16(len(data)))
	copy(frame[2:], data)
	log.Tracef("bridge send: %x", data)
	if n, err := conn.Write(frame); err != nil {
		b.reset()
		return nil, &Error{Op: "send", Sent: n > 0, Err: classify(err)}
	}

	var length [2]byte
	if _, err := io.ReadFull(conn, length[:]); err != nil {
		b.reset()
		return nil, &Error{Op: "receive", Sent: true, Err: classify(err)}
	}
	ret := make([]byte, binary.BigEndian.Uint16(length[:]))
	if _, err := io.ReadFull(conn, ret); err != nil {
		b.reset()
		return nil, &Error{Op: "receive", Sent: true, Err: classify(err)}
	}
	log.Tracef("bridge received: %x", ret)
	return ret, nil
}

func classify(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func (b *Bridge) reset() {
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

func (b *Bridge) Close() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}
