package relay

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"wlrelay/internal/wire"
)

// Conn is the socket surface a session needs. *net.UnixConn implements it.
type Conn interface {
	ReadMsgUnix(b, oob []byte) (n, oobn, flags int, addr *net.UnixAddr, err error)
	WriteMsgUnix(b, oob []byte, addr *net.UnixAddr) (n, oobn int, err error)
	Write(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const (
	// maxFdsOut is the descriptor limit libwayland applies per sendmsg.
	maxFdsOut = 28
	// maxBatch bounds the bytes coalesced into one sendmsg.
	maxBatch = 4096
	// maxFdsIn is the kernel's SCM_MAX_FD.
	maxFdsIn = 253

	readBufferSize = 16 * 1024
)

var oobSize = unix.CmsgSpace(maxFdsIn * 4)

var readPool = sync.Pool{
	New: func() any {
		b := make([]byte, readBufferSize)
		return &b
	},
}

// readMsg reads bytes into b and queues received descriptors on fds. A read
// of zero bytes and no control data is end of stream.
func readMsg(c Conn, b, oob []byte, fds *wire.FdQueue) (int, error) {
	n, oobn, flags, _, err := c.ReadMsgUnix(b, oob)
	if oobn > 0 {
		got, perr := parseRights(oob[:oobn])
		fds.Push(got...)
		if perr != nil {
			return n, fmt.Errorf("%w: %v", ErrFdTransfer, perr)
		}
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return n, fmt.Errorf("%w: control data truncated", ErrFdTransfer)
	}
	if err == nil && n == 0 && oobn == 0 {
		err = io.EOF
	}
	return n, err
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			return fds, err
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

// sendMsg writes data with fds attached. Descriptors beyond maxFdsOut ride
// on leading single bytes so that each arrives no later than its message.
func sendMsg(c Conn, data []byte, fds []int) error {
	for len(fds) > maxFdsOut {
		if len(data) < 2 {
			return fmt.Errorf("%w: %d descriptors for %d bytes", ErrFdTransfer, len(fds), len(data))
		}
		if err := sendChunk(c, data[:1], fds[:maxFdsOut]); err != nil {
			return err
		}
		data, fds = data[1:], fds[maxFdsOut:]
	}
	return sendChunk(c, data, fds)
}

func sendChunk(c Conn, data []byte, fds []int) error {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	n, _, err := c.WriteMsgUnix(data, oob, nil)
	if err != nil {
		return err
	}
	if n < len(data) {
		_, err = c.Write(data[n:])
	}
	return err
}
