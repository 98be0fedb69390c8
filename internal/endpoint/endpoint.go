// Package endpoint provides the two sockets a relay needs: the listening
// socket clients connect to and the connection to the real compositor.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultDisplay is used when WAYLAND_DISPLAY is unset.
const DefaultDisplay = "wayland-0"

var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrBind                = errors.New("cannot bind listen socket")
	ErrNoRuntimeDir        = errors.New("XDG_RUNTIME_DIR is not set")
)

// ResolveDisplay returns the socket path for display. An absolute display
// is used as is, a relative one is taken from runtimeDir.
func ResolveDisplay(runtimeDir, display string) (string, error) {
	if display == "" {
		display = DefaultDisplay
	}
	if filepath.IsAbs(display) {
		return display, nil
	}
	if runtimeDir == "" {
		return "", ErrNoRuntimeDir
	}
	return filepath.Join(runtimeDir, display), nil
}

// Listener is a Wayland style listening socket guarded by a lock file next
// to it. Close removes both files.
type Listener struct {
	ln        *net.UnixListener
	path      string
	lock      *os.File
	closeOnce sync.Once
	closeErr  error
}

// Listen binds path. The lock file path+".lock" is taken first; holding it
// proves any socket file already at path is stale, so it is removed.
func Listen(path string) (*Listener, error) {
	lockPath := path + ".lock"
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o660)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBind, err)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lock.Close()
		return nil, fmt.Errorf("%w: %s is in use", ErrBind, path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		lock.Close()
		return nil, fmt.Errorf("%w: remove stale socket: %v", ErrBind, err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		lock.Close()
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("%w: %v", ErrBind, err)
	}
	ln.SetUnlinkOnClose(false)
	return &Listener{ln: ln, path: path, lock: lock}, nil
}

// ListenAuto binds the first free name among prefix0 .. prefix<attempts-1>
// in runtimeDir.
func ListenAuto(runtimeDir, prefix string, attempts int) (*Listener, error) {
	if runtimeDir == "" {
		return nil, ErrNoRuntimeDir
	}
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	for i := 0; i < attempts; i++ {
		l, err := Listen(filepath.Join(runtimeDir, fmt.Sprintf("%s%d", prefix, i)))
		if err == nil {
			return l, nil
		}
		last = err
	}
	return nil, fmt.Errorf("no free socket among %s0..%s%d: %w", prefix, prefix, attempts-1, last)
}

// Accept waits for the next client.
func (l *Listener) Accept() (*net.UnixConn, error) {
	return l.ln.AcceptUnix()
}

// Path returns the socket path.
func (l *Listener) Path() string { return l.path }

// Name returns the socket name as used in WAYLAND_DISPLAY.
func (l *Listener) Name() string { return filepath.Base(l.path) }

// Close stops accepting and removes the socket and lock files.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.ln.Close()
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) && l.closeErr == nil {
			l.closeErr = err
		}
		_ = os.Remove(l.path + ".lock")
		_ = l.lock.Close()
	})
	return l.closeErr
}

// Connector opens connections to the compositor.
type Connector interface {
	Connect(ctx context.Context) (*net.UnixConn, error)
}

// UnixConnector dials a compositor socket.
type UnixConnector struct {
	Path    string
	Timeout time.Duration
}

func (c UnixConnector) Connect(ctx context.Context) (*net.UnixConn, error) {
	d := net.Dialer{Timeout: c.Timeout}
	conn, err := d.DialContext(ctx, "unix", c.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstreamUnreachable, c.Path, err)
	}
	return conn.(*net.UnixConn), nil
}

// PeerCred returns the credentials of the process on the other end of c.
func PeerCred(c *net.UnixConn) (*unix.Ucred, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return nil, err
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, err
	}
	return cred, credErr
}
