//go:build windows

package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/windows"
)

// DefaultPipeName is the pipe the prediction service listens on.
const DefaultPipeName = `\\.\pipe\AnxietyDetector`

const pipeBufferSize = 64 * 1024

// DefaultAddress is the named pipe of the prediction service.
func DefaultAddress() string {
	return DefaultPipeName
}

func dial(ctx context.Context, address string) (net.Conn, error) {
	name, err := windows.UTF16PtrFromString(address)
	if err != nil {
		return nil, err
	}

	for {
		h, err := windows.CreateFile(name,
			windows.GENERIC_READ|windows.GENERIC_WRITE,
			0, nil, windows.OPEN_EXISTING, 0, 0)
		if err == nil {
			mode := uint32(windows.PIPE_READMODE_MESSAGE | windows.PIPE_WAIT)
			if err := windows.SetNamedPipeHandleState(h, &mode, nil, nil); err != nil {
				windows.CloseHandle(h)
				return nil, fmt.Errorf("set pipe mode: %w", err)
			}
			return newPipeConn(h, address), nil
		}
		if !errors.Is(err, windows.ERROR_PIPE_BUSY) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Listen creates a listener that accepts one pipe instance per connection.
func Listen(address string) (net.Listener, error) {
	if _, err := windows.UTF16PtrFromString(address); err != nil {
		return nil, err
	}
	return &pipeListener{name: address}, nil
}

// CleanupSocket is a no-op: named pipes vanish with their last handle.
func CleanupSocket(string) error { return nil }

func removeEndpoint(string) {}

type pipeListener struct {
	name   string
	closed atomic.Bool
}

func (l *pipeListener) Accept() (net.Conn, error) {
	if l.closed.Load() {
		return nil, net.ErrClosed
	}
	name, _ := windows.UTF16PtrFromString(l.name)
	h, err := windows.CreateNamedPipe(name,
		windows.PIPE_ACCESS_DUPLEX,
		windows.PIPE_TYPE_MESSAGE|windows.PIPE_READMODE_MESSAGE|windows.PIPE_WAIT,
		windows.PIPE_UNLIMITED_INSTANCES,
		pipeBufferSize, pipeBufferSize, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("create pipe: %w", err)
	}
	if err := windows.ConnectNamedPipe(h, nil); err != nil && !errors.Is(err, windows.ERROR_PIPE_CONNECTED) {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("connect pipe: %w", err)
	}
	if l.closed.Load() {
		windows.DisconnectNamedPipe(h)
		windows.CloseHandle(h)
		return nil, net.ErrClosed
	}
	return newPipeConn(h, l.name), nil
}

// Close unblocks a pending Accept by connecting to the pipe once.
func (l *pipeListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	if c, err := dial(context.Background(), l.name); err == nil {
		c.Close()
	}
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr(l.name) }

// pipeConn is a net.Conn over a synchronous pipe handle. Deadlines are not
// supported by synchronous handles; callers bound operations by closing the
// connection instead.
type pipeConn struct {
	h    windows.Handle
	name string
	once sync.Once
}

func newPipeConn(h windows.Handle, name string) *pipeConn {
	return &pipeConn{h: h, name: name}
}

func (c *pipeConn) Read(b []byte) (int, error) {
	var n uint32
	err := windows.ReadFile(c.h, b, &n, nil)
	if errors.Is(err, windows.ERROR_MORE_DATA) {
		err = nil
	}
	return int(n), err
}

func (c *pipeConn) Write(b []byte) (int, error) {
	var n uint32
	err := windows.WriteFile(c.h, b, &n, nil)
	return int(n), err
}

func (c *pipeConn) Close() error {
	var err error
	c.once.Do(func() {
		windows.CancelIoEx(c.h, nil)
		err = windows.CloseHandle(c.h)
	})
	return err
}

func (c *pipeConn) LocalAddr() net.Addr                { return pipeAddr(c.name) }
func (c *pipeConn) RemoteAddr() net.Addr               { return pipeAddr(c.name) }
func (c *pipeConn) SetDeadline(t time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(t time.Time) error { return nil }

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }
