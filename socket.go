package torrent

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/anacrolix/log"
)

// Dialer is the "byte-stream factory" collaborator from spec.md §6.4: given a peer address it
// yields a full-duplex byte stream or an error. The engine never knows whether this is TCP, uTP
// or a SOCKS-proxied connection; those concerns live outside the core.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// Listener accepts inbound peer connections. Optional: an engine driving only outgoing
// connections (e.g. one bootstrapping from a magnet link with no listen port) need not supply one.
type Listener interface {
	Accept() (net.Conn, error)
	Addr() net.Addr
	Close() error
}

// TCPDialer is the default Dialer, used by tests and any caller that doesn't need uTP/SOCKS.
// BitTorrent connections manage their own keepalives, so the kernel's are disabled.
type TCPDialer struct {
	net.Dialer
}

func NewTCPDialer() *TCPDialer {
	return &TCPDialer{
		Dialer: net.Dialer{
			FallbackDelay: -1,
			KeepAlive:     -1,
			Control: func(network, address string, c syscall.RawConn) (err error) {
				controlErr := c.Control(func(fd uintptr) {
					if sockErr := setSockNoLinger(fd); sockErr != nil {
						log.Levelf(log.Debug, "error disabling linger on tcp socket: %v", sockErr)
					}
				})
				if err == nil {
					err = controlErr
				}
				return
			},
		},
	}
}

func (d *TCPDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return d.Dialer.DialContext(ctx, "tcp", addr)
}

var tcpListenConfig = net.ListenConfig{KeepAlive: -1}

// ListenTCP is a convenience Listener constructor used by tests that need a loopback peer to
// accept inbound connections.
func ListenTCP(ctx context.Context, addr string) (Listener, error) {
	l, err := tcpListenConfig.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return tcpListener{l}, nil
}

type tcpListener struct{ net.Listener }

func (t tcpListener) Accept() (net.Conn, error) { return t.Listener.Accept() }

var errDialerClosed = errors.New("dialer closed")

// setSockNoLinger disables the kernel's LINGER behaviour so a closed peer connection doesn't
// block waiting to flush already-useless bytes.
func setSockNoLinger(fd uintptr) error {
	return syscall.SetsockoptLinger(int(fd), syscall.SOL_SOCKET, syscall.SO_LINGER, &syscall.Linger{Onoff: 0, Linger: 0})
}
