package srt

import (
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/xtaci/srt-go/wire"
)

// Listener accepts reliable sessions multiplexed over one shared UDP
// socket, demultiplexing inbound datagrams by remote address the way
// kcp-go's Listener fans a single PacketConn out to per-peer UDPSessions.
type Listener struct {
	conn     net.PacketConn
	cfg      Config
	mu       sync.Mutex
	sessions map[string]*Session
	accept   chan *Session
	die      chan struct{}
}

// ListenWithOptions binds addr and returns a Listener.
func ListenWithOptions(addr string, cfg Config) (*Listener, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "srt: listen udp")
	}
	l := &Listener{
		conn:     conn,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		accept:   make(chan *Session, 64),
		die:      make(chan struct{}),
	}
	go l.recvLoop()
	return l, nil
}

func (l *Listener) recvLoop() {
	buf := make([]byte, 65536)
	for {
		n, remote, err := l.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		connID, err := wire.ConnIDOf(pkt)
		if err != nil {
			continue
		}
		key := remote.String()

		l.mu.Lock()
		s, ok := l.sessions[key]
		if !ok {
			s, err = newSession(l.conn, remote, connID, l.cfg, true)
			if err != nil {
				l.mu.Unlock()
				continue
			}
			l.sessions[key] = s
			l.mu.Unlock()
			select {
			case l.accept <- s:
			case <-l.die:
				return
			}
		} else {
			l.mu.Unlock()
		}
		s.handlePacket(pkt)
	}
}

// Accept blocks until a new remote peer's first packet arrives.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case s := <-l.accept:
		return s, nil
	case <-l.die:
		return nil, errors.New("srt: listener closed")
	}
}

// Addr returns the listener's local address.
func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

// Close stops accepting new sessions and tears down every live one. A
// shared socket means individual Session.Close calls must not close it;
// only the listener itself does.
func (l *Listener) Close() error {
	close(l.die)
	l.mu.Lock()
	for _, s := range l.sessions {
		s.Close()
	}
	l.mu.Unlock()
	return l.conn.Close()
}
