package srt

import (
	"crypto/rand"
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

// Dial opens a reliable session to addr over a dedicated UDP socket,
// mirroring kcp-go's DialWithOptions signature (remote address plus FEC
// shard counts carried in cfg).
func Dial(addr string, cfg Config) (*Session, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "srt: resolve remote address")
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "srt: dial udp")
	}
	var connID uint32
	binary.Read(rand.Reader, binary.LittleEndian, &connID)
	s, err := newSession(conn, udpAddr, connID, cfg, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.ownsConn = true
	go s.dialRecvLoop(conn)
	return s, nil
}

// dialRecvLoop is the client-side receive loop: the socket is dedicated
// to one remote peer, so every datagram belongs to this session.
func (s *Session) dialRecvLoop(conn *net.UDPConn) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-s.die:
			return
		default:
		}
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.handlePacket(pkt)
	}
}
