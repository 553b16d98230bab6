// Package srt implements the net.Conn-facing reliable session: it binds
// the window and timer packages to a UDP socket, producing the sender
// and receiver bindings spec.md calls for, driving retransmission off
// timer deadlines, and periodically emitting ACK/NAK packets the way
// kcp-go's UDPSession.update loop drives ikcp_update/ikcp_flush.
package srt

import "time"

// Config parametrizes a Session. DataShards/ParityShards configure the
// FEC envelope (0 disables it); WindowSize/MaxDelay feed directly into
// window.Config.
type Config struct {
	WindowSize        uint32
	MaxDelay          time.Duration
	DataShards        int
	ParityShards      int
	MTU               int
	RTO               time.Duration
	AckInterval       time.Duration
	KeepAliveInterval time.Duration // 0 disables probing, as in smux.Config
}

// DefaultConfig mirrors kcptun's client defaults: a moderate window, no
// FEC, conservative RTO and ACK cadence.
func DefaultConfig() Config {
	return Config{
		WindowSize:        256,
		MaxDelay:          0,
		DataShards:        0,
		ParityShards:      0,
		MTU:               1400,
		RTO:               300 * time.Millisecond,
		AckInterval:       40 * time.Millisecond,
		KeepAliveInterval: 10 * time.Second,
	}
}
