// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"log"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"github.com/xtaci/smux"

	"github.com/xtaci/srt-go/srt"
	"github.com/xtaci/srt-go/std"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "srtserver"
	app.Usage = "reliable-transport tunnel server (with smux)"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen, l", Value: ":29900", Usage: "listen address"},
		cli.StringFlag{Name: "target, t", Value: "127.0.0.1:80", Usage: "target address to forward streams to"},
		cli.IntFlag{Name: "windowsize", Value: 256, Usage: "sliding window size in packets"},
		cli.IntFlag{Name: "datashard", Value: 0, Usage: "reed-solomon data shards (0 disables FEC)"},
		cli.IntFlag{Name: "parityshard", Value: 0, Usage: "reed-solomon parity shards"},
		cli.IntFlag{Name: "mtu", Value: 1400, Usage: "max transmission unit in bytes"},
		cli.IntFlag{Name: "rto", Value: 300, Usage: "retransmit timeout in milliseconds"},
		cli.IntFlag{Name: "smuxver", Value: 1, Usage: "smux protocol version"},
		cli.IntFlag{Name: "smuxbuf", Value: 4194304, Usage: "smux receive buffer size in bytes"},
		cli.IntFlag{Name: "streambuf", Value: 2097152, Usage: "smux per-stream buffer size in bytes"},
		cli.IntFlag{Name: "keepalive", Value: 10, Usage: "smux keepalive interval in seconds"},
		cli.BoolFlag{Name: "nocomp", Usage: "disable snappy compression"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

func run(c *cli.Context) error {
	cfg := srt.DefaultConfig()
	cfg.WindowSize = uint32(c.Int("windowsize"))
	cfg.DataShards = c.Int("datashard")
	cfg.ParityShards = c.Int("parityshard")
	cfg.MTU = c.Int("mtu")
	cfg.RTO = time.Duration(c.Int("rto")) * time.Millisecond
	cfg.KeepAliveInterval = time.Duration(c.Int("keepalive")) * time.Second

	smuxCfg, err := std.BuildSmuxConfig(c.Int("smuxver"), c.Int("smuxbuf"), c.Int("streambuf"), cfg.MTU, c.Int("keepalive"))
	if err != nil {
		return errors.Wrap(err, "build smux config")
	}

	listener, err := srt.ListenWithOptions(c.String("listen"), cfg)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	log.Println("listening on", listener.Addr())

	target := c.String("target")
	compress := !c.Bool("nocomp")
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go handleServerConn(conn, target, smuxCfg, compress)
	}
}

func handleServerConn(conn net.Conn, target string, smuxCfg *smux.Config, compress bool) {
	var transport net.Conn = conn
	if compress {
		transport = std.NewCompStream(conn)
	}

	muxSess, err := smux.Server(transport, smuxCfg)
	if err != nil {
		log.Println("smux server:", err)
		conn.Close()
		return
	}
	defer muxSess.Close()

	for {
		stream, err := muxSess.AcceptStream()
		if err != nil {
			return
		}
		go forwardStream(stream, target)
	}
}

func forwardStream(stream net.Conn, target string) {
	defer stream.Close()
	tconn, err := net.Dial("tcp", target)
	if err != nil {
		log.Println("dial target:", err)
		return
	}
	defer tconn.Close()

	errA, errB := std.Pipe(stream, tconn)
	if errA != nil || errB != nil {
		log.Println("pipe closed:", errA, errB)
	}
}
