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
	app.Name = "srtclient"
	app.Usage = "reliable-transport tunnel client (with smux)"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "localaddr, l", Value: ":12948", Usage: "local listen address"},
		cli.StringFlag{Name: "remoteaddr, r", Value: "vps:29900", Usage: "reliable-transport server address"},
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

	listener, err := net.Listen("tcp", c.String("localaddr"))
	if err != nil {
		return errors.Wrap(err, "listen local tcp")
	}
	log.Println("listening on", listener.Addr())

	remote, err := std.ParseMultiPort(c.String("remoteaddr"))
	if err != nil {
		return errors.Wrap(err, "parse remote address")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go handleClientConn(conn, remote, cfg, smuxCfg, !c.Bool("nocomp"))
	}
}

func handleClientConn(conn net.Conn, remote *std.MultiPort, cfg srt.Config, smuxCfg *smux.Config, compress bool) {
	defer conn.Close()

	sess, err := srt.Dial(remote.Pick(), cfg)
	if err != nil {
		log.Println("dial:", err)
		return
	}
	defer sess.Close()

	var transport net.Conn = sess
	if compress {
		transport = std.NewCompStream(sess)
	}

	muxSess, err := smux.Client(transport, smuxCfg)
	if err != nil {
		log.Println("smux client:", err)
		return
	}
	defer muxSess.Close()

	stream, err := muxSess.OpenStream()
	if err != nil {
		log.Println("open stream:", err)
		return
	}
	defer stream.Close()

	errA, errB := std.Pipe(conn, stream)
	if errA != nil || errB != nil {
		log.Println("pipe closed:", errA, errB)
	}
}
