// Command kadnode starts a single Kademlia routing node: it binds the
// UDP/TCP sockets, loads bootstrap seeds from nodes.dat, and runs the
// single-threaded IO loop until SIGINT.
//
// Grounded on the teacher's cmd entrypoint shape (flag registration, then
// Config, then construct-and-run), adapted from its HTTP/DHT server pair
// to this node's UDP+TCP loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"kadnode/bootstrap"
	"kadnode/config"
	"kadnode/event"
	"kadnode/ioloop"
	"kadnode/logger"
	"kadnode/peer"
	"kadnode/routingTable"
	"kadnode/rpc"
	"kadnode/timer"
	"kadnode/util"
)

// bootstrapFileName is the persisted seed-address file's name within the
// config directory.
const bootstrapFileName = "nodes.dat"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.RegisterFlags(nil)
	flag.Parse()

	// time.Now() carries a monotonic reading on every platform the Go
	// runtime supports, satisfying the millisecond-or-better requirement
	// without an explicit startup probe.

	log, err := logger.New(cfg.LogSink, cfg.LogSeverity, cfg.ConfigDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kadnode: initialising logger: %v\n", err)
		return 1
	}

	self, err := util.RandomNodeID()
	if err != nil {
		log.Errorf("kadnode: generating node id: %v", err)
		return 1
	}
	log.Infof("kadnode: starting as %s", self)

	rt := routingTable.New(self, log)
	rpcCtx := rpc.New(self, rt, log, rpc.DefaultMaxOutstanding)

	udpAddr := &net.UDPAddr{IP: net.ParseIP(cfg.BindAddress), Port: cfg.BindPort}
	if cfg.BindAddress == "" {
		udpAddr.IP = net.IPv4zero
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		log.Errorf("kadnode: binding UDP socket: %v", err)
		return 1
	}

	tcpListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.BindPort))
	if err != nil {
		log.Errorf("kadnode: binding TCP listener: %v", err)
		udpConn.Close()
		return 1
	}

	registry := peer.NewRegistry(cfg.MaxPeers)
	wheel := timer.NewWheel()
	queue := event.NewQueue()

	wheel.Add(&timer.Timer{
		Name:   "routing-table-refresh",
		Period: cfg.RefreshPeriod,
		Next:   time.Now().Add(cfg.RefreshPeriod),
		Event:  event.Event{Kind: event.KindRefreshTick},
	})

	bootstrap.Load(filepath.Join(cfg.ConfigDir, bootstrapFileName), wheel, time.Now(), log)

	loop := ioloop.New(udpConn, tcpListener, registry, wheel, queue, rpcCtx, cfg.MaxFrameLen, log)
	if err := loop.Run(context.Background()); err != nil {
		log.Errorf("kadnode: loop exited with error: %v", err)
		return 1
	}
	log.Noticef("kadnode: clean shutdown")
	return 0
}
