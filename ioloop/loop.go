// Package ioloop implements the single-threaded, readiness-driven main
// loop described in §4.6: one UDP socket, one TCP listener, and the
// accepted peer connections, serviced in a fixed order each iteration,
// bracketed by a timer sweep and an event-queue drain.
//
// Grounded on the original server.c main loop's poll()-then-service
// structure (UDP, then TCP listener, then peers, then timers, then
// events). Go has no portable single-call readiness primitive across an
// arbitrary fd set, so each source is read by its own goroutine that
// blocks on its underlying socket and forwards completed units of work
// (a UDP datagram, an accepted connection, a chunk of peer bytes) onto a
// channel; the loop itself stays single-threaded by servicing exactly one
// channel receive per select iteration and owns every mutable structure
// (routing table and outstanding queries via rpc.Context; peer registry,
// timer wheel, and event queue directly) without further locking.
package ioloop

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"kadnode/event"
	"kadnode/logger"
	"kadnode/peer"
	"kadnode/rpc"
	"kadnode/stream"
	"kadnode/timer"
	"kadnode/util"
)

// EvictionTimeout bounds how long a stale bucket head is given to answer
// an eviction ping before it is replaced by the waiting newcomer.
const EvictionTimeout = 5 * time.Second

// idleTimeout is the poll timeout used when the timer wheel is empty.
const idleTimeout = 30 * time.Second

// knownFrameTypes is the closed set of TCP frame type tags this node
// accepts; anything else is a framing error (§4.4).
var knownFrameTypes = map[string]bool{
	"PING":                true,
	"PONG":                true,
	"DATA":                true,
	stream.ErrorFrameType: true,
}

type udpPacket struct {
	data          []byte
	host, service string
}

type acceptResult struct {
	conn net.Conn
	err  error
}

type peerChunk struct {
	fd   int
	data []byte
	err  error
}

// Loop owns every piece of mutable node state and drives the iteration
// algorithm.
type Loop struct {
	udpConn  *net.UDPConn
	listener net.Listener

	registry *peer.Registry
	wheel    *timer.Wheel
	queue    *event.Queue
	rpcCtx   *rpc.Context
	recvPool recvPool

	maxFrameLen uint32
	log         logger.Logger

	udpCh    chan udpPacket
	acceptCh chan acceptResult
	peerCh   chan peerChunk

	pendingEvictions map[string]util.NodeInfo
}

// New wires together an already-bound UDP socket and TCP listener with
// the rest of the node's collaborators.
func New(udpConn *net.UDPConn, listener net.Listener, registry *peer.Registry, wheel *timer.Wheel, queue *event.Queue, rpcCtx *rpc.Context, maxFrameLen uint32, log logger.Logger) *Loop {
	if log == nil {
		log = logger.NullLogger{}
	}
	return &Loop{
		udpConn:          udpConn,
		listener:         listener,
		registry:         registry,
		wheel:            wheel,
		queue:            queue,
		rpcCtx:           rpcCtx,
		recvPool:         newRecvPool(32),
		maxFrameLen:      maxFrameLen,
		log:              log,
		udpCh:            make(chan udpPacket, 32),
		acceptCh:         make(chan acceptResult, 1),
		peerCh:           make(chan peerChunk, 32),
		pendingEvictions: make(map[string]util.NodeInfo),
	}
}

// Run executes the loop until ctx is cancelled or SIGINT arrives,
// whichever comes first. A clean shutdown returns nil.
func (l *Loop) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	go l.readUDP()
	go l.acceptLoop()

	for {
		// 1. Check for caught SIGINT (or caller cancellation) before
		// blocking again.
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		case <-sigCh:
			l.log.Noticef("ioloop: caught interrupt, shutting down")
			l.shutdown()
			return nil
		default:
		}

		// 2. Compute the poll timeout from the timer wheel.
		timeout := l.wheel.SoonestDeadline(time.Now(), idleTimeout)
		pollTimer := time.NewTimer(timeout)

		// 3/4. Block until a readiness event arrives (UDP, TCP accept, a
		// peer chunk) or the timeout elapses, then service that one unit
		// of work. No order is imposed among sources that are ready at the
		// same time: select picks one of them at random, so UDP, listener
		// and peer work is not serviced in fd-array order. Every iteration
		// still falls through to the timer sweep.
		select {
		case <-ctx.Done():
			pollTimer.Stop()
			l.shutdown()
			return nil
		case <-sigCh:
			pollTimer.Stop()
			l.log.Noticef("ioloop: caught interrupt, shutting down")
			l.shutdown()
			return nil
		case pkt := <-l.udpCh:
			pollTimer.Stop()
			l.handleUDP(pkt)
		case res := <-l.acceptCh:
			pollTimer.Stop()
			l.handleAccept(res)
		case chunk := <-l.peerCh:
			pollTimer.Stop()
			l.handlePeerChunk(chunk)
		case <-pollTimer.C:
		}

		// 5. Rebuild the fd table: nothing to do explicitly here, since
		// each peer has its own readPeer goroutine, started by
		// handleAccept right after Register, rather than an fd table
		// re-derived each iteration.

		// 6. Fire due timers, then drain and act on the event queue.
		now := time.Now()
		l.wheel.FireDue(now, l.queue)
		for _, ev := range l.queue.Drain() {
			l.dispatch(ev)
		}
	}
}

func (l *Loop) dispatch(ev event.Event) {
	switch ev.Kind {
	case event.KindPingNode:
		l.sendPing(ev.Target)
	case event.KindEvictionCheck:
		l.checkEviction(ev)
	case event.KindRefreshTick:
		l.refreshTick()
	}
}

// refreshTick re-pings the next bucket's least-recently-seen node, cycling
// through the routing table one bucket per tick so every bucket eventually
// gets touched even without incoming traffic.
func (l *Loop) refreshTick() {
	target, ok := l.rpcCtx.RT.NextRefreshTarget()
	if !ok {
		return
	}
	l.sendPing(target)
}

func (l *Loop) sendPing(dest util.NodeInfo) {
	buf, txID, err := l.rpcCtx.QueryPing(dest)
	if err != nil {
		l.log.Errorf("ioloop: building ping to %s: %v", dest.Addr(), err)
		return
	}
	if err := l.writeUDP(buf, dest); err != nil {
		l.log.Warningf("ioloop: sending ping to %s: %v", dest.Addr(), err)
		return
	}
	if newcomer, ok := l.pendingEvictions[dest.Addr()]; ok {
		delete(l.pendingEvictions, dest.Addr())
		l.wheel.Add(&timer.Timer{
			Name: "eviction-check:" + txID,
			Once: true,
			Next: time.Now().Add(EvictionTimeout),
			Event: event.Event{
				Kind:     event.KindEvictionCheck,
				TxID:     txID,
				Target:   dest,
				Newcomer: newcomer,
			},
		})
	}
}

func (l *Loop) checkEviction(ev event.Event) {
	if !l.rpcCtx.Cancel(ev.TxID) {
		// The stale node answered in time; updateFromSender already moved
		// it to its bucket's tail. Nothing left to do.
		return
	}
	if err := l.rpcCtx.CompleteEviction(ev.Target, ev.Newcomer); err != nil {
		l.log.Debugf("ioloop: completing eviction of %s: %v", ev.Target.ID, err)
	}
}

func (l *Loop) writeUDP(buf []byte, dest util.NodeInfo) error {
	addr, err := net.ResolveUDPAddr("udp", dest.Addr())
	if err != nil {
		return fmt.Errorf("resolving %s: %w", dest.Addr(), err)
	}
	_, err = l.udpConn.WriteToUDP(buf, addr)
	return err
}

func (l *Loop) handleUDP(pkt udpPacket) {
	defer l.recvPool.put(pkt.data)
	reply, evict, sender, err := l.rpcCtx.Handle(pkt.data, pkt.host, pkt.service)
	if err != nil {
		l.log.Errorf("ioloop: handling datagram from %s:%s: %v", pkt.host, pkt.service, err)
		return
	}
	if reply != nil {
		addr := &net.UDPAddr{}
		if a, e := net.ResolveUDPAddr("udp", pkt.host+":"+pkt.service); e == nil {
			addr = a
		}
		if _, err := l.udpConn.WriteToUDP(reply, addr); err != nil {
			l.log.Warningf("ioloop: replying to %s:%s: %v", pkt.host, pkt.service, err)
		}
	}
	if evict != nil {
		// Remember who's waiting for evict's slot, then ping it; the
		// actual timer is scheduled from sendPing once the ping is sent.
		l.pendingEvictions[evict.Addr()] = sender
		l.sendPing(*evict)
	}
}

func (l *Loop) handleAccept(res acceptResult) {
	if res.err != nil {
		l.log.Warningf("ioloop: accept: %v", res.err)
		return
	}
	p, err := l.registry.Register(res.conn, l.maxFrameLen, knownFrameTypes)
	if err != nil {
		l.log.Noticef("ioloop: rejecting peer %s: registry full", res.conn.RemoteAddr())
		res.conn.Write(stream.EncodeErrorFrame())
		res.conn.Close()
		return
	}
	l.log.Infof("ioloop: accepted peer %s (fd=%d)", p.Addr, p.FD)
	go l.readPeer(p)
}

func (l *Loop) handlePeerChunk(chunk peerChunk) {
	p, ok := l.registry.Find(chunk.fd)
	if !ok {
		return // already unregistered by a prior chunk in this batch
	}
	if chunk.err != nil {
		l.log.Infof("ioloop: peer %s disconnected: %v", p.Addr, chunk.err)
		l.registry.Unregister(chunk.fd)
		p.Conn.Close()
		return
	}
	frames, err := p.Parser.Feed(chunk.data)
	for _, f := range frames {
		l.log.Debugf("ioloop: peer %s sent frame %s (%d bytes)", p.Addr, f.Type, len(f.Payload))
	}
	if err != nil {
		l.log.Warningf("ioloop: peer %s framing error: %v", p.Addr, err)
		p.Conn.Write(stream.EncodeErrorFrame())
		l.registry.Unregister(chunk.fd)
		p.Conn.Close()
	}
}

func (l *Loop) shutdown() {
	l.registry.CloseAll()
	l.udpConn.Close()
	l.listener.Close()
}

// readUDP is the sole goroutine that ever reads the UDP socket; it
// forwards each datagram onto udpCh in the recvPool buffer it was read
// into, without copying; handleUDP returns that buffer to the pool once
// it's done.
func (l *Loop) readUDP() {
	for {
		buf := l.recvPool.get()
		n, addr, err := l.udpConn.ReadFromUDP(buf)
		if err != nil {
			l.recvPool.put(buf)
			return // socket closed during shutdown
		}
		host, service, _ := net.SplitHostPort(addr.String())
		l.udpCh <- udpPacket{data: buf[:n], host: host, service: service}
	}
}

func (l *Loop) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		l.acceptCh <- acceptResult{conn: conn, err: err}
		if err != nil {
			return // listener closed during shutdown
		}
	}
}

func (l *Loop) readPeer(p *peer.Peer) {
	buf := make([]byte, 4096)
	for {
		n, err := p.Conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			l.peerCh <- peerChunk{fd: p.FD, data: chunk}
		}
		if err != nil {
			l.peerCh <- peerChunk{fd: p.FD, err: err}
			return
		}
	}
}
