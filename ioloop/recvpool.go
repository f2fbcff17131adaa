package ioloop

import "kadnode/wire"

// recvPool is a free list of UDP receive buffers, each sized to
// wire.MaxUDPPacketSize: the one datagram-buffer-reuse concern
// readUDP/handleUDP actually exercise. A channel of fixed capacity is
// both the free list and its own bound on how many buffers exist at
// once, the same free-list-over-a-channel shape the teacher used for its
// general-purpose byte-slice arena, narrowed here to this one buffer
// size and caller instead of kept as a separate reusable package.
type recvPool chan []byte

// newRecvPool preallocates numBuffers datagram-sized buffers.
func newRecvPool(numBuffers int) recvPool {
	p := make(recvPool, numBuffers)
	for i := 0; i < numBuffers; i++ {
		p <- make([]byte, wire.MaxUDPPacketSize)
	}
	return p
}

// get removes a buffer from the pool, blocking if none is free.
func (p recvPool) get() []byte {
	return <-p
}

// put returns buf to the pool, restored to its full datagram capacity so
// the next get() gets the whole buffer back regardless of how much of it
// the previous reader used.
func (p recvPool) put(buf []byte) {
	p <- buf[:cap(buf)]
}
