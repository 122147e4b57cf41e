package transport

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shoryunet/lockstep/pkg/lockstep/types"
	"github.com/shoryunet/lockstep/pkg/lockstep/wire"
)

const (
	frameKindData byte = 0
	frameKindAck  byte = 1

	// retransmitInterval and maxRetransmits bound the transport's own
	// redelivery effort under loss (spec.md §8 S4); the frame table's
	// write-once dedup (spec.md §3) makes any resulting duplicate safe.
	retransmitInterval = 30 * time.Millisecond
	maxRetransmits     = 40

	maxDatagramSize = 65507
)

// pendingPacket is one outbound datagram awaiting the transport-level ack.
type pendingPacket struct {
	seq      uint32
	raw      []byte
	sentAt   time.Time
	attempts int
}

type endpointQueue struct {
	mu      sync.Mutex
	queued  [][]byte // encoded, not yet handed to the socket
	pending map[uint32]*pendingPacket
}

type rttEstimator struct {
	mu  sync.Mutex
	avg int64 // milliseconds, exponential moving average
}

func (r *rttEstimator) update(sample time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms := sample.Milliseconds()
	if r.avg == 0 {
		r.avg = ms
		return
	}
	r.avg = (r.avg*4 + ms) / 5
}

func (r *rttEstimator) value() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.avg
}

// UDPTransport is the concrete Transport adapter binding a UDP socket.
type UDPTransport struct {
	conn *net.UDPConn

	queuesMu sync.Mutex
	queues   map[types.Endpoint]*endpointQueue
	rtts     map[types.Endpoint]*rttEstimator

	seq uint32 // atomic

	handlerMu sync.RWMutex
	onReceive ReceiveHandler
	onError   ErrorHandler

	group  *errgroup.Group
	stopCh chan struct{}
	port   int
}

// NewUDPTransport constructs an unstarted transport.
func NewUDPTransport() *UDPTransport {
	return &UDPTransport{
		queues: make(map[types.Endpoint]*endpointQueue),
		rtts:   make(map[types.Endpoint]*rttEstimator),
	}
}

func (t *UDPTransport) Start(port int, workerCount int) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrBindFailed, err)
	}
	t.conn = conn
	t.port = conn.LocalAddr().(*net.UDPAddr).Port
	t.stopCh = make(chan struct{})

	if workerCount < 1 {
		workerCount = 1
	}
	grp := &errgroup.Group{}
	for i := 0; i < workerCount; i++ {
		grp.Go(t.readLoop)
	}
	grp.Go(t.retransmitLoop)
	t.group = grp
	return nil
}

func (t *UDPTransport) Stop() {
	if t.conn == nil {
		return
	}
	close(t.stopCh)
	_ = t.conn.Close()
	_ = t.group.Wait()
}

func (t *UDPTransport) LocalPort() int {
	return t.port
}

func (t *UDPTransport) SetReceiveHandler(handler ReceiveHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.onReceive = handler
}

func (t *UDPTransport) SetErrorHandler(handler ErrorHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.onError = handler
}

func (t *UDPTransport) queueFor(ep types.Endpoint) *endpointQueue {
	t.queuesMu.Lock()
	defer t.queuesMu.Unlock()
	q, ok := t.queues[ep]
	if !ok {
		q = &endpointQueue{pending: make(map[uint32]*pendingPacket)}
		t.queues[ep] = q
	}
	if _, ok := t.rtts[ep]; !ok {
		t.rtts[ep] = &rttEstimator{}
	}
	return q
}

func (t *UDPTransport) Queue(ep types.Endpoint, msg types.Message) {
	encoded := wire.Encode(msg)
	q := t.queueFor(ep)
	q.mu.Lock()
	q.queued = append(q.queued, encoded)
	q.mu.Unlock()
}

func (t *UDPTransport) Send(ep types.Endpoint) int {
	return t.flush(ep, 0, 0)
}

func (t *UDPTransport) SendWithJitter(ep types.Endpoint, delayMs int, lossPermille int) int {
	return t.flush(ep, delayMs, lossPermille)
}

func (t *UDPTransport) flush(ep types.Endpoint, delayMs int, lossPermille int) int {
	q := t.queueFor(ep)

	q.mu.Lock()
	toSend := q.queued
	q.queued = nil
	for _, raw := range toSend {
		seq := atomic.AddUint32(&t.seq, 1)
		q.pending[seq] = &pendingPacket{seq: seq, raw: raw, sentAt: time.Now()}
	}
	pendingCount := len(q.pending)
	// Snapshot what still needs a socket write this round: every pending
	// packet that hasn't exhausted its retransmit budget gets (re)sent.
	toTransmit := make([]*pendingPacket, 0, len(q.pending))
	for _, p := range q.pending {
		toTransmit = append(toTransmit, p)
	}
	q.mu.Unlock()

	for _, p := range toTransmit {
		t.transmit(ep, p, delayMs, lossPermille)
	}
	return pendingCount
}

func (t *UDPTransport) transmit(ep types.Endpoint, p *pendingPacket, delayMs int, lossPermille int) {
	datagram := make([]byte, 0, len(p.raw)+5)
	datagram = append(datagram, frameKindData)
	var seqBytes [4]byte
	binary.BigEndian.PutUint32(seqBytes[:], p.seq)
	datagram = append(datagram, seqBytes[:]...)
	datagram = append(datagram, p.raw...)

	write := func() {
		if lossPermille > 0 && rand.Intn(1000) < lossPermille {
			return
		}
		if len(datagram) > maxDatagramSize {
			t.reportError(fmt.Errorf("lockstep: datagram too large (%d bytes)", len(datagram)))
			return
		}
		_, _ = t.conn.WriteToUDP(datagram, ep.UDPAddr())
	}

	if delayMs > 0 {
		go func() {
			time.Sleep(time.Duration(delayMs) * time.Millisecond)
			write()
		}()
		return
	}
	write()
}

func (t *UDPTransport) Peer(ep types.Endpoint) types.PeerStats {
	t.queuesMu.Lock()
	est, ok := t.rtts[ep]
	t.queuesMu.Unlock()
	if !ok {
		return types.PeerStats{}
	}
	return types.PeerStats{RTTAvgMillis: est.value()}
}

func (t *UDPTransport) readLoop() error {
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-t.stopCh:
			return nil
		default:
		}
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.stopCh:
				return nil
			default:
			}
			t.reportError(err)
			continue
		}
		ep, err := types.NewEndpoint(addr)
		if err != nil {
			t.reportError(err)
			continue
		}
		t.handleDatagram(ep, append([]byte(nil), buf[:n]...))
	}
}

func (t *UDPTransport) handleDatagram(ep types.Endpoint, datagram []byte) {
	if len(datagram) < 5 {
		t.reportError(fmt.Errorf("%w: short datagram from %s", types.ErrMalformedMessage, ep))
		return
	}
	kind := datagram[0]
	seq := binary.BigEndian.Uint32(datagram[1:5])

	switch kind {
	case frameKindAck:
		t.handleAck(ep, seq)
	case frameKindData:
		t.sendAck(ep, seq)
		msg, err := wire.Decode(datagram[5:])
		if err != nil {
			t.reportError(err)
			return
		}
		t.handlerMu.RLock()
		handler := t.onReceive
		t.handlerMu.RUnlock()
		if handler != nil {
			handler(ep, msg)
		}
	default:
		t.reportError(fmt.Errorf("%w: unknown frame kind %d from %s", types.ErrMalformedMessage, kind, ep))
	}
}

func (t *UDPTransport) handleAck(ep types.Endpoint, seq uint32) {
	q := t.queueFor(ep)
	q.mu.Lock()
	p, ok := q.pending[seq]
	if ok {
		delete(q.pending, seq)
	}
	q.mu.Unlock()
	if !ok {
		return
	}
	t.queuesMu.Lock()
	est := t.rtts[ep]
	t.queuesMu.Unlock()
	if est != nil {
		est.update(time.Since(p.sentAt))
	}
}

func (t *UDPTransport) sendAck(ep types.Endpoint, seq uint32) {
	ack := make([]byte, 5)
	ack[0] = frameKindAck
	binary.BigEndian.PutUint32(ack[1:5], seq)
	_, _ = t.conn.WriteToUDP(ack, ep.UDPAddr())
}

func (t *UDPTransport) retransmitLoop() error {
	ticker := time.NewTicker(retransmitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return nil
		case <-ticker.C:
			t.retransmitDue()
		}
	}
}

func (t *UDPTransport) retransmitDue() {
	now := time.Now()
	t.queuesMu.Lock()
	endpoints := make([]types.Endpoint, 0, len(t.queues))
	for ep := range t.queues {
		endpoints = append(endpoints, ep)
	}
	t.queuesMu.Unlock()

	for _, ep := range endpoints {
		q := t.queueFor(ep)
		q.mu.Lock()
		var due []*pendingPacket
		for seq, p := range q.pending {
			if now.Sub(p.sentAt) < retransmitInterval {
				continue
			}
			if p.attempts >= maxRetransmits {
				delete(q.pending, seq)
				continue
			}
			p.attempts++
			p.sentAt = now
			due = append(due, p)
		}
		q.mu.Unlock()
		for _, p := range due {
			t.transmit(ep, p, 0, 0)
		}
	}
}

func (t *UDPTransport) reportError(err error) {
	t.handlerMu.RLock()
	handler := t.onError
	t.handlerMu.RUnlock()
	if handler != nil {
		handler(err)
	}
}
