package replication

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/migadu/warden/logger"
	"github.com/migadu/warden/pkg/metrics"
)

type inbound struct {
	msg     *Message
	sibling string
}

// receiver accepts datagrams and framed TCP streams from siblings and
// queues the decoded messages for the workers.
type receiver struct {
	r     *Replicator
	queue chan inbound

	udp *net.UDPConn
	tcp net.Listener

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	wg sync.WaitGroup
}

func newReceiver(r *Replicator, queueSize int) *receiver {
	return &receiver{
		r:     r,
		queue: make(chan inbound, queueSize),
		conns: make(map[net.Conn]struct{}),
	}
}

// listen binds TCP and UDP on addr. With port 0 the UDP socket takes the
// port TCP was given.
func (rc *receiver) listen(addr string) error {
	tcp, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		tcp.Close()
		return err
	}
	port := tcp.Addr().(*net.TCPAddr).Port
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		tcp.Close()
		return err
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		tcp.Close()
		return err
	}
	rc.tcp, rc.udp = tcp, udp
	logger.Info("Replication: listening", "addr", tcp.Addr().String())
	return nil
}

func (rc *receiver) start(ctx context.Context, workers int) {
	for i := 0; i < workers; i++ {
		rc.wg.Add(1)
		go rc.worker(ctx)
	}
	if rc.udp != nil {
		rc.wg.Add(1)
		go rc.readUDP()
	}
	if rc.tcp != nil {
		rc.wg.Add(1)
		go rc.acceptTCP()
	}
}

// close shuts the listeners and any open streams; the caller cancels the
// worker context and then waits.
func (rc *receiver) close() {
	if rc.udp != nil {
		rc.udp.Close()
	}
	if rc.tcp != nil {
		rc.tcp.Close()
	}
	rc.connMu.Lock()
	for c := range rc.conns {
		c.Close()
	}
	rc.connMu.Unlock()
}

func (rc *receiver) wait() { rc.wg.Wait() }

func (rc *receiver) readUDP() {
	defer rc.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, src, err := rc.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Debug("Replication: UDP read failed", "error", err)
			continue
		}
		rc.handle(buf[:n], src.Addr())
	}
}

func (rc *receiver) acceptTCP() {
	defer rc.wg.Done()
	for {
		conn, err := rc.tcp.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Debug("Replication: accept failed", "error", err)
			continue
		}
		src := conn.RemoteAddr().(*net.TCPAddr).AddrPort().Addr()
		if len(rc.r.siblings.candidatesFor(src)) == 0 {
			metrics.ReplicationReceivedTotal.WithLabelValues("unknown", "rejected").Inc()
			logger.Warn("Replication: rejected connection from non-sibling", "remote", src.String())
			conn.Close()
			continue
		}

		rc.connMu.Lock()
		rc.conns[conn] = struct{}{}
		rc.connMu.Unlock()

		rc.wg.Add(1)
		go rc.readStream(conn, src)
	}
}

func (rc *receiver) readStream(conn net.Conn, src netip.Addr) {
	defer rc.wg.Done()
	defer func() {
		rc.connMu.Lock()
		delete(rc.conns, conn)
		rc.connMu.Unlock()
		conn.Close()
	}()

	var hdr [2]byte
	buf := make([]byte, maxFrame)
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("Replication: stream closed", "remote", src.String(), "error", err)
			}
			return
		}
		n := int(binary.BigEndian.Uint16(hdr[:]))
		if _, err := io.ReadFull(conn, buf[:n]); err != nil {
			logger.Debug("Replication: truncated frame", "remote", src.String(), "error", err)
			return
		}
		rc.handle(buf[:n], src)
	}
}

// handle authenticates data against the keys of the siblings at src and
// queues the message. data is not retained.
func (rc *receiver) handle(data []byte, src netip.Addr) {
	cands := rc.r.siblings.candidatesFor(src)
	if len(cands) == 0 {
		metrics.ReplicationReceivedTotal.WithLabelValues("unknown", "rejected").Inc()
		logger.Debug("Replication: dropped datagram from non-sibling", "remote", src.String())
		return
	}

	var lastErr error
	for _, c := range cands {
		msg, err := decodeMessage(data, c.key)
		if err != nil {
			lastErr = err
			continue
		}
		select {
		case rc.queue <- inbound{msg: msg, sibling: c.label}:
			metrics.ReplicationRecvQueue.Set(float64(len(rc.queue)))
		default:
			metrics.ReplicationDroppedTotal.WithLabelValues(c.label).Inc()
		}
		return
	}
	metrics.ReplicationReceivedTotal.WithLabelValues(cands[0].label, "failure").Inc()
	logger.Warn("Replication: failed to open message", "remote", src.String(), "error", lastErr)
}

func (rc *receiver) worker(ctx context.Context) {
	defer rc.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-rc.queue:
			metrics.ReplicationRecvQueue.Set(float64(len(rc.queue)))
			result := rc.r.process(ctx, in.msg)
			metrics.ReplicationReceivedTotal.WithLabelValues(in.sibling, result).Inc()
		}
	}
}
