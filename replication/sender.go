package replication

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/migadu/warden/logger"
	"github.com/migadu/warden/pkg/metrics"
	"github.com/migadu/warden/pkg/retry"
)

// maxFrame is the largest payload a 2-byte length prefix can carry.
const maxFrame = 1<<16 - 1

// State is a sibling sender's connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Backoff
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	default:
		return "disconnected"
	}
}

// sender drains one sibling's queue. Only the run goroutine touches conn.
type sender struct {
	sib     Sibling
	label   string
	log     *slog.Logger
	addrs   []netip.Addr
	queue   chan *Message
	state   atomic.Int32
	backoff *retry.Backoff
	timeout time.Duration

	conn   net.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

func newSender(sib Sibling, addrs []netip.Addr, queueSize int, timeout time.Duration, bo retry.BackoffConfig) *sender {
	s := &sender{
		sib:     sib,
		label:   sib.Addr(),
		log:     logger.With("sibling", sib.Addr(), "proto", string(sib.Proto)),
		addrs:   addrs,
		queue:   make(chan *Message, queueSize),
		backoff: retry.NewBackoff(bo),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	if sib.Proto == UDP {
		s.state.Store(int32(Connected))
	}
	return s
}

func (s *sender) State() State { return State(s.state.Load()) }

func (s *sender) setState(st State) { s.state.Store(int32(st)) }

func (s *sender) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// stop cancels the run loop and waits for it. Queued messages are dropped.
func (s *sender) stop() {
	s.cancel()
	<-s.done
}

// enqueue never blocks. A full queue drops the message.
func (s *sender) enqueue(m *Message) bool {
	select {
	case s.queue <- m:
		metrics.ReplicationSendQueue.WithLabelValues(s.label).Set(float64(len(s.queue)))
		return true
	default:
		metrics.ReplicationDroppedTotal.WithLabelValues(s.label).Inc()
		return false
	}
}

func (s *sender) queueLen() int { return len(s.queue) }

func (s *sender) run(ctx context.Context) {
	defer close(s.done)
	defer s.closeConn()
	defer metrics.ReplicationSendQueue.DeleteLabelValues(s.label)

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.queue:
			metrics.ReplicationSendQueue.WithLabelValues(s.label).Set(float64(len(s.queue)))
			s.send(m)
		}
	}
}

func (s *sender) send(m *Message) {
	data, err := encodeMessage(m, s.sib.Key)
	if err != nil {
		metrics.ReplicationSentTotal.WithLabelValues(s.label, "failure").Inc()
		s.log.Warn("Replication: failed to encode message", "error", err)
		return
	}
	if s.sib.Proto == UDP {
		s.sendUDP(data)
		return
	}
	s.sendTCP(data)
}

func (s *sender) sendUDP(data []byte) {
	if s.conn == nil {
		conn, err := net.DialTimeout("udp", s.sib.Addr(), s.timeout)
		if err != nil {
			metrics.ReplicationSentTotal.WithLabelValues(s.label, "failure").Inc()
			s.log.Debug("Replication: failed to open UDP socket", "error", err)
			return
		}
		s.conn = conn
	}
	if _, err := s.conn.Write(data); err != nil {
		s.closeConn()
		metrics.ReplicationSentTotal.WithLabelValues(s.label, "failure").Inc()
		s.log.Debug("Replication: UDP send failed", "error", err)
		return
	}
	metrics.ReplicationSentTotal.WithLabelValues(s.label, "success").Inc()
}

// sendTCP writes one frame. A write error drops the connection and the
// frame is retried once on a fresh one; a second failure enters backoff.
func (s *sender) sendTCP(data []byte) {
	if len(data) > maxFrame {
		metrics.ReplicationSentTotal.WithLabelValues(s.label, "failure").Inc()
		s.log.Warn("Replication: message too large for TCP frame", "size", len(data))
		return
	}
	if s.backoff.Active(time.Now()) {
		metrics.ReplicationDroppedTotal.WithLabelValues(s.label).Inc()
		return
	}

	frame := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(frame, uint16(len(data)))
	copy(frame[2:], data)

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if s.conn == nil {
			if err = s.dial(); err != nil {
				break
			}
		}
		if err = s.write(frame); err == nil {
			s.backoff.Reset()
			metrics.ReplicationSentTotal.WithLabelValues(s.label, "success").Inc()
			return
		}
		s.log.Debug("Replication: TCP write failed, reconnecting", "error", err)
		s.closeConn()
	}

	delay := s.backoff.Next()
	s.setState(Backoff)
	metrics.ReplicationSentTotal.WithLabelValues(s.label, "failure").Inc()
	s.log.Warn("Replication: sibling unreachable, backing off", "retry_in", delay, "failures", s.backoff.Failures(), "error", err)
}

func (s *sender) dial() error {
	s.setState(Connecting)
	conn, err := net.DialTimeout("tcp", s.sib.Addr(), s.timeout)
	if err != nil {
		s.setState(Disconnected)
		metrics.ReplicationConnFailTotal.WithLabelValues(s.label).Inc()
		return err
	}
	s.conn = conn
	s.setState(Connected)
	s.log.Info("Replication: connected to sibling")
	return nil
}

func (s *sender) write(frame []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}
	n, err := s.conn.Write(frame)
	if err == nil && n != len(frame) {
		err = errors.New("short write")
	}
	return err
}

func (s *sender) closeConn() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		if s.sib.Proto == TCP && s.State() != Backoff {
			s.setState(Disconnected)
		}
	}
}
