package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// DatagramHandler receives every decoded datagram. It must not block: the
// receive loop calls it inline.
type DatagramHandler func(from *net.UDPAddr, env Envelope)

// outboundQueueLen bounds each per-peer send queue. On overflow the oldest
// queued datagram is dropped — heartbeats are idempotent and latest wins.
const outboundQueueLen = 16

// Datagram is the best-effort UDP endpoint used for heartbeats and
// election traffic. Loss, duplication and reordering are the receiver's
// problem; the sender never retries.
type Datagram struct {
	conn    *net.UDPConn
	handler DatagramHandler
	log     zerolog.Logger
	done    chan struct{}

	mu     sync.Mutex
	queues map[string]chan []byte // destination addr → bounded queue
	closed bool

	wg sync.WaitGroup
}

// ListenDatagram binds the UDP socket and starts the receive loop.
func ListenDatagram(bind string, handler DatagramHandler, log zerolog.Logger) (*Datagram, error) {
	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", bind, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", bind, err)
	}
	d := &Datagram{
		conn:    conn,
		handler: handler,
		log:     log,
		done:    make(chan struct{}),
		queues:  make(map[string]chan []byte),
	}
	d.wg.Add(1)
	go d.receiveLoop()
	return d, nil
}

// LocalAddr returns the bound address.
func (d *Datagram) LocalAddr() string {
	return d.conn.LocalAddr().String()
}

// Send queues an encoded message for dest. Never blocks: a full queue
// drops its oldest entry to make room.
func (d *Datagram) Send(dest, tag string, body any) error {
	data, err := EncodeEnvelope(tag, body)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("datagram endpoint closed")
	}
	q, ok := d.queues[dest]
	if !ok {
		q = make(chan []byte, outboundQueueLen)
		d.queues[dest] = q
		d.wg.Add(1)
		go d.sendLoop(dest, q)
	}
	d.mu.Unlock()

	for {
		select {
		case q <- data:
			return nil
		default:
			// Queue full: shed the oldest datagram, then retry.
			select {
			case <-q:
				d.log.Debug().Str("dest", dest).Msg("outbound queue full, dropping oldest datagram")
			default:
			}
		}
	}
}

func (d *Datagram) sendLoop(dest string, q chan []byte) {
	defer d.wg.Done()
	addr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		d.log.Warn().Str("dest", dest).Err(err).Msg("unresolvable datagram destination, dropping queue")
		addr = nil
	}
	for {
		select {
		case <-d.done:
			return
		case data := <-q:
			if addr == nil {
				continue
			}
			if _, err := d.conn.WriteToUDP(data, addr); err != nil {
				// Best-effort: log at debug and move on.
				d.log.Debug().Str("dest", dest).Err(err).Msg("datagram send failed")
			}
		}
	}
}

func (d *Datagram) receiveLoop() {
	defer d.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			d.log.Warn().Err(err).Msg("datagram read error")
			continue
		}
		env, err := DecodeEnvelope(buf[:n])
		if err != nil {
			d.log.Debug().Str("from", from.String()).Err(err).Msg("discarding malformed datagram")
			continue
		}
		d.handler(from, env)
	}
}

// Close stops the loops and releases the socket.
func (d *Datagram) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()

	err := d.conn.Close()
	d.wg.Wait()
	return err
}
