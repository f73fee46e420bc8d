package transport

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/arzzra/soft_switch/pkg/message"
	"github.com/arzzra/soft_switch/pkg/transaction"
)

var _ transaction.Transport = (*UDP)(nil)

// Sink consumes decoded messages. The transaction manager satisfies it.
type Sink interface {
	Feed(msg *message.Message)
}

// UDP owns one listening socket. Datagrams are decoded on the read
// goroutine and handed to the sink via post, so everything downstream of
// the transport stays single-threaded.
type UDP struct {
	log   zerolog.Logger
	codec *Codec
	sink  Sink
	post  func(fn func())

	conn   *net.UDPConn
	local  netip.AddrPort
	closed atomic.Bool
	wg     sync.WaitGroup
}

// ListenUDP binds addr and starts the read loop. post must run its function
// on the dispatch goroutine; the timer engine's Post does exactly that.
func ListenUDP(addr string, codec *Codec, sink Sink, post func(fn func()), log zerolog.Logger) (*UDP, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	t := &UDP{
		log:   log.With().Str("component", "transport").Logger(),
		codec: codec,
		sink:  sink,
		post:  post,
		conn:  conn,
		local: conn.LocalAddr().(*net.UDPAddr).AddrPort(),
	}
	t.wg.Add(1)
	go t.readLoop()
	t.log.Info().Stringer("addr", t.local).Msg("listening")
	return t, nil
}

// LocalAddr reports the bound address, useful when addr had port 0.
func (t *UDP) LocalAddr() netip.AddrPort { return t.local }

func (t *UDP) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, remote, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if t.closed.Load() {
				return
			}
			t.log.Warn().Err(err).Msg("read failed")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		hop := message.Hop{Transport: "udp", Local: t.local, Remote: remote}
		msg, err := t.codec.Decode(data, hop)
		if err != nil {
			t.log.Debug().Err(err).Stringer("from", remote).Msg("datagram dropped")
			continue
		}
		t.post(func() { t.sink.Feed(msg) })
	}
}

// Send renders and transmits msg toward hop. A zero hop means the dialog
// layer never pinned a destination; the request-URI decides then.
func (t *UDP) Send(hop message.Hop, msg *message.Message) bool {
	if t.closed.Load() {
		return false
	}
	dest := hop.Remote
	if !dest.IsValid() {
		var err error
		dest, err = t.resolve(msg)
		if err != nil {
			t.log.Warn().Err(err).Str("method", msg.Method).Msg("no destination")
			return false
		}
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		t.log.Error().Err(err).Str("method", msg.Method).Msg("encode failed")
		return false
	}
	if _, err := t.conn.WriteToUDPAddrPort(data, dest); err != nil {
		t.log.Warn().Err(err).Stringer("to", dest).Msg("write failed")
		return false
	}
	return true
}

func (t *UDP) resolve(msg *message.Message) (netip.AddrPort, error) {
	if msg.IsResponse {
		return netip.AddrPort{}, fmt.Errorf("transport: response without a hop")
	}
	host := msg.URI.Host
	port := msg.URI.Port
	if port == 0 {
		port = 5060
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr, uint16(port)), nil
	}
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("transport: resolve %s: %w", host, err)
	}
	return udpAddr.AddrPort(), nil
}

// Close stops the read loop and releases the socket.
func (t *UDP) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.conn.Close()
	t.wg.Wait()
	return err
}
