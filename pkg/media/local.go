package media

import (
	"encoding/binary"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

const dtmfPayloadType = 101

// LocalController is an in-process media gateway: every leg is one UDP
// socket, contexts relay packets between joined legs, and RFC 4733 events
// are recognized and injectable. Unlike the signaling core it is accessed
// from socket goroutines, so it locks.
type LocalController struct {
	mu sync.Mutex

	ip        netip.Addr
	portBase  uint16
	portCount uint16
	inUse     map[uint16]bool

	legs     map[LegHandle]*localLeg
	contexts map[ContextID]*relayContext
	nextLeg  LegHandle
	nextCtx  ContextID

	onDTMF  DTMFHandler
	onDirty DirtyHandler

	log    zerolog.Logger
	closed bool
}

type localLeg struct {
	handle LegHandle
	conn   *net.UDPConn
	local  netip.AddrPort

	mu     sync.Mutex
	remote netip.AddrPort
	peer   *localLeg // joined counterpart, nil while unjoined
	ctx    ContextID

	lastDTMF  uint32 // timestamp of the last reported event
	seq       uint16
	timestamp uint32
	ssrc      uint32

	done chan struct{}
}

type relayContext struct {
	id   ContextID
	a, b *localLeg
}

// LocalConfig sizes the controller.
type LocalConfig struct {
	IP        netip.Addr
	PortBase  uint16
	PortCount uint16
}

func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		IP:        netip.MustParseAddr("127.0.0.1"),
		PortBase:  40000,
		PortCount: 1000,
	}
}

func NewLocalController(cfg LocalConfig, log zerolog.Logger) *LocalController {
	return &LocalController{
		ip:        cfg.IP,
		portBase:  cfg.PortBase,
		portCount: cfg.PortCount,
		inUse:     make(map[uint16]bool),
		legs:      make(map[LegHandle]*localLeg),
		contexts:  make(map[ContextID]*relayContext),
		log:       log.With().Str("component", "media").Logger(),
	}
}

func (c *LocalController) OnDTMF(h DTMFHandler)   { c.onDTMF = h }
func (c *LocalController) OnDirty(h DirtyHandler) { c.onDirty = h }

func (c *LocalController) AllocateAddress() (netip.AddrPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Even ports only; the odd sibling is left for RTCP.
	for off := uint16(0); off < c.portCount; off += 2 {
		port := c.portBase + off
		if !c.inUse[port] {
			c.inUse[port] = true
			return netip.AddrPortFrom(c.ip, port), nil
		}
	}
	return netip.AddrPort{}, ErrNoPorts
}

func (c *LocalController) DeallocateAddress(addr netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inUse, addr.Port())
}

func (c *LocalController) MakeLeg(addr netip.AddrPort) (LegHandle, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.nextLeg++
	leg := &localLeg{
		handle: c.nextLeg,
		conn:   conn,
		local:  addr,
		ssrc:   uint32(time.Now().UnixNano()),
		done:   make(chan struct{}),
	}
	c.legs[leg.handle] = leg
	c.mu.Unlock()

	go c.readLoop(leg)
	c.log.Debug().Uint64("leg", uint64(leg.handle)).Stringer("addr", addr).Msg("media leg up")
	return leg.handle, nil
}

func (c *LocalController) DeleteLeg(h LegHandle) error {
	c.mu.Lock()
	leg, ok := c.legs[h]
	if !ok {
		c.mu.Unlock()
		return ErrNoSuchLeg
	}
	delete(c.legs, h)
	c.mu.Unlock()

	close(leg.done)
	leg.conn.Close()
	c.log.Debug().Uint64("leg", uint64(h)).Msg("media leg down")
	return nil
}

func (c *LocalController) SetRemote(h LegHandle, remote netip.AddrPort) error {
	c.mu.Lock()
	leg, ok := c.legs[h]
	c.mu.Unlock()
	if !ok {
		return ErrNoSuchLeg
	}
	leg.mu.Lock()
	leg.remote = remote
	leg.mu.Unlock()
	return nil
}

func (c *LocalController) Join(a, b LegHandle) (ContextID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	la, ok := c.legs[a]
	if !ok {
		return 0, ErrNoSuchLeg
	}
	lb, ok := c.legs[b]
	if !ok {
		return 0, ErrNoSuchLeg
	}
	if la.joined() || lb.joined() {
		return 0, ErrLegBusy
	}

	c.nextCtx++
	id := c.nextCtx
	c.contexts[id] = &relayContext{id: id, a: la, b: lb}
	la.setPeer(lb, id)
	lb.setPeer(la, id)
	c.log.Info().Uint64("ctx", uint64(id)).Uint64("a", uint64(a)).Uint64("b", uint64(b)).
		Msg("media context joined")
	return id, nil
}

func (c *LocalController) Unjoin(id ContextID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, ok := c.contexts[id]
	if !ok {
		return ErrNoSuchContext
	}
	delete(c.contexts, id)
	ctx.a.setPeer(nil, 0)
	ctx.b.setPeer(nil, 0)
	c.log.Info().Uint64("ctx", uint64(id)).Msg("media context unjoined")
	return nil
}

// SendTone emits an RFC 4733 event train: interim packets every 50ms and a
// tripled end packet.
func (c *LocalController) SendTone(h LegHandle, tone Tone) error {
	c.mu.Lock()
	leg, ok := c.legs[h]
	c.mu.Unlock()
	if !ok {
		return ErrNoSuchLeg
	}

	leg.mu.Lock()
	remote := leg.remote
	leg.mu.Unlock()
	if !remote.IsValid() {
		return ErrNoSuchLeg
	}

	samples := uint16(tone.Duration.Seconds() * 8000)
	if samples == 0 {
		samples = 800
	}
	send := func(duration uint16, end, marker bool) {
		leg.seq++
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         marker,
				PayloadType:    dtmfPayloadType,
				SequenceNumber: leg.seq,
				Timestamp:      leg.timestamp,
				SSRC:           leg.ssrc,
			},
			Payload: encodeEvent(tone, duration, end),
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return
		}
		leg.conn.WriteToUDPAddrPort(raw, remote)
	}

	step := uint16(400) // 50ms at 8kHz
	for at := step; at < samples; at += step {
		send(at, false, at == step)
	}
	for i := 0; i < 3; i++ {
		send(samples, true, false)
	}
	leg.timestamp += uint32(samples)
	return nil
}

func (c *LocalController) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	legs := make([]*localLeg, 0, len(c.legs))
	for _, l := range c.legs {
		legs = append(legs, l)
	}
	c.legs = map[LegHandle]*localLeg{}
	c.contexts = map[ContextID]*relayContext{}
	c.mu.Unlock()

	for _, l := range legs {
		close(l.done)
		l.conn.Close()
	}
	return nil
}

func (c *LocalController) readLoop(leg *localLeg) {
	buf := make([]byte, 2048)
	for {
		n, src, err := leg.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-leg.done:
			default:
				c.log.Debug().Err(err).Uint64("leg", uint64(leg.handle)).Msg("read loop ended")
			}
			return
		}

		leg.mu.Lock()
		if !leg.remote.IsValid() {
			// Latch onto the first sender; NATs rarely announce
			// themselves any other way.
			leg.remote = src
			leg.mu.Unlock()
			if c.onDirty != nil {
				c.onDirty(leg.handle, src)
			}
			leg.mu.Lock()
		}
		peer := leg.peer
		leg.mu.Unlock()

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		if pkt.PayloadType == dtmfPayloadType {
			c.handleEvent(leg, &pkt)
			continue
		}
		if peer != nil {
			peer.relay(buf[:n])
		}
	}
}

// relay forwards a raw packet to the leg's remote endpoint.
func (l *localLeg) relay(raw []byte) {
	l.mu.Lock()
	remote := l.remote
	l.mu.Unlock()
	if remote.IsValid() {
		l.conn.WriteToUDPAddrPort(raw, remote)
	}
}

func (l *localLeg) joined() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peer != nil
}

func (l *localLeg) setPeer(p *localLeg, id ContextID) {
	l.mu.Lock()
	l.peer, l.ctx = p, id
	l.mu.Unlock()
}

func (c *LocalController) handleEvent(leg *localLeg, pkt *rtp.Packet) {
	tone, end, ok := decodeEvent(pkt.Payload)
	if !ok || !end {
		return
	}
	leg.mu.Lock()
	dup := leg.lastDTMF == pkt.Timestamp
	leg.lastDTMF = pkt.Timestamp
	leg.mu.Unlock()
	if dup {
		// End packets are tripled by senders; report once.
		return
	}
	if c.onDTMF != nil {
		c.onDTMF(leg.handle, tone)
	}
}

// encodeEvent renders the 4-byte RFC 4733 payload.
func encodeEvent(tone Tone, duration uint16, end bool) []byte {
	out := make([]byte, 4)
	out[0] = byte(tone.Digit)
	vol := uint8(-tone.Volume) & 0x3f
	if end {
		vol |= 0x80
	}
	out[1] = vol
	binary.BigEndian.PutUint16(out[2:], duration)
	return out
}

func decodeEvent(payload []byte) (Tone, bool, bool) {
	if len(payload) < 4 {
		return Tone{}, false, false
	}
	samples := binary.BigEndian.Uint16(payload[2:])
	tone := Tone{
		Digit:    Digit(payload[0]),
		Duration: time.Duration(samples) * time.Second / 8000,
		Volume:   -int8(payload[1] & 0x3f),
	}
	return tone, payload[1]&0x80 != 0, true
}
