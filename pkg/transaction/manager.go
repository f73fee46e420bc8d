package transaction

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/arzzra/soft_switch/pkg/message"
	"github.com/arzzra/soft_switch/pkg/metrics"
	"github.com/arzzra/soft_switch/pkg/timer"
)

// ErrNoTransaction is returned when a response is sent into a server
// transaction that no longer exists.
var ErrNoTransaction = fmt.Errorf("transaction: no matching transaction")

// sweepInterval is how often lingering entries are collected.
const sweepInterval = time.Second

// Manager owns the transaction table and is the only component that talks
// to the wire transport. Incoming messages enter through Feed, outgoing
// messages through SendMessage; both must run on the engine goroutine.
type Manager struct {
	engine    *timer.Engine
	transport Transport
	handler   Handler
	table     map[Key]transaction
	mc        *metrics.Collector
	log       zerolog.Logger
	sweep     timer.Handle
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithMetrics attaches the process metrics collector.
func WithMetrics(mc *metrics.Collector) Option {
	return func(m *Manager) { m.mc = mc }
}

// NewManager creates a manager bound to the timer engine and transport.
// SetHandler must be called before the first Feed.
func NewManager(engine *timer.Engine, transport Transport, opts ...Option) *Manager {
	m := &Manager{
		engine:    engine,
		transport: transport,
		table:     make(map[Key]transaction),
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sweep = engine.ScheduleRepeating(sweepInterval, m.sweepExpired)
	return m
}

// SetHandler wires the upward consumer of matched messages.
func (m *Manager) SetHandler(h Handler) { m.handler = h }

// Close drops every transaction and stops the maintenance sweep.
func (m *Manager) Close() {
	m.engine.Cancel(m.sweep)
	for k, tx := range m.snapshot() {
		tx.stop()
		delete(m.table, k)
	}
}

// Feed hands an incoming message to the table. Requests that match no entry
// create a server transaction; responses that match no entry are dropped
// silently (a broken response cannot be fixed by escalating).
func (m *Manager) Feed(msg *message.Message) {
	branch := msg.ViaBranch()
	if branch == "" {
		m.log.Warn().Str("method", msg.Method).Msg("message without Via branch dropped")
		return
	}

	if msg.IsResponse {
		key := Key{Branch: branch, Method: msg.CSeq.Method}
		tx, ok := m.table[key]
		if !ok {
			m.log.Debug().Str("branch", branch).Int("status", msg.Status.Code).
				Msg("stray response dropped")
			return
		}
		tx.feedIncoming(msg)
		return
	}

	key := Key{Branch: branch, Method: msg.Method}
	if tx, ok := m.table[key]; ok {
		tx.feedIncoming(msg)
		return
	}

	var tx transaction
	switch msg.Method {
	case MethodInvite:
		tx = newInviteServer(m, key, msg)
	case MethodAck:
		// A non-2xx ACK shares the INVITE branch; stop that INVITE's
		// final-response retransmission directly. 2xx ACKs carry a
		// fresh branch and reach the INVITE machine as a report.
		if inv, ok := m.table[Key{Branch: branch, Method: MethodInvite}]; ok {
			if srv, ok := inv.(*inviteServer); ok {
				srv.ackReceived()
			}
		}
		tx = newAckServer(m, key, msg)
	default:
		tx = newPlainServer(m, key, msg)
	}
	m.table[key] = tx
	m.mc.TransactionCreated("server", msg.Method)
	tx.(starter).start()
}

// SendMessage routes an outgoing message into a new or existing
// transaction. CANCEL and ACK templates may omit the Via list; the layer
// builds them from related per RFC 3261 9/17: CANCEL reuses the INVITE
// branch, a non-2xx ACK reuses the INVITE branch, a 2xx ACK gets a fresh
// one. For ACKs related is the final response being acknowledged.
func (m *Manager) SendMessage(msg *message.Message, related *message.Message) error {
	if msg.IsResponse {
		return m.sendResponse(msg)
	}

	switch msg.Method {
	case MethodAck:
		return m.sendAck(msg, related)
	case MethodCancel:
		return m.sendCancel(msg, related)
	default:
		return m.sendRequest(msg)
	}
}

func (m *Manager) sendResponse(msg *message.Message) error {
	branch := msg.ViaBranch()
	if branch == "" {
		return ErrNoBranch
	}
	key := Key{Branch: branch, Method: msg.CSeq.Method}
	tx, ok := m.table[key]
	if !ok {
		return ErrNoTransaction
	}
	return tx.feedOutgoing(msg)
}

func (m *Manager) sendRequest(msg *message.Message) error {
	if msg.ViaBranch() == "" {
		return ErrNoBranch
	}
	key := Key{Branch: msg.ViaBranch(), Method: msg.Method}
	if _, ok := m.table[key]; ok {
		return ErrDuplicate
	}
	var tx transaction
	if msg.Method == MethodInvite {
		tx = newInviteClient(m, key, msg)
	} else {
		tx = newPlainClient(m, key, msg)
	}
	m.table[key] = tx
	m.mc.TransactionCreated("client", msg.Method)
	tx.(starter).start()
	return nil
}

func (m *Manager) sendAck(msg *message.Message, related *message.Message) error {
	if related == nil {
		related = msg.Related
	}
	if related == nil || !related.IsResponse {
		return ErrNoRelated
	}
	invite := related.Related
	if invite == nil {
		return ErrNoRelated
	}

	if len(msg.Via) == 0 {
		branch := invite.ViaBranch()
		if related.Status.Code < 300 {
			branch = message.GenerateBranch()
		}
		ack := message.NewAck(invite, related, branch)
		ack.ContentType, ack.Body = msg.ContentType, msg.Body
		msg = ack
	}

	key := Key{Branch: msg.ViaBranch(), Method: MethodAck}
	if tx, ok := m.table[key]; ok {
		// Retransmitted final already re-ACKed through its own entry.
		return tx.feedOutgoing(msg)
	}
	tx := newAckClient(m, key, msg)
	m.table[key] = tx
	m.mc.TransactionCreated("client", MethodAck)

	// Let the INVITE client transaction remember the ACK per remote tag
	// so retransmitted finals are re-acknowledged without upper help.
	if inv, ok := m.table[Key{Branch: invite.ViaBranch(), Method: MethodInvite}]; ok {
		if cli, ok := inv.(*inviteClient); ok {
			cli.ackGenerated(related.To.Tag, msg)
		}
	}
	tx.start()
	return nil
}

func (m *Manager) sendCancel(msg *message.Message, related *message.Message) error {
	if related == nil {
		related = msg.Related
	}
	if related == nil || related.IsResponse || related.Method != MethodInvite {
		return ErrNoRelated
	}
	if len(msg.Via) == 0 {
		msg = message.NewCancel(related)
	}
	key := Key{Branch: msg.ViaBranch(), Method: MethodCancel}
	if _, ok := m.table[key]; ok {
		return ErrDuplicate
	}
	tx := newPlainClient(m, key, msg)
	m.table[key] = tx
	m.mc.TransactionCreated("client", MethodCancel)
	tx.start()
	return nil
}

// report delivers a matched or synthesized message upward.
func (m *Manager) report(msg *message.Message) {
	if m.handler == nil {
		m.log.Error().Msg("no transaction handler wired, message lost")
		return
	}
	m.handler.MatchedMessage(msg)
}

// send puts a message on the wire.
func (m *Manager) send(hop message.Hop, msg *message.Message) {
	if msg.Virtual {
		return
	}
	if !m.transport.Send(hop, msg) {
		m.log.Warn().Str("hop", hop.String()).Msg("no transport for hop")
	}
}

// sweepExpired removes lingering entries whose patience ran out. The table
// is snapshotted first: removal during iteration is the norm here, not the
// exception.
func (m *Manager) sweepExpired() {
	now := m.engine.Now()
	for key, tx := range m.snapshot() {
		if tx.expired(now) {
			tx.stop()
			delete(m.table, key)
		}
	}
}

func (m *Manager) snapshot() map[Key]transaction {
	out := make(map[Key]transaction, len(m.table))
	for k, v := range m.table {
		out[k] = v
	}
	return out
}

// size is used by tests.
func (m *Manager) size() int { return len(m.table) }

// starter is implemented by all concrete transactions; creation and side
// effects are split so the table entry exists before anything is reported
// upward or sent.
type starter interface {
	start()
}
