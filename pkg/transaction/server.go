package transaction

import (
	"github.com/arzzra/soft_switch/pkg/message"
)

// plainServer answers one non-INVITE request.
type plainServer struct {
	common
	request *message.Message
}

func newPlainServer(m *Manager, key Key, req *message.Message) *plainServer {
	return &plainServer{
		common:  common{mgr: m, k: key, hop: req.Hop},
		request: req,
	}
}

func (tx *plainServer) start() {
	tx.mgr.report(tx.request)
}

func (tx *plainServer) feedIncoming(msg *message.Message) {
	if msg.IsResponse {
		return
	}
	// Request retransmission. While WAITING the upper layer is still
	// deciding and the duplicate is absorbed; afterwards the stored
	// response goes out again without a new upward event.
	if tx.stored != nil {
		tx.mgr.mc.Retransmit()
		tx.mgr.send(tx.hop, tx.stored)
	}
}

func (tx *plainServer) feedOutgoing(msg *message.Message) error {
	if !msg.IsResponse {
		return ErrWrongDirection
	}
	if msg.Virtual {
		tx.linger()
		return nil
	}
	if msg.IsProvisional() {
		tx.startProvisioning(msg)
		return nil
	}
	// Non-INVITE finals are sent once and then replayed only on request
	// retransmission.
	tx.stored = msg
	tx.mgr.send(tx.hop, msg)
	tx.linger()
	return nil
}

// inviteServer answers one INVITE. Reliable provisionals and finals are
// actively retransmitted until acknowledged; unreliable provisionals tick
// at the slow cadence; a final that is never ACKed escalates as a NAK.
type inviteServer struct {
	common
	request *message.Message
}

func newInviteServer(m *Manager, key Key, req *message.Message) *inviteServer {
	return &inviteServer{
		common:  common{mgr: m, k: key, hop: req.Hop},
		request: req,
	}
}

func (tx *inviteServer) start() {
	tx.mgr.report(tx.request)
	// If the upper layer did not respond synchronously, keep the peer's
	// retransmissions quiet with an automatic 100.
	if tx.st == StateWaiting && tx.stored == nil {
		trying := message.NewResponse(tx.request, 100, "Trying")
		tx.startProvisioning(trying)
	}
}

func (tx *inviteServer) feedIncoming(msg *message.Message) {
	if msg.IsResponse {
		return
	}
	if tx.stored != nil {
		tx.mgr.mc.Retransmit()
		tx.mgr.send(tx.hop, tx.stored)
	}
}

func (tx *inviteServer) feedOutgoing(msg *message.Message) error {
	if !msg.IsResponse {
		return ErrWrongDirection
	}
	if msg.Virtual {
		// "Treat as acknowledged": stop retransmitting, no wire traffic.
		tx.linger()
		return nil
	}
	if msg.IsProvisional() && msg.RSeq == 0 {
		tx.startProvisioning(msg)
		return nil
	}
	// Reliable provisional or final: retransmit until PRACKed/ACKed.
	tx.startTransmitting(msg, tx.nakTimeout)
	return nil
}

// ackReceived stops final-response retransmission. Reached directly for
// non-2xx ACKs (same branch); 2xx ACKs arrive on a fresh branch and stop
// the retransmission through a virtual response from the INVITE machine.
func (tx *inviteServer) ackReceived() {
	if tx.st == StateTransmitting || tx.st == StateProvisioning {
		tx.linger()
	}
}

// nakTimeout reports that the transmitted response was never acknowledged.
// The synthesized NAK pseudo-request is the server-side mirror of the
// client's synthesized 408.
func (tx *inviteServer) nakTimeout() {
	if tx.st != StateTransmitting {
		return
	}
	tx.mgr.mc.TransactionExpired()
	unacked := tx.stored
	tx.linger()
	nak := &message.Message{
		Method: MethodNak,
		From:   tx.request.From,
		// The unacked final's To carries the local tag; the dialog
		// registry routes the NAK by it, the bare INVITE To would not.
		To:      unacked.To,
		CallID:  tx.request.CallID,
		CSeq:    message.CSeq{Num: tx.request.CSeq.Num, Method: MethodNak},
		Via:     tx.request.Via,
		Hop:     tx.hop,
		Related: unacked,
	}
	tx.mgr.report(nak)
}

// ackServer absorbs retransmissions of one received ACK.
type ackServer struct {
	common
	request *message.Message
}

func newAckServer(m *Manager, key Key, ack *message.Message) *ackServer {
	return &ackServer{
		common:  common{mgr: m, k: key, hop: ack.Hop},
		request: ack,
	}
}

func (tx *ackServer) start() {
	tx.linger()
	tx.mgr.report(tx.request)
}

func (tx *ackServer) feedIncoming(msg *message.Message) {
	// Duplicate ACK, swallowed.
}

func (tx *ackServer) feedOutgoing(msg *message.Message) error {
	return ErrWrongDirection
}
