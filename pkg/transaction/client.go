package transaction

import (
	"github.com/arzzra/soft_switch/pkg/message"
)

// plainClient handles non-INVITE requests: BYE, CANCEL, PRACK, UPDATE and
// friends share one shape.
type plainClient struct {
	common
}

func newPlainClient(m *Manager, key Key, req *message.Message) *plainClient {
	return &plainClient{common: common{mgr: m, k: key, stored: req, hop: req.Hop}}
}

func (tx *plainClient) start() {
	tx.startTransmitting(tx.stored, tx.timeout)
}

func (tx *plainClient) feedIncoming(msg *message.Message) {
	if !msg.IsResponse || tx.st == StateLingering {
		return
	}
	msg.Related = tx.stored
	if msg.IsProvisional() {
		tx.await(tx.timeout)
		tx.mgr.report(msg)
		return
	}
	tx.linger()
	tx.mgr.report(msg)
}

func (tx *plainClient) feedOutgoing(msg *message.Message) error {
	return ErrWrongDirection
}

// timeout synthesizes the 408-class response that stands in for a peer
// that never answered. Upper layers must not be able to tell it from a
// real response.
func (tx *plainClient) timeout() {
	if tx.st != StateTransmitting && tx.st != StateProvisioning {
		return
	}
	tx.mgr.mc.TransactionExpired()
	tx.linger()
	resp := message.NewResponse(tx.stored, 408, "Request Timeout")
	tx.mgr.report(resp)
}

// inviteClient adds the INVITE-only machinery: per-remote-tag ACK tracking.
// A single INVITE can receive final responses establishing several dialogs
// when a downstream proxy forks; every distinct To tag gets its own ACK.
type inviteClient struct {
	common
	// bastards maps each remote tag seen on a final response to the ACK
	// generated for it, nil while a 2xx still waits for the dialog layer
	// to supply the ACK body.
	bastards map[string]*message.Message
}

func newInviteClient(m *Manager, key Key, req *message.Message) *inviteClient {
	return &inviteClient{
		common:   common{mgr: m, k: key, stored: req, hop: req.Hop},
		bastards: make(map[string]*message.Message),
	}
}

func (tx *inviteClient) start() {
	tx.startTransmitting(tx.stored, tx.timeout)
}

func (tx *inviteClient) feedIncoming(msg *message.Message) {
	if !msg.IsResponse {
		return
	}
	msg.Related = tx.stored

	if msg.IsProvisional() {
		if tx.st == StateLingering {
			return
		}
		tx.await(tx.timeout)
		tx.mgr.report(msg)
		return
	}

	tag := msg.To.Tag
	if ack, seen := tx.bastards[tag]; seen {
		// Retransmitted final. Re-ACK if we already have the ACK;
		// otherwise the dialog layer is still preparing it and the
		// duplicate is absorbed.
		if ack != nil {
			tx.mgr.mc.Retransmit()
			tx.mgr.send(ack.Hop, ack)
		}
		return
	}
	tx.bastards[tag] = nil

	if tx.st != StateLingering {
		tx.linger()
	}
	if msg.Status.Code >= 300 {
		// Non-2xx finals are ACKed by the transaction layer itself,
		// on the INVITE branch.
		_ = tx.mgr.sendAck(&message.Message{Method: MethodAck, Related: msg}, msg)
	}
	tx.mgr.report(msg)
}

func (tx *inviteClient) feedOutgoing(msg *message.Message) error {
	return ErrWrongDirection
}

// ackGenerated records the ACK now covering the given remote tag.
func (tx *inviteClient) ackGenerated(tag string, ack *message.Message) {
	tx.bastards[tag] = ack
}

func (tx *inviteClient) timeout() {
	if tx.st != StateTransmitting && tx.st != StateProvisioning {
		return
	}
	tx.mgr.mc.TransactionExpired()
	tx.linger()
	resp := message.NewResponse(tx.stored, 408, "Request Timeout")
	tx.mgr.report(resp)
}

// ackClient carries one generated ACK. ACKs are never retransmitted on
// their own schedule; they are resent when the peer retransmits the final
// response that provoked them.
type ackClient struct {
	common
}

func newAckClient(m *Manager, key Key, ack *message.Message) *ackClient {
	return &ackClient{common: common{mgr: m, k: key, stored: ack, hop: ack.Hop}}
}

func (tx *ackClient) start() {
	tx.mgr.send(tx.hop, tx.stored)
	tx.linger()
}

func (tx *ackClient) feedIncoming(msg *message.Message) {
	// Nothing answers an ACK.
}

func (tx *ackClient) feedOutgoing(msg *message.Message) error {
	// A repeated send of the same ACK: put it on the wire again.
	tx.mgr.mc.Retransmit()
	tx.mgr.send(tx.hop, tx.stored)
	return nil
}
