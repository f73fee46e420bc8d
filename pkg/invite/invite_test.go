package invite

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/soft_switch/pkg/message"
	"github.com/arzzra/soft_switch/pkg/transaction"
)

var (
	offerBody  = []byte("v=0 offer")
	answerBody = []byte("v=0 answer")
)

type sent struct {
	msg     *message.Message
	related *message.Message
}

// fakePeer stands in for the dialog: it builds minimal envelopes and
// records everything pushed downward.
type fakePeer struct {
	cseq uint32
	out  []sent
}

func (p *fakePeer) MakeRequest(method string) *message.Message {
	p.cseq++
	var u sip.Uri
	_ = sip.ParseUri("sip:bob@example.net", &u)
	req := message.NewRequest(method, u)
	req.CallID = "c1"
	req.CSeq = message.CSeq{Num: p.cseq, Method: method}
	req.Via = []message.Via{{Branch: message.GenerateBranch()}}
	return req
}

func (p *fakePeer) MakeResponse(req *message.Message, code int, reason string) *message.Message {
	return message.NewResponse(req, code, reason)
}

func (p *fakePeer) Send(msg *message.Message) error {
	p.out = append(p.out, sent{msg: msg})
	return nil
}

func (p *fakePeer) SendRelated(msg, related *message.Message) error {
	p.out = append(p.out, sent{msg: msg, related: related})
	return nil
}

// byMethod returns the sent messages with the given method, responses
// excluded.
func (p *fakePeer) byMethod(method string) []sent {
	var out []sent
	for _, s := range p.out {
		if !s.msg.IsResponse && s.msg.Method == method {
			out = append(out, s)
		}
	}
	return out
}

func (p *fakePeer) responses(code int) []*message.Message {
	var out []*message.Message
	for _, s := range p.out {
		if s.msg.IsResponse && s.msg.Status.Code == code {
			out = append(out, s.msg)
		}
	}
	return out
}

func startedClient(t *testing.T, body []byte, opts ...ClientOption) (*fakePeer, *ClientSession, *message.Message) {
	t.Helper()
	peer := &fakePeer{}
	cs := NewClientSession(peer, opts...)
	inv := peer.MakeRequest(transaction.MethodInvite)
	require.NoError(t, cs.ProcessOutgoing(inv, body, false))
	return peer, cs, inv
}

func provisional(inv *message.Message, code int, rseq uint32, body []byte) *message.Message {
	resp := message.NewResponse(inv, code, "Progress")
	resp.To.Tag = "remote"
	resp.RSeq = rseq
	attach(resp, body)
	return resp
}

func final(inv *message.Message, code int, body []byte) *message.Message {
	resp := message.NewResponse(inv, code, "OK")
	resp.To.Tag = "remote"
	attach(resp, body)
	return resp
}

func TestClientOfferAnsweredInFinal(t *testing.T) {
	peer, cs, inv := startedClient(t, offerBody)
	assert.Equal(t, StateRequestOffer, cs.State())
	assert.Equal(t, ContentTypeSDP, inv.ContentType)

	ev, err := cs.ProcessIncoming(provisional(inv, 180, 0, nil))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Nil(t, ev.Body)
	assert.Equal(t, StateRequestOffer, cs.State())

	ev, err = cs.ProcessIncoming(final(inv, 200, answerBody))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.True(t, ev.IsAnswer)
	assert.Equal(t, answerBody, ev.Body)
	assert.Equal(t, StateFinish, cs.State())

	acks := peer.byMethod(transaction.MethodAck)
	require.Len(t, acks, 1, "exactly one ACK")
	assert.False(t, acks[0].msg.HasBody())
	assert.Same(t, acks[0].related.Related, inv)
}

func TestClientReliableProgressAutoPracks(t *testing.T) {
	peer, cs, inv := startedClient(t, offerBody, WithClientReliable())
	assert.True(t, inv.Supported.Has(TagReliable))

	ev, err := cs.ProcessIncoming(provisional(inv, 183, 1, nil))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Nil(t, ev.Body)

	pracks := peer.byMethod(transaction.MethodPrack)
	require.Len(t, pracks, 1)
	require.NotNil(t, pracks[0].msg.RAck)
	assert.Equal(t, uint32(1), pracks[0].msg.RAck.RSeq)
	assert.Equal(t, inv.CSeq, pracks[0].msg.RAck.CSeq)

	ev, err = cs.ProcessIncoming(final(inv, 200, answerBody))
	require.NoError(t, err)
	assert.True(t, ev.IsAnswer)
	assert.Equal(t, StateFinish, cs.State())
	assert.Len(t, peer.byMethod(transaction.MethodAck), 1)
}

func TestClientRSeqDuplicatesAndGapsIgnored(t *testing.T) {
	peer, cs, inv := startedClient(t, offerBody, WithClientReliable())

	ev, err := cs.ProcessIncoming(provisional(inv, 183, 1, nil))
	require.NoError(t, err)
	require.NotNil(t, ev)

	dup, err := cs.ProcessIncoming(provisional(inv, 183, 1, nil))
	require.NoError(t, err)
	assert.Nil(t, dup, "duplicate RSeq must be swallowed")

	gap, err := cs.ProcessIncoming(provisional(inv, 183, 3, nil))
	require.NoError(t, err)
	assert.Nil(t, gap, "RSeq gap must be swallowed, not retried")

	assert.Len(t, peer.byMethod(transaction.MethodPrack), 1)
}

func TestClientAnswersReliableOfferInPrack(t *testing.T) {
	peer, cs, inv := startedClient(t, nil, WithClientReliable())
	assert.Equal(t, StateRequestEmpty, cs.State())

	ev, err := cs.ProcessIncoming(provisional(inv, 183, 1, offerBody))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.False(t, ev.IsAnswer)
	assert.Equal(t, StateReliableOffer, cs.State())
	assert.Empty(t, peer.byMethod(transaction.MethodPrack), "the PRACK owes the answer, none sent yet")
	assert.False(t, cs.IsClogged())

	prack := peer.MakeRequest(transaction.MethodPrack)
	require.NoError(t, cs.ProcessOutgoing(prack, answerBody, true))
	assert.Equal(t, StateEarlySession, cs.State())
	require.NotNil(t, prack.RAck)
	assert.Equal(t, answerBody, prack.Body)

	ev, err = cs.ProcessIncoming(final(inv, 200, nil))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Nil(t, ev.Body)
	assert.Equal(t, StateFinish, cs.State())
}

func TestClientAnswersFinalOfferInAck(t *testing.T) {
	peer, cs, inv := startedClient(t, nil)

	ev, err := cs.ProcessIncoming(final(inv, 200, offerBody))
	require.NoError(t, err)
	assert.False(t, ev.IsAnswer)
	assert.Equal(t, StateFinalOffer, cs.State())
	assert.Empty(t, peer.byMethod(transaction.MethodAck), "the ACK owes the answer")

	ack := &message.Message{Method: transaction.MethodAck}
	require.NoError(t, cs.ProcessOutgoing(ack, answerBody, true))
	assert.Equal(t, StateFinish, cs.State())
	acks := peer.byMethod(transaction.MethodAck)
	require.Len(t, acks, 1)
	assert.Equal(t, answerBody, acks[0].msg.Body)
}

func TestClientCloggedWhileExchangePending(t *testing.T) {
	peer, cs, _ := startedClient(t, offerBody)
	assert.True(t, cs.IsClogged())

	err := cs.ProcessOutgoing(peer.MakeRequest(transaction.MethodInvite), offerBody, false)
	assert.ErrorIs(t, err, ErrClogged)
}

func TestClientFailureFinishesAfterAutoAck(t *testing.T) {
	_, cs, inv := startedClient(t, offerBody)

	ev, err := cs.ProcessIncoming(final(inv, 486, nil))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, StateFinish, cs.State())

	_, err = cs.ProcessIncoming(final(inv, 486, nil))
	assert.ErrorIs(t, err, ErrFinished)
}

func serverInvite(peer *fakePeer, body []byte, tags ...string) *message.Message {
	inv := peer.MakeRequest(transaction.MethodInvite)
	inv.From.Tag = "remote"
	inv.Supported = message.NewSet(tags...)
	attach(inv, body)
	return inv
}

func prackFor(peer *fakePeer, inv *message.Message, rseq uint32, body []byte) *message.Message {
	pr := peer.MakeRequest(transaction.MethodPrack)
	pr.RAck = &message.RAck{RSeq: rseq, CSeq: inv.CSeq}
	attach(pr, body)
	return pr
}

func TestServerReliableProgressThenFinalAnswer(t *testing.T) {
	peer := &fakePeer{}
	ss := NewServerSession(peer, WithServerReliable(false))
	inv := serverInvite(peer, offerBody, TagReliable)

	ev, err := ss.ProcessIncoming(inv)
	require.NoError(t, err)
	assert.Equal(t, offerBody, ev.Body)
	assert.True(t, ss.UseReliable())
	assert.Equal(t, StateRequestOffer, ss.State())

	progress := peer.MakeResponse(inv, 183, "Session Progress")
	require.NoError(t, ss.ProcessOutgoing(progress, nil, false))
	assert.Equal(t, StateReliableNoAnswer, ss.State())
	assert.Equal(t, uint32(1), progress.RSeq)
	assert.True(t, progress.Require.Has(TagReliable))
	assert.True(t, ss.IsClogged())

	err = ss.ProcessOutgoing(peer.MakeResponse(inv, 180, "Ringing"), nil, false)
	assert.ErrorIs(t, err, ErrClogged)

	ev, err = ss.ProcessIncoming(prackFor(peer, inv, 1, nil))
	require.NoError(t, err)
	assert.Nil(t, ev, "plain PRACK is transport-level only")
	assert.Equal(t, StateRequestOffer, ss.State())
	assert.False(t, ss.IsClogged())
	require.Len(t, peer.responses(200), 1, "PRACK answered")

	virtuals := 0
	for _, s := range peer.out {
		if s.msg.Virtual {
			virtuals++
		}
	}
	assert.Equal(t, 1, virtuals, "acknowledged reliable response virtualized")

	require.NoError(t, ss.ProcessOutgoing(peer.MakeResponse(inv, 200, "OK"), answerBody, true))
	assert.Equal(t, StateFinalAnswer, ss.State())

	ack := peer.MakeRequest(transaction.MethodAck)
	ev, err = ss.ProcessIncoming(ack)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, StateFinish, ss.State())
}

func TestServerPrackOfferAnsweredByFinal(t *testing.T) {
	peer := &fakePeer{}
	ss := NewServerSession(peer, WithServerReliable(false))
	inv := serverInvite(peer, offerBody, TagReliable)
	_, err := ss.ProcessIncoming(inv)
	require.NoError(t, err)

	progress := peer.MakeResponse(inv, 183, "Session Progress")
	require.NoError(t, ss.ProcessOutgoing(progress, answerBody, true))
	assert.Equal(t, StateReliableAnswer, ss.State())

	ev, err := ss.ProcessIncoming(prackFor(peer, inv, 1, offerBody))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.False(t, ev.IsAnswer)
	assert.Equal(t, StatePrackOffer, ss.State())
	assert.Empty(t, peer.responses(200), "PRACK response must be held")

	// The final carries the answer to the PRACK offer; the held PRACK is
	// released first.
	require.NoError(t, ss.ProcessOutgoing(peer.MakeResponse(inv, 200, "OK"), answerBody, true))
	twoHundreds := peer.responses(200)
	require.Len(t, twoHundreds, 2)
	assert.Equal(t, transaction.MethodPrack, twoHundreds[0].CSeq.Method)
	assert.Equal(t, transaction.MethodInvite, twoHundreds[1].CSeq.Method)
	assert.Equal(t, answerBody, twoHundreds[1].Body)
	assert.Equal(t, StateFinalAnswer, ss.State())
}

func TestServerRejectsCallerWithoutRequiredReliability(t *testing.T) {
	peer := &fakePeer{}
	ss := NewServerSession(peer, WithServerReliable(true))
	inv := serverInvite(peer, offerBody) // no 100rel anywhere

	ev, err := ss.ProcessIncoming(inv)
	require.NoError(t, err)
	assert.Nil(t, ev, "gating happens before offer/answer work")
	assert.Equal(t, StateAbort, ss.State())

	rejects := peer.responses(421)
	require.Len(t, rejects, 1)
	assert.True(t, rejects[0].Require.Has(TagReliable))
}

func TestServerPrackWithUnknownRAckRejected(t *testing.T) {
	peer := &fakePeer{}
	ss := NewServerSession(peer, WithServerReliable(false))
	inv := serverInvite(peer, offerBody, TagReliable)
	_, err := ss.ProcessIncoming(inv)
	require.NoError(t, err)
	require.NoError(t, ss.ProcessOutgoing(peer.MakeResponse(inv, 183, "Session Progress"), nil, false))

	ev, err := ss.ProcessIncoming(prackFor(peer, inv, 5, nil))
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Len(t, peer.responses(481), 1)
	assert.Equal(t, StateReliableNoAnswer, ss.State())
}

func TestServerCancelAnsweredAndSurfaced(t *testing.T) {
	peer := &fakePeer{}
	ss := NewServerSession(peer)
	inv := serverInvite(peer, offerBody)
	_, err := ss.ProcessIncoming(inv)
	require.NoError(t, err)

	cancel := message.NewCancel(inv)
	ev, err := ss.ProcessIncoming(cancel)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Len(t, peer.responses(200), 1)

	require.NoError(t, ss.ProcessOutgoing(peer.MakeResponse(inv, 487, "Request Terminated"), nil, false))
	assert.Equal(t, StateFinish, ss.State())
}

func TestServerEmptyFinalIllegalWhileAnswerOwed(t *testing.T) {
	peer := &fakePeer{}
	ss := NewServerSession(peer)
	inv := serverInvite(peer, offerBody)
	_, err := ss.ProcessIncoming(inv)
	require.NoError(t, err)

	err = ss.ProcessOutgoing(peer.MakeResponse(inv, 200, "OK"), nil, false)
	assert.ErrorIs(t, err, ErrBadState)
}

func TestServerFinalOfferAnsweredByAck(t *testing.T) {
	peer := &fakePeer{}
	ss := NewServerSession(peer)
	inv := serverInvite(peer, nil)
	_, err := ss.ProcessIncoming(inv)
	require.NoError(t, err)
	assert.Equal(t, StateRequestEmpty, ss.State())

	require.NoError(t, ss.ProcessOutgoing(peer.MakeResponse(inv, 200, "OK"), offerBody, false))
	assert.Equal(t, StateFinalOffer, ss.State())

	ack := peer.MakeRequest(transaction.MethodAck)
	attach(ack, answerBody)
	ev, err := ss.ProcessIncoming(ack)
	require.NoError(t, err)
	assert.True(t, ev.IsAnswer)
	assert.Equal(t, answerBody, ev.Body)
	assert.Equal(t, StateFinish, ss.State())
}

func TestServerAckVirtualizesAcknowledgedFinal(t *testing.T) {
	peer := &fakePeer{}
	ss := NewServerSession(peer)
	inv := serverInvite(peer, offerBody)
	_, err := ss.ProcessIncoming(inv)
	require.NoError(t, err)
	require.NoError(t, ss.ProcessOutgoing(peer.MakeResponse(inv, 200, "OK"), answerBody, true))

	// The 2xx ACK travels on a fresh branch; only a virtual response can
	// stop the INVITE transaction from retransmitting the final.
	ev, err := ss.ProcessIncoming(peer.MakeRequest(transaction.MethodAck))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, StateFinish, ss.State())

	var virtuals []*message.Message
	for _, s := range peer.out {
		if s.msg.Virtual {
			virtuals = append(virtuals, s.msg)
		}
	}
	require.Len(t, virtuals, 1, "acknowledged final must be virtualized")
	assert.Equal(t, 200, virtuals[0].Status.Code)

}

func TestUpdateOfferAnswerBothDirections(t *testing.T) {
	peer := &fakePeer{}
	us := NewUpdateSession(peer, zerolog.Nop())

	upd := peer.MakeRequest(transaction.MethodUpdate)
	require.NoError(t, us.ProcessOutgoing(upd, offerBody, false))
	assert.True(t, us.IsClogged())

	ok := message.NewResponse(upd, 200, "OK")
	attach(ok, answerBody)
	ev, err := us.ProcessIncoming(ok)
	require.NoError(t, err)
	assert.True(t, ev.IsAnswer)
	assert.False(t, us.IsClogged())

	theirs := peer.MakeRequest(transaction.MethodUpdate)
	attach(theirs, offerBody)
	ev, err = us.ProcessIncoming(theirs)
	require.NoError(t, err)
	assert.Equal(t, offerBody, ev.Body)
	assert.True(t, us.IsClogged())

	require.NoError(t, us.ProcessOutgoing(peer.MakeResponse(theirs, 200, "OK"), answerBody, true))
	assert.False(t, us.IsClogged())
}

func TestUpdateGlareAnsweredWith491(t *testing.T) {
	peer := &fakePeer{}
	us := NewUpdateSession(peer, zerolog.Nop())
	require.NoError(t, us.ProcessOutgoing(peer.MakeRequest(transaction.MethodUpdate), offerBody, false))

	theirs := peer.MakeRequest(transaction.MethodUpdate)
	attach(theirs, offerBody)
	ev, err := us.ProcessIncoming(theirs)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Len(t, peer.responses(491), 1)
}
