package transaction

import (
	"time"

	"github.com/arzzra/soft_switch/pkg/message"
	"github.com/arzzra/soft_switch/pkg/timer"
)

// common carries the retransmission machinery shared by every variant.
type common struct {
	mgr *Manager
	k   Key
	st  State

	// stored is the message currently answered or retransmitted: the
	// request for client transactions, the latest response for server
	// transactions.
	stored *message.Message
	hop    message.Hop

	interval  time.Duration
	retrans   timer.Handle
	expire    timer.Handle
	expiresAt time.Time
}

func (c *common) key() Key     { return c.k }
func (c *common) state() State { return c.st }

func (c *common) expired(now time.Time) bool {
	return c.st == StateLingering && !now.Before(c.expiresAt)
}

func (c *common) stop() {
	c.mgr.engine.Cancel(c.retrans)
	c.mgr.engine.Cancel(c.expire)
}

// startTransmitting begins exponential-backoff retransmission of msg with a
// hard expiry; onExpire runs if nothing stops the transmission within TP.
func (c *common) startTransmitting(msg *message.Message, onExpire func()) {
	c.cancelTimers()
	c.st = StateTransmitting
	c.stored = msg
	c.interval = T1
	c.mgr.send(c.hop, msg)
	c.retrans = c.mgr.engine.Schedule(c.interval, c.retransmit)
	c.expire = c.mgr.engine.Schedule(TP, onExpire)
}

// startProvisioning repeats an unreliable provisional response at the slow
// cadence, with no hard expiry: the upper layer owns the patience here.
func (c *common) startProvisioning(msg *message.Message) {
	c.cancelTimers()
	c.st = StateProvisioning
	c.stored = msg
	c.mgr.send(c.hop, msg)
	c.retrans = c.mgr.engine.ScheduleRepeating(provisionInterval, func() {
		c.mgr.mc.Retransmit()
		c.mgr.send(c.hop, c.stored)
	})
}

// linger parks the transaction to absorb retransmissions until the sweep
// collects it.
func (c *common) linger() {
	c.cancelTimers()
	c.st = StateLingering
	c.expiresAt = c.mgr.engine.Now().Add(TP)
}

// await parks a client transaction that saw a provisional response: nothing
// is retransmitted, but onExpire still fires after TC if no final ever
// arrives. Each provisional restarts the patience.
func (c *common) await(onExpire func()) {
	c.cancelTimers()
	c.st = StateProvisioning
	c.expire = c.mgr.engine.Schedule(TC, onExpire)
}

func (c *common) retransmit() {
	if c.st != StateTransmitting {
		return
	}
	c.mgr.mc.Retransmit()
	c.mgr.send(c.hop, c.stored)
	c.interval *= 2
	if c.interval > T2 {
		c.interval = T2
	}
	c.retrans = c.mgr.engine.Schedule(c.interval, c.retransmit)
}

func (c *common) cancelTimers() {
	c.mgr.engine.Cancel(c.retrans)
	c.mgr.engine.Cancel(c.expire)
	c.retrans = timer.Handle{}
	c.expire = timer.Handle{}
}
