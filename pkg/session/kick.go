package session

import (
	"fmt"

	"github.com/lagrange-go/lagrange/pkg/pb"
)

// kickReason formats the KickNT payload as "[title]text".
func kickReason(payload []byte) string {
	p, err := pb.Decode(payload)
	if err != nil {
		return "kicked off"
	}
	if p.Has(4) {
		return fmt.Sprintf("[%s]%s", p.Get(4).String(), p.Get(3).String())
	}
	return fmt.Sprintf("[%s]%s", p.Get(1).String(), p.Get(2).String())
}

// handleKick ends an online session for good. Kicks in any other state are
// ignored.
func (c *Client) handleKick(payload []byte) {
	c.mu.Lock()
	if c.state != StateOnline {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.setStateLocked(StateKickedOff)
	hb := c.hb
	c.hb = nil
	if hb != nil {
		hb.cancel()
	}
	c.mu.Unlock()

	reason := kickReason(payload)
	c.log.Warn().Str("reason", reason).Msg("kicked off")
	c.emit(KickoffEvent{Reason: reason})

	// called from the read loop, which the heartbeats may be waiting on
	go func() {
		if hb != nil {
			hb.wg.Wait()
		}
		c.transport.Destroy()
	}()
}
