package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lagrange-go/lagrange/pkg/network"
	"github.com/lagrange-go/lagrange/pkg/protocol"
)

// buildPacket assembles a uni packet, allocating a sequence when seq is 0.
func (c *Client) buildPacket(ctx context.Context, cmd string, body []byte, seq uint32) ([]byte, uint32, error) {
	if seq == 0 {
		seq = c.seq.Next()
	}

	var signature *protocol.Signature
	if c.opts.Signer != nil {
		s, err := c.opts.Signer.Sign(ctx, cmd, seq, body)
		if err != nil {
			c.log.Warn().Err(err).Str("cmd", cmd).Msg("sending unsigned")
		} else {
			signature = s
		}
	}

	c.mu.Lock()
	id := protocol.Identity{Uin: c.uin, Uid: c.sig.uid, App: c.app, Device: c.device}
	tickets := protocol.Tickets{Tgt: c.sig.tgt, D2: c.sig.d2, D2Key: c.sig.d2Key}
	c.mu.Unlock()

	frame, err := protocol.BuildUni(id, tickets, protocol.UniPacket{
		Seq:     seq,
		Command: cmd,
		Body:    body,
		Trace:   protocol.TraceParent(ctx),
		Sign:    signature,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("build %s: %w", cmd, err)
	}
	c.log.Debug().Str("cmd", cmd).Uint32("seq", seq).Msg("send")
	return frame, seq, nil
}

func (c *Client) countSent() {
	c.mu.Lock()
	c.stats.SentPacketCount++
	c.mu.Unlock()
	c.metrics.sent()
}

// SendAndAwait sends cmd and waits for the response with the same sequence.
// A zero timeout uses Options.RequestTimeout. A timeout rejects only this
// call; the connection stays up.
func (c *Client) SendAndAwait(ctx context.Context, cmd string, body []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}
	frame, seq, err := c.buildPacket(ctx, cmd, body, 0)
	if err != nil {
		return nil, err
	}
	c.countSent()

	if err := c.transport.Join(ctx); err != nil {
		return nil, &NetworkError{Code: CodeServerBusy, Message: "connect failed", Err: err}
	}
	call := c.corr.Register(seq, timeout)
	if err := c.transport.Write(frame); err != nil {
		c.corr.Fail(seq, &NetworkError{Code: CodeServerBusy, Message: "write failed", Err: err})
	}

	payload, err := call.Wait(ctx)
	if errors.Is(err, network.ErrTimeout) {
		c.metrics.lost()
		return nil, &NetworkError{Code: CodeServerBusy, Message: fmt.Sprintf("packet timeout (%d)", seq), Err: err}
	}
	return payload, err
}

// SendFireAndForget writes cmd without waiting for a response. A non-zero
// seq is used as is.
func (c *Client) SendFireAndForget(ctx context.Context, cmd string, body []byte, seq uint32) error {
	frame, _, err := c.buildPacket(ctx, cmd, body, seq)
	if err != nil {
		return err
	}
	c.countSent()
	if err := c.transport.Join(ctx); err != nil {
		return &NetworkError{Code: CodeServerBusy, Message: "connect failed", Err: err}
	}
	return c.transport.Write(frame)
}
