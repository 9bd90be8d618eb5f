package session

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/lagrange-go/lagrange/pkg/pb"
	"github.com/lagrange-go/lagrange/pkg/protocol"
)

var aliveBody = []byte{0x00, 0x00, 0x00, 0x04}

// completeLogin registers the fresh tickets and announces the session.
func (c *Client) completeLogin(ctx context.Context, ev OnlineEvent) error {
	if err := c.register(ctx); err != nil {
		return err
	}
	if c.IsOnline() {
		c.emit(ev)
	}
	return nil
}

func (c *Client) registerBody() ([]byte, error) {
	return pb.Encode(pb.Message{
		1: c.device.GUID,
		2: 0,
		3: c.app.CurrentVersion,
		4: 0,
		5: protocol.LocaleID,
		6: pb.Message{
			1: c.device.DeviceName,
			2: c.app.Kernel,
			3: c.device.SystemKernel,
			4: "",
			5: c.app.VendorOS,
		},
		7: false,
		8: false,
		9: true,
	})
}

// register announces the device with the current tickets and starts the
// heartbeats. It also runs after a lost connection while online.
func (c *Client) register(ctx context.Context) error {
	if err := c.setState(StateRegistering); err != nil {
		return err
	}
	body, err := c.registerBody()
	if err != nil {
		c.fail()
		return err
	}

	resp, err := c.SendAndAwait(ctx, protocol.CmdRegister, body, 0)
	if err != nil {
		c.fail()
		c.emit(NetworkErrorEvent{Code: CodeRegisterServerBusy, Message: "server is busy(register)"})
		return &NetworkError{Code: CodeRegisterServerBusy, Message: "server is busy(register)", Err: err}
	}
	p, err := pb.Decode(resp)
	if err != nil || p.Get(2).String() != protocol.RegisterSuccessMarker {
		c.fail()
		c.emit(TokenInvalidEvent{})
		return ErrTokenInvalid
	}

	c.mu.Lock()
	if err := c.setStateLocked(StateOnline); err != nil {
		c.mu.Unlock()
		return err
	}
	c.loginLock = false
	c.sig.qrSig = nil
	c.token.Uid = c.sig.uid
	if len(c.sig.tempPwd) > 0 {
		c.token.Session.TempPassword = base64.StdEncoding.EncodeToString(c.sig.tempPwd)
	}
	token := c.token
	c.mu.Unlock()

	c.startHeartbeats()
	c.verbose(LevelMark, "registered, session online")
	c.emit(TokenEvent{Token: token.JSON()})
	return nil
}

// heartbeats is the pair of keepalive loops of one online period.
type heartbeats struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (c *Client) startHeartbeats() {
	ctx, cancel := context.WithCancel(context.Background())
	hb := &heartbeats{cancel: cancel}

	c.mu.Lock()
	old := c.hb
	c.hb = hb
	c.mu.Unlock()
	if old != nil {
		old.stop()
	}

	hb.wg.Add(2)
	go c.heartbeatLoop(ctx, &hb.wg, c.opts.HeartbeatInterval, protocol.CmdHeartbeatAlive, aliveBody)
	go c.heartbeatLoop(ctx, &hb.wg, c.opts.SsoHeartbeatInterval, protocol.CmdSsoHeartbeat, pb.MustEncode(pb.Message{1: 1}))
}

// stopHeartbeats cancels both loops and waits for them to return.
func (c *Client) stopHeartbeats() {
	c.mu.Lock()
	hb := c.hb
	c.hb = nil
	c.mu.Unlock()
	if hb != nil {
		hb.stop()
	}
}

func (h *heartbeats) stop() {
	h.cancel()
	h.wg.Wait()
}

func (c *Client) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, cmd string, body []byte) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.IsOnline() {
			continue
		}
		if _, err := c.SendAndAwait(ctx, cmd, body, 0); err != nil && ctx.Err() == nil {
			c.log.Debug().Err(err).Str("cmd", cmd).Msg("heartbeat")
		}
	}
}
