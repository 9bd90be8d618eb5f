// Package session drives one account's connection to the SSO gateway:
// authentication, registration, heartbeats, reconnects and the
// request/response API business layers build on.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/lagrange-go/lagrange/pkg/crypto"
	"github.com/lagrange-go/lagrange/pkg/network"
	"github.com/lagrange-go/lagrange/pkg/protocol"
	"github.com/lagrange-go/lagrange/pkg/sign"
	"github.com/lagrange-go/lagrange/pkg/tlv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures a Client. Zero fields take the values of
// DefaultOptions.
type Options struct {
	Platform protocol.Platform
	GUID     string // hex, derived from the uin when empty

	Signer       sign.Signer
	ServerLister network.ServerLister
	Servers      []network.Endpoint
	Host         string // pins the gateway when set with Port
	Port         int

	LegacyServerKey []byte
	ModernServerKey []byte

	HeartbeatInterval    time.Duration
	SsoHeartbeatInterval time.Duration
	ReconnectDelay       time.Duration
	RequestTimeout       time.Duration
	DialTimeout          time.Duration

	Metrics *Metrics
	Logger  *zerolog.Logger
}

// DefaultOptions returns the intervals the official client uses.
func DefaultOptions() Options {
	return Options{
		Platform:             protocol.PlatformLinux,
		HeartbeatInterval:    10 * time.Second,
		SsoHeartbeatInterval: 270 * time.Second,
		ReconnectDelay:       50 * time.Millisecond,
		RequestTimeout:       5 * time.Second,
		DialTimeout:          10 * time.Second,
	}
}

func (o *Options) fill() {
	d := DefaultOptions()
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.SsoHeartbeatInterval <= 0 {
		o.SsoHeartbeatInterval = d.SsoHeartbeatInterval
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = d.ReconnectDelay
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
}

// sig is the key material of the session. It is only touched under
// Client.mu.
type sig struct {
	uid         string
	tgtgt       []byte
	tgt         []byte
	d2          []byte
	d2Key       []byte
	qrSig       []byte
	exchangeKey []byte
	keySig      []byte
	cookies     string
	unusualSig  []byte
	tempPwd     []byte
}

// Statistics is a snapshot of the session counters.
type Statistics struct {
	StartTime       time.Time
	LockTimes       uint64
	RecvPacketCount uint64
	SentPacketCount uint64
	LostPacketCount uint64
	RemoteIP        string
	RemotePort      int
}

// Client is one account session. All methods are safe for concurrent use.
type Client struct {
	uin    uint32
	app    protocol.AppInfo
	device protocol.DeviceInfo
	opts   Options
	log    zerolog.Logger

	transport *network.Transport
	corr      *network.Correlator
	seq       *protocol.Sequence
	events    *eventQueue
	metrics   *Metrics

	mu        sync.Mutex
	state     State
	sig       sig
	token     Token
	legacy    *crypto.ECDH
	modern    *crypto.ECDH
	loginLock bool
	hb        *heartbeats
	reconnect *time.Timer
	gen       uint64
	lastQr    []byte
	stats     Statistics
}

// NewClient returns a disconnected session for uin.
func NewClient(uin uint32, opts Options) *Client {
	opts.fill()
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	servers := network.NewServerSet(opts.ServerLister, time.Hour)
	servers.Add(opts.Servers...)

	c := &Client{
		uin:       uin,
		app:       protocol.GetAppInfo(opts.Platform),
		device:    protocol.NewDeviceInfo(uin, opts.GUID),
		opts:      opts,
		log:       logger.With().Str("component", "session").Uint32("uin", uin).Logger(),
		transport: network.NewTransport(servers, opts.DialTimeout),
		corr:      network.NewCorrelator(time.Minute),
		seq:       protocol.NewSequence(),
		events:    newEventQueue(),
		metrics:   opts.Metrics,
	}
	c.sig.d2Key = protocol.ZeroKey()
	c.token.Uin = uin
	c.stats.StartTime = time.Now()
	if opts.Host != "" && opts.Port != 0 {
		c.transport.SetRemote(opts.Host, opts.Port)
	}

	c.transport.OnFrame = c.handleFrame
	c.transport.OnConnect = c.handleConnect
	c.transport.OnLost = c.handleLost
	c.transport.OnError = func(err error) { c.verbose(LevelError, err.Error()) }
	return c
}

func (c *Client) Uin() uint32 { return c.uin }

func (c *Client) App() protocol.AppInfo { return c.app }

func (c *Client) Device() protocol.DeviceInfo { return c.device }

// Uid returns the account uid, empty until the first successful login.
func (c *Client) Uid() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sig.uid
}

// Events delivers lifecycle events in emission order. The channel is closed
// by Close.
func (c *Client) Events() <-chan Event { return c.events.out }

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOnline reports whether registration succeeded and the connection has
// not been lost since.
func (c *Client) IsOnline() bool { return c.State() == StateOnline }

// SetToken seeds the session with a persisted token.
func (c *Client) SetToken(t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = t
	c.token.Uin = c.uin
	if t.Uid != "" {
		c.sig.uid = t.Uid
	}
}

// Token returns the current token.
func (c *Client) Token() Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// LastQrCode returns the most recent QR image, if any.
func (c *Client) LastQrCode() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastQr
}

// SetRemoteServer pins the gateway. Empty host or zero port restores
// automatic selection.
func (c *Client) SetRemoteServer(host string, port int) {
	c.transport.SetRemote(host, port)
}

// Statistics returns a snapshot of the counters.
func (c *Client) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.LostPacketCount = c.corr.Lost()
	return s
}

// Terminate drops the connection without re-registering. Both heartbeat
// timers are stopped before it returns.
func (c *Client) Terminate() {
	c.mu.Lock()
	c.gen++
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.state != StateKickedOff && c.state != StateDisconnected {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	c.stopHeartbeats()
	c.transport.Destroy()
}

// Logout terminates the session and waits for the socket to close. With
// keepalive the connection is left alone.
func (c *Client) Logout(ctx context.Context, keepalive bool) error {
	if keepalive || !c.transport.Connected() {
		return nil
	}
	c.Terminate()
	return c.transport.Wait(ctx)
}

// Close terminates the session and closes the event channel.
func (c *Client) Close() error {
	c.Terminate()
	c.events.close()
	return nil
}

func (c *Client) emit(e Event) {
	c.metrics.event(eventName(e))
	c.events.push(e)
}

func (c *Client) verbose(level LogLevel, msg string) {
	ev := c.log.Debug()
	switch level {
	case LevelFatal, LevelError:
		ev = c.log.Error()
	case LevelWarn:
		ev = c.log.Warn()
	case LevelMark, LevelInfo:
		ev = c.log.Info()
	}
	ev.Msg(msg)
	c.emit(VerboseEvent{Message: msg, Level: level})
}

func eventName(e Event) string {
	switch e.(type) {
	case QrCodeEvent:
		return "qrcode"
	case SliderEvent:
		return "slider"
	case VerifyEvent:
		return "verify"
	case TokenEvent:
		return "token"
	case TokenInvalidEvent:
		return "token_invalid"
	case OnlineEvent:
		return "online"
	case KickoffEvent:
		return "kickoff"
	case SSOEvent:
		return "sso"
	case NetworkErrorEvent:
		return "network_error"
	case LoginErrorEvent:
		return "login_error"
	case QrErrorEvent:
		return "qr_error"
	case StateEvent:
		return "state"
	default:
		return "verbose"
	}
}

// setState moves the state machine; the caller must not hold c.mu.
func (c *Client) setState(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setStateLocked(to)
}

func (c *Client) setStateLocked(to State) error {
	from := c.state
	if from == to && to != StateKickedOff {
		return nil
	}
	if !canTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	c.state = to
	c.metrics.setOnline(to == StateOnline)
	c.log.Debug().Stringer("from", from).Stringer("to", to).Msg("state")
	c.events.push(StateEvent{From: from, To: to})
	return nil
}

// fail returns to Disconnected after an authentication step went wrong.
func (c *Client) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateKickedOff && c.state != StateOnline {
		c.setStateLocked(StateDisconnected)
	}
}

func (c *Client) tlvContext() *tlv.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &tlv.Context{Uin: c.uin, App: c.app, Device: c.device, Tgtgt: c.sig.tgtgt}
}

func (c *Client) handleConnect(remote network.Endpoint) {
	c.mu.Lock()
	c.stats.RemoteIP = remote.Host
	c.stats.RemotePort = remote.Port
	c.mu.Unlock()
	c.verbose(LevelMark, remote.String()+" connected")
}

// handleLost runs on the read loop after the socket closed.
func (c *Client) handleLost(remote network.Endpoint, err error) {
	c.stopHeartbeats()

	c.mu.Lock()
	c.stats.RemoteIP = ""
	c.stats.RemotePort = 0
	wasOnline := c.state == StateOnline
	if wasOnline {
		c.setStateLocked(StateDisconnected)
		c.stats.LockTimes++
		gen := c.gen
		c.reconnect = time.AfterFunc(c.opts.ReconnectDelay, func() { c.reregister(gen) })
	}
	c.mu.Unlock()

	c.verbose(LevelMark, net.JoinHostPort(remote.Host, strconv.Itoa(remote.Port))+" closed")
	if wasOnline {
		c.metrics.relock()
		c.log.Warn().Err(err).Msg("connection lost while online, registering again")
	}
}

func (c *Client) reregister(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*c.opts.RequestTimeout)
	defer cancel()
	if err := c.register(ctx); err != nil {
		c.log.Warn().Err(err).Msg("re-register failed")
	}
}

// handleFrame runs on the read loop for every inbound frame.
func (c *Client) handleFrame(frame []byte) {
	c.mu.Lock()
	c.stats.RecvPacketCount++
	d2Key := c.sig.d2Key
	c.mu.Unlock()
	c.metrics.received()

	pkt, err := protocol.DecodeIncoming(frame, d2Key)
	if err != nil {
		c.handleDecodeError(err)
		return
	}
	c.log.Debug().Str("cmd", pkt.Command).Int32("seq", pkt.Seq).Msg("recv")

	switch c.corr.Deliver(uint32(pkt.Seq), pkt.Payload) {
	case network.Delivered:
		return
	case network.Late:
		c.log.Debug().Str("cmd", pkt.Command).Int32("seq", pkt.Seq).Msg("dropping late response")
		return
	}

	if pkt.Command == protocol.CmdKickNT {
		c.handleKick(pkt.Payload)
	}
	c.emit(SSOEvent{Command: pkt.Command, Payload: pkt.Payload, Seq: pkt.Seq})
}

func (c *Client) handleDecodeError(err error) {
	var rc *protocol.RetCodeError
	switch {
	case errors.As(err, &rc):
		c.emit(TokenInvalidEvent{})
		c.corr.Fail(uint32(rc.Seq), fmt.Errorf("%w: %w", ErrTokenInvalid, err))
	case errors.Is(err, protocol.ErrUnknownEncryption):
		c.emit(TokenInvalidEvent{})
	case errors.Is(err, crypto.ErrCipherIntegrity), errors.Is(err, crypto.ErrCipherLength),
		errors.Is(err, protocol.ErrUnknownCompression):
		c.verbose(LevelError, err.Error())
		c.transport.Destroy()
		return
	}
	c.verbose(LevelError, err.Error())
}
