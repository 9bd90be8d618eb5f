package session_test

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lagrange-go/lagrange/internal/testutil/fakesso"
	"github.com/lagrange-go/lagrange/pkg/network"
	"github.com/lagrange-go/lagrange/pkg/pb"
	"github.com/lagrange-go/lagrange/pkg/protocol"
	"github.com/lagrange-go/lagrange/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUin = 10001

var tempPassword = []byte("temp-password-0001")

type recorder struct {
	mu     sync.Mutex
	events []session.Event
}

func (r *recorder) all() []session.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Event(nil), r.events...)
}

func find[T session.Event](r *recorder) (T, bool) {
	for _, ev := range r.all() {
		if e, ok := ev.(T); ok {
			return e, true
		}
	}
	var zero T
	return zero, false
}

func count[T session.Event](r *recorder) int {
	n := 0
	for _, ev := range r.all() {
		if _, ok := ev.(T); ok {
			n++
		}
	}
	return n
}

func waitFor[T session.Event](t *testing.T, r *recorder) T {
	t.Helper()
	var out T
	require.Eventually(t, func() bool {
		e, ok := find[T](r)
		out = e
		return ok
	}, 3*time.Second, 10*time.Millisecond, "event %T not emitted", out)
	return out
}

type harness struct {
	srv    *fakesso.Server
	client *session.Client
	events *recorder
}

func setup(t *testing.T, mutate ...func(*session.Options)) *harness {
	t.Helper()
	srv, err := fakesso.Start(fakesso.Config{
		Uin:          testUin,
		Uid:          "u_test",
		Nickname:     "tester",
		TempPassword: tempPassword,
		PasswordMD5:  session.PasswordMD5("secret"),
		QrImage:      []byte("\x89PNG fake"),
		Salt:         session.KeyExchangeSalt(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	ep := srv.Endpoint()
	opts := session.Options{
		Host:                 ep.Host,
		Port:                 ep.Port,
		LegacyServerKey:      srv.LegacyPublicKey(),
		ModernServerKey:      srv.ModernPublicKey(),
		RequestTimeout:       2 * time.Second,
		HeartbeatInterval:    time.Hour,
		SsoHeartbeatInterval: time.Hour,
		Metrics:              session.NewMetrics(prometheus.NewRegistry()),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	c := session.NewClient(testUin, opts)
	t.Cleanup(func() { c.Close() })

	rec := &recorder{}
	go func() {
		for ev := range c.Events() {
			rec.mu.Lock()
			rec.events = append(rec.events, ev)
			rec.mu.Unlock()
		}
	}()
	return &harness{srv: srv, client: c, events: rec}
}

func (h *harness) tokenLogin(t *testing.T) {
	t.Helper()
	h.client.SetToken(session.Token{
		Uid:     "u_test",
		Session: session.TokenSession{TempPassword: base64.StdEncoding.EncodeToString(tempPassword)},
	})
	require.NoError(t, h.client.Login(context.Background(), ""))
	require.True(t, h.client.IsOnline())
}

func TestTokenLogin(t *testing.T) {
	h := setup(t)
	h.tokenLogin(t)

	assert.Equal(t, []string{
		protocol.CmdKeyExchange,
		protocol.CmdNTEasyLogin,
		protocol.CmdRegister,
	}, h.srv.Received())

	online := waitFor[session.OnlineEvent](t, h.events)
	assert.Equal(t, tempPassword, online.TempPassword)

	tokenEv := waitFor[session.TokenEvent](t, h.events)
	tok, err := session.ParseToken([]byte(tokenEv.Token))
	require.NoError(t, err)
	assert.Equal(t, uint32(testUin), tok.Uin)
	assert.Equal(t, "u_test", tok.Uid)
	assert.Equal(t, base64.StdEncoding.EncodeToString(tempPassword), tok.Session.TempPassword)

	// a second login while online does nothing
	require.NoError(t, h.client.Login(context.Background(), ""))
	assert.Equal(t, 1, h.srv.Count(protocol.CmdRegister))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, count[session.OnlineEvent](h.events))
}

func TestPasswordLogin(t *testing.T) {
	h := setup(t)
	h.client.SetToken(session.Token{Uid: "u_test"})

	require.NoError(t, h.client.Login(context.Background(), "secret"))
	assert.True(t, h.client.IsOnline())
	assert.Equal(t, 1, h.srv.Count(protocol.CmdNTPasswordLogin))
	assert.Equal(t, 0, h.srv.Count(protocol.CmdNTEasyLogin))
	waitFor[session.OnlineEvent](t, h.events)
}

func TestPasswordLoginRejected(t *testing.T) {
	h := setup(t)
	h.client.SetToken(session.Token{Uid: "u_test"})

	err := h.client.Login(context.Background(), "wrong")
	var le *session.LoginError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, fakesso.CodeBadCredential, le.Code)
	assert.Equal(t, "credential rejected", le.Message)
	assert.Equal(t, session.StateDisconnected, h.client.State())

	ev := waitFor[session.LoginErrorEvent](t, h.events)
	assert.Equal(t, le.Message, ev.Message)
}

func TestRejectedTokenFallsBackToQrCode(t *testing.T) {
	h := setup(t)
	h.client.SetToken(session.Token{
		Session: session.TokenSession{TempPassword: base64.StdEncoding.EncodeToString([]byte("stale"))},
	})

	require.NoError(t, h.client.Login(context.Background(), ""))
	assert.Equal(t, session.StateAuthQr, h.client.State())
	waitFor[session.LoginErrorEvent](t, h.events)
	qr := waitFor[session.QrCodeEvent](t, h.events)
	assert.Equal(t, []byte("\x89PNG fake"), qr.Image)
	assert.Equal(t, qr.Image, h.client.LastQrCode())
}

func TestPasswordLoginAfterQrFallback(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.client.SetToken(session.Token{
		Uid:     "u_test",
		Session: session.TokenSession{TempPassword: base64.StdEncoding.EncodeToString([]byte("stale"))},
	})

	require.NoError(t, h.client.Login(ctx, ""))
	require.Equal(t, session.StateAuthQr, h.client.State())

	require.NoError(t, h.client.Login(ctx, "secret"))
	assert.True(t, h.client.IsOnline())
	assert.Equal(t, 1, h.srv.Count(protocol.CmdNTPasswordLogin))
	assert.Equal(t, 1, h.srv.Count(protocol.CmdRegister))
	waitFor[session.OnlineEvent](t, h.events)

	// the abandoned qr code is gone
	_, err := h.client.QueryQrCodeResult(ctx)
	assert.ErrorIs(t, err, session.ErrNoQrCode)
}

func TestTokenLoginWhileQrPending(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	_, err := h.client.FetchQrCode(ctx)
	require.NoError(t, err)
	require.Equal(t, session.StateAuthQr, h.client.State())

	require.NoError(t, h.client.TokenLogin(ctx, tempPassword))
	assert.True(t, h.client.IsOnline())
}

func TestShortD2KeyRejected(t *testing.T) {
	h := setup(t)
	h.srv.IssueD2Key([]byte("short"))

	err := h.client.TokenLogin(context.Background(), tempPassword)
	assert.ErrorIs(t, err, session.ErrTokenInvalid)
	assert.Equal(t, session.StateDisconnected, h.client.State())
	assert.Equal(t, 0, h.srv.Count(protocol.CmdRegister))
}

func TestQrShortD2KeyRejected(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.srv.IssueD2Key([]byte("short"))

	_, err := h.client.FetchQrCode(ctx)
	require.NoError(t, err)
	h.srv.SetQrResult(protocol.QrConfirmed)

	_, err = h.client.QrCodeLogin(ctx)
	assert.ErrorIs(t, err, session.ErrTokenInvalid)
	assert.Equal(t, session.StateDisconnected, h.client.State())
	assert.Equal(t, 0, h.srv.Count(protocol.CmdRegister))
}

func TestQrCodeLogin(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	img, err := h.client.FetchQrCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG fake"), img)

	res, err := h.client.QrCodeLogin(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.QrWaitingForScan, res)

	h.srv.SetQrResult(protocol.QrWaitingForConfirm)
	res, err = h.client.QrCodeLogin(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.QrWaitingForConfirm, res)
	assert.Equal(t, session.StateAuthQr, h.client.State())

	h.srv.SetQrResult(protocol.QrConfirmed)
	res, err = h.client.QrCodeLogin(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.QrConfirmed, res)
	assert.True(t, h.client.IsOnline())
	assert.Equal(t, "u_test", h.client.Uid())

	online := waitFor[session.OnlineEvent](t, h.events)
	assert.Equal(t, "tester", online.Nickname)
	assert.Equal(t, 20, online.Age)
	assert.Equal(t, 1, online.Gender)
	assert.Equal(t, tempPassword, online.TempPassword)

	// the registration was sent with the issued d2
	assert.Equal(t, 1, h.srv.Count(protocol.CmdRegister))
	assert.Equal(t, "u_test", h.client.Token().Uid)
}

func TestQrCodeTerminalResults(t *testing.T) {
	tests := []struct {
		result protocol.QrCodeResult
		msg    string
	}{
		{protocol.QrCodeExpired, "qrcode expired, please fetch again"},
		{protocol.QrCanceled, "qrcode canceled, please fetch again"},
		{protocol.QrCodeResult(99), "unknown qrcode error, please fetch again"},
	}
	for _, tt := range tests {
		t.Run(tt.result.String(), func(t *testing.T) {
			h := setup(t)
			ctx := context.Background()
			_, err := h.client.FetchQrCode(ctx)
			require.NoError(t, err)

			h.srv.SetQrResult(tt.result)
			res, err := h.client.QrCodeLogin(ctx)
			assert.Equal(t, tt.result, res)
			var qe *session.QrCodeError
			require.ErrorAs(t, err, &qe)
			assert.Equal(t, tt.msg, qe.Message)
			assert.Equal(t, session.StateDisconnected, h.client.State())

			ev := waitFor[session.QrErrorEvent](t, h.events)
			assert.Equal(t, tt.result, ev.Result)

			_, err = h.client.QrCodeLogin(ctx)
			assert.ErrorIs(t, err, session.ErrNoQrCode)
		})
	}
}

func TestQrQueryWithoutFetch(t *testing.T) {
	h := setup(t)
	_, err := h.client.QueryQrCodeResult(context.Background())
	assert.ErrorIs(t, err, session.ErrNoQrCode)
	assert.Empty(t, h.srv.Received())
}

func TestWtLoginRejected(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.srv.RejectWtLogin("login failed", "account frozen")

	_, err := h.client.FetchQrCode(ctx)
	require.NoError(t, err)
	h.srv.SetQrResult(protocol.QrConfirmed)

	_, err = h.client.QrCodeLogin(ctx)
	var le *session.LoginError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "[login failed]account frozen", le.Message)
	assert.Equal(t, session.StateDisconnected, h.client.State())
	assert.Equal(t, 0, h.srv.Count(protocol.CmdRegister))
}

func TestRegisterRejected(t *testing.T) {
	h := setup(t)
	h.srv.RejectRegister(true)
	h.client.SetToken(session.Token{
		Session: session.TokenSession{TempPassword: base64.StdEncoding.EncodeToString(tempPassword)},
	})

	err := h.client.TokenLogin(context.Background(), tempPassword)
	assert.ErrorIs(t, err, session.ErrTokenInvalid)
	assert.Equal(t, session.StateDisconnected, h.client.State())
	waitFor[session.TokenInvalidEvent](t, h.events)
	_, online := find[session.OnlineEvent](h.events)
	assert.False(t, online)
}

func TestKickoff(t *testing.T) {
	h := setup(t, func(o *session.Options) { o.HeartbeatInterval = 20 * time.Millisecond })
	h.tokenLogin(t)
	require.Eventually(t, func() bool {
		return h.srv.Count(protocol.CmdHeartbeatAlive) >= 2
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, h.srv.Kick("kicked", "logged in elsewhere"))
	ev := waitFor[session.KickoffEvent](t, h.events)
	assert.Equal(t, "[kicked]logged in elsewhere", ev.Reason)
	assert.Equal(t, session.StateKickedOff, h.client.State())
	assert.False(t, h.client.IsOnline())
	beats := h.srv.Count(protocol.CmdHeartbeatAlive)

	// no heartbeats and no re-registration after a kick
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, beats, h.srv.Count(protocol.CmdHeartbeatAlive))
	assert.Equal(t, 1, h.srv.Count(protocol.CmdRegister))
	assert.ErrorIs(t, h.client.TokenLogin(context.Background(), tempPassword), session.ErrKickedOff)
}

func TestConnectionLostReregisters(t *testing.T) {
	h := setup(t)
	h.tokenLogin(t)

	h.srv.DropConnections()
	require.Eventually(t, func() bool {
		return h.srv.Count(protocol.CmdRegister) == 2 && h.client.IsOnline()
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), h.client.Statistics().LockTimes)
	assert.Equal(t, 1, h.srv.Count(protocol.CmdNTEasyLogin))
}

func TestTerminateStopsReconnect(t *testing.T) {
	h := setup(t, func(o *session.Options) { o.HeartbeatInterval = 20 * time.Millisecond })
	h.tokenLogin(t)
	require.Eventually(t, func() bool {
		return h.srv.Count(protocol.CmdHeartbeatAlive) >= 2
	}, 3*time.Second, 10*time.Millisecond)

	h.client.Terminate()
	assert.Equal(t, session.StateDisconnected, h.client.State())
	beats := h.srv.Count(protocol.CmdHeartbeatAlive)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, beats, h.srv.Count(protocol.CmdHeartbeatAlive))
	assert.Equal(t, 1, h.srv.Count(protocol.CmdRegister))
	assert.False(t, h.client.IsOnline())
}

func TestLogout(t *testing.T) {
	h := setup(t)
	h.tokenLogin(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.client.Logout(ctx, true))
	assert.True(t, h.client.IsOnline())

	require.NoError(t, h.client.Logout(ctx, false))
	assert.Equal(t, session.StateDisconnected, h.client.State())
	stats := h.client.Statistics()
	assert.Empty(t, stats.RemoteIP)
}

func TestTimeoutDropsLateResponse(t *testing.T) {
	h := setup(t)
	h.tokenLogin(t)
	h.srv.Handle("Test.Slow", func(fakesso.Request) fakesso.Reply {
		return fakesso.Reply{Payload: []byte("late"), Delay: 300 * time.Millisecond}
	})
	h.srv.Handle("Test.Echo", func(req fakesso.Request) fakesso.Reply {
		return fakesso.Reply{Payload: req.Body}
	})

	_, err := h.client.SendAndAwait(context.Background(), "Test.Slow", nil, 100*time.Millisecond)
	var ne *session.NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, session.CodeServerBusy, ne.Code)
	assert.ErrorIs(t, err, network.ErrTimeout)

	time.Sleep(400 * time.Millisecond)
	for _, ev := range h.events.all() {
		if sso, ok := ev.(session.SSOEvent); ok {
			assert.NotEqual(t, "Test.Slow", sso.Command)
		}
	}

	resp, err := h.client.SendAndAwait(context.Background(), "Test.Echo", []byte("ping"), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), resp)
	assert.True(t, h.client.IsOnline())
	assert.Equal(t, uint64(1), h.client.Statistics().LostPacketCount)
}

func TestRetCodeFailsCall(t *testing.T) {
	h := setup(t)
	h.tokenLogin(t)
	h.srv.Handle("Test.Bad", func(fakesso.Request) fakesso.Reply {
		return fakesso.Reply{RetCode: -10001, Message: "token expired"}
	})

	start := time.Now()
	_, err := h.client.SendAndAwait(context.Background(), "Test.Bad", nil, 0)
	assert.ErrorIs(t, err, session.ErrTokenInvalid)
	assert.ErrorIs(t, err, protocol.ErrRetCode)
	assert.Less(t, time.Since(start), time.Second)
	waitFor[session.TokenInvalidEvent](t, h.events)
}

func TestUnsolicitedPush(t *testing.T) {
	h := setup(t)
	h.tokenLogin(t)

	require.NoError(t, h.srv.Push("trpc.msg.olpush.OlPushService.MsgPush", []byte("hello")))
	ev := waitFor[session.SSOEvent](t, h.events)
	assert.Equal(t, "trpc.msg.olpush.OlPushService.MsgPush", ev.Command)
	assert.Equal(t, []byte("hello"), ev.Payload)
}

func TestSendOidb(t *testing.T) {
	h := setup(t)
	h.tokenLogin(t)

	got := make(chan *pb.Proto, 1)
	h.srv.Handle(session.OidbCommand(0xfe1, 2), func(req fakesso.Request) fakesso.Reply {
		p, err := pb.Decode(req.Body)
		if err == nil {
			got <- p
		}
		return fakesso.Reply{Payload: pb.MustEncode(pb.Message{3: 0, 4: []byte("ok")})}
	})

	resp, err := h.client.SendOidb(context.Background(), 0xfe1, 2, []byte{0x08, 0x01}, true)
	require.NoError(t, err)
	p, err := pb.Decode(resp)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), p.Get(4).Bytes())

	req := <-got
	assert.Equal(t, uint64(0xfe1), req.Get(1).Uint64())
	assert.Equal(t, uint64(2), req.Get(2).Uint64())
	assert.Equal(t, []byte{0x08, 0x01}, req.Get(4).Bytes())
	assert.True(t, req.Get(12).Bool())
	assert.Equal(t, "OidbSvcTrpcTcp.0xfe1_2", session.OidbCommand(0xfe1, 2))
}

type countingSigner struct{ calls atomic.Int32 }

func (s *countingSigner) Sign(_ context.Context, cmd string, seq uint32, _ []byte) (*protocol.Signature, error) {
	s.calls.Add(1)
	if cmd == protocol.CmdKeyExchange {
		return nil, errors.New("signer down")
	}
	return &protocol.Signature{Sign: []byte(cmd), Token: []byte{byte(seq)}}, nil
}

func TestSignerAttachesSignature(t *testing.T) {
	signer := &countingSigner{}
	h := setup(t, func(o *session.Options) { o.Signer = signer })

	signed := make(chan *protocol.Signature, 1)
	h.srv.Handle(protocol.CmdNTEasyLogin, func(req fakesso.Request) fakesso.Reply {
		signed <- req.Sign
		return fakesso.Reply{RetCode: 1, Message: "stop here"}
	})
	h.client.SetToken(session.Token{
		Session: session.TokenSession{TempPassword: base64.StdEncoding.EncodeToString(tempPassword)},
	})
	err := h.client.TokenLogin(context.Background(), tempPassword)
	assert.Error(t, err)

	// the key exchange went out unsigned and still succeeded
	assert.Equal(t, 1, h.srv.Count(protocol.CmdKeyExchange))
	sig := <-signed
	require.NotNil(t, sig)
	assert.Equal(t, []byte(protocol.CmdNTEasyLogin), sig.Sign)
	assert.EqualValues(t, 2, signer.calls.Load())
}
