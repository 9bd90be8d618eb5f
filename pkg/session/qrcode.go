package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/lagrange-go/lagrange/pkg/crypto"
	"github.com/lagrange-go/lagrange/pkg/pb"
	"github.com/lagrange-go/lagrange/pkg/protocol"
	"github.com/lagrange-go/lagrange/pkg/tlv"
	"github.com/lagrange-go/lagrange/pkg/wire"
	"golang.org/x/crypto/cryptobyte"
)

var qrMessages = map[protocol.QrCodeResult]string{
	protocol.QrCodeExpired:       "qrcode expired, please fetch again",
	protocol.QrWaitingForScan:    "qrcode not scanned yet",
	protocol.QrWaitingForConfirm: "qrcode not confirmed yet",
	protocol.QrCanceled:          "qrcode canceled, please fetch again",
}

func qrMessage(r protocol.QrCodeResult) string {
	if m, ok := qrMessages[r]; ok {
		return m
	}
	return "unknown qrcode error, please fetch again"
}

// sendLogin wraps body in a wtlogin frame under the legacy share key and
// returns the decrypted response body.
func (c *Client) sendLogin(ctx context.Context, cmd string, body []byte) ([]byte, error) {
	c.mu.Lock()
	e := c.legacy
	c.mu.Unlock()
	if e == nil {
		return nil, fmt.Errorf("%w: no legacy key agreement", ErrMissingCredential)
	}

	frame, err := protocol.BuildLoginFrame(cmd, c.uin, c.app, e.PublicKey, e.ShareKey, body)
	if err != nil {
		return nil, err
	}
	payload, err := c.SendAndAwait(ctx, cmd, frame, 0)
	if err != nil {
		return nil, err
	}
	return protocol.OpenLoginResponse(payload, e.ShareKey)
}

// FetchQrCode runs a new legacy key agreement and requests a QR code. The
// image is returned and emitted as a QrCodeEvent.
func (c *Client) FetchQrCode(ctx context.Context) ([]byte, error) {
	if err := c.setState(StateAuthQr); err != nil {
		return nil, err
	}
	e, err := crypto.NewLegacyECDH(c.opts.LegacyServerKey)
	if err != nil {
		c.fail()
		return nil, err
	}
	c.mu.Lock()
	c.legacy = e
	c.mu.Unlock()

	tc := c.tlvContext()
	tags := []uint16{0x16, 0x1b, 0x1d, 0x33, 0x35, 0x66, 0xd1}
	body, err := wire.Build(func(b *cryptobyte.Builder) {
		b.AddUint16(0)
		b.AddUint64(0)
		b.AddUint8(0)
		b.AddUint16(uint16(len(tags)))
		for _, tag := range tags {
			t, err := tlv.PackQr(tc, tag)
			if err != nil {
				b.SetError(err)
				return
			}
			b.AddBytes(t)
		}
		b.AddUint8(0x03)
	})
	if err != nil {
		c.fail()
		return nil, err
	}

	plain, err := c.sendLogin(ctx, protocol.CmdWtLoginTransEmp,
		protocol.BuildCode2d(c.app, protocol.Code2dFetch, body, protocol.Timestamp()))
	if err != nil {
		c.fail()
		c.emit(NetworkErrorEvent{Code: CodeServerBusy, Message: "server is busy"})
		return nil, &NetworkError{Code: CodeServerBusy, Message: "server is busy", Err: err}
	}

	res, err := protocol.ParseQrFetch(plain)
	if err != nil || res.RetCode != 0 || len(res.Image()) == 0 {
		var code protocol.QrCodeResult
		if res != nil {
			code = protocol.QrCodeResult(res.RetCode)
		}
		c.fail()
		msg := "failed to fetch qrcode, please retry"
		c.emit(QrErrorEvent{Result: code, Message: msg})
		return nil, &QrCodeError{Result: code, Message: msg}
	}

	c.mu.Lock()
	c.sig.qrSig = res.QrSig
	c.lastQr = res.Image()
	c.mu.Unlock()
	c.emit(QrCodeEvent{Image: res.Image()})
	return res.Image(), nil
}

// QueryQrCodeResult polls the ticket of the last fetched QR code. On
// confirmation the returned tgtgt is stored for the login that follows.
func (c *Client) QueryQrCodeResult(ctx context.Context) (*protocol.QrQueryResult, error) {
	c.mu.Lock()
	qrSig := c.sig.qrSig
	c.mu.Unlock()
	if len(qrSig) == 0 {
		return nil, ErrNoQrCode
	}

	body := wire.MustBuild(func(b *cryptobyte.Builder) {
		wire.AddBytes16(b, qrSig)
		b.AddUint64(0)
		b.AddUint32(0)
		b.AddUint8(0)
		b.AddUint8(0x03)
	})
	plain, err := c.sendLogin(ctx, protocol.CmdWtLoginTransEmp,
		protocol.BuildCode2d(c.app, protocol.Code2dQuery, body, protocol.Timestamp()))
	if err != nil {
		return nil, err
	}
	res, err := protocol.ParseQrQuery(plain)
	if err != nil {
		return nil, err
	}
	if res.Result == protocol.QrConfirmed {
		c.mu.Lock()
		c.sig.tgtgt = res.Tgtgt()
		c.mu.Unlock()
	}
	return res, nil
}

// QrCodeLogin polls the QR ticket and logs in once it is confirmed.
// Waiting states return the result with a nil error so callers keep
// polling; expired, canceled and unknown results drop the ticket.
func (c *Client) QrCodeLogin(ctx context.Context) (protocol.QrCodeResult, error) {
	c.mu.Lock()
	if c.loginLock {
		c.mu.Unlock()
		return 0, ErrLoginInProgress
	}
	c.mu.Unlock()

	res, err := c.QueryQrCodeResult(ctx)
	if err != nil {
		if errors.Is(err, ErrNoQrCode) {
			return 0, err
		}
		c.emit(NetworkErrorEvent{Code: CodeServerBusy, Message: "server is busy"})
		return 0, &NetworkError{Code: CodeServerBusy, Message: "server is busy", Err: err}
	}

	switch {
	case res.Result == protocol.QrConfirmed && res.T106() != nil && res.T16A() != nil && res.Tgtgt() != nil:
		return protocol.QrConfirmed, c.qrLogin(ctx, res)
	case res.Result.Pending():
		c.verbose(LevelInfo, qrMessage(res.Result))
		return res.Result, nil
	}

	c.mu.Lock()
	c.sig.qrSig = nil
	c.mu.Unlock()
	c.fail()
	msg := qrMessage(res.Result)
	c.emit(QrErrorEvent{Result: res.Result, Message: msg})
	return res.Result, &QrCodeError{Result: res.Result, Message: msg}
}

func (c *Client) qrLogin(ctx context.Context, res *protocol.QrQueryResult) error {
	c.mu.Lock()
	if c.loginLock {
		c.mu.Unlock()
		return ErrLoginInProgress
	}
	c.loginLock = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.loginLock = false
		c.mu.Unlock()
	}()

	tc := c.tlvContext()
	pack := func(b *cryptobyte.Builder, tag uint16) {
		t, err := tlv.Pack(tc, tag)
		if err != nil {
			b.SetError(err)
			return
		}
		b.AddBytes(t)
	}
	raw := func(b *cryptobyte.Builder, tag uint16, value []byte) {
		wire.AddTLV(b, tag, func(b *cryptobyte.Builder) { b.AddBytes(value) })
	}

	body, err := wire.Build(func(b *cryptobyte.Builder) {
		b.AddUint16(0x09)
		b.AddUint16(15)
		raw(b, 0x106, res.T106())
		for _, tag := range []uint16{0x144, 0x116, 0x142, 0x145, 0x18, 0x141, 0x177, 0x191, 0x100, 0x107, 0x318} {
			pack(b, tag)
		}
		raw(b, 0x16a, res.T16A())
		pack(b, 0x166)
		pack(b, 0x521)
	})
	if err != nil {
		c.fail()
		return err
	}

	plain, err := c.sendLogin(ctx, protocol.CmdWtLogin, body)
	if err != nil {
		c.fail()
		return err
	}
	return c.decodeLoginResponse(ctx, plain)
}

// decodeLoginResponse handles the decrypted body of a wtlogin.login reply.
func (c *Client) decodeLoginResponse(ctx context.Context, plain []byte) error {
	res, err := protocol.ParseLoginResult(plain)
	if err != nil {
		c.fail()
		return err
	}

	if res.Type == 0 {
		ev, err := c.decodeT119(res.TLVs[0x119])
		if err != nil {
			c.fail()
			return err
		}
		return c.completeLogin(ctx, ev)
	}
	c.fail()

	if url := res.TLVs[0x192]; len(url) > 0 {
		c.emit(SliderEvent{URL: string(url)})
	}
	if t204 := res.TLVs[0x204]; len(t204) > 0 {
		url, phone := tlv.ParseVerify(t204, res.TLVs[0x178])
		c.emit(VerifyEvent{URL: url, Phone: phone})
	}

	msg := "[login failed]unknown error"
	for _, tag := range []uint16{0x149, 0x146} {
		if v, ok := res.TLVs[tag]; ok {
			if m, err := tlv.ParseLoginMessage(tag, v); err == nil {
				msg = m.String()
			}
			break
		}
	}
	c.emit(LoginErrorEvent{Code: int(res.Type), Message: msg})
	return &LoginError{Code: int(res.Type), Message: msg}
}

func (c *Client) decodeT119(t119 []byte) (OnlineEvent, error) {
	c.mu.Lock()
	tgtgt := c.sig.tgtgt
	c.mu.Unlock()

	t, err := protocol.DecodeT119(t119, tgtgt)
	if err != nil {
		return OnlineEvent{}, err
	}

	var uid string
	if t543, ok := t[0x543]; ok {
		p, err := pb.Decode(t543)
		if err != nil {
			return OnlineEvent{}, fmt.Errorf("t543: %w", err)
		}
		uid = p.Get(9).Get(11).Get(1).String()
	}
	profile := tlv.ParseProfile(t[0x11a])
	if err := checkD2Key(t[0x305]); err != nil {
		return OnlineEvent{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := t[0x10a]; ok {
		c.sig.tgt = v
	}
	if v, ok := t[0x143]; ok {
		c.sig.d2 = v
	}
	c.sig.d2Key = t[0x305]
	c.sig.tgtgt = crypto.MD5(c.sig.d2Key)
	c.sig.tempPwd = t[0x106]
	if uid != "" {
		c.sig.uid = uid
	}
	c.sig.qrSig = nil

	return OnlineEvent{
		TempPassword: t[0x106],
		Nickname:     profile.Nickname,
		Gender:       int(profile.Gender),
		Age:          int(profile.Age),
	}, nil
}
