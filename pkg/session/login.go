package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/lagrange-go/lagrange/pkg/crypto"
	"github.com/lagrange-go/lagrange/pkg/pb"
	"github.com/lagrange-go/lagrange/pkg/protocol"
	"github.com/lagrange-go/lagrange/pkg/tlv"
	"github.com/lagrange-go/lagrange/pkg/wire"
	"golang.org/x/crypto/cryptobyte"
)

// keyExchangeSalt encrypts the hash proving possession of the ephemeral key.
var keyExchangeSalt, _ = hex.DecodeString("e2733bf403149913cbf80c7a95168bd4ca6935ee53cd39764beebe2e007e3aee")

// KeyExchangeSalt returns the fixed key a gateway uses to open the proof of
// a key exchange request.
func KeyExchangeSalt() []byte { return append([]byte(nil), keyExchangeSalt...) }

// Login picks a credential path: the cached temp password first, then the
// password when a uid is known from an earlier login, then the QR code.
// In the QR path Login returns nil once the code is emitted or still
// waiting; the outcome arrives as events.
func (c *Client) Login(ctx context.Context, password string) error {
	if c.IsOnline() {
		return nil
	}

	c.mu.Lock()
	if password != "" {
		c.token.PasswordMd5 = hex.EncodeToString(PasswordMD5(password))
	}
	token := c.token
	hasQr := len(c.sig.qrSig) > 0
	c.mu.Unlock()

	if tmp := token.tempPassword(); len(tmp) > 0 {
		err := c.TokenLogin(ctx, tmp)
		if err == nil {
			return nil
		}
		c.log.Info().Err(err).Msg("token login failed, trying the next credential")
	}

	if md5pass := token.passwordMD5(); md5pass != nil && token.Uid != "" {
		return c.PasswordLogin(ctx, md5pass)
	}
	if hasQr {
		_, err := c.QrCodeLogin(ctx)
		return err
	}
	_, err := c.FetchQrCode(ctx)
	return err
}

func (c *Client) hasExchangeKey() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sig.keySig) > 0 && len(c.sig.exchangeKey) > 0
}

// KeyExchange establishes the NT-login exchange key with a fresh P-256 key.
func (c *Client) KeyExchange(ctx context.Context) error {
	if err := c.setState(StateKeyExchanging); err != nil {
		return err
	}
	if err := c.keyExchange(ctx); err != nil {
		c.fail()
		return err
	}
	return nil
}

func (c *Client) keyExchange(ctx context.Context) error {
	e, err := crypto.NewModernECDH(c.opts.ModernServerKey)
	if err != nil {
		return err
	}

	gcm1, err := crypto.AESEncryptGCM(pb.MustEncode(pb.Message{1: c.uin, 2: c.device.GUID}), e.ShareKey)
	if err != nil {
		return err
	}
	ts := protocol.Timestamp()
	proof := wire.MustBuild(func(b *cryptobyte.Builder) {
		b.AddBytes(e.PublicKey)
		b.AddUint32(1)
		b.AddBytes(gcm1)
		b.AddUint32(0)
		b.AddUint32(ts)
	})
	gcm2, err := crypto.AESEncryptGCM(crypto.SHA256(proof), keyExchangeSalt)
	if err != nil {
		return err
	}

	packet, err := pb.Encode(pb.Message{1: e.PublicKey, 2: 1, 3: gcm1, 4: ts, 5: gcm2})
	if err != nil {
		return err
	}
	resp, err := c.SendAndAwait(ctx, protocol.CmdKeyExchange, packet, 0)
	if err != nil {
		return fmt.Errorf("key exchange: %w", err)
	}

	p, err := pb.Decode(resp)
	if err != nil {
		return fmt.Errorf("key exchange response: %w", err)
	}
	shareKey, err := e.Exchange(p.Get(3).Bytes())
	if err != nil {
		return fmt.Errorf("key exchange peer key: %w", err)
	}
	plain, err := crypto.AESDecryptGCM(p.Get(1).Bytes(), shareKey)
	if err != nil {
		return fmt.Errorf("key exchange response: %w", err)
	}
	inner, err := pb.Decode(plain)
	if err != nil {
		return fmt.Errorf("key exchange response: %w", err)
	}

	c.mu.Lock()
	c.modern = e
	c.sig.exchangeKey = inner.Get(1).Bytes()
	c.sig.keySig = inner.Get(2).Bytes()
	c.mu.Unlock()

	c.verbose(LevelDebug, fmt.Sprintf("key xchg successfully, session: %ss", inner.Get(3).String()))
	return nil
}

// TokenLogin authenticates with the temp password of an earlier session.
func (c *Client) TokenLogin(ctx context.Context, token []byte) error {
	if len(token) == 0 {
		return fmt.Errorf("%w: temp password", ErrMissingCredential)
	}
	return c.ntLogin(ctx, StateAuthToken, protocol.CmdNTEasyLogin, func() ([]byte, error) {
		return token, nil
	})
}

// PasswordLogin authenticates with the md5 of the password.
func (c *Client) PasswordLogin(ctx context.Context, md5pass []byte) error {
	if len(md5pass) != 16 {
		return fmt.Errorf("%w: 16-byte password md5", ErrMissingCredential)
	}
	return c.ntLogin(ctx, StateAuthPassword, protocol.CmdNTPasswordLogin, func() ([]byte, error) {
		return tlv.Raw(c.tlvContext(), 0x106, md5pass)
	})
}

func (c *Client) ntLogin(ctx context.Context, state State, cmd string, credential func() ([]byte, error)) error {
	if c.State() == StateKickedOff {
		return ErrKickedOff
	}
	if !c.hasExchangeKey() {
		if err := c.KeyExchange(ctx); err != nil {
			return err
		}
	}
	if err := c.setState(state); err != nil {
		return err
	}

	cred, err := credential()
	if err != nil {
		c.fail()
		return err
	}
	body, err := c.ntLoginBody(cred)
	if err != nil {
		c.fail()
		return err
	}
	resp, err := c.SendAndAwait(ctx, cmd, body, 0)
	if err != nil {
		c.fail()
		return err
	}
	if err := c.decodeNTLogin(resp); err != nil {
		c.fail()
		return err
	}

	c.mu.Lock()
	tempPwd := c.sig.tempPwd
	c.mu.Unlock()
	return c.completeLogin(ctx, OnlineEvent{TempPassword: tempPwd})
}

func (c *Client) ntLoginBody(credential []byte) ([]byte, error) {
	c.mu.Lock()
	cookies, keySig, exchangeKey := c.sig.cookies, c.sig.keySig, c.sig.exchangeKey
	c.mu.Unlock()

	head := pb.Message{
		1: pb.Message{1: strconv.FormatUint(uint64(c.uin), 10)},
		2: pb.Message{
			1: c.app.OS,
			2: c.device.DeviceName,
			3: c.app.NTLoginType,
			4: c.device.GUIDBytes(),
		},
		3: pb.Message{
			1: c.device.KernelVersion,
			2: c.app.AppID,
			3: c.app.PackageName,
		},
	}
	if cookies != "" {
		head[5] = pb.Message{1: cookies}
	}

	req, err := pb.Encode(pb.Message{1: head, 2: pb.Message{1: credential}})
	if err != nil {
		return nil, err
	}
	enc, err := crypto.AESEncryptGCM(req, exchangeKey)
	if err != nil {
		return nil, err
	}
	return pb.Encode(pb.Message{1: keySig, 3: enc, 4: 1})
}

// decodeNTLogin stores the tickets of a successful response, or the
// rejection state the server wants echoed on the next attempt.
func (c *Client) decodeNTLogin(resp []byte) error {
	c.mu.Lock()
	exchangeKey := c.sig.exchangeKey
	c.mu.Unlock()

	raw, err := pb.Decode(resp)
	if err != nil {
		return fmt.Errorf("nt login response: %w", err)
	}
	plain, err := crypto.AESDecryptGCM(raw.Get(3).Bytes(), exchangeKey)
	if err != nil {
		return fmt.Errorf("nt login response: %w", err)
	}
	inner, err := pb.Decode(plain)
	if err != nil {
		return fmt.Errorf("nt login response: %w", err)
	}

	if tickets := inner.Get(2).Get(1); tickets.IsValid() {
		d2Key := tickets.Get(6).Bytes()
		if err := checkD2Key(d2Key); err != nil {
			return err
		}
		c.mu.Lock()
		c.sig.tgt = tickets.Get(4).Bytes()
		c.sig.d2 = tickets.Get(5).Bytes()
		c.sig.d2Key = d2Key
		c.sig.tempPwd = tickets.Get(3).Bytes()
		c.mu.Unlock()
		return nil
	}

	info := inner.Get(1).Get(4)
	c.mu.Lock()
	c.sig.unusualSig = inner.Get(2).Get(3).Get(2).Bytes()
	c.sig.cookies = inner.Get(1).Get(5).Get(1).String()
	c.mu.Unlock()

	if url := info.Get(4).String(); url != "" {
		c.emit(VerifyEvent{URL: url})
	}
	lerr := &LoginError{Code: int(info.Get(1).Int64()), Message: info.Get(3).String()}
	if lerr.Message == "" {
		lerr.Message = "unknown error"
	}
	c.emit(LoginErrorEvent{Code: lerr.Code, Message: lerr.Message})
	return lerr
}

// checkD2Key rejects a session key the legacy cipher cannot use.
func checkD2Key(key []byte) error {
	if len(key) != 16 {
		return fmt.Errorf("%w: d2Key is %d bytes", ErrTokenInvalid, len(key))
	}
	return nil
}
