package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/lagrange-go/lagrange/pkg/crypto"
	"github.com/lagrange-go/lagrange/pkg/pb"
	"github.com/lagrange-go/lagrange/pkg/wire"
	"golang.org/x/crypto/cryptobyte"
)

var ErrMalformedUni = errors.New("protocol: malformed uni packet")

var ssoReserved, _ = hex.DecodeString("020000000000000000000000")

// Signature is the result of the external signing service for one packet.
type Signature struct {
	Sign  []byte
	Token []byte
	Extra []byte
}

// Identity is who is sending.
type Identity struct {
	Uin    uint32
	Uid    string
	App    AppInfo
	Device DeviceInfo
}

// Tickets is the session key material read on every send.
type Tickets struct {
	Tgt   []byte
	D2    []byte
	D2Key []byte
}

// UniPacket is one outbound request.
type UniPacket struct {
	Seq     uint32
	Command string
	Body    []byte
	Trace   string
	Sign    *Signature
}

func (p UniPacket) head(uid string) ([]byte, error) {
	m := pb.Message{15: p.Trace}
	if uid != "" {
		m[16] = uid
	}
	if p.Sign != nil {
		m[24] = pb.Message{1: p.Sign.Sign, 2: p.Sign.Token, 3: p.Sign.Extra}
	}
	return pb.Encode(m)
}

// BuildUni assembles the complete frame for p, length prefix included.
// Without a d2 ticket the packet is encrypted with the zero key.
func BuildUni(id Identity, t Tickets, p UniPacket) ([]byte, error) {
	head, err := p.head(id.Uid)
	if err != nil {
		return nil, err
	}

	sso, err := wire.Build(func(b *cryptobyte.Builder) {
		wire.AddWithLength(b, func(b *cryptobyte.Builder) {
			b.AddUint32(p.Seq)
			b.AddUint32(id.App.SubAppID)
			b.AddUint32(LocaleID)
			b.AddBytes(ssoReserved)
			wire.AddBytesWithLength(b, t.Tgt)
			wire.AddBytesWithLength(b, []byte(p.Command))
			wire.AddBytesWithLength(b, nil)
			wire.AddBytesWithLength(b, []byte(id.Device.GUID))
			wire.AddBytesWithLength(b, nil)
			wire.AddString16(b, id.App.CurrentVersion)
			wire.AddBytesWithLength(b, head)
		})
		wire.AddBytesWithLength(b, p.Body)
	})
	if err != nil {
		return nil, err
	}

	flag, key := EncryptD2Key, t.D2Key
	if len(t.D2) == 0 {
		flag, key = EncryptZeroKey, zeroKey
	}
	encrypted, err := crypto.TeaEncrypt(sso, key)
	if err != nil {
		return nil, fmt.Errorf("encrypt %s: %w", p.Command, err)
	}

	return wire.Build(func(b *cryptobyte.Builder) {
		wire.AddWithLength(b, func(b *cryptobyte.Builder) {
			b.AddUint32(ServiceType)
			b.AddUint8(flag)
			wire.AddBytesWithLength(b, t.D2)
			b.AddUint8(0)
			wire.AddBytesWithLength(b, []byte(strconv.FormatUint(uint64(id.Uin), 10)))
			b.AddBytes(encrypted)
		})
	})
}

// ParsedUni is the server's view of an outbound packet.
type ParsedUni struct {
	UniPacket
	Uin      string
	Uid      string
	GUID     string
	Version  string
	SubAppID uint32
	Tickets  Tickets
}

// ParseUni decodes a frame built by BuildUni, without its length prefix.
// keyFor maps the d2 ticket in the envelope to its d2Key.
func ParseUni(pkt []byte, keyFor func(d2 []byte) []byte) (*ParsedUni, error) {
	s := cryptobyte.String(pkt)
	var (
		svcType   uint32
		flag, pad uint8
		d2, uin   []byte
	)
	if !s.ReadUint32(&svcType) || !s.ReadUint8(&flag) || !wire.ReadWithLength(&s, &d2) ||
		!s.ReadUint8(&pad) || !wire.ReadWithLength(&s, &uin) {
		return nil, ErrMalformedUni
	}

	key := zeroKey
	if flag == EncryptD2Key {
		key = keyFor(d2)
	}
	plain, err := crypto.TeaDecrypt(s, key)
	if err != nil {
		return nil, err
	}

	out := &ParsedUni{Uin: string(uin)}
	out.Tickets.D2 = d2
	out.Tickets.D2Key = key

	s = cryptobyte.String(plain)
	var header, body []byte
	if !wire.ReadWithLength(&s, &header) || !wire.ReadWithLength(&s, &body) {
		return nil, ErrMalformedUni
	}
	out.Body = body

	h := cryptobyte.String(header)
	var (
		locale             uint32
		reserved           []byte
		cmd, guid, unk, hd []byte
		verLen             uint16
		ver                []byte
	)
	if !h.ReadUint32(&out.Seq) || !h.ReadUint32(&out.SubAppID) || !h.ReadUint32(&locale) ||
		!h.ReadBytes(&reserved, len(ssoReserved)) ||
		!wire.ReadWithLength(&h, &out.Tickets.Tgt) || !wire.ReadWithLength(&h, &cmd) ||
		!wire.ReadWithLength(&h, &unk) || !wire.ReadWithLength(&h, &guid) || !wire.ReadWithLength(&h, &unk) ||
		!h.ReadUint16(&verLen) || verLen < 2 || !h.ReadBytes(&ver, int(verLen)-2) ||
		!wire.ReadWithLength(&h, &hd) {
		return nil, ErrMalformedUni
	}
	out.Command = string(cmd)
	out.GUID = string(guid)
	out.Version = string(ver)

	head, err := pb.Decode(hd)
	if err != nil {
		return nil, fmt.Errorf("%w: head: %v", ErrMalformedUni, err)
	}
	out.Trace = head.Get(15).String()
	out.Uid = head.Get(16).String()
	if sig := head.Get(24); sig.IsValid() {
		out.Sign = &Signature{
			Sign:  sig.Get(1).Bytes(),
			Token: sig.Get(2).Bytes(),
			Extra: sig.Get(3).Bytes(),
		}
	}
	return out, nil
}
