package protocol

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/lagrange-go/lagrange/pkg/crypto"
	"github.com/lagrange-go/lagrange/pkg/wire"
	"golang.org/x/crypto/cryptobyte"
)

var ErrMalformedLogin = errors.New("protocol: malformed wtlogin packet")

// BuildCode2d wraps a trans_emp body with its code2d header.
func BuildCode2d(app AppInfo, cmdID uint16, body []byte, ts uint32) []byte {
	return wire.MustBuild(func(b *cryptobyte.Builder) {
		b.AddUint8(0)
		b.AddUint16(uint16(53 + len(body)))
		b.AddUint32(app.AppID)
		b.AddUint32(0x72)
		b.AddBytes(make([]byte, 3))
		b.AddUint32(ts)
		b.AddUint8(packetStart)

		b.AddUint16(uint16(49 + len(body)))
		b.AddUint16(cmdID)
		b.AddBytes(make([]byte, 21))
		b.AddUint8(3)
		b.AddUint32(50)
		b.AddBytes(make([]byte, 14))
		b.AddUint32(app.AppID)
		b.AddBytes(body)
	})
}

const code2dHeaderLen = 67

// ParseCode2d returns the command id and body of a code2d request.
func ParseCode2d(data []byte) (uint16, []byte, error) {
	if len(data) < code2dHeaderLen {
		return 0, nil, ErrMalformedLogin
	}
	s := cryptobyte.String(data[21:])
	var cmdID uint16
	s.ReadUint16(&cmdID)
	return cmdID, data[code2dHeaderLen:], nil
}

// BuildLoginFrame encrypts body with the legacy share key and wraps it in
// the wtlogin frame. cmd selects the 2064 (login) or 2066 (trans_emp) code.
func BuildLoginFrame(cmd string, uin uint32, app AppInfo, pub, shareKey, body []byte) ([]byte, error) {
	encrypted, err := crypto.TeaEncrypt(body, shareKey)
	if err != nil {
		return nil, err
	}
	code := LoginCmdQrCode
	if cmd == CmdWtLogin {
		code = LoginCmdLogin
	}

	inner, err := wire.Build(func(b *cryptobyte.Builder) {
		b.AddUint16(LoginVersion)
		b.AddUint16(code)
		b.AddUint16(0)
		b.AddUint32(uin)
		b.AddUint8(3)
		b.AddUint8(135)
		b.AddUint32(0)
		b.AddUint8(19)
		b.AddUint16(0)
		b.AddUint16(app.AppClientVersion)
		b.AddUint32(0)
		b.AddUint8(1)
		b.AddUint8(1)
		b.AddBytes(make([]byte, 16))
		b.AddUint16(0x102)
		wire.AddBytes16(b, pub)
		b.AddBytes(encrypted)
		b.AddUint8(packetEnd)
	})
	if err != nil {
		return nil, err
	}

	return wire.Build(func(b *cryptobyte.Builder) {
		b.AddUint8(packetStart)
		b.AddUint16(uint16(len(inner) + 3))
		b.AddBytes(inner)
	})
}

// LoginFrame is the server's view of a wtlogin frame.
type LoginFrame struct {
	Code      uint16
	Uin       uint32
	PublicKey []byte
	Encrypted []byte
}

// ParseLoginFrame decodes a frame built by BuildLoginFrame.
func ParseLoginFrame(frame []byte) (*LoginFrame, error) {
	s := cryptobyte.String(frame)
	var (
		start, end uint8
		length     uint16
		ver, seq   uint16
		skip       []byte
		tag        uint16
		f          LoginFrame
	)
	if !s.ReadUint8(&start) || start != packetStart || !s.ReadUint16(&length) || int(length) != len(frame) ||
		!s.ReadUint16(&ver) || !s.ReadUint16(&f.Code) || !s.ReadUint16(&seq) || !s.ReadUint32(&f.Uin) ||
		!s.ReadBytes(&skip, 33) || !s.ReadUint16(&tag) || tag != 0x102 ||
		!s.ReadUint16LengthPrefixed((*cryptobyte.String)(&f.PublicKey)) || len(s) < 1 {
		return nil, ErrMalformedLogin
	}
	end = s[len(s)-1]
	if end != packetEnd {
		return nil, ErrMalformedLogin
	}
	f.Encrypted = s[:len(s)-1]
	return &f, nil
}

// OpenLoginResponse decrypts the body of a wtlogin response.
func OpenLoginResponse(payload, shareKey []byte) ([]byte, error) {
	if len(payload) < loginRespHeader+1 {
		return nil, ErrMalformedLogin
	}
	return crypto.TeaDecrypt(payload[loginRespHeader:len(payload)-1], shareKey)
}

// SealLoginResponse builds a wtlogin response around body.
func SealLoginResponse(code uint16, uin uint32, body, shareKey []byte) ([]byte, error) {
	encrypted, err := crypto.TeaEncrypt(body, shareKey)
	if err != nil {
		return nil, err
	}
	return wire.Build(func(b *cryptobyte.Builder) {
		b.AddUint8(packetStart)
		b.AddUint16(uint16(loginRespHeader + len(encrypted) + 1))
		b.AddUint16(LoginVersion)
		b.AddUint16(code)
		b.AddUint16(0)
		b.AddUint32(uin)
		b.AddUint8(3)
		b.AddUint8(0)
		b.AddUint8(0)
		b.AddBytes(encrypted)
		b.AddUint8(packetEnd)
	})
}

// QrFetchResult is the decoded response to a QR fetch.
type QrFetchResult struct {
	RetCode uint8
	QrSig   []byte
	TLVs    map[uint16][]byte
}

// Image returns the PNG carried in tag 0x17.
func (r *QrFetchResult) Image() []byte { return r.TLVs[0x17] }

func ParseQrFetch(plain []byte) (*QrFetchResult, error) {
	s := cryptobyte.String(plain)
	var (
		skip []byte
		r    QrFetchResult
	)
	if !s.Skip(54) || !s.ReadUint8(&r.RetCode) ||
		!s.ReadUint16LengthPrefixed((*cryptobyte.String)(&r.QrSig)) || !s.ReadBytes(&skip, 2) {
		return nil, ErrMalformedLogin
	}
	tlvs, err := wire.ReadTLVs(&s)
	if err != nil {
		return nil, fmt.Errorf("qr fetch: %w", err)
	}
	r.TLVs = tlvs
	return &r, nil
}

// EncodeQrFetch builds the plaintext ParseQrFetch reads.
func EncodeQrFetch(retCode uint8, qrSig []byte, tlvs map[uint16][]byte) []byte {
	return wire.MustBuild(func(b *cryptobyte.Builder) {
		b.AddBytes(make([]byte, 54))
		b.AddUint8(retCode)
		wire.AddBytes16(b, qrSig)
		b.AddUint16(uint16(len(tlvs)))
		addTLVMap(b, tlvs)
		b.AddUint8(packetEnd)
	})
}

// QrQueryResult is the decoded response to a QR status poll.
type QrQueryResult struct {
	Command uint16
	AppID   uint32
	Result  QrCodeResult
	Uin     uint32
	TLVs    map[uint16][]byte
}

// Confirmed tickets.
func (r *QrQueryResult) T106() []byte  { return r.TLVs[0x18] }
func (r *QrQueryResult) T16A() []byte  { return r.TLVs[0x19] }
func (r *QrQueryResult) Tgtgt() []byte { return r.TLVs[0x1e] }

func ParseQrQuery(plain []byte) (*QrQueryResult, error) {
	s := cryptobyte.String(plain)
	var (
		length uint32
		ret    uint8
		r      QrQueryResult
	)
	if !s.ReadUint32(&length) || !s.Skip(4) || !s.ReadUint16(&r.Command) || !s.Skip(40) ||
		!s.ReadUint32(&r.AppID) || !s.ReadUint8(&ret) {
		return nil, ErrMalformedLogin
	}
	r.Result = QrCodeResult(ret)
	r.TLVs = map[uint16][]byte{}
	if r.Result != QrConfirmed {
		return &r, nil
	}

	var count uint16
	if !s.Skip(4) || !s.ReadUint32(&r.Uin) || !s.Skip(4) || !s.ReadUint16(&count) {
		return nil, ErrMalformedLogin
	}
	tlvs, err := wire.ReadTLVs(&s)
	if err != nil {
		return nil, fmt.Errorf("qr query: %w", err)
	}
	r.TLVs = tlvs
	return &r, nil
}

// EncodeQrQuery builds the plaintext ParseQrQuery reads.
func EncodeQrQuery(appID uint32, result QrCodeResult, uin uint32, tlvs map[uint16][]byte) []byte {
	return wire.MustBuild(func(b *cryptobyte.Builder) {
		wire.AddWithLength(b, func(b *cryptobyte.Builder) {
			b.AddUint32(0)
			b.AddUint16(Code2dQuery)
			b.AddBytes(make([]byte, 40))
			b.AddUint32(appID)
			b.AddUint8(uint8(result))
			if result != QrConfirmed {
				return
			}
			b.AddUint32(0)
			b.AddUint32(uin)
			b.AddUint32(0)
			b.AddUint16(uint16(len(tlvs)))
			addTLVMap(b, tlvs)
			b.AddUint8(packetEnd)
		})
	})
}

// LoginResult is the decoded response to wtlogin.login.
type LoginResult struct {
	Command uint16
	Type    uint8
	TLVs    map[uint16][]byte
}

func ParseLoginResult(plain []byte) (*LoginResult, error) {
	s := cryptobyte.String(plain)
	var r LoginResult
	if !s.ReadUint16(&r.Command) || !s.ReadUint8(&r.Type) || !s.Skip(2) {
		return nil, ErrMalformedLogin
	}
	tlvs, err := wire.ReadTLVs(&s)
	if err != nil {
		return nil, fmt.Errorf("login result: %w", err)
	}
	r.TLVs = tlvs
	return &r, nil
}

// EncodeLoginResult builds the plaintext ParseLoginResult reads.
func EncodeLoginResult(typ uint8, tlvs map[uint16][]byte) []byte {
	return wire.MustBuild(func(b *cryptobyte.Builder) {
		b.AddUint16(0x09)
		b.AddUint8(typ)
		b.AddUint16(uint16(len(tlvs)))
		addTLVMap(b, tlvs)
	})
}

// DecodeT119 decrypts the success blob of a login response with tgtgt.
func DecodeT119(t119, tgtgt []byte) (map[uint16][]byte, error) {
	plain, err := crypto.TeaDecrypt(t119, tgtgt)
	if err != nil {
		return nil, fmt.Errorf("t119: %w", err)
	}
	s := cryptobyte.String(plain)
	if !s.Skip(2) {
		return nil, ErrMalformedLogin
	}
	return wire.ReadTLVs(&s)
}

// EncodeT119 builds the encrypted success blob DecodeT119 reads.
func EncodeT119(tlvs map[uint16][]byte, tgtgt []byte) ([]byte, error) {
	plain := wire.MustBuild(func(b *cryptobyte.Builder) {
		b.AddUint16(uint16(len(tlvs)))
		addTLVMap(b, tlvs)
	})
	return crypto.TeaEncrypt(plain, tgtgt)
}

func addTLVMap(b *cryptobyte.Builder, tlvs map[uint16][]byte) {
	for _, tag := range sortedTags(tlvs) {
		value := tlvs[tag]
		wire.AddTLV(b, tag, func(b *cryptobyte.Builder) { b.AddBytes(value) })
	}
}

func sortedTags(tlvs map[uint16][]byte) []uint16 {
	return slices.Sorted(maps.Keys(tlvs))
}
