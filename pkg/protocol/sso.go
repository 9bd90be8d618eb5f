package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/lagrange-go/lagrange/pkg/crypto"
	"github.com/lagrange-go/lagrange/pkg/wire"
	"golang.org/x/crypto/cryptobyte"
)

var (
	ErrUnknownEncryption  = errors.New("protocol: unknown encryption flag")
	ErrUnknownCompression = errors.New("protocol: unknown compression flag")
	ErrRetCode            = errors.New("protocol: unsuccessful retcode")
	ErrMalformedSSO       = errors.New("protocol: malformed sso packet")
)

// RetCodeError is returned for an SSO envelope with a non-zero return code.
type RetCodeError struct {
	Seq     int32
	Code    int32
	Message string
}

func (e *RetCodeError) Error() string {
	return fmt.Sprintf("unsuccessful retcode: %d (seq %d) %s", e.Code, e.Seq, e.Message)
}

func (e *RetCodeError) Is(target error) bool { return target == ErrRetCode }

// SSOPacket is an inbound (sequence, command, payload) triple.
type SSOPacket struct {
	Seq       int32
	RetCode   int32
	Message   string
	Command   string
	SessionID []byte
	Payload   []byte
}

// OpenService strips the service envelope from an inbound frame (without its
// length prefix) and decrypts it according to the envelope's flag.
func OpenService(pkt, d2Key []byte) ([]byte, error) {
	if len(pkt) < 10 {
		return nil, ErrMalformedSSO
	}
	flag := pkt[4]
	s := cryptobyte.String(pkt[6:])
	var uin []byte
	if !wire.ReadWithLength(&s, &uin) {
		return nil, ErrMalformedSSO
	}

	switch flag {
	case EncryptNone:
		return s, nil
	case EncryptD2Key:
		return crypto.TeaDecrypt(s, d2Key)
	case EncryptZeroKey:
		return crypto.TeaDecrypt(s, zeroKey)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownEncryption, flag)
}

// ParseSSO decodes a decrypted SSO envelope.
func ParseSSO(buf []byte) (*SSOPacket, error) {
	s := cryptobyte.String(buf)
	var (
		headLen     uint32
		seq, ret    uint32
		msg, cmd    []byte
		session     []byte
		compression uint32
	)
	if !s.ReadUint32(&headLen) || !s.ReadUint32(&seq) || !s.ReadUint32(&ret) ||
		!wire.ReadWithLength(&s, &msg) {
		return nil, ErrMalformedSSO
	}

	p := &SSOPacket{Seq: int32(seq), RetCode: int32(ret), Message: string(msg)}
	if p.RetCode != 0 {
		return p, &RetCodeError{Seq: p.Seq, Code: p.RetCode, Message: p.Message}
	}
	if !wire.ReadWithLength(&s, &cmd) || !wire.ReadWithLength(&s, &session) || !s.ReadUint32(&compression) {
		return nil, ErrMalformedSSO
	}
	p.Command = string(cmd)
	p.SessionID = session

	if uint64(headLen) > uint64(len(buf)) {
		return nil, ErrMalformedSSO
	}
	switch int32(compression) {
	case CompressNone:
		if int(headLen)+4 > len(buf) {
			return nil, ErrMalformedSSO
		}
		p.Payload = buf[headLen+4:]
	case CompressZlib:
		if int(headLen)+4 > len(buf) {
			return nil, ErrMalformedSSO
		}
		out, err := inflate(buf[headLen+4:])
		if err != nil {
			return nil, fmt.Errorf("%w: inflate: %v", ErrMalformedSSO, err)
		}
		p.Payload = out
	case CompressNoneNoLen:
		p.Payload = buf[headLen:]
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, int32(compression))
	}
	return p, nil
}

// DecodeIncoming runs OpenService and ParseSSO.
func DecodeIncoming(pkt, d2Key []byte) (*SSOPacket, error) {
	plain, err := OpenService(pkt, d2Key)
	if err != nil {
		return nil, err
	}
	return ParseSSO(plain)
}

func inflate(b []byte) ([]byte, error) {
	var (
		r   io.ReadCloser
		err error
	)
	if len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b {
		r, err = gzip.NewReader(bytes.NewReader(b))
	} else {
		r, err = zlib.NewReader(bytes.NewReader(b))
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func deflate(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode builds the SSO envelope ParseSSO reads, as a server would.
func (p *SSOPacket) Encode(compression int32) ([]byte, error) {
	header := wire.MustBuild(func(b *cryptobyte.Builder) {
		b.AddUint32(uint32(p.Seq))
		b.AddUint32(uint32(p.RetCode))
		wire.AddBytesWithLength(b, []byte(p.Message))
		wire.AddBytesWithLength(b, []byte(p.Command))
		wire.AddBytesWithLength(b, p.SessionID)
		b.AddUint32(uint32(compression))
		wire.AddBytesWithLength(b, nil)
	})

	body := p.Payload
	switch compression {
	case CompressNone:
		body = wire.WithLength(body)
	case CompressZlib:
		z, err := deflate(body)
		if err != nil {
			return nil, err
		}
		body = wire.WithLength(z)
	case CompressNoneNoLen:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, compression)
	}

	return wire.Build(func(b *cryptobyte.Builder) {
		wire.AddBytesWithLength(b, header)
		b.AddBytes(body)
	})
}

// SealService wraps an SSO envelope in the inbound service envelope and
// prefixes the frame length.
func SealService(sso []byte, flag byte, key []byte, uin string) ([]byte, error) {
	payload := sso
	switch flag {
	case EncryptNone:
	case EncryptD2Key, EncryptZeroKey:
		if flag == EncryptZeroKey {
			key = zeroKey
		}
		enc, err := crypto.TeaEncrypt(sso, key)
		if err != nil {
			return nil, err
		}
		payload = enc
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEncryption, flag)
	}

	return wire.Build(func(b *cryptobyte.Builder) {
		wire.AddWithLength(b, func(b *cryptobyte.Builder) {
			b.AddUint32(ServiceType)
			b.AddUint8(flag)
			b.AddUint8(0)
			wire.AddBytesWithLength(b, []byte(uin))
			b.AddBytes(payload)
		})
	})
}
