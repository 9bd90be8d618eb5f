// Package tlv builds the tag-length-value fields of the legacy handshake.
//
// Two registries exist: the standard one used by wtlogin.login and password
// credentials, and the QR one used by trans_emp. Each builder returns the
// value only; Pack and PackQr add the u16 tag and u16 length.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/lagrange-go/lagrange/pkg/crypto"
	"github.com/lagrange-go/lagrange/pkg/pb"
	"github.com/lagrange-go/lagrange/pkg/protocol"
	"github.com/lagrange-go/lagrange/pkg/wire"
	"golang.org/x/crypto/cryptobyte"
)

var (
	ErrUnknownTag  = errors.New("tlv: no builder for tag")
	ErrMissingArg  = errors.New("tlv: missing argument")
	ErrShortErrTLV = errors.New("tlv: short error field")
)

// Context is the session data the builders read.
type Context struct {
	Uin    uint32
	App    protocol.AppInfo
	Device protocol.DeviceInfo
	Tgtgt  []byte
}

type builder func(c *Context, args ...[]byte) ([]byte, error)

// Pack returns the standard tag with its header.
func Pack(c *Context, tag uint16, args ...[]byte) ([]byte, error) {
	return pack(standard, c, tag, args...)
}

// PackQr returns the QR tag with its header.
func PackQr(c *Context, tag uint16, args ...[]byte) ([]byte, error) {
	return pack(qrCode, c, tag, args...)
}

// Raw returns the value of a standard tag without its header.
func Raw(c *Context, tag uint16, args ...[]byte) ([]byte, error) {
	fn, ok := standard[tag]
	if !ok {
		return nil, fmt.Errorf("%w 0x%x", ErrUnknownTag, tag)
	}
	return fn(c, args...)
}

func pack(registry map[uint16]builder, c *Context, tag uint16, args ...[]byte) ([]byte, error) {
	fn, ok := registry[tag]
	if !ok {
		return nil, fmt.Errorf("%w 0x%x", ErrUnknownTag, tag)
	}
	value, err := fn(c, args...)
	if err != nil {
		return nil, fmt.Errorf("tlv 0x%x: %w", tag, err)
	}
	return Wrap(tag, value)
}

// Wrap adds a tag/length header to a value produced elsewhere, such as the
// tickets returned by a QR poll.
func Wrap(tag uint16, value []byte) ([]byte, error) {
	return wire.Build(func(b *cryptobyte.Builder) {
		wire.AddTLV(b, tag, func(b *cryptobyte.Builder) { b.AddBytes(value) })
	})
}

func addString16(b *cryptobyte.Builder, s string) {
	wire.AddBytes16(b, []byte(s))
}

func (c *Context) uinString() string {
	return strconv.FormatUint(uint64(c.Uin), 10)
}

// PasswordKey is the legacy cipher key of tag 0x106:
// md5(md5pass || 4 zero bytes || big-endian uin).
func PasswordKey(md5pass []byte, uin uint32) []byte {
	buf := make([]byte, 0, len(md5pass)+8)
	buf = append(buf, md5pass...)
	buf = append(buf, 0, 0, 0, 0)
	buf = binary.BigEndian.AppendUint32(buf, uin)
	return crypto.MD5(buf)
}

var standard = map[uint16]builder{
	0x18: func(c *Context, _ ...[]byte) ([]byte, error) {
		return wire.Build(func(b *cryptobyte.Builder) {
			b.AddUint16(0)
			b.AddUint32(5)
			b.AddUint32(0)
			b.AddUint32(8001)
			b.AddUint32(c.Uin)
			b.AddUint16(0)
			b.AddUint16(0)
		})
	},
	0x100: func(c *Context, _ ...[]byte) ([]byte, error) {
		return wire.Build(func(b *cryptobyte.Builder) {
			b.AddUint16(0)
			b.AddUint32(5)
			b.AddUint32(c.App.AppID)
			b.AddUint32(c.App.SubAppID)
			b.AddUint32(uint32(c.App.AppClientVersion))
			b.AddUint32(c.App.MainSigMap)
		})
	},
	0x106: func(c *Context, args ...[]byte) ([]byte, error) {
		if len(args) == 0 || len(args[0]) != 16 {
			return nil, fmt.Errorf("%w: 16-byte password md5", ErrMissingArg)
		}
		md5pass := args[0]
		nonce, err := crypto.RandomBytes(4)
		if err != nil {
			return nil, err
		}
		body, err := wire.Build(func(b *cryptobyte.Builder) {
			b.AddUint16(4)
			b.AddBytes(nonce)
			b.AddUint32(0)
			b.AddUint32(c.App.AppID)
			b.AddUint32(8001)
			b.AddUint64(uint64(c.Uin))
			b.AddUint32(protocol.Timestamp())
			b.AddBytes(make([]byte, 4))
			b.AddUint8(1)
			b.AddBytes(md5pass)
			b.AddBytes(c.Tgtgt)
			b.AddUint32(0)
			b.AddUint8(1)
			b.AddBytes(c.Device.GUIDBytes())
			b.AddUint32(0)
			b.AddUint32(1)
			addString16(b, c.uinString())
		})
		if err != nil {
			return nil, err
		}
		return crypto.TeaEncrypt(body, PasswordKey(md5pass, c.Uin))
	},
	0x107: func(_ *Context, _ ...[]byte) ([]byte, error) {
		return wire.Build(func(b *cryptobyte.Builder) {
			b.AddUint16(1)
			b.AddUint8(0)
			b.AddUint16(0x000d)
			b.AddUint8(1)
		})
	},
	0x116: func(c *Context, _ ...[]byte) ([]byte, error) {
		return wire.Build(func(b *cryptobyte.Builder) {
			b.AddUint8(0)
			b.AddUint32(12058620)
			b.AddUint32(c.App.SubSigMap)
			b.AddUint8(0)
		})
	},
	0x124: func(_ *Context, _ ...[]byte) ([]byte, error) {
		return make([]byte, 12), nil
	},
	0x128: func(c *Context, _ ...[]byte) ([]byte, error) {
		return wire.Build(func(b *cryptobyte.Builder) {
			b.AddUint16(0)
			b.AddUint8(0)
			b.AddUint8(1)
			b.AddUint8(0)
			b.AddUint32(0)
			addString16(b, c.App.OS)
			wire.AddBytes16(b, c.Device.GUIDBytes())
			addString16(b, "")
		})
	},
	0x141: func(_ *Context, _ ...[]byte) ([]byte, error) {
		return wire.Build(func(b *cryptobyte.Builder) {
			b.AddUint32(7)
			b.AddBytes([]byte("Unknown"))
			b.AddUint32(0)
		})
	},
	0x142: func(c *Context, _ ...[]byte) ([]byte, error) {
		return wire.Build(func(b *cryptobyte.Builder) {
			b.AddUint16(0)
			addString16(b, c.App.PackageName)
		})
	},
	0x145: func(c *Context, _ ...[]byte) ([]byte, error) {
		return c.Device.GUIDBytes(), nil
	},
	0x147: func(c *Context, _ ...[]byte) ([]byte, error) {
		return wire.Build(func(b *cryptobyte.Builder) {
			b.AddUint32(c.App.AppID)
			addString16(b, c.App.PtVersion)
			addString16(b, c.App.PackageName)
		})
	},
	0x166: func(_ *Context, _ ...[]byte) ([]byte, error) {
		return []byte{5}, nil
	},
	0x16e: func(c *Context, _ ...[]byte) ([]byte, error) {
		return []byte(c.Device.DeviceName), nil
	},
	0x177: func(c *Context, _ ...[]byte) ([]byte, error) {
		return wire.Build(func(b *cryptobyte.Builder) {
			b.AddUint8(1)
			b.AddUint32(0)
			addString16(b, c.App.WtLoginSDK)
		})
	},
	0x191: func(_ *Context, _ ...[]byte) ([]byte, error) {
		return []byte{0}, nil
	},
	0x318: func(_ *Context, _ ...[]byte) ([]byte, error) {
		return []byte{}, nil
	},
	0x521: func(_ *Context, _ ...[]byte) ([]byte, error) {
		return wire.Build(func(b *cryptobyte.Builder) {
			b.AddUint32(0x13)
			addString16(b, "basicim")
		})
	},
}

func init() {
	standard[0x144] = t144
}

// t144 nests 0x16e, 0x147, 0x128 and 0x124 encrypted with tgtgt.
func t144(c *Context, _ ...[]byte) ([]byte, error) {
	var body cryptobyte.Builder
	body.AddUint16(4)
	for _, tag := range []uint16{0x16e, 0x147, 0x128, 0x124} {
		t, err := Pack(c, tag)
		if err != nil {
			return nil, err
		}
		body.AddBytes(t)
	}
	plain, err := body.Bytes()
	if err != nil {
		return nil, err
	}
	return crypto.TeaEncrypt(plain, c.Tgtgt)
}

var qrCode = map[uint16]builder{
	0x16: func(c *Context, _ ...[]byte) ([]byte, error) {
		return wire.Build(func(b *cryptobyte.Builder) {
			b.AddUint32(0)
			b.AddUint32(c.App.AppID)
			b.AddUint32(c.App.SubAppID)
			b.AddBytes(c.Device.GUIDBytes())
			addString16(b, c.App.PackageName)
			addString16(b, c.App.PtVersion)
			addString16(b, c.App.PackageName)
		})
	},
	0x1b: func(_ *Context, _ ...[]byte) ([]byte, error) {
		return wire.Build(func(b *cryptobyte.Builder) {
			b.AddUint32(0)  // micro
			b.AddUint32(0)  // version
			b.AddUint32(3)  // size
			b.AddUint32(4)  // margin
			b.AddUint32(72) // dpi
			b.AddUint32(2)  // ec level
			b.AddUint32(2)  // hint
			b.AddUint16(0)
		})
	},
	0x1d: func(c *Context, _ ...[]byte) ([]byte, error) {
		return wire.Build(func(b *cryptobyte.Builder) {
			b.AddUint8(1)
			b.AddUint32(c.App.MainSigMap)
			b.AddUint32(0)
			b.AddUint8(0)
		})
	},
	0x33: func(c *Context, _ ...[]byte) ([]byte, error) {
		return c.Device.GUIDBytes(), nil
	},
	0x35: func(c *Context, _ ...[]byte) ([]byte, error) {
		return binary.BigEndian.AppendUint32(nil, c.App.PtOSVersion), nil
	},
	0x66: func(c *Context, _ ...[]byte) ([]byte, error) {
		return binary.BigEndian.AppendUint32(nil, c.App.PtOSVersion), nil
	},
	0xd1: func(c *Context, _ ...[]byte) ([]byte, error) {
		return pb.Encode(pb.Message{
			1: pb.Message{1: c.App.OS, 2: c.Device.DeviceName},
			4: pb.Message{6: 1},
		})
	},
}
