package tlv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/lagrange-go/lagrange/pkg/crypto"
	"github.com/lagrange-go/lagrange/pkg/pb"
	"github.com/lagrange-go/lagrange/pkg/protocol"
	"github.com/lagrange-go/lagrange/pkg/wire"
	"golang.org/x/crypto/cryptobyte"
)

func testContext() *Context {
	return &Context{
		Uin:    10001,
		App:    protocol.GetAppInfo(protocol.PlatformLinux),
		Device: protocol.NewDeviceInfo(10001, ""),
		Tgtgt:  bytes.Repeat([]byte{0x0f}, 16),
	}
}

func TestPasswordKey(t *testing.T) {
	md5pass := crypto.MD5([]byte("password"))
	want := crypto.MD5(append(append(bytes.Clone(md5pass), 0, 0, 0, 0), 0x00, 0x00, 0x27, 0x11))
	if got := PasswordKey(md5pass, 10001); !bytes.Equal(got, want) {
		t.Fatalf("PasswordKey() = %x, want %x", got, want)
	}
}

func TestT106DecryptsWithPasswordKey(t *testing.T) {
	c := testContext()
	c.Tgtgt = nil
	md5pass := crypto.MD5([]byte("hunter2"))

	raw, err := Raw(c, 0x106, md5pass)
	if err != nil {
		t.Fatalf("Raw(0x106) error = %v", err)
	}
	plain, err := crypto.TeaDecrypt(raw, PasswordKey(md5pass, c.Uin))
	if err != nil {
		t.Fatalf("decrypt t106: %v", err)
	}

	s := cryptobyte.String(plain)
	var (
		ver           uint16
		nonce         []byte
		ssoVer, appID uint32
		clientVer     uint32
		uin           uint64
	)
	if !s.ReadUint16(&ver) || !s.ReadBytes(&nonce, 4) || !s.ReadUint32(&ssoVer) || !s.ReadUint32(&appID) ||
		!s.ReadUint32(&clientVer) || !s.ReadUint64(&uin) {
		t.Fatal("t106 body too short")
	}
	if ver != 4 || appID != c.App.AppID || clientVer != 8001 || uin != 10001 {
		t.Errorf("t106 header = ver %d app %d client %d uin %d", ver, appID, clientVer, uin)
	}
	if !bytes.Contains(plain, md5pass) {
		t.Error("t106 does not carry the password md5")
	}
	if !bytes.Contains(plain, c.Device.GUIDBytes()) {
		t.Error("t106 does not carry the guid")
	}
	if !bytes.HasSuffix(plain, append([]byte{0, 5}, "10001"...)) {
		t.Errorf("t106 should end with the uin string, got %x", plain[len(plain)-8:])
	}
}

func TestT106RequiresPassword(t *testing.T) {
	if _, err := Raw(testContext(), 0x106); !errors.Is(err, ErrMissingArg) {
		t.Fatalf("Raw(0x106) error = %v, want %v", err, ErrMissingArg)
	}
}

func TestPackHeaders(t *testing.T) {
	c := testContext()
	tests := []struct {
		tag    uint16
		qr     bool
		length int
	}{
		{0x18, false, 22},
		{0x100, false, 22},
		{0x107, false, 6},
		{0x116, false, 10},
		{0x124, false, 12},
		{0x145, false, 16},
		{0x166, false, 1},
		{0x191, false, 1},
		{0x318, false, 0},
		{0x521, false, 13},
		{0x1b, true, 30},
		{0x1d, true, 10},
		{0x33, true, 16},
		{0x35, true, 4},
		{0x66, true, 4},
	}

	for _, tt := range tests {
		pack := Pack
		if tt.qr {
			pack = PackQr
		}
		got, err := pack(c, tt.tag)
		if err != nil {
			t.Fatalf("pack 0x%x: %v", tt.tag, err)
		}
		if binary.BigEndian.Uint16(got) != tt.tag {
			t.Errorf("0x%x: tag = 0x%x", tt.tag, binary.BigEndian.Uint16(got))
		}
		if l := int(binary.BigEndian.Uint16(got[2:])); l != tt.length || len(got) != l+4 {
			t.Errorf("0x%x: length = %d (total %d), want %d", tt.tag, l, len(got), tt.length)
		}
	}
}

func TestUnknownTag(t *testing.T) {
	if _, err := Pack(testContext(), 0x9999); !errors.Is(err, ErrUnknownTag) {
		t.Errorf("Pack(0x9999) error = %v", err)
	}
	if _, err := PackQr(testContext(), 0x106); !errors.Is(err, ErrUnknownTag) {
		t.Errorf("PackQr(0x106) error = %v", err)
	}
}

func TestT144NestsFourTLVs(t *testing.T) {
	c := testContext()
	packed, err := Pack(c, 0x144)
	if err != nil {
		t.Fatalf("Pack(0x144) error = %v", err)
	}
	plain, err := crypto.TeaDecrypt(packed[4:], c.Tgtgt)
	if err != nil {
		t.Fatalf("decrypt t144: %v", err)
	}
	s := cryptobyte.String(plain)
	var count uint16
	s.ReadUint16(&count)
	tlvs, err := wire.ReadTLVs(&s)
	if err != nil {
		t.Fatalf("read nested: %v", err)
	}
	if count != 4 || len(tlvs) != 4 {
		t.Fatalf("nested count = %d/%d, want 4", count, len(tlvs))
	}
	if string(tlvs[0x16e]) != c.Device.DeviceName {
		t.Errorf("0x16e = %q", tlvs[0x16e])
	}
}

func TestQrDeviceTag(t *testing.T) {
	c := testContext()
	packed, err := PackQr(c, 0xd1)
	if err != nil {
		t.Fatalf("PackQr(0xd1) error = %v", err)
	}
	p, err := pb.Decode(packed[4:])
	if err != nil {
		t.Fatalf("decode 0xd1: %v", err)
	}
	if p.Get(1).Get(1).String() != "Linux" || p.Get(1).Get(2).String() != c.Device.DeviceName {
		t.Errorf("0xd1 device = %q/%q", p.Get(1).Get(1).String(), p.Get(1).Get(2).String())
	}
	if p.Get(4).Get(6).Int64() != 1 {
		t.Error("0xd1 [4][6] should be 1")
	}
}

func TestParseLoginMessage(t *testing.T) {
	value := wire.MustBuild(func(b *cryptobyte.Builder) {
		b.AddUint16(0)
		wire.AddBytes16(b, []byte("title"))
		wire.AddBytes16(b, []byte("content"))
	})
	m, err := ParseLoginMessage(0x149, value)
	if err != nil {
		t.Fatalf("ParseLoginMessage() error = %v", err)
	}
	if m.String() != "[title]content" {
		t.Errorf("message = %s", m)
	}

	if _, err := ParseLoginMessage(0x146, value); !errors.Is(err, ErrShortErrTLV) {
		t.Errorf("0x146 with a 2-byte prefix should fail, got %v", err)
	}
}

func TestParseProfileAndVerify(t *testing.T) {
	p := ParseProfile([]byte{0, 0, 23, 1, 0, 'n', 'i', 'c', 'k'})
	if p.Age != 23 || p.Gender != 1 || p.Nickname != "nick" {
		t.Errorf("ParseProfile() = %+v", p)
	}

	t178 := wire.MustBuild(func(b *cryptobyte.Builder) {
		b.AddUint16(86)
		wire.AddBytes16(b, []byte("138****0000"))
	})
	url, phone := ParseVerify([]byte("https://verify"), t178)
	if url != "https://verify" || phone != "138****0000" {
		t.Errorf("ParseVerify() = %q, %q", url, phone)
	}
}
