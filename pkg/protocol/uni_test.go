package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity() Identity {
	return Identity{
		Uin:    10001,
		Uid:    "u_test",
		App:    GetAppInfo(PlatformLinux),
		Device: NewDeviceInfo(10001, ""),
	}
}

func TestBuildUniRoundTrip(t *testing.T) {
	d2Key := bytes.Repeat([]byte{0x5a}, 16)
	tests := []struct {
		name    string
		tickets Tickets
		sign    *Signature
		flag    byte
	}{
		{name: "before login", tickets: Tickets{D2Key: ZeroKey()}, flag: EncryptZeroKey},
		{
			name:    "with d2 and signature",
			tickets: Tickets{Tgt: []byte("tgt"), D2: []byte("d2-ticket"), D2Key: d2Key},
			sign:    &Signature{Sign: []byte{1, 2}, Token: []byte{3}, Extra: []byte{4, 5, 6}},
			flag:    EncryptD2Key,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := testIdentity()
			frame, err := BuildUni(id, tt.tickets, UniPacket{
				Seq:     77,
				Command: CmdRegister,
				Body:    []byte("body"),
				Trace:   "00-0123456789abcdef0123456789abcdef-0123456789abcdef-01",
				Sign:    tt.sign,
			})
			require.NoError(t, err)
			assert.Equal(t, uint32(len(frame)), binary.BigEndian.Uint32(frame))
			assert.Equal(t, tt.flag, frame[8])

			got, err := ParseUni(frame[4:], func(d2 []byte) []byte {
				assert.Equal(t, tt.tickets.D2, d2)
				return d2Key
			})
			require.NoError(t, err)
			assert.Equal(t, uint32(77), got.Seq)
			assert.Equal(t, CmdRegister, got.Command)
			assert.Equal(t, []byte("body"), got.Body)
			assert.Equal(t, "10001", got.Uin)
			assert.Equal(t, "u_test", got.Uid)
			assert.Equal(t, id.Device.GUID, got.GUID)
			assert.Equal(t, id.App.CurrentVersion, got.Version)
			assert.Equal(t, id.App.SubAppID, got.SubAppID)
			assert.Equal(t, tt.tickets.Tgt, got.Tickets.Tgt)
			assert.Equal(t, tt.sign, got.Sign)
			assert.Contains(t, got.Trace, "00-0123456789abcdef")
		})
	}
}

func TestParseUniWrongKey(t *testing.T) {
	frame, err := BuildUni(testIdentity(), Tickets{D2: []byte("d2"), D2Key: bytes.Repeat([]byte{1}, 16)},
		UniPacket{Seq: 1, Command: "x"})
	require.NoError(t, err)

	_, err = ParseUni(frame[4:], func([]byte) []byte { return bytes.Repeat([]byte{2}, 16) })
	assert.Error(t, err)
}

func TestTraceParentFormat(t *testing.T) {
	tp := TraceParent(nil)
	assert.Regexp(t, `^00-[0-9a-f]{32}-[0-9a-f]{16}-01$`, tp)
	assert.NotEqual(t, tp, TraceParent(nil))
}
