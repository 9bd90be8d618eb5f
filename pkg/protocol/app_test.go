package protocol

import (
	"strings"
	"testing"

	"github.com/lagrange-go/lagrange/pkg/crypto"
)

func TestNewDeviceInfo(t *testing.T) {
	d := NewDeviceInfo(10001, "")
	if d.GUID != crypto.MD5Hex("10001") {
		t.Errorf("GUID = %s, want md5 of uin", d.GUID)
	}
	if len(d.GUIDBytes()) != 16 {
		t.Errorf("GUIDBytes() length = %d, want 16", len(d.GUIDBytes()))
	}
	if !strings.HasPrefix(d.DeviceName, "Lagrange-") || len(d.DeviceName) != len("Lagrange-")+6 {
		t.Errorf("DeviceName = %q", d.DeviceName)
	}
	if suffix := d.DeviceName[9:]; suffix != strings.ToUpper(suffix) {
		t.Errorf("DeviceName suffix not upper case: %q", d.DeviceName)
	}

	explicit := NewDeviceInfo(10001, "00112233445566778899aabbccddeeff")
	if explicit.GUID != "00112233445566778899aabbccddeeff" {
		t.Errorf("explicit GUID not kept: %s", explicit.GUID)
	}
	if explicit.DeviceName == d.DeviceName {
		t.Error("device name should follow the guid")
	}
}

func TestGetAppInfo(t *testing.T) {
	tests := []struct {
		platform Platform
		os       string
		loginTyp uint32
	}{
		{PlatformLinux, "Linux", 1},
		{PlatformWindows, "Linux", 1},
		{PlatformMacOS, "Mac", 5},
	}
	for _, tt := range tests {
		app := GetAppInfo(tt.platform)
		if app.OS != tt.os || app.NTLoginType != tt.loginTyp {
			t.Errorf("GetAppInfo(%s) = %s/%d, want %s/%d", tt.platform, app.OS, app.NTLoginType, tt.os, tt.loginTyp)
		}
	}
}

func TestParsePlatform(t *testing.T) {
	for in, want := range map[string]Platform{"": PlatformLinux, "MacOS": PlatformMacOS, "windows": PlatformWindows} {
		got, err := ParsePlatform(in)
		if err != nil || got != want {
			t.Errorf("ParsePlatform(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePlatform("beos"); err == nil {
		t.Error("ParsePlatform(beos) should fail")
	}
}
