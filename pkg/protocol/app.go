package protocol

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/lagrange-go/lagrange/pkg/crypto"
)

// Platform selects the client profile presented to the server.
type Platform int

const (
	PlatformLinux Platform = iota
	PlatformMacOS
	PlatformWindows
)

func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macos"
	case PlatformWindows:
		return "windows"
	default:
		return "linux"
	}
}

// ParsePlatform accepts linux, macos (or mac) and windows.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(s) {
	case "", "linux":
		return PlatformLinux, nil
	case "macos", "mac", "darwin":
		return PlatformMacOS, nil
	case "windows", "win":
		return PlatformWindows, nil
	}
	return PlatformLinux, fmt.Errorf("unknown platform %q", s)
}

// AppInfo is the application identity sent in headers and TLVs.
type AppInfo struct {
	OS       string
	Kernel   string
	VendorOS string

	CurrentVersion   string
	BuildVersion     uint32
	MiscBitmap       uint32
	PtVersion        string
	PtOSVersion      uint32
	PackageName      string
	WtLoginSDK       string
	PackageSign      string
	AppID            uint32
	SubAppID         uint32
	AppIDQrCode      uint32
	AppClientVersion uint16

	MainSigMap  uint32
	SubSigMap   uint32
	NTLoginType uint32
}

var linuxApp = AppInfo{
	OS:       "Linux",
	Kernel:   "Linux",
	VendorOS: "linux",

	CurrentVersion:   "3.1.2-13107",
	BuildVersion:     13107,
	MiscBitmap:       32764,
	PtVersion:        "2.0.0",
	PtOSVersion:      19,
	PackageName:      "com.tencent.qq",
	WtLoginSDK:       "nt.wtlogin.0.0.1",
	PackageSign:      "V1_LNX_NQ_3.1.2-13107_RDM_B",
	AppID:            1600001615,
	SubAppID:         537146866,
	AppIDQrCode:      13697054,
	AppClientVersion: 13172,

	MainSigMap:  169742560,
	SubSigMap:   0,
	NTLoginType: 1,
}

var macApp = AppInfo{
	OS:       "Mac",
	Kernel:   "Darwin",
	VendorOS: "mac",

	CurrentVersion:   "6.9.20-17153",
	BuildVersion:     17153,
	MiscBitmap:       32764,
	PtVersion:        "2.0.0",
	PtOSVersion:      23,
	PackageName:      "com.tencent.qq",
	WtLoginSDK:       "nt.wtlogin.0.0.1",
	PackageSign:      "V1_MAC_NQ_6.9.20-17153_RDM_B",
	AppID:            1600001602,
	SubAppID:         537162356,
	AppIDQrCode:      537162356,
	AppClientVersion: 13172,

	MainSigMap:  169742560,
	SubSigMap:   0,
	NTLoginType: 5,
}

// GetAppInfo returns a copy of the profile for p. Windows uses the Linux
// profile.
func GetAppInfo(p Platform) AppInfo {
	if p == PlatformMacOS {
		return macApp
	}
	return linuxApp
}

// DeviceInfo identifies this installation.
type DeviceInfo struct {
	GUID          string // 32 hex chars
	DeviceName    string
	SystemKernel  string
	KernelVersion string
}

// GUIDBytes returns the decoded 16-byte guid.
func (d DeviceInfo) GUIDBytes() []byte {
	b, err := hex.DecodeString(d.GUID)
	if err != nil {
		return crypto.MD5([]byte(d.GUID))
	}
	return b
}

// NewDeviceInfo derives a device from an explicit guid, or from the uin
// when guid is empty.
func NewDeviceInfo(uin uint32, guid string) DeviceInfo {
	if guid == "" {
		guid = crypto.MD5Hex(strconv.FormatUint(uint64(uin), 10))
	}
	return DeviceInfo{
		GUID:          guid,
		DeviceName:    "Lagrange-" + strings.ToUpper(hex.EncodeToString(crypto.MD5([]byte(guid))[:3])),
		SystemKernel:  "Windows 10.0.19042",
		KernelVersion: "10.0.19042.0",
	}
}
