package protocol

import "time"

// Commands used by the session engine. Business layers send their own
// command names through the same packet path.
const (
	CmdKeyExchange        = "trpc.login.ecdh.EcdhService.SsoKeyExchange"
	CmdNTEasyLogin        = "trpc.login.ecdh.EcdhService.SsoNTLoginEasyLogin"
	CmdNTPasswordLogin    = "trpc.login.ecdh.EcdhService.SsoNTLoginPasswordLogin"
	CmdRegister           = "trpc.qq_new_tech.status_svc.StatusService.Register"
	CmdSsoHeartbeat       = "trpc.qq_new_tech.status_svc.StatusService.SsoHeartBeat"
	CmdKickNT             = "trpc.qq_new_tech.status_svc.StatusService.KickNT"
	CmdHeartbeatAlive     = "Heartbeat.Alive"
	CmdWtLogin            = "wtlogin.login"
	CmdWtLoginTransEmp    = "wtlogin.trans_emp"
	CmdOidbPrefix         = "OidbSvcTrpcTcp."
	RegisterSuccessMarker = "register success"
)

// Service envelope constants
const (
	ServiceType     uint32 = 12
	LocaleID        uint32 = 2052
	LoginVersion    uint16 = 8001
	LoginCmdLogin   uint16 = 2064
	LoginCmdQrCode  uint16 = 2066
	Code2dFetch     uint16 = 0x31
	Code2dQuery     uint16 = 0x12
	packetStart     byte   = 0x02
	packetEnd       byte   = 0x03
	loginRespHeader        = 16
)

// Encryption flags carried by the outer service envelope.
const (
	EncryptNone    byte = 0 // payload in the clear
	EncryptD2Key   byte = 1 // legacy cipher with the session d2Key
	EncryptZeroKey byte = 2 // legacy cipher with a 16-byte zero key
)

// Compression flags carried by the SSO envelope.
const (
	CompressNone      int32 = 0
	CompressZlib      int32 = 1
	CompressNoneNoLen int32 = 8
)

// QrCodeResult is the status returned when polling a QR ticket.
type QrCodeResult int

const (
	QrConfirmed         QrCodeResult = 0
	QrCodeExpired       QrCodeResult = 17
	QrWaitingForScan    QrCodeResult = 48
	QrWaitingForConfirm QrCodeResult = 53
	QrCanceled          QrCodeResult = 54
)

func (r QrCodeResult) String() string {
	switch r {
	case QrConfirmed:
		return "confirmed"
	case QrCodeExpired:
		return "code expired"
	case QrWaitingForScan:
		return "waiting for scan"
	case QrWaitingForConfirm:
		return "waiting for confirm"
	case QrCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Pending reports whether the ticket is still usable and should be polled again.
func (r QrCodeResult) Pending() bool {
	return r == QrWaitingForScan || r == QrWaitingForConfirm
}

var zeroKey = make([]byte, 16)

// ZeroKey returns the 16-byte all-zero key used before the first login.
func ZeroKey() []byte {
	return append([]byte(nil), zeroKey...)
}

// Timestamp returns the current unix time in seconds.
func Timestamp() uint32 {
	return uint32(time.Now().Unix())
}
