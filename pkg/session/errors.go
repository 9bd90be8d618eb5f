package session

import (
	"errors"
	"fmt"

	"github.com/lagrange-go/lagrange/pkg/protocol"
)

var (
	ErrTokenInvalid      = errors.New("session: token invalid")
	ErrMissingCredential = errors.New("session: missing credential")
	ErrKickedOff         = errors.New("session: kicked off")
	ErrNoQrCode          = errors.New("session: no qr code fetched")
	ErrLoginInProgress   = errors.New("session: login already in progress")
)

// Network error codes.
const (
	CodeServerBusy         = -2
	CodeRegisterServerBusy = -3
)

// LoginError is a rejection from the server during password, token or
// wtlogin authentication.
type LoginError struct {
	Code    int
	Message string
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed (%d): %s", e.Code, e.Message)
}

// QrCodeError reports a QR ticket that can no longer be used.
type QrCodeError struct {
	Result  protocol.QrCodeResult
	Message string
}

func (e *QrCodeError) Error() string {
	return fmt.Sprintf("qrcode %s (%d): %s", e.Result, int(e.Result), e.Message)
}

// NetworkError is a transport failure or timeout reported to callers.
type NetworkError struct {
	Code    int
	Message string
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network error (%d): %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("network error (%d): %s", e.Code, e.Message)
}

func (e *NetworkError) Unwrap() error { return e.Err }
