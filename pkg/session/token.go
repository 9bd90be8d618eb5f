package session

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"github.com/lagrange-go/lagrange/pkg/crypto"
)

// Token is the persisted login state, in the JSON layout other clients of
// this protocol share.
type Token struct {
	Uin         uint32       `json:"Uin"`
	Uid         string       `json:"Uid"`
	PasswordMd5 string       `json:"PasswordMd5"`
	Session     TokenSession `json:"Session"`
}

type TokenSession struct {
	TempPassword string `json:"TempPassword"` // base64
}

// ParseToken decodes a token JSON document.
func ParseToken(data []byte) (Token, error) {
	var t Token
	err := json.Unmarshal(data, &t)
	return t, err
}

func (t Token) JSON() string {
	b, _ := json.Marshal(t)
	return string(b)
}

func (t Token) tempPassword() []byte {
	b, err := base64.StdEncoding.DecodeString(t.Session.TempPassword)
	if err != nil {
		return nil
	}
	return b
}

func (t Token) passwordMD5() []byte {
	b, err := hex.DecodeString(t.PasswordMd5)
	if err != nil || len(b) != 16 {
		return nil
	}
	return b
}

// PasswordMD5 accepts a 32 character md5 hex digest or a plain text
// password, and returns the 16-byte digest.
func PasswordMD5(password string) []byte {
	if len(password) == 32 {
		if b, err := hex.DecodeString(password); err == nil {
			return b
		}
	}
	return crypto.MD5([]byte(password))
}
