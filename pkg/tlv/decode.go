package tlv

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// LoginMessage is the title/content pair carried by error tags 0x146 and 0x149.
type LoginMessage struct {
	Title   string
	Content string
}

func (m LoginMessage) String() string {
	return fmt.Sprintf("[%s]%s", m.Title, m.Content)
}

// ParseLoginMessage decodes tag 0x149 (2-byte prefix) or 0x146 (4-byte
// prefix), each followed by u16-prefixed title and content.
func ParseLoginMessage(tag uint16, value []byte) (LoginMessage, error) {
	skip := 2
	if tag == 0x146 {
		skip = 4
	}
	s := cryptobyte.String(value)
	var title, content cryptobyte.String
	if !s.Skip(skip) || !s.ReadUint16LengthPrefixed(&title) || !s.ReadUint16LengthPrefixed(&content) {
		return LoginMessage{}, fmt.Errorf("%w 0x%x", ErrShortErrTLV, tag)
	}
	return LoginMessage{Title: string(title), Content: string(content)}, nil
}

// Profile is the account summary in tag 0x11a.
type Profile struct {
	Age      uint8
	Gender   uint8
	Nickname string
}

func ParseProfile(value []byte) Profile {
	var p Profile
	if len(value) > 2 {
		p.Age = value[2]
	}
	if len(value) > 3 {
		p.Gender = value[3]
	}
	if len(value) > 5 {
		p.Nickname = string(value[5:])
	}
	return p
}

// ParseVerify decodes the device verification url of tag 0x204 and the
// phone number of tag 0x178 (u16 country code, u16-prefixed number).
func ParseVerify(t204, t178 []byte) (url, phone string) {
	url = string(t204)
	s := cryptobyte.String(t178)
	var number cryptobyte.String
	if s.Skip(2) && s.ReadUint16LengthPrefixed(&number) {
		phone = string(number)
	}
	return url, phone
}
