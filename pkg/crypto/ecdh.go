package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Server public keys the client is provisioned with.
const (
	DefaultLegacyServerKey = "04928D8850673088B343264E0C6BACB8496D697799F37211DEB25BB73906CB089FEA9639B4E0260498B51A992D50813DA8"
	DefaultModernServerKey = "049D1423332735980EDABE7E9EA451B3395B6F35250DB8FC56F25889F628CBAE3E8E73077914071EEEBC108F4E0170057792BB17AA303AF652313D17C1AC815E79"
)

type agreement interface {
	public() []byte
	secret(peer []byte) ([]byte, error)
}

// ECDH is an ephemeral key pair plus the secret shared with the server's
// provisioned public key. Exchange replaces the shared secret with one
// derived from a peer key received later.
type ECDH struct {
	name     string
	impl     agreement
	compress bool

	PublicKey []byte
	ShareKey  []byte
}

// NewLegacyECDH builds the wtlogin profile: secp192k1, shared secret is
// md5 of the x coordinate. A nil serverKey selects the built-in one.
func NewLegacyECDH(serverKey []byte) (*ECDH, error) {
	priv, err := curve192.generateKey()
	if err != nil {
		return nil, err
	}
	return newECDH("secp192k1", legacyAgreement{priv: priv}, true, serverKey, DefaultLegacyServerKey)
}

// NewModernECDH builds the key-exchange profile: P-256, shared secret is the
// raw 32-byte x coordinate.
func NewModernECDH(serverKey []byte) (*ECDH, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return newECDH("prime256v1", modernAgreement{priv: priv}, false, serverKey, DefaultModernServerKey)
}

func newECDH(name string, impl agreement, compress bool, serverKey []byte, fallback string) (*ECDH, error) {
	if len(serverKey) == 0 {
		serverKey, _ = hex.DecodeString(fallback)
	}
	e := &ECDH{name: name, impl: impl, compress: compress, PublicKey: impl.public()}
	if _, err := e.Exchange(serverKey); err != nil {
		return nil, fmt.Errorf("%s server key: %w", name, err)
	}
	return e, nil
}

// Exchange derives a new shared secret with peer and stores it in ShareKey.
func (e *ECDH) Exchange(peer []byte) ([]byte, error) {
	secret, err := e.impl.secret(peer)
	if err != nil {
		return nil, err
	}
	if e.compress {
		secret = MD5(secret)
	}
	e.ShareKey = secret
	return secret, nil
}

func (e *ECDH) String() string { return e.name }

type legacyAgreement struct {
	priv []byte
}

func (a legacyAgreement) public() []byte { return curve192.publicKey(a.priv) }

func (a legacyAgreement) secret(peer []byte) ([]byte, error) {
	return curve192.sharedX(a.priv, peer)
}

type modernAgreement struct {
	priv *ecdh.PrivateKey
}

func (a modernAgreement) public() []byte { return a.priv.PublicKey().Bytes() }

func (a modernAgreement) secret(peer []byte) ([]byte, error) {
	pub, err := ecdh.P256().NewPublicKey(peer)
	if err != nil {
		return nil, err
	}
	return a.priv.ECDH(pub)
}
