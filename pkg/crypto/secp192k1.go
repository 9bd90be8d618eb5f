package crypto

import (
	"crypto/rand"
	"errors"
	"math/big"
)

var ErrInvalidPoint = errors.New("secp192k1: invalid public key")

// secp192k1 is y^2 = x^3 + 3 over p. Only the operations needed for a
// Diffie-Hellman exchange are implemented.
type secp192k1 struct {
	p, n, b *big.Int
	gx, gy  *big.Int
}

func hexInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("bad curve constant " + s)
	}
	return n
}

var curve192 = &secp192k1{
	p:  hexInt("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEFFFFEE37"),
	n:  hexInt("FFFFFFFFFFFFFFFFFFFFFFFE26F2FC170F69466A74DEFD8D"),
	b:  big.NewInt(3),
	gx: hexInt("DB4FF10EC057E9AE26B07D0280B7F4341DA5D1B1EAE06C7D"),
	gy: hexInt("9B2F2F6D9C5628A7844163D015BE86344082AA88D95E2F9D"),
}

const secp192k1ByteLen = 24

func (c *secp192k1) onCurve(x, y *big.Int) bool {
	if x.Sign() < 0 || x.Cmp(c.p) >= 0 || y.Sign() < 0 || y.Cmp(c.p) >= 0 {
		return false
	}
	lhs := new(big.Int).Mul(y, y)
	lhs.Mod(lhs, c.p)
	rhs := new(big.Int).Mul(x, x)
	rhs.Mul(rhs, x)
	rhs.Add(rhs, c.b)
	rhs.Mod(rhs, c.p)
	return lhs.Cmp(rhs) == 0
}

// add returns p1+p2 in affine coordinates. A nil x marks the point at infinity.
func (c *secp192k1) add(x1, y1, x2, y2 *big.Int) (*big.Int, *big.Int) {
	if x1 == nil {
		return x2, y2
	}
	if x2 == nil {
		return x1, y1
	}

	var lambda *big.Int
	if x1.Cmp(x2) == 0 {
		sum := new(big.Int).Add(y1, y2)
		if sum.Mod(sum, c.p).Sign() == 0 {
			return nil, nil
		}
		// (3x^2) / (2y)
		num := new(big.Int).Mul(x1, x1)
		num.Mul(num, big.NewInt(3))
		den := new(big.Int).Lsh(y1, 1)
		den.ModInverse(den.Mod(den, c.p), c.p)
		lambda = num.Mul(num, den)
	} else {
		num := new(big.Int).Sub(y2, y1)
		den := new(big.Int).Sub(x2, x1)
		den.ModInverse(den.Mod(den, c.p), c.p)
		lambda = num.Mul(num, den)
	}
	lambda.Mod(lambda, c.p)

	x3 := new(big.Int).Mul(lambda, lambda)
	x3.Sub(x3, x1)
	x3.Sub(x3, x2)
	x3.Mod(x3, c.p)

	y3 := new(big.Int).Sub(x1, x3)
	y3.Mul(y3, lambda)
	y3.Sub(y3, y1)
	y3.Mod(y3, c.p)
	return x3, y3
}

func (c *secp192k1) scalarMult(x, y *big.Int, k []byte) (*big.Int, *big.Int) {
	var rx, ry *big.Int
	for _, b := range k {
		for bit := 7; bit >= 0; bit-- {
			rx, ry = c.add(rx, ry, rx, ry)
			if b>>uint(bit)&1 == 1 {
				rx, ry = c.add(rx, ry, x, y)
			}
		}
	}
	return rx, ry
}

func (c *secp192k1) generateKey() ([]byte, error) {
	max := new(big.Int).Sub(c.n, big.NewInt(1))
	k, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, err
	}
	k.Add(k, big.NewInt(1))
	return k.FillBytes(make([]byte, secp192k1ByteLen)), nil
}

func (c *secp192k1) marshal(x, y *big.Int) []byte {
	out := make([]byte, 1+2*secp192k1ByteLen)
	out[0] = 0x04
	x.FillBytes(out[1 : 1+secp192k1ByteLen])
	y.FillBytes(out[1+secp192k1ByteLen:])
	return out
}

// unmarshal accepts uncompressed (04) and compressed (02/03) encodings.
func (c *secp192k1) unmarshal(data []byte) (*big.Int, *big.Int, error) {
	switch {
	case len(data) == 1+2*secp192k1ByteLen && data[0] == 0x04:
		x := new(big.Int).SetBytes(data[1 : 1+secp192k1ByteLen])
		y := new(big.Int).SetBytes(data[1+secp192k1ByteLen:])
		if !c.onCurve(x, y) {
			return nil, nil, ErrInvalidPoint
		}
		return x, y, nil
	case len(data) == 1+secp192k1ByteLen && (data[0] == 0x02 || data[0] == 0x03):
		x := new(big.Int).SetBytes(data[1:])
		if x.Cmp(c.p) >= 0 {
			return nil, nil, ErrInvalidPoint
		}
		// p = 3 mod 4, so sqrt(a) = a^((p+1)/4)
		rhs := new(big.Int).Mul(x, x)
		rhs.Mul(rhs, x)
		rhs.Add(rhs, c.b)
		rhs.Mod(rhs, c.p)
		exp := new(big.Int).Add(c.p, big.NewInt(1))
		exp.Rsh(exp, 2)
		y := new(big.Int).Exp(rhs, exp, c.p)
		if y.Bit(0) != uint(data[0]&1) {
			y.Sub(c.p, y)
		}
		if !c.onCurve(x, y) {
			return nil, nil, ErrInvalidPoint
		}
		return x, y, nil
	}
	return nil, nil, ErrInvalidPoint
}

// sharedX returns the x coordinate of priv*peer, left padded to 24 bytes.
func (c *secp192k1) sharedX(priv, peer []byte) ([]byte, error) {
	px, py, err := c.unmarshal(peer)
	if err != nil {
		return nil, err
	}
	sx, _ := c.scalarMult(px, py, priv)
	if sx == nil {
		return nil, ErrInvalidPoint
	}
	return sx.FillBytes(make([]byte, secp192k1ByteLen)), nil
}

func (c *secp192k1) publicKey(priv []byte) []byte {
	x, y := c.scalarMult(c.gx, c.gy, priv)
	return c.marshal(x, y)
}
