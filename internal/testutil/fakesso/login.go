package fakesso

import (
	"bytes"
	"encoding/binary"

	"github.com/lagrange-go/lagrange/pkg/crypto"
	"github.com/lagrange-go/lagrange/pkg/pb"
	"github.com/lagrange-go/lagrange/pkg/protocol"
	"github.com/lagrange-go/lagrange/pkg/tlv"
	"github.com/lagrange-go/lagrange/pkg/wire"
	"golang.org/x/crypto/cryptobyte"
)

// Login rejection codes.
const (
	CodeBadCredential = 140022013
	CodeBadProof      = 140022001
)

func failure(code int32, msg string) Reply {
	return Reply{RetCode: code, Message: msg}
}

func (s *Server) keyExchange(req Request) Reply {
	p, err := pb.Decode(req.Body)
	if err != nil {
		return failure(CodeBadProof, err.Error())
	}
	clientPub := p.Get(1).Bytes()
	gcm1 := p.Get(3).Bytes()

	s.mu.Lock()
	shared, err := s.modern.Exchange(clientPub)
	s.mu.Unlock()
	if err != nil {
		return failure(CodeBadProof, err.Error())
	}
	if _, err := crypto.AESDecryptGCM(gcm1, shared); err != nil {
		return failure(CodeBadProof, "identity: "+err.Error())
	}

	proof := wire.MustBuild(func(b *cryptobyte.Builder) {
		b.AddBytes(clientPub)
		b.AddUint32(1)
		b.AddBytes(gcm1)
		b.AddUint32(0)
		b.AddUint32(p.Get(4).Uint32())
	})
	digest, err := crypto.AESDecryptGCM(p.Get(5).Bytes(), s.cfg.Salt)
	if err != nil || !bytes.Equal(digest, crypto.SHA256(proof)) {
		return failure(CodeBadProof, "proof mismatch")
	}

	ephemeral, err := crypto.NewModernECDH(nil)
	if err != nil {
		return failure(CodeBadProof, err.Error())
	}
	share, err := ephemeral.Exchange(clientPub)
	if err != nil {
		return failure(CodeBadProof, err.Error())
	}
	inner := pb.MustEncode(pb.Message{1: s.exchangeKey, 2: s.keySig, 3: 28800})
	enc, err := crypto.AESEncryptGCM(inner, share)
	if err != nil {
		return failure(CodeBadProof, err.Error())
	}
	return Reply{Payload: pb.MustEncode(pb.Message{1: enc, 2: 0, 3: ephemeral.PublicKey})}
}

// openNTLogin returns the credential of an NT login request.
func (s *Server) openNTLogin(body []byte) ([]byte, bool) {
	p, err := pb.Decode(body)
	if err != nil || !bytes.Equal(p.Get(1).Bytes(), s.keySig) {
		return nil, false
	}
	plain, err := crypto.AESDecryptGCM(p.Get(3).Bytes(), s.exchangeKey)
	if err != nil {
		return nil, false
	}
	req, err := pb.Decode(plain)
	if err != nil {
		return nil, false
	}
	return req.Get(2).Get(1).Bytes(), true
}

func (s *Server) ntLoginReply(ok bool) Reply {
	var inner pb.Message
	if ok {
		inner = pb.Message{2: pb.Message{1: pb.Message{
			3: s.cfg.TempPassword,
			4: s.tgt,
			5: s.d2,
			6: s.ticketKey(),
		}}}
	} else {
		inner = pb.Message{
			1: pb.Message{
				4: pb.Message{1: CodeBadCredential, 3: "credential rejected"},
				5: pb.Message{1: "cookie=1"},
			},
			2: pb.Message{3: pb.Message{2: []byte("unusual")}},
		}
	}
	enc, err := crypto.AESEncryptGCM(pb.MustEncode(inner), s.exchangeKey)
	if err != nil {
		return failure(CodeBadProof, err.Error())
	}
	return Reply{Payload: pb.MustEncode(pb.Message{3: enc})}
}

func (s *Server) easyLogin(req Request) Reply {
	cred, ok := s.openNTLogin(req.Body)
	return s.ntLoginReply(ok && len(s.cfg.TempPassword) > 0 && bytes.Equal(cred, s.cfg.TempPassword))
}

func (s *Server) passwordLogin(req Request) Reply {
	cred, ok := s.openNTLogin(req.Body)
	if !ok || len(s.cfg.PasswordMD5) != 16 {
		return s.ntLoginReply(false)
	}
	plain, err := crypto.TeaDecrypt(cred, tlv.PasswordKey(s.cfg.PasswordMD5, s.cfg.Uin))
	// md5pass sits after the 4-byte nonce header, ids and the timestamp
	ok = err == nil && len(plain) > 51 && bytes.Equal(plain[35:51], s.cfg.PasswordMD5)
	return s.ntLoginReply(ok)
}

// openLogin decrypts a wtlogin frame with the legacy share key.
func (s *Server) openLogin(body []byte) (*protocol.LoginFrame, []byte, []byte, error) {
	f, err := protocol.ParseLoginFrame(body)
	if err != nil {
		return nil, nil, nil, err
	}
	s.mu.Lock()
	share, err := s.legacy.Exchange(f.PublicKey)
	s.mu.Unlock()
	if err != nil {
		return nil, nil, nil, err
	}
	plain, err := crypto.TeaDecrypt(f.Encrypted, share)
	if err != nil {
		return nil, nil, nil, err
	}
	return f, share, plain, nil
}

func (s *Server) transEmp(req Request) Reply {
	f, share, plain, err := s.openLogin(req.Body)
	if err != nil {
		return failure(1, err.Error())
	}
	cmdID, _, err := protocol.ParseCode2d(plain)
	if err != nil {
		return failure(1, err.Error())
	}

	var out []byte
	switch cmdID {
	case protocol.Code2dFetch:
		out = protocol.EncodeQrFetch(0, s.qrSig, map[uint16][]byte{0x17: s.cfg.QrImage})
	case protocol.Code2dQuery:
		s.mu.Lock()
		result := s.qrResult
		s.mu.Unlock()
		var tlvs map[uint16][]byte
		if result == protocol.QrConfirmed {
			tlvs = map[uint16][]byte{0x18: []byte("t106"), 0x19: []byte("t16a"), 0x1e: s.tgtgt}
		}
		out = protocol.EncodeQrQuery(0, result, s.cfg.Uin, tlvs)
	default:
		return failure(1, "unknown code2d command")
	}

	payload, err := protocol.SealLoginResponse(protocol.LoginCmdQrCode, f.Uin, out, share)
	if err != nil {
		return failure(1, err.Error())
	}
	return Reply{Payload: payload}
}

func (s *Server) wtLogin(req Request) Reply {
	f, share, _, err := s.openLogin(req.Body)
	if err != nil {
		return failure(1, err.Error())
	}

	s.mu.Lock()
	rejection := s.wtLoginError
	s.mu.Unlock()
	if rejection != nil {
		out := protocol.EncodeLoginResult(1, map[uint16][]byte{0x146: rejection})
		payload, err := protocol.SealLoginResponse(protocol.LoginCmdLogin, f.Uin, out, share)
		if err != nil {
			return failure(1, err.Error())
		}
		return Reply{Payload: payload}
	}

	profile := []byte{0, 0, 20, 1, byte(len(s.cfg.Nickname))}
	profile = append(profile, s.cfg.Nickname...)
	t119, err := protocol.EncodeT119(map[uint16][]byte{
		0x106: s.cfg.TempPassword,
		0x10a: s.tgt,
		0x11a: profile,
		0x143: s.d2,
		0x305: s.ticketKey(),
		0x543: pb.MustEncode(pb.Message{9: pb.Message{11: pb.Message{1: s.cfg.Uid}}}),
	}, s.tgtgt)
	if err != nil {
		return failure(1, err.Error())
	}

	out := protocol.EncodeLoginResult(0, map[uint16][]byte{0x119: t119})
	payload, err := protocol.SealLoginResponse(protocol.LoginCmdLogin, f.Uin, out, share)
	if err != nil {
		return failure(1, err.Error())
	}
	return Reply{Payload: payload}
}

func loginMessage(title, content string) []byte {
	b := binary.BigEndian.AppendUint32(nil, 0)
	b = binary.BigEndian.AppendUint16(b, uint16(len(title)))
	b = append(b, title...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(content)))
	return append(b, content...)
}

func (s *Server) register(req Request) Reply {
	s.mu.Lock()
	reject := s.rejectRegister
	s.mu.Unlock()
	msg := protocol.RegisterSuccessMarker
	if reject {
		msg = "register failed"
	}
	return Reply{Payload: pb.MustEncode(pb.Message{2: msg})}
}
