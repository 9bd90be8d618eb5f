// Package fakesso is a loopback SSO gateway for tests. It speaks the
// client framing, answers the login and registration commands with
// configurable outcomes, and lets tests push packets or drop connections.
package fakesso

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/lagrange-go/lagrange/pkg/crypto"
	"github.com/lagrange-go/lagrange/pkg/network"
	"github.com/lagrange-go/lagrange/pkg/pb"
	"github.com/lagrange-go/lagrange/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config describes the account the gateway serves.
type Config struct {
	Uin          uint32
	Uid          string
	Nickname     string
	TempPassword []byte // accepted by easy login, handed out by every login
	PasswordMD5  []byte // accepted by password login
	QrImage      []byte
	Salt         []byte // key exchange proof key
}

// Request is one decoded client packet.
type Request struct {
	Seq     uint32
	Command string
	Body    []byte
	Sign    *protocol.Signature
}

// Reply is what a handler sends back. Drop sends nothing.
type Reply struct {
	Payload []byte
	RetCode int32
	Message string
	Delay   time.Duration
	Drop    bool
}

// HandlerFunc answers one command.
type HandlerFunc func(req Request) Reply

// Server is a single-account gateway on 127.0.0.1.
type Server struct {
	cfg Config
	ln  net.Listener
	log zerolog.Logger

	legacy *crypto.ECDH
	modern *crypto.ECDH

	exchangeKey []byte
	keySig      []byte
	tgt         []byte
	d2          []byte
	d2Key       []byte
	tgtgt       []byte
	qrSig       []byte

	mu             sync.Mutex
	conns          map[net.Conn]struct{}
	handlers       map[string]HandlerFunc
	qrResult       protocol.QrCodeResult
	rejectRegister bool
	wtLoginError   []byte
	issuedD2Key    []byte
	received       []string
	pushSeq        int32
	wg             sync.WaitGroup
}

// Start listens on a random loopback port.
func Start(cfg Config) (*Server, error) {
	legacy, err := crypto.NewLegacyECDH(nil)
	if err != nil {
		return nil, err
	}
	modern, err := crypto.NewModernECDH(nil)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		ln:       ln,
		log:      log.With().Str("component", "fakesso").Logger(),
		legacy:   legacy,
		modern:   modern,
		conns:    make(map[net.Conn]struct{}),
		handlers: make(map[string]HandlerFunc),
		qrResult: protocol.QrWaitingForScan,
		pushSeq:  0x10000,
	}
	for _, b := range []*[]byte{&s.exchangeKey, &s.keySig, &s.tgt, &s.d2, &s.d2Key, &s.tgtgt, &s.qrSig} {
		if *b, err = crypto.RandomBytes(16); err != nil {
			ln.Close()
			return nil, err
		}
	}
	s.exchangeKey = append(s.exchangeKey, s.exchangeKey...)

	s.handlers[protocol.CmdKeyExchange] = s.keyExchange
	s.handlers[protocol.CmdNTEasyLogin] = s.easyLogin
	s.handlers[protocol.CmdNTPasswordLogin] = s.passwordLogin
	s.handlers[protocol.CmdWtLoginTransEmp] = s.transEmp
	s.handlers[protocol.CmdWtLogin] = s.wtLogin
	s.handlers[protocol.CmdRegister] = s.register
	s.handlers[protocol.CmdHeartbeatAlive] = func(Request) Reply { return Reply{} }
	s.handlers[protocol.CmdSsoHeartbeat] = func(Request) Reply { return Reply{Payload: pb.MustEncode(pb.Message{3: 1})} }

	s.wg.Add(1)
	go s.accept()
	return s, nil
}

// Endpoint is the listening address.
func (s *Server) Endpoint() network.Endpoint {
	addr := s.ln.Addr().(*net.TCPAddr)
	return network.Endpoint{Host: addr.IP.String(), Port: addr.Port}
}

// LegacyPublicKey is the wtlogin server key the client must be given.
func (s *Server) LegacyPublicKey() []byte { return s.legacy.PublicKey }

// ModernPublicKey is the key exchange server key the client must be given.
func (s *Server) ModernPublicKey() []byte { return s.modern.PublicKey }

// D2Key is the session key issued on login.
func (s *Server) D2Key() []byte { return s.d2Key }

// Handle overrides the reply for cmd.
func (s *Server) Handle(cmd string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[cmd] = fn
}

// SetQrResult sets the status the next QR polls return.
func (s *Server) SetQrResult(r protocol.QrCodeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qrResult = r
}

// RejectRegister makes registration answer with a failure message.
func (s *Server) RejectRegister(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectRegister = reject
}

// RejectWtLogin makes wtlogin.login fail with a 0x146 title and message.
// Empty strings restore success.
func (s *Server) RejectWtLogin(title, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wtLoginError = nil
	if title != "" || content != "" {
		s.wtLoginError = loginMessage(title, content)
	}
}

// IssueD2Key overrides the d2Key handed out by successful logins. Nil
// restores the real one.
func (s *Server) IssueD2Key(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issuedD2Key = key
}

func (s *Server) ticketKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.issuedD2Key != nil {
		return s.issuedD2Key
	}
	return s.d2Key
}

// Received returns the commands seen so far, in order.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Count returns how often cmd was received.
func (s *Server) Count(cmd string) int {
	n := 0
	for _, c := range s.Received() {
		if c == cmd {
			n++
		}
	}
	return n
}

// Push sends an unsolicited packet on every open connection.
func (s *Server) Push(cmd string, payload []byte) error {
	s.mu.Lock()
	s.pushSeq++
	seq := s.pushSeq
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	frame, err := s.seal(&protocol.SSOPacket{Seq: seq, Command: cmd, Payload: payload}, protocol.EncryptD2Key, s.d2Key)
	if err != nil {
		return err
	}
	var errs []error
	for _, c := range conns {
		if _, err := c.Write(frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Kick pushes a KickNT with the given title and text.
func (s *Server) Kick(title, text string) error {
	return s.Push(protocol.CmdKickNT, pb.MustEncode(pb.Message{3: text, 4: title}))
}

// DropConnections closes every open client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close stops the listener and every connection.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
	return err
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	var (
		splitter network.Splitter
		writeMu  sync.Mutex
		buf      = make([]byte, 4096)
	)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		frames, err := splitter.Feed(buf[:n])
		if err != nil {
			s.log.Warn().Err(err).Msg("bad frame")
			return
		}
		for _, frame := range frames {
			if err := s.handle(conn, &writeMu, frame); err != nil {
				s.log.Warn().Err(err).Msg("handle")
			}
		}
	}
}

func (s *Server) keyFor(d2 []byte) []byte {
	if string(d2) == string(s.d2) {
		return s.d2Key
	}
	return protocol.ZeroKey()
}

func (s *Server) handle(conn net.Conn, writeMu *sync.Mutex, frame []byte) error {
	uni, err := protocol.ParseUni(frame, s.keyFor)
	if err != nil {
		return fmt.Errorf("parse uni: %w", err)
	}

	s.mu.Lock()
	s.received = append(s.received, uni.Command)
	fn := s.handlers[uni.Command]
	s.mu.Unlock()

	reply := Reply{RetCode: 1, Message: "unknown command"}
	if fn != nil {
		reply = fn(Request{Seq: uni.Seq, Command: uni.Command, Body: uni.Body, Sign: uni.Sign})
	}
	if reply.Drop {
		return nil
	}

	flag, key := protocol.EncryptZeroKey, protocol.ZeroKey()
	if len(uni.Tickets.D2) > 0 {
		flag, key = protocol.EncryptD2Key, s.d2Key
	}
	out, err := s.seal(&protocol.SSOPacket{
		Seq:     int32(uni.Seq),
		RetCode: reply.RetCode,
		Message: reply.Message,
		Command: uni.Command,
		Payload: reply.Payload,
	}, flag, key)
	if err != nil {
		return err
	}

	send := func() {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.Write(out)
	}
	if reply.Delay > 0 {
		time.AfterFunc(reply.Delay, send)
		return nil
	}
	send()
	return nil
}

func (s *Server) seal(p *protocol.SSOPacket, flag byte, key []byte) ([]byte, error) {
	compression := protocol.CompressNone
	if len(p.Payload) > 256 {
		compression = protocol.CompressZlib
	}
	sso, err := p.Encode(compression)
	if err != nil {
		return nil, err
	}
	return protocol.SealService(sso, flag, key, strconv.FormatUint(uint64(s.cfg.Uin), 10))
}
