// Package sign talks to the external signing service that authorizes
// sensitive commands.
package sign

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lagrange-go/lagrange/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrSignFailed = errors.New("sign: signing service failed")

// Signer signs one outbound packet. A nil signature with a nil error means
// the packet goes out unsigned.
type Signer interface {
	Sign(ctx context.Context, cmd string, seq uint32, body []byte) (*protocol.Signature, error)
}

// DefaultCommands are the commands the server expects a signature for.
var DefaultCommands = []string{
	protocol.CmdWtLogin,
	protocol.CmdWtLoginTransEmp,
	protocol.CmdKeyExchange,
	protocol.CmdNTPasswordLogin,
	protocol.CmdNTEasyLogin,
	"trpc.login.ecdh.EcdhService.SsoNTLoginPasswordLoginNewDevice",
	"trpc.login.ecdh.EcdhService.SsoNTLoginEasyLoginUnusualDevice",
	"trpc.login.ecdh.EcdhService.SsoNTLoginPasswordLoginUnusualDevice",
	"trpc.o3.ecdh_access.EcdhAccess.SsoEstablishShareKey",
	"trpc.o3.ecdh_access.EcdhAccess.SsoSecureAccess",
	"trpc.o3.report.Report.SsoReport",
	"MessageSvc.PbSendMsg",
	"OidbSvcTrpcTcp.0x11ec_1",
	"OidbSvcTrpcTcp.0x758_1",
	"OidbSvcTrpcTcp.0x7c1_1",
	"OidbSvcTrpcTcp.0x7c2_5",
	"OidbSvcTrpcTcp.0x10db_1",
	"OidbSvcTrpcTcp.0x8a1_7",
	"OidbSvcTrpcTcp.0x89a_0",
	"OidbSvcTrpcTcp.0x89a_15",
	"OidbSvcTrpcTcp.0x88d_0",
	"OidbSvcTrpcTcp.0x88d_14",
	"OidbSvcTrpcTcp.0x112a_1",
	"OidbSvcTrpcTcp.0x587_74",
	"OidbSvcTrpcTcp.0x1100_1",
	"OidbSvcTrpcTcp.0x1102_1",
	"OidbSvcTrpcTcp.0x1103_1",
	"OidbSvcTrpcTcp.0x1107_1",
	"OidbSvcTrpcTcp.0x1105_1",
	"OidbSvcTrpcTcp.0xf88_1",
	"OidbSvcTrpcTcp.0xf89_1",
	"OidbSvcTrpcTcp.0xf57_1",
	"OidbSvcTrpcTcp.0xf57_106",
	"OidbSvcTrpcTcp.0xf57_9",
	"OidbSvcTrpcTcp.0xf55_1",
	"OidbSvcTrpcTcp.0xf67_1",
	"OidbSvcTrpcTcp.0xf67_5",
	"OidbSvcTrpcTcp.0x6d9_4",
}

// AllowList restricts a Signer to a set of commands.
type AllowList struct {
	signer   Signer
	commands map[string]struct{}
}

// Restrict wraps s so that only cmds are signed. Every other command is sent
// unsigned without contacting the service.
func Restrict(s Signer, cmds []string) *AllowList {
	m := make(map[string]struct{}, len(cmds))
	for _, c := range cmds {
		m[c] = struct{}{}
	}
	return &AllowList{signer: s, commands: m}
}

// Allowed reports whether cmd is signed.
func (a *AllowList) Allowed(cmd string) bool {
	_, ok := a.commands[cmd]
	return ok
}

func (a *AllowList) Sign(ctx context.Context, cmd string, seq uint32, body []byte) (*protocol.Signature, error) {
	if !a.Allowed(cmd) {
		return nil, nil
	}
	return a.signer.Sign(ctx, cmd, seq, body)
}

// HTTPSigner queries a sign server over HTTP:
//
//	GET {addr}?cmd=..&seq=..&src=<hex body>
//	{"value": {"sign": "<hex>", "token": "<hex>", "extra": "<hex>"}}
type HTTPSigner struct {
	addr   string
	client *http.Client
	log    zerolog.Logger
}

// NewHTTPSigner returns a signer for the service at addr.
func NewHTTPSigner(addr string, timeout time.Duration) *HTTPSigner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSigner{
		addr:   strings.TrimRight(addr, "/"),
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("component", "signer").Logger(),
	}
}

type signResponse struct {
	Value struct {
		Sign  string `json:"sign"`
		Token string `json:"token"`
		Extra string `json:"extra"`
	} `json:"value"`
}

func (s *HTTPSigner) Sign(ctx context.Context, cmd string, seq uint32, body []byte) (*protocol.Signature, error) {
	q := url.Values{}
	q.Set("cmd", cmd)
	q.Set("seq", strconv.FormatUint(uint64(seq), 10))
	q.Set("src", hex.EncodeToString(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.addr+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrSignFailed, resp.StatusCode)
	}

	var out signResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrSignFailed, err)
	}

	sig := &protocol.Signature{}
	for _, f := range []struct {
		name string
		in   string
		out  *[]byte
	}{
		{"sign", out.Value.Sign, &sig.Sign},
		{"token", out.Value.Token, &sig.Token},
		{"extra", out.Value.Extra, &sig.Extra},
	} {
		if *f.out, err = hex.DecodeString(f.in); err != nil {
			return nil, fmt.Errorf("%w: %s is not hex", ErrSignFailed, f.name)
		}
	}
	s.log.Debug().Str("cmd", cmd).Uint32("seq", seq).Msg("signed")
	return sig, nil
}
