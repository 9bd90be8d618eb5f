package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Default gateway of the SSO service.
const (
	DefaultHost = "msfwifi.3g.qq.com"
	DefaultPort = 8080
)

// candidates kept from one refresh
const maxCandidates = 2

var ErrNoServers = errors.New("network: no servers available")

// Endpoint is one host/port the transport can dial.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Multiaddr renders e as /ip4, /ip6 or /dns4 followed by /tcp.
func (e Endpoint) Multiaddr() (ma.Multiaddr, error) {
	proto := "dns4"
	if ip := net.ParseIP(e.Host); ip != nil {
		proto = "ip4"
		if ip.To4() == nil {
			proto = "ip6"
		}
	}
	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, e.Host, e.Port))
}

// ParseEndpoint accepts a multiaddr such as /dns4/host/tcp/8080 or a plain
// host:port pair.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "/") {
		host, port, err := net.SplitHostPort(s)
		if err != nil {
			return Endpoint{}, err
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid port %q", port)
		}
		return Endpoint{Host: host, Port: p}, nil
	}

	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		return Endpoint{}, err
	}
	var e Endpoint
	for _, code := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS4, ma.P_DNS6, ma.P_DNS} {
		if v, err := addr.ValueForProtocol(code); err == nil {
			e.Host = v
			break
		}
	}
	port, err := addr.ValueForProtocol(ma.P_TCP)
	if err != nil || e.Host == "" {
		return Endpoint{}, fmt.Errorf("multiaddr %s: need a host and a tcp port", s)
	}
	if e.Port, err = strconv.Atoi(port); err != nil {
		return Endpoint{}, err
	}
	return e, nil
}

// ServerLister fetches the current set of gateway addresses.
type ServerLister interface {
	FetchServerList(ctx context.Context) ([]Endpoint, error)
}

// StaticServerList always returns the same endpoints.
type StaticServerList []Endpoint

func (l StaticServerList) FetchServerList(context.Context) ([]Endpoint, error) {
	return append([]Endpoint(nil), l...), nil
}

// DNSServerList resolves the A records of Host and pairs each with Port.
type DNSServerList struct {
	Host     string
	Port     int
	Resolver string // host:port, empty reads /etc/resolv.conf
	Timeout  time.Duration
}

func (l DNSServerList) resolver() (string, error) {
	if l.Resolver != "" {
		return l.Resolver, nil
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", err
	}
	if len(conf.Servers) == 0 {
		return "", errors.New("resolv.conf lists no servers")
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

func (l DNSServerList) FetchServerList(ctx context.Context) ([]Endpoint, error) {
	server, err := l.resolver()
	if err != nil {
		return nil, fmt.Errorf("dns resolver: %w", err)
	}
	host, port := l.Host, l.Port
	if host == "" {
		host, port = DefaultHost, DefaultPort
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	c := &dns.Client{Timeout: l.Timeout}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	r, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("resolve %s: %s", host, dns.RcodeToString[r.Rcode])
	}

	var out []Endpoint
	for _, rr := range r.Answer {
		if a, ok := rr.(*dns.A); ok {
			out = append(out, Endpoint{Host: a.A.String(), Port: port})
		}
	}
	return out, nil
}

// ServerSet is the candidate list the transport picks from. Refreshes run in
// the background, at most once per interval, and never block Next.
type ServerSet struct {
	lister   ServerLister
	fallback Endpoint
	log      zerolog.Logger

	mu         sync.Mutex
	candidates []Endpoint
	refresh    rate.Sometimes
	searching  bool
}

// NewServerSet returns a set that falls back to the default gateway until
// lister has produced candidates. A nil lister never refreshes.
func NewServerSet(lister ServerLister, interval time.Duration) *ServerSet {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ServerSet{
		lister:   lister,
		fallback: Endpoint{Host: DefaultHost, Port: DefaultPort},
		log:      log.With().Str("component", "servers").Logger(),
		refresh:  rate.Sometimes{Interval: interval},
	}
}

// Add seeds the set with fixed candidates.
func (s *ServerSet) Add(eps ...Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, eps...)
}

// Next returns the first candidate, or the default gateway when the set is
// empty, and starts a background refresh if one is due.
func (s *ServerSet) Next() Endpoint {
	s.maybeRefresh()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.candidates) == 0 {
		return s.fallback
	}
	return s.candidates[0]
}

// Drop removes a candidate after its connection was closed.
func (s *ServerSet) Drop(e Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.candidates {
		if c == e {
			s.candidates = append(s.candidates[:i:i], s.candidates[i+1:]...)
			return
		}
	}
}

// Candidates returns a copy of the current list.
func (s *ServerSet) Candidates() []Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Endpoint(nil), s.candidates...)
}

func (s *ServerSet) maybeRefresh() {
	if s.lister == nil {
		return
	}
	s.mu.Lock()
	if s.searching {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.refresh.Do(func() {
		s.mu.Lock()
		s.searching = true
		s.mu.Unlock()
		go s.fetch()
	})
}

func (s *ServerSet) fetch() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list, err := s.lister.FetchServerList(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.searching = false
	if err != nil {
		s.log.Warn().Err(err).Msg("server list refresh failed")
		return
	}
	if len(list) < maxCandidates {
		s.log.Debug().Int("count", len(list)).Msg("server list too short, keeping current")
		return
	}
	s.candidates = append([]Endpoint(nil), list[:maxCandidates]...)
	s.log.Debug().Stringer("first", s.candidates[0]).Msg("server list refreshed")
}
