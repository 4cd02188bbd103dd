package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/miekg/dns"
)

// Common errors
var (
	// ErrNoRecordsFound is returned when the domain publishes no inbox record
	ErrNoRecordsFound = errors.New("no inbox records found for domain")
	// ErrInvalidDomain is returned for an empty or malformed domain
	ErrInvalidDomain = errors.New("invalid domain")
	// ErrInvalidRecord is returned when no published record parses
	ErrInvalidRecord = errors.New("invalid inbox record")
)

const (
	// DefaultRecordPrefix is the label inbox records are published under
	DefaultRecordPrefix = "_courier-inbox"
	// RecordVersion is the only accepted value of the v= tag
	RecordVersion = "courier1"
)

// Config contains configuration for the inbox resolver
type Config struct {
	// DNSServer is the DNS server to use for lookups, as "ip:port".
	// If empty, the first server in /etc/resolv.conf is used.
	DNSServer string

	// RecordPrefix is prepended to the domain. Defaults to DefaultRecordPrefix.
	RecordPrefix string

	// AllowHTTP accepts plain http inbox URLs, for development only
	AllowHTTP bool
}

// Inbox is a parsed inbox record
type Inbox struct {
	Domain string
	URL    string
}

// Resolver finds the inbox a domain publishes in DNS.
//
// A domain publishes a TXT record at <prefix>.<domain>:
//
//	_courier-inbox.example.com. TXT "v=courier1 url=https://courier.example.com"
type Resolver struct {
	config    Config
	dnsClient *dns.Client
}

// NewResolver creates an inbox resolver
func NewResolver(config Config) *Resolver {
	if config.RecordPrefix == "" {
		config.RecordPrefix = DefaultRecordPrefix
	}
	return &Resolver{
		config:    config,
		dnsClient: new(dns.Client),
	}
}

// Lookup returns the inbox published by domain
func (r *Resolver) Lookup(ctx context.Context, domain string) (*Inbox, error) {
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if domain == "" || strings.ContainsAny(domain, " /:") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}

	queryDomain := r.config.RecordPrefix + "." + domain
	txts, err := r.lookupTXT(ctx, queryDomain)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, txt := range txts {
		u, err := r.parseRecord(txt)
		if err != nil {
			lastErr = err
			continue
		}
		return &Inbox{Domain: domain, URL: u}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %s", ErrNoRecordsFound, queryDomain)
	}
	return nil, lastErr
}

// lookupTXT performs the DNS query and returns the joined TXT strings.
func (r *Resolver) lookupTXT(ctx context.Context, queryDomain string) ([]string, error) {
	dnsServer := r.config.DNSServer
	if dnsServer == "" {
		config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("failed to read DNS config: %w", err)
		}
		if len(config.Servers) == 0 {
			return nil, errors.New("no DNS servers configured")
		}
		dnsServer = net.JoinHostPort(config.Servers[0], config.Port)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(queryDomain), dns.TypeTXT)
	msg.RecursionDesired = true

	resp, _, err := r.dnsClient.ExchangeContext(ctx, msg, dnsServer)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed for %s: %w", queryDomain, err)
	}
	if resp.Rcode == dns.RcodeNameError {
		return nil, fmt.Errorf("%w: %s", ErrNoRecordsFound, queryDomain)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("DNS lookup failed for %s: rcode=%d", queryDomain, resp.Rcode)
	}

	var txts []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			txts = append(txts, strings.Join(txt.Txt, ""))
		}
	}
	if len(txts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRecordsFound, queryDomain)
	}
	return txts, nil
}

// parseRecord extracts the inbox URL from "v=courier1 url=<url>".
func (r *Resolver) parseRecord(txt string) (string, error) {
	tags := make(map[string]string)
	for _, field := range strings.Fields(txt) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		tags[strings.ToLower(k)] = v
	}

	if v, ok := tags["v"]; ok && v != RecordVersion {
		return "", fmt.Errorf("%w: unsupported version %q", ErrInvalidRecord, v)
	}
	raw := tags["url"]
	if raw == "" {
		return "", fmt.Errorf("%w: missing url in %q", ErrInvalidRecord, txt)
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: bad url %q", ErrInvalidRecord, raw)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !r.config.AllowHTTP {
			return "", fmt.Errorf("%w: plain http inbox %q", ErrInvalidRecord, raw)
		}
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRecord, u.Scheme)
	}
	return strings.TrimRight(raw, "/"), nil
}
