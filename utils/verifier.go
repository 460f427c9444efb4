package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/badoux/checkmail"
	"github.com/likexian/whois"
	"github.com/sirupsen/logrus"

	"mailpulse/models"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

const (
	mxLookupTimeout  = 5 * time.Second
	smtpProbeTimeout = 15 * time.Second
)

// MXRecord is one entry of a domain's ordered mail-exchange list
type MXRecord struct {
	Priority uint16 `json:"priority"`
	Host     string `json:"host"`
}

// CheckResult is the verifier's full diagnostic output for one address.
// Per-stage booleans and the exchange list are retained for user-facing
// diagnostics.
type CheckResult struct {
	Email     string     `json:"email"`
	Status    string     `json:"status"` // valid, risky, invalid
	SyntaxOK  bool       `json:"syntax_ok"`
	DNSOK     bool       `json:"dns_ok"`
	SMTPOK    bool       `json:"smtp_ok"`
	MXRecords []MXRecord `json:"mx_records,omitempty"`
	ProbeHost string     `json:"probe_host,omitempty"`
	Details   string     `json:"details,omitempty"`
	WHOIS     string     `json:"whois,omitempty"`
}

// MXRecordsJSON renders the exchange list for persistence
func (r *CheckResult) MXRecordsJSON() string {
	if len(r.MXRecords) == 0 {
		return ""
	}
	b, err := json.Marshal(r.MXRecords)
	if err != nil {
		return ""
	}
	return string(b)
}

// MXResolver is satisfied by *net.Resolver and by test resolvers such as
// mockdns.Resolver
type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// ProbeOutcome classifies the mailbox probe against the exchange host
type ProbeOutcome int

const (
	ProbeAccepted ProbeOutcome = iota // recipient accepted
	ProbeRejected                     // explicit rejection
	ProbeAmbiguous                    // greylisted, timeout, 4xx
)

// ProbeResult carries the probe outcome plus protocol detail
type ProbeResult struct {
	Outcome ProbeOutcome
	Detail  string
}

// Prober performs a lightweight protocol handshake against an exchange host
// without completing delivery
type Prober interface {
	Probe(ctx context.Context, host, email string) ProbeResult
}

// UsageRecorder is the slice of the quota tracker the verifier needs
type UsageRecorder interface {
	IncrementChecksRun(userID uint, n int) error
}

// Verifier classifies one email address through three ordered,
// short-circuiting checks: syntax, domain resolution, mailbox probe.
type Verifier struct {
	Resolver MXResolver
	Prober   Prober
	Usage    UsageRecorder
	Logger   *logrus.Entry

	// WhoisLookup annotates domains that resolve no mail exchangers, so an
	// "invalid" verdict carries registration diagnostics (parked vs
	// misconfigured vs unregistered). Nil disables the annotation.
	WhoisLookup func(domain string) (string, error)

	// Domain to MX cache
	mxCache struct {
		sync.RWMutex
		m map[string][]MXRecord
	}
}

// NewVerifier builds a verifier with the production resolver and prober
func NewVerifier(usage UsageRecorder, helloHost, probeFrom string, logger *logrus.Entry) *Verifier {
	v := &Verifier{
		Resolver: &net.Resolver{},
		Prober: &SMTPProber{
			Timeout:   smtpProbeTimeout,
			HelloHost: helloHost,
			FromEmail: probeFrom,
		},
		Usage:  usage,
		Logger: logger,
		WhoisLookup: func(domain string) (string, error) {
			return whois.Whois(domain)
		},
	}
	v.mxCache.m = make(map[string][]MXRecord)
	return v
}

// Verify runs the staged checks for one address. The checks counter is
// incremented exactly once per invocation regardless of outcome.
func (v *Verifier) Verify(ctx context.Context, userID uint, email string) *CheckResult {
	email = strings.ToLower(strings.TrimSpace(email))
	result := &CheckResult{
		Email:  email,
		Status: models.DeliverabilityInvalid,
	}

	if v.Usage != nil {
		if err := v.Usage.IncrementChecksRun(userID, 1); err != nil && v.Logger != nil {
			v.Logger.WithError(err).Warn("failed to record verification usage")
		}
	}

	// 1. Syntax
	if err := checkmail.ValidateFormat(email); err != nil {
		result.Details = "invalid email format: " + err.Error()
		return result
	}
	if !emailRegex.MatchString(email) {
		result.Details = "invalid email format"
		return result
	}
	result.SyntaxOK = true

	parts := strings.SplitN(email, "@", 2)
	domain := parts[1]

	// 2. Domain resolution
	records, err := v.lookupMX(ctx, domain)
	if err != nil || len(records) == 0 {
		result.Details = "domain has no mail-exchange records"
		if v.WhoisLookup != nil {
			if info, werr := v.WhoisLookup(domain); werr == nil {
				result.WHOIS = info
			}
		}
		return result
	}
	result.DNSOK = true
	result.MXRecords = records

	// 3. Mailbox probe, best-priority exchange first. A decisive answer from
	// any host settles the address; hosts that only yield ambiguity are
	// passed over for the next one.
	ambiguous := false
	for _, mx := range records {
		probe := v.Prober.Probe(ctx, mx.Host, email)
		result.ProbeHost = mx.Host
		result.Details = probe.Detail
		switch probe.Outcome {
		case ProbeAccepted:
			result.SMTPOK = true
			result.Status = models.DeliverabilityValid
			return result
		case ProbeRejected:
			result.Status = models.DeliverabilityInvalid
			return result
		case ProbeAmbiguous:
			ambiguous = true
		}
	}

	if ambiguous {
		result.Status = models.DeliverabilityRisky
	}
	return result
}

// lookupMX resolves the ordered exchange list with a bounded timeout and a
// per-verifier cache
func (v *Verifier) lookupMX(ctx context.Context, domain string) ([]MXRecord, error) {
	v.mxCache.RLock()
	if records, ok := v.mxCache.m[domain]; ok {
		v.mxCache.RUnlock()
		return records, nil
	}
	v.mxCache.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, mxLookupTimeout)
	defer cancel()

	mxs, err := v.Resolver.LookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}

	records := make([]MXRecord, 0, len(mxs))
	for _, mx := range mxs {
		records = append(records, MXRecord{
			Priority: mx.Pref,
			Host:     strings.TrimSuffix(mx.Host, "."),
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Priority < records[j].Priority })

	v.mxCache.Lock()
	v.mxCache.m[domain] = records
	v.mxCache.Unlock()

	return records, nil
}

// SMTPProber dials the exchange host and walks HELO/MAIL FROM/RCPT TO
// without sending data. Timeouts and 4xx answers are ambiguity, not failure.
type SMTPProber struct {
	Timeout   time.Duration
	HelloHost string
	FromEmail string
}

func (p *SMTPProber) Probe(ctx context.Context, host, email string) ProbeResult {
	dialer := net.Dialer{Timeout: p.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, "25"))
	if err != nil {
		return ProbeResult{Outcome: ProbeAmbiguous, Detail: "connect failed: " + err.Error()}
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(p.Timeout))

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return ProbeResult{Outcome: ProbeAmbiguous, Detail: "greeting failed: " + err.Error()}
	}
	defer client.Close()

	if err = client.Hello(p.HelloHost); err != nil {
		return ProbeResult{Outcome: ProbeAmbiguous, Detail: "HELO failed: " + err.Error()}
	}
	if err = client.Mail(p.FromEmail); err != nil {
		return ProbeResult{Outcome: ProbeAmbiguous, Detail: "MAIL FROM failed: " + err.Error()}
	}

	err = client.Rcpt(email)
	if err == nil {
		return ProbeResult{Outcome: ProbeAccepted, Detail: "recipient accepted"}
	}
	return classifyRcptError(err)
}

// classifyRcptError maps the RCPT TO response onto a probe outcome. 5xx
// mailbox answers are explicit rejections; temporary codes and anything
// unrecognized stay ambiguous.
func classifyRcptError(err error) ProbeResult {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "550"), strings.Contains(msg, "551"), strings.Contains(msg, "553"):
		return ProbeResult{Outcome: ProbeRejected, Detail: "mailbox does not exist: " + err.Error()}
	case strings.Contains(msg, "421"), strings.Contains(msg, "450"),
		strings.Contains(msg, "451"), strings.Contains(msg, "452"):
		return ProbeResult{Outcome: ProbeAmbiguous, Detail: "temporary failure: " + err.Error()}
	default:
		return ProbeResult{Outcome: ProbeAmbiguous, Detail: fmt.Sprintf("SMTP error: %v", err)}
	}
}
