package utils

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/foxcpp/go-mockdns"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpulse/models"
)

type fakeProber struct {
	result ProbeResult
	// probed collects the hosts the verifier asked about, in order
	probed []string
}

func (p *fakeProber) Probe(_ context.Context, host, _ string) ProbeResult {
	p.probed = append(p.probed, host)
	return p.result
}

type countingUsage struct {
	calls int
}

func (u *countingUsage) IncrementChecksRun(_ uint, n int) error {
	u.calls += n
	return nil
}

type failingResolver struct {
	t *testing.T
}

func (r *failingResolver) LookupMX(context.Context, string) ([]*net.MX, error) {
	r.t.Fatal("resolver must not be called for malformed addresses")
	return nil, nil
}

func testVerifier(t *testing.T, resolver MXResolver, prober Prober) (*Verifier, *countingUsage) {
	t.Helper()
	usage := &countingUsage{}
	v := NewVerifier(usage, "hello.test", "probe@hello.test", logrus.NewEntry(logrus.New()))
	v.WhoisLookup = nil // no registry lookups from tests
	if resolver != nil {
		v.Resolver = resolver
	}
	if prober != nil {
		v.Prober = prober
	}
	return v, usage
}

func TestVerifyMalformedAddress(t *testing.T) {
	v, usage := testVerifier(t, &failingResolver{t: t}, nil)

	result := v.Verify(context.Background(), 1, "not-an-email")
	assert.Equal(t, models.DeliverabilityInvalid, result.Status)
	assert.False(t, result.SyntaxOK)
	assert.Equal(t, 1, usage.calls)
}

func TestVerifyNoMXRecords(t *testing.T) {
	resolver := &mockdns.Resolver{Zones: map[string]mockdns.Zone{}}
	v, usage := testVerifier(t, resolver, &fakeProber{})

	result := v.Verify(context.Background(), 1, "user@nodns.example")
	assert.Equal(t, models.DeliverabilityInvalid, result.Status)
	assert.True(t, result.SyntaxOK)
	assert.False(t, result.DNSOK)
	assert.Equal(t, 1, usage.calls)
}

func TestVerifyNoMXRecordsAnnotatesWhois(t *testing.T) {
	resolver := &mockdns.Resolver{Zones: map[string]mockdns.Zone{}}
	v, _ := testVerifier(t, resolver, &fakeProber{})

	var looked []string
	v.WhoisLookup = func(domain string) (string, error) {
		looked = append(looked, domain)
		return "Registrar: Example Registry", nil
	}

	result := v.Verify(context.Background(), 1, "user@parked.example")
	assert.Equal(t, models.DeliverabilityInvalid, result.Status)
	assert.Equal(t, []string{"parked.example"}, looked)
	assert.Equal(t, "Registrar: Example Registry", result.WHOIS)
}

func TestVerifyAcceptedMailbox(t *testing.T) {
	resolver := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"corp.example.": {
			MX: []net.MX{{Host: "mx.corp.example.", Pref: 10}},
		},
	}}
	prober := &fakeProber{result: ProbeResult{Outcome: ProbeAccepted}}
	v, usage := testVerifier(t, resolver, prober)

	result := v.Verify(context.Background(), 1, "User@Corp.Example ")
	assert.Equal(t, models.DeliverabilityValid, result.Status)
	assert.Equal(t, "user@corp.example", result.Email)
	assert.True(t, result.SyntaxOK)
	assert.True(t, result.DNSOK)
	assert.True(t, result.SMTPOK)
	assert.Equal(t, []string{"mx.corp.example"}, prober.probed)
	assert.Equal(t, 1, usage.calls)
}

func TestVerifyRejectedMailbox(t *testing.T) {
	resolver := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"corp.example.": {
			MX: []net.MX{{Host: "mx.corp.example.", Pref: 10}},
		},
	}}
	prober := &fakeProber{result: ProbeResult{Outcome: ProbeRejected}}
	v, _ := testVerifier(t, resolver, prober)

	result := v.Verify(context.Background(), 1, "gone@corp.example")
	assert.Equal(t, models.DeliverabilityInvalid, result.Status)
	assert.True(t, result.DNSOK)
	assert.False(t, result.SMTPOK)
}

func TestVerifyAmbiguousProbeIsRisky(t *testing.T) {
	resolver := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"corp.example.": {
			MX: []net.MX{
				{Host: "mx2.corp.example.", Pref: 20},
				{Host: "mx1.corp.example.", Pref: 10},
			},
		},
	}}
	prober := &fakeProber{result: ProbeResult{Outcome: ProbeAmbiguous}}
	v, _ := testVerifier(t, resolver, prober)

	result := v.Verify(context.Background(), 1, "maybe@corp.example")
	assert.Equal(t, models.DeliverabilityRisky, result.Status)
	// Every exchange is tried, best priority first.
	assert.Equal(t, []string{"mx1.corp.example", "mx2.corp.example"}, prober.probed)
}

func TestVerifyMXCache(t *testing.T) {
	resolver := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"corp.example.": {
			MX: []net.MX{{Host: "mx.corp.example.", Pref: 10}},
		},
	}}
	prober := &fakeProber{result: ProbeResult{Outcome: ProbeAccepted}}
	v, usage := testVerifier(t, resolver, prober)

	first := v.Verify(context.Background(), 1, "a@corp.example")
	require.Equal(t, models.DeliverabilityValid, first.Status)

	// Second lookup for the same domain is served from the cache, so the
	// zone can disappear without affecting the outcome.
	resolver.Zones = map[string]mockdns.Zone{}
	second := v.Verify(context.Background(), 1, "b@corp.example")
	assert.Equal(t, models.DeliverabilityValid, second.Status)
	assert.Equal(t, 2, usage.calls)
}

func TestClassifyRcptError(t *testing.T) {
	rejected := classifyRcptError(errors.New("550 5.1.1 user unknown"))
	assert.Equal(t, ProbeRejected, rejected.Outcome)

	grey := classifyRcptError(errors.New("450 4.2.0 greylisted, try again later"))
	assert.Equal(t, ProbeAmbiguous, grey.Outcome)

	unknown := classifyRcptError(errors.New("connection reset by peer"))
	assert.Equal(t, ProbeAmbiguous, unknown.Outcome)
}
