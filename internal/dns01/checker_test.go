package dns01

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestResolver runs a miekg/dns server on a random UDP port and answers
// TXT queries from the given name->values map. Unknown names get NXDOMAIN.
func startTestResolver(t *testing.T, records map[string][]string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)

		if len(req.Question) == 1 && req.Question[0].Qtype == dns.TypeTXT {
			name := req.Question[0].Name
			if values, ok := records[name]; ok {
				resp.Answer = append(resp.Answer, &dns.TXT{
					Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
					Txt: values,
				})
			} else {
				resp.Rcode = dns.RcodeNameError
			}
		}

		_ = w.WriteMsg(resp)
	})

	srv := &dns.Server{PacketConn: pc, Handler: handler}
	go func() {
		_ = srv.ActivateAndServe()
	}()
	t.Cleanup(func() {
		_ = srv.Shutdown()
	})

	return pc.LocalAddr().String()
}

func TestVerifyPropagated(t *testing.T) {
	record := Record{
		Domain: "example.com",
		Name:   "_acme-challenge.example.com",
		Type:   "TXT",
		Value:  "expected-challenge-value",
	}

	resolver := startTestResolver(t, map[string][]string{
		"_acme-challenge.example.com.": {"some-other-value", "expected-challenge-value"},
	})

	checker := NewChecker([]string{resolver})
	result := checker.Verify(context.Background(), record)

	assert.True(t, result.Propagated)
	assert.Equal(t, []string{resolver}, result.SeenBy)
	assert.Empty(t, result.MissingFrom)
}

func TestVerifyMissingRecord(t *testing.T) {
	record := Record{
		Domain: "example.com",
		Name:   "_acme-challenge.example.com",
		Type:   "TXT",
		Value:  "expected-challenge-value",
	}

	resolver := startTestResolver(t, nil)

	checker := NewChecker([]string{resolver})
	result := checker.Verify(context.Background(), record)

	assert.False(t, result.Propagated)
	assert.Empty(t, result.SeenBy)
	assert.Equal(t, []string{resolver}, result.MissingFrom)
}

func TestVerifyWrongValue(t *testing.T) {
	record := Record{
		Domain: "example.com",
		Name:   "_acme-challenge.example.com",
		Type:   "TXT",
		Value:  "fresh-value",
	}

	// A stale record from a previous order is still published, but it does
	// not satisfy the current challenge.
	resolver := startTestResolver(t, map[string][]string{
		"_acme-challenge.example.com.": {"stale-value-from-old-order"},
	})

	checker := NewChecker([]string{resolver})
	result := checker.Verify(context.Background(), record)

	assert.False(t, result.Propagated)
}

func TestVerifyRequiresAllResolvers(t *testing.T) {
	record := Record{
		Domain: "example.com",
		Name:   "_acme-challenge.example.com",
		Type:   "TXT",
		Value:  "the-value",
	}

	seeing := startTestResolver(t, map[string][]string{
		"_acme-challenge.example.com.": {"the-value"},
	})
	missing := startTestResolver(t, nil)

	checker := NewChecker([]string{seeing, missing})
	result := checker.Verify(context.Background(), record)

	assert.False(t, result.Propagated, "one resolver missing the record must fail the pass")
	assert.Equal(t, []string{seeing}, result.SeenBy)
	assert.Equal(t, []string{missing}, result.MissingFrom)
}

func TestVerifyUnreachableResolver(t *testing.T) {
	record := Record{
		Domain: "example.com",
		Name:   "_acme-challenge.example.com",
		Type:   "TXT",
		Value:  "the-value",
	}

	// Reserve a port and close it so nothing answers there.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := pc.LocalAddr().String()
	pc.Close()

	checker := NewChecker([]string{dead})
	checker.queryTimeout = 200 * time.Millisecond

	result := checker.Verify(context.Background(), record)

	assert.False(t, result.Propagated)
	assert.Equal(t, []string{dead}, result.QueryFailures)
}

func TestNewCheckerDefaultsPort(t *testing.T) {
	checker := NewChecker([]string{"1.1.1.1", " 8.8.8.8:5353 ", ""})

	require.Len(t, checker.resolvers, 2)
	assert.Equal(t, "1.1.1.1:53", checker.resolvers[0])
	assert.Equal(t, "8.8.8.8:5353", checker.resolvers[1])
}
