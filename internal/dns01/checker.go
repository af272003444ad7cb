package dns01

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
)

// PropagationResult reports a single Verify pass: whether the record was
// visible on every resolver, and which resolvers saw it.
type PropagationResult struct {
	Propagated    bool     `json:"propagated"`
	SeenBy        []string `json:"seenBy"`
	MissingFrom   []string `json:"missingFrom"`
	QueryFailures []string `json:"queryFailures,omitempty"`
}

// Checker queries public resolvers for challenge TXT records. It performs
// exactly one pass per Verify call; retry policy belongs to the caller.
type Checker struct {
	resolvers    []string
	queryTimeout time.Duration
}

func NewChecker(resolvers []string) *Checker {
	addrs := make([]string, 0, len(resolvers))
	for _, r := range resolvers {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(r); err != nil {
			r = net.JoinHostPort(r, "53")
		}
		addrs = append(addrs, r)
	}

	return &Checker{
		resolvers:    addrs,
		queryTimeout: 5 * time.Second,
	}
}

// Verify asks every configured resolver for TXT records at record.Name and
// checks that record.Value is among the answers. Propagated is only true when
// all resolvers agree, which keeps us from poking the CA before the record is
// actually visible.
func (c *Checker) Verify(ctx context.Context, record Record) PropagationResult {
	result := PropagationResult{}

	for _, resolver := range c.resolvers {
		found, err := c.queryOne(ctx, resolver, record)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"resolver": resolver,
				"name":     record.Name,
			}).Debug("TXT query failed")
			result.QueryFailures = append(result.QueryFailures, resolver)
			result.MissingFrom = append(result.MissingFrom, resolver)
			continue
		}

		if found {
			result.SeenBy = append(result.SeenBy, resolver)
		} else {
			result.MissingFrom = append(result.MissingFrom, resolver)
		}
	}

	result.Propagated = len(c.resolvers) > 0 && len(result.SeenBy) == len(c.resolvers)
	return result
}

func (c *Checker) queryOne(ctx context.Context, resolver string, record Record) (bool, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(record.Name), dns.TypeTXT)
	msg.RecursionDesired = true

	client := &dns.Client{Timeout: c.queryTimeout}

	reply, _, err := client.ExchangeContext(ctx, msg, resolver)
	if err == nil && reply.Truncated {
		// Fall back to TCP for oversized answers
		tcpClient := &dns.Client{Net: "tcp", Timeout: c.queryTimeout}
		reply, _, err = tcpClient.ExchangeContext(ctx, msg, resolver)
	}
	if err != nil {
		return false, err
	}

	if reply.Rcode != dns.RcodeSuccess && reply.Rcode != dns.RcodeNameError {
		return false, fmt.Errorf("resolver returned rcode %s", dns.RcodeToString[reply.Rcode])
	}

	for _, rr := range reply.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, value := range txt.Txt {
			if value == record.Value {
				return true, nil
			}
		}
	}
	return false, nil
}
