package certs

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
)

// Resolves reports whether domain has an A or AAAA record according to the
// resolver at server (host:port).
func Resolves(ctx context.Context, server, domain string) (bool, error) {
	c := new(dns.Client)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(domain), qtype)
		msg.RecursionDesired = true

		resp, _, err := c.ExchangeContext(ctx, msg, server)
		if err != nil {
			return false, fmt.Errorf("query %s %s: %w", dns.TypeToString[qtype], domain, err)
		}
		if resp.Rcode == dns.RcodeNameError {
			return false, nil
		}
		for _, rr := range resp.Answer {
			switch rr.(type) {
			case *dns.A, *dns.AAAA:
				return true, nil
			}
		}
	}
	return false, nil
}
