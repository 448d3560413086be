package insights

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

var (
	globalResolver     *dnscache.Resolver
	globalResolverOnce sync.Once
)

// resolverRefreshTTL controls how often cached DNS entries are
// revalidated in the background.
const resolverRefreshTTL = 5 * time.Minute

// getDNSResolver returns the shared caching DNS resolver, starting the
// background refresh loop on first use.
func getDNSResolver() *dnscache.Resolver {
	globalResolverOnce.Do(func() {
		log.Info().
			Dur("ttl", resolverRefreshTTL).
			Msg("Initializing DNS resolver cache for insights upstream")

		globalResolver = &dnscache.Resolver{}

		go func() {
			ticker := time.NewTicker(resolverRefreshTTL)
			defer ticker.Stop()

			for range ticker.C {
				globalResolver.Refresh(true)
				log.Debug().Msg("DNS cache refreshed")
			}
		}()
	})
	return globalResolver
}

// DialContextWithCache dials using the cached resolver instead of going
// to DNS on every request.
func DialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	resolver := getDNSResolver()

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}
