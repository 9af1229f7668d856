// Command selector probes a handful of URLs through the adaptive TLS
// selector and prints which configuration each one ended up on.
//
// Run it twice to see the cache at work: the second run of a URL (within one
// process) skips probing entirely.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kroma-labs/adaptls-go/tlsclient"
)

func main() {
	urls := flag.String("urls", "https://example.com,http://example.com", "comma-separated URLs to probe")
	socks := flag.String("socks5", "", "optional SOCKS5 proxy host:port")
	timeout := flag.Duration("timeout", 15*time.Second, "per-request timeout")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	opts := []tlsclient.Option{
		tlsclient.WithLogger(logger),
	}
	if *socks != "" {
		opts = append(opts, tlsclient.WithProxyConfig(tlsclient.ProxyConfig{
			Scheme: tlsclient.ProxySOCKS5,
			Host:   *socks,
		}))
	}

	sel := tlsclient.New(opts...)

	for _, rawURL := range strings.Split(*urls, ",") {
		rawURL = strings.TrimSpace(rawURL)
		if rawURL == "" {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		client := sel.ClientForURL(ctx, rawURL)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			logger.Error().Err(err).Str("url", rawURL).Msg("bad url")
			cancel()
			continue
		}

		resp, err := client.Do(req)
		if err != nil {
			logger.Error().Err(err).Str("url", rawURL).Msg("request failed")
			cancel()
			continue
		}
		resp.Body.Close()

		entry, _ := sel.CachedEntry(ctx, rawURL)
		logger.Info().
			Str("url", rawURL).
			Int("status", resp.StatusCode).
			Stringer("backend", entry.Backend).
			Stringer("cert_mode", entry.CertMode).
			Msg("fetched")
		cancel()
	}
}
