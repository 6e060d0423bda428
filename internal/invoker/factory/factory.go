package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"claude-bridge/internal/config"
	"claude-bridge/internal/invoker"
	"claude-bridge/internal/invoker/direct"
	"claude-bridge/internal/invoker/subprocess"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Invokers holds the constructed backends. Either may be nil.
type Invokers struct {
	Direct     invoker.Invoker
	Subprocess invoker.Invoker
}

// Build constructs the invokers enabled by configuration. The direct invoker
// exists only when credentials are configured.
func Build(cfg config.Config) (Invokers, error) {
	var out Invokers

	if cfg.Backend.HasCredentials() {
		// attempt deadlines come from the orchestrator's context
		directInvoker, err := direct.New(direct.Config{
			APIKey:       cfg.Backend.APIKey,
			BaseURL:      cfg.Backend.BaseURL,
			DefaultModel: cfg.Models.Default,
			MaxTokens:    cfg.Backend.MaxTokens,
			MaxRetries:   cfg.Backend.MaxRetries,
			Headers:      cfg.Backend.Headers,
		}, newHTTPClient())
		if err != nil {
			return Invokers{}, fmt.Errorf("initialise direct invoker: %w", err)
		}
		out.Direct = wrap(directInvoker, cfg.Invocation.Breaker)
	}

	if cfg.CLI.IsEnabled() {
		subprocessInvoker, err := subprocess.New(subprocess.Config{
			Path:       cfg.CLI.Path,
			WorkingDir: cfg.CLI.WorkingDir,
			TempDir:    cfg.CLI.TempDir,
			ExtraArgs:  cfg.CLI.ExtraArgs,
		})
		if err != nil {
			return Invokers{}, fmt.Errorf("initialise subprocess invoker: %w", err)
		}
		out.Subprocess = wrap(subprocessInvoker, cfg.Invocation.Breaker)
	}

	if out.Direct == nil && out.Subprocess == nil {
		return Invokers{}, errors.New("no backend configured")
	}
	return out, nil
}

func wrap(inv invoker.Invoker, breaker config.BreakerConfig) invoker.Invoker {
	if !breaker.Enabled {
		return inv
	}
	return invoker.WithBreaker(inv, invoker.BreakerSettings{
		FailureThreshold: breaker.FailureThreshold,
		OpenTimeout:      breaker.OpenTimeout,
	})
}

func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{Transport: otelhttp.NewTransport(transport)}
}
