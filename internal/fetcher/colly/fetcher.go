// Package collyfetcher implements the dispatch fetch operation using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/crawlstack/dispatch/internal/dispatch"
)

// Meta keys recognized on a task for per-task overrides.
const (
	MetaUserAgent = "user_agent"
	MetaReferer   = "referer"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
}

// Fetcher executes HTTP GETs through a shared Colly collector. Each fetch
// clones the base collector so per-task settings never leak between tasks.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Fetcher with a pooled HTTP transport.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, base: c}
}

// Func returns the fetcher as a dispatch fetch function.
func (f *Fetcher) Func() dispatch.FetchFunc {
	return f.Fetch
}

// Fetch executes a single GET for the task URL. HTTP-level failures,
// including overload statuses, come back as a failed outcome with the status
// code set so the dispatcher can decide whether to retry; only transport
// failures and cancellation return an error.
func (f *Fetcher) Fetch(ctx context.Context, task dispatch.Task) (dispatch.Outcome, error) {
	collector := f.base.Clone()
	if ua := metaOr(task, MetaUserAgent, f.cfg.UserAgent); ua != "" {
		collector.UserAgent = ua
	}
	timeout := f.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	collector.SetRequestTimeout(timeout)

	var outcome dispatch.Outcome
	collector.OnRequest(func(r *colly.Request) {
		if ref := task.Meta[MetaReferer]; ref != "" {
			r.Headers.Set("Referer", ref)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		outcome = dispatch.Outcome{
			Success:    true,
			StatusCode: r.StatusCode,
			Payload:    append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		outcome = dispatch.Outcome{
			StatusCode: status,
			Error:      err.Error(),
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(task.URL)
	}()

	select {
	case <-ctx.Done():
		return dispatch.Outcome{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil && outcome.StatusCode == 0 {
			// No HTTP status means the request never completed.
			return dispatch.Outcome{}, fmt.Errorf("visit %s: %w", task.URL, err)
		}
		return outcome, nil
	}
}

func metaOr(task dispatch.Task, key, fallback string) string {
	if v := task.Meta[key]; v != "" {
		return v
	}
	return fallback
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
