// Package webhook compiles the gateway's configured webhook rules and
// dispatches matching SMS events to them concurrently, bounded by a
// semaphore, without ever blocking the sender or retrying a failed
// request.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mways/smsgatewayd/internal/appmetrics"
	"github.com/mways/smsgatewayd/internal/config"
)

// Rule is a compiled config.Webhook: ready to match and render without
// re-parsing templates on every event.
type Rule struct {
	cfg            config.Webhook
	url            *Template
	body           *Template
	headers        map[string]*Template
	query          map[string]*Template
	msgFilterRegex *regexpLike
}

// CompileRule validates and compiles one configured webhook into a Rule.
// Any message_filter regex is compiled once here, at startup, rather
// than on every dispatched event.
func CompileRule(w config.Webhook) (*Rule, error) {
	urlTmpl, err := Compile(w.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "webhook %q: url template", w.URL)
	}
	bodyTmpl, err := Compile(w.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "webhook %q: body template", w.URL)
	}
	headers := make(map[string]*Template, len(w.Headers))
	for k, v := range w.Headers {
		t, err := Compile(v)
		if err != nil {
			return nil, errors.Wrapf(err, "webhook %q: header %q template", w.URL, k)
		}
		headers[k] = t
	}
	query := make(map[string]*Template, len(w.QueryParams))
	for k, v := range w.QueryParams {
		t, err := Compile(v)
		if err != nil {
			return nil, errors.Wrapf(err, "webhook %q: query param %q template", w.URL, k)
		}
		query[k] = t
	}
	var msgFilterRegex *regexpLike
	if w.MessageFilter != nil && w.MessageFilter.Regex != "" {
		re, err := compileRegex(w.MessageFilter.Regex)
		if err != nil {
			return nil, errors.Wrapf(err, "webhook %q: message_filter regex", w.URL)
		}
		msgFilterRegex = re
	}
	return &Rule{cfg: w, url: urlTmpl, body: bodyTmpl, headers: headers, query: query, msgFilterRegex: msgFilterRegex}, nil
}

// Pipeline fans incoming events out to every matching rule, running at
// most maxConcurrent requests at a time across all rules.
type Pipeline struct {
	log   *zap.Logger
	rules []*Rule
	sem   chan struct{}
	inbox chan Event
	done  chan struct{}
	wg    sync.WaitGroup
	hc    *http.Client
}

// New compiles every webhook in webhooks and returns a Pipeline ready
// to Run. maxConcurrent bounds the number of in-flight HTTP requests.
func New(log *zap.Logger, webhooks []config.Webhook, maxConcurrent int) (*Pipeline, error) {
	rules := make([]*Rule, 0, len(webhooks))
	for _, w := range webhooks {
		rule, err := CompileRule(w)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Pipeline{
		log:   log,
		rules: rules,
		sem:   make(chan struct{}, maxConcurrent),
		inbox: make(chan Event, 256),
		done:  make(chan struct{}),
		hc:    &http.Client{},
	}, nil
}

// Submit enqueues an event for dispatch. It never blocks: a full inbox
// drops the event and logs a warning rather than stall the caller.
func (p *Pipeline) Submit(ev Event) {
	select {
	case p.inbox <- ev:
	default:
		p.log.Warn("webhook inbox full, dropping event", zap.String("contact", ev.Contact))
	}
}

// Run consumes the inbox until ctx is cancelled or Shutdown is called.
// Call it from its own goroutine.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case ev := <-p.inbox:
			p.dispatch(ctx, ev)
		}
	}
}

// Shutdown stops accepting new dispatch and blocks until every
// in-flight request has finished, draining every semaphore permit
// before returning.
func (p *Pipeline) Shutdown() {
	close(p.done)
	p.wg.Wait()
	for i := 0; i < cap(p.sem); i++ {
		p.sem <- struct{}{}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, ev Event) {
	for _, rule := range p.rules {
		if !matches(rule, ev) {
			continue
		}
		rule := rule
		p.wg.Add(1)
		p.sem <- struct{}{}
		go func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.send(ctx, rule, ev)
		}()
	}
}

func (p *Pipeline) send(ctx context.Context, rule *Rule, ev Event) {
	values := ev.fieldValues()

	reqCtx, cancel := context.WithTimeout(ctx, rule.cfg.TimeoutDuration())
	defer cancel()

	rawURL := rule.url.Apply(values)
	if len(rule.query) > 0 {
		q := url.Values{}
		for k, t := range rule.query {
			q.Set(k, t.Apply(values))
		}
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		rawURL = rawURL + sep + q.Encode()
	}

	body := rule.body.Apply(values)
	req, err := http.NewRequestWithContext(reqCtx, rule.cfg.Method, rawURL, bytes.NewBufferString(body))
	if err != nil {
		p.log.Warn("webhook request build failed", zap.String("url", rule.cfg.URL), zap.Error(err))
		return
	}

	if json.Valid([]byte(body)) {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, t := range rule.headers {
		v := t.Apply(values)
		if strings.ContainsAny(v, "\r\n") {
			p.log.Warn("webhook header value invalid, skipping", zap.String("header", k))
			continue
		}
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := p.hc.Do(req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		appmetrics.WebhookDispatchDuration.WithLabelValues(rule.cfg.URL, "error").Observe(elapsed)
		p.log.Warn("webhook dispatch failed", zap.String("url", rule.cfg.URL), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	appmetrics.WebhookDispatchDuration.WithLabelValues(rule.cfg.URL, statusClass(resp.StatusCode)).Observe(elapsed)
	p.log.Info("webhook dispatched", zap.String("url", rule.cfg.URL), zap.Int("status", resp.StatusCode))
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}
