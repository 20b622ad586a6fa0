// Package browser manages a bounded pool of reusable chromedp sessions.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"pricehound/internal/price"
	"pricehound/internal/watch"
)

// Config controls the behavior of the session pool.
type Config struct {
	MaxSessions       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Pool hands out reusable browser sessions. A bounded channel acts as both
// the counting semaphore and the free-list: checking out receives a slot,
// checking in returns it. Sessions are long-lived tabs created lazily off a
// shared allocator because session startup is expensive.
type Pool struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	sessions    chan *session
	newSession  func() *session
	logger      *zap.Logger
}

type session struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a chromedp-backed Pool.
func New(cfg Config, logger *zap.Logger) (*Pool, error) {
	if cfg.MaxSessions <= 0 {
		return nil, fmt.Errorf("max sessions must be > 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	p := &Pool{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		sessions:    make(chan *session, cfg.MaxSessions),
		logger:      logger,
	}
	p.newSession = func() *session {
		ctx, cancel := chromedp.NewContext(p.allocator)
		return &session{ctx: ctx, cancel: cancel}
	}
	for i := 0; i < cfg.MaxSessions; i++ {
		p.sessions <- nil
	}
	return p, nil
}

// Close cancels every held session best-effort and shuts down the allocator.
func (p *Pool) Close() {
	for {
		select {
		case s := <-p.sessions:
			if s != nil {
				s.cancel()
			}
		default:
			p.allocCancel()
			return
		}
	}
}

// FetchPage loads url in a pooled session and returns the rendered markup.
// Progress messages are emitted through the callback for later audit.
func (p *Pool) FetchPage(ctx context.Context, url string, progress func(string)) (string, error) {
	s, err := p.checkout(ctx)
	if err != nil {
		return "", err
	}
	defer p.checkin(s)

	runCtx, cancel := context.WithTimeout(s.ctx, p.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	start := time.Now()
	if err := p.loadPage(runCtx, url, start, progress); err != nil {
		return "", err
	}

	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", watch.Wrap(watch.KindPageLoad, "read page source", err)
	}
	progress(fmt.Sprintf("[%s] Page crawled successfully.", elapsed(start)))
	return html, nil
}

// FetchPrice loads url and evaluates the selector against the live DOM.
// Selector-not-found, ambiguity, and unparseable text are reported inside
// the result with the accumulated log; only caller cancellation surfaces as
// an error.
func (p *Pool) FetchPrice(ctx context.Context, url, xpath string) (watch.PriceResult, error) {
	s, err := p.checkout(ctx)
	if err != nil {
		return watch.PriceResult{}, err
	}
	defer p.checkin(s)

	runCtx, cancel := context.WithTimeout(s.ctx, p.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var log strings.Builder
	appendLog := func(msg string) {
		log.WriteString(msg)
		log.WriteString("\n")
	}

	start := time.Now()
	if err := p.loadPage(runCtx, url, start, appendLog); err != nil {
		if ctx.Err() != nil {
			return watch.PriceResult{}, ctx.Err()
		}
		appendLog(fmt.Sprintf("Error encountered: %v.", err))
		return watch.PriceResult{Log: log.String()}, nil
	}

	var texts []string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(priceScript(xpath), &texts)); err != nil {
		if ctx.Err() != nil {
			return watch.PriceResult{}, ctx.Err()
		}
		appendLog(fmt.Sprintf("Error encountered: %v.", err))
		return watch.PriceResult{Log: log.String()}, nil
	}

	if len(texts) == 0 {
		appendLog(fmt.Sprintf("Could not find the element by XPath: %s.", xpath))
		return watch.PriceResult{Log: log.String()}, nil
	}
	if len(texts) > 1 {
		appendLog(fmt.Sprintf("More than one element found by XPath %s, using the first.", xpath))
	}

	value, err := price.Parse(texts[0])
	if err != nil {
		appendLog(fmt.Sprintf("Could not find the price in the element with text: %s.", texts[0]))
		return watch.PriceResult{Log: log.String()}, nil
	}

	return watch.PriceResult{OK: true, Price: value, Log: log.String()}, nil
}

// loadPage navigates, waits for readiness, re-navigates once if the final
// URL diverged from the requested one, and dismisses a cookie-consent
// banner when present.
func (p *Pool) loadPage(ctx context.Context, url string, start time.Time, progress func(string)) error {
	progress(fmt.Sprintf("About to load: %s", url))

	actions := []chromedp.Action{
		p.networkSetup(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return watch.Wrap(watch.KindPageLoad, "navigate", err)
	}

	var finalURL string
	if err := chromedp.Run(ctx, chromedp.Location(&finalURL)); err != nil {
		return watch.Wrap(watch.KindPageLoad, "read location", err)
	}
	progress(fmt.Sprintf("[%s] Waiting for website at %q to load fully...", elapsed(start), finalURL))

	if !sameURL(finalURL, url) {
		// One re-navigation attempt; a persistent mismatch is logged, not fatal.
		if err := chromedp.Run(ctx,
			chromedp.Navigate(url),
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Location(&finalURL),
		); err != nil {
			return watch.Wrap(watch.KindPageLoad, "re-navigate", err)
		}
		if !sameURL(finalURL, url) {
			progress(fmt.Sprintf("Loaded URL did not match the one you provided. We loaded: %s.", finalURL))
		}
	}

	progress(fmt.Sprintf("[%s] Page fully loaded.", elapsed(start)))

	var clicked string
	if err := chromedp.Run(ctx, chromedp.Evaluate(cookieScript, &clicked)); err != nil {
		p.logger.Warn("cookie banner dismissal failed", zap.String("url", url), zap.Error(err))
		return nil
	}
	if clicked != "" {
		progress(fmt.Sprintf("Accepting cookies using element with text: %s.", clicked))
	}
	return nil
}

func (p *Pool) networkSetup() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if p.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(p.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (p *Pool) checkout(ctx context.Context) (*session, error) {
	select {
	case s := <-p.sessions:
		if s == nil || s.ctx.Err() != nil {
			if s != nil {
				s.cancel()
			}
			s = p.newSession()
		}
		return s, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("session slot wait canceled: %w", ctx.Err())
	}
}

// checkin always returns the slot so the semaphore never leaks capacity;
// dead sessions are replaced lazily on the next checkout.
func (p *Pool) checkin(s *session) {
	if s != nil && s.ctx.Err() != nil {
		s.cancel()
		s = nil
	}
	p.sessions <- s
}

func sameURL(a, b string) bool {
	trim := func(u string) string {
		return strings.TrimSuffix(strings.ToLower(u), "/")
	}
	return trim(a) == trim(b)
}

func elapsed(start time.Time) string {
	return fmt.Sprintf("%.2f s", time.Since(start).Seconds())
}

// cookieScript clicks the first visible element whose text contains one of
// the consent phrases and returns its text.
const cookieScript = `(() => {
	const phrases = ['accept all', 'accept cookies', 'accept all cookies'];
	const letters = ["'ABCDEFGHIJKLMNOPQRSTUVWXYZ'", "'abcdefghijklmnopqrstuvwxyz'"];
	for (const phrase of phrases) {
		const xp = "//*[contains(translate(text(), " + letters[0] + ", " + letters[1] + "), '" + phrase + "')]";
		const snap = document.evaluate(xp, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
		for (let i = 0; i < snap.snapshotLength; i++) {
			const el = snap.snapshotItem(i);
			if (!(el instanceof HTMLElement) || el.offsetParent === null) {
				continue;
			}
			const text = (el.innerText || '').trim();
			el.click();
			return text;
		}
		if (snap.snapshotLength > 0) {
			return '';
		}
	}
	return '';
})()`

// priceScript returns the non-empty text of every node matched by the XPath.
func priceScript(xpath string) string {
	quoted, _ := json.Marshal(xpath)
	return fmt.Sprintf(`(() => {
	const snap = document.evaluate(%s, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
	const texts = [];
	for (let i = 0; i < snap.snapshotLength; i++) {
		const t = (snap.snapshotItem(i).textContent || '').trim();
		if (t !== '') {
			texts.push(t);
		}
	}
	return texts;
})()`, quoted)
}
