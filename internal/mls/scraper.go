// Package mls scrapes the public MLS search site with a stealth headless
// browser. Requests rotate through residential proxies, sessions persist
// across runs, and CAPTCHA challenges are handed to an external solver.
package mls

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bananahana720/phx-property-collector/internal/collect"
	"github.com/bananahana720/phx-property-collector/internal/config"
	"github.com/bananahana720/phx-property-collector/internal/errs"
	"github.com/bananahana720/phx-property-collector/internal/proxy"
	"github.com/bananahana720/phx-property-collector/internal/ratelimit"
)

// sessionSaveEvery persists cookies after this many successful pages.
const sessionSaveEvery = 10

// rotateBackoffBase is the base delay before retrying on a new proxy.
const rotateBackoffBase = 2 * time.Second

// State is the scraper lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateBrowserReady
	StateSessionValid
	StateSearching
	StateDetailFetching
	StateCooling
	StateCaptcha
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBrowserReady:
		return "browser_ready"
	case StateSessionValid:
		return "session_valid"
	case StateSearching:
		return "searching"
	case StateDetailFetching:
		return "detail_fetching"
	case StateCooling:
		return "cooling"
	case StateCaptcha:
		return "captcha"
	default:
		return "unknown"
	}
}

// Summary is one search result row.
type Summary struct {
	Address string
	Price   string
	URL     string
}

// Stats tracks scraper activity.
type Stats struct {
	TotalRequests  int64
	Successes      int64
	Failures       int64
	ProxyRotations int64
	CaptchaSolves  int64
}

// Scraper drives one browser instance. Operations against the browser are
// serialized internally; the browser context is never shared.
type Scraper struct {
	cfg       config.MLSConfig
	selectors selectorSet
	pool      *proxy.Pool
	limiter   *ratelimit.Limiter
	solver    *CaptchaSolver // nil when captcha.enabled=false

	mu           sync.Mutex
	state        State
	browser      *rod.Browser
	lnch         *launcher.Launcher
	currentProxy *proxy.Entry
	session      *Session
	pagesSince   int
	stats        Stats
}

// NewScraper creates a Scraper. The browser launches lazily on first use.
func NewScraper(cfg config.MLSConfig, pool *proxy.Pool, limiter *ratelimit.Limiter, solver *CaptchaSolver) *Scraper {
	return &Scraper{
		cfg:       cfg,
		selectors: newSelectorSet(cfg.Selectors),
		pool:      pool,
		limiter:   limiter,
		solver:    solver,
		state:     StateUninitialized,
	}
}

// Name implements collect.Collector.
func (s *Scraper) Name() string { return "mls" }

// Supports implements collect.Collector: the MLS site serves zip searches
// and property detail URLs.
func (s *Scraper) Supports(q collect.Query) bool {
	return q.URL != "" || q.Zip != ""
}

// Collect implements collect.Collector. Zip queries expand to one payload
// per listing; per-URL failures are emitted as error items and never abort
// the stream.
func (s *Scraper) Collect(ctx context.Context, q collect.Query) (<-chan collect.Item, error) {
	if !s.Supports(q) {
		return nil, eris.New("mls: unsupported query")
	}

	out := make(chan collect.Item)
	go func() {
		defer close(out)

		urls := []string{q.URL}
		if q.URL == "" {
			summaries, err := s.SearchByZipcode(ctx, q.Zip)
			if err != nil {
				emit(ctx, out, collect.Item{Err: err})
				return
			}
			urls = urls[:0]
			for _, sum := range summaries {
				urls = append(urls, sum.URL)
				if q.Limit > 0 && len(urls) >= q.Limit {
					break
				}
			}
		}

		for item := range s.ScrapeBatch(ctx, urls) {
			if !emit(ctx, out, item) {
				return
			}
		}
	}()
	return out, nil
}

func emit(ctx context.Context, out chan<- collect.Item, item collect.Item) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// SearchByZipcode loads the zip search page and returns listing summaries.
func (s *Scraper) SearchByZipcode(ctx context.Context, zip string) ([]Summary, error) {
	s.setState(StateSearching)
	defer s.setState(StateSessionValid)

	searchURL := fmt.Sprintf("%s/search/%s", s.cfg.BaseURL, zip)
	html, err := s.fetchPage(ctx, searchURL)
	if err != nil {
		return nil, err
	}
	return s.parseSummaries(html)
}

// ScrapeProperty fetches one listing page and returns the raw HTML payload.
func (s *Scraper) ScrapeProperty(ctx context.Context, pageURL string) (*collect.RawPayload, error) {
	s.setState(StateDetailFetching)
	defer s.setState(StateSessionValid)

	html, err := s.fetchPage(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return collect.NewRawPayload("phoenix_mls", listingID(pageURL), collect.ContentHTML, []byte(html)), nil
}

// ScrapeBatch streams one item per URL. A failing URL yields an error item;
// the batch continues.
func (s *Scraper) ScrapeBatch(ctx context.Context, urls []string) <-chan collect.Item {
	out := make(chan collect.Item)
	go func() {
		defer close(out)
		for _, u := range urls {
			payload, err := s.ScrapeProperty(ctx, u)
			if err != nil {
				err = errs.Wrap(errs.KindDataCollection, err, "scrape listing").With("url", u)
			}
			if !emit(ctx, out, collect.Item{Payload: payload, Err: err}) {
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return out
}

// Stats returns a snapshot of scraper counters.
func (s *Scraper) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ClearSession removes persisted session state from disk and memory.
func (s *Scraper) ClearSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
	return clearSessionFile(s.cfg.SessionPath)
}

// Close persists the session and tears down the browser.
func (s *Scraper) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistSessionLocked()
	s.teardownLocked()
	s.state = StateUninitialized
	return nil
}

// fetchPage loads one URL with the full rotation policy: rate-limit gate,
// proxy-routed navigation, challenge detection, CAPTCHA handoff, and retry
// on a fresh proxy after any of {403, 429, 5xx, challenge page, navigation
// failure}.
func (s *Scraper) fetchPage(ctx context.Context, pageURL string) (string, error) {
	maxRetries := s.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := s.limiter.Acquire(ctx); err != nil {
			return "", err
		}

		html, status, err := s.navigate(ctx, pageURL)

		s.mu.Lock()
		s.stats.TotalRequests++
		s.mu.Unlock()

		switch {
		case err != nil:
			lastErr = err
		case status == 403 || status == 429 || status >= 500:
			lastErr = eris.Errorf("mls: blocked with status %d", status)
		case s.isChallenge(html):
			solved, solveErr := s.handleChallenge(ctx, pageURL)
			if solveErr == nil && solved != "" {
				s.recordSuccess()
				return solved, nil
			}
			lastErr = solveErr
			if lastErr == nil {
				lastErr = errs.New(errs.KindCaptchaUnsolved, "challenge not solved")
			}
		default:
			s.recordSuccess()
			return html, nil
		}

		s.recordFailure(ctx, lastErr)
		if attempt < maxRetries {
			if err := s.coolOff(ctx, attempt); err != nil {
				return "", err
			}
		}
	}

	return "", errs.Wrap(errs.KindDataCollection, lastErr, "retries exhausted").
		With("url", pageURL)
}

// navigate opens a stealth page through the current proxy, waits for load,
// and returns the document HTML plus the main document's HTTP status.
func (s *Scraper) navigate(ctx context.Context, pageURL string) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureBrowserLocked(ctx); err != nil {
		return "", 0, err
	}

	page, err := stealth.Page(s.browser)
	if err != nil {
		return "", 0, eris.Wrap(err, "mls: create page")
	}
	defer page.Close()
	s.applySessionUALocked(page)

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
	defer cancel()
	page = page.Context(navCtx)

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return "", 0, eris.Wrap(err, "mls: enable network events")
	}

	var status int
	waitResp := page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type == proto.NetworkResourceTypeDocument {
			status = e.Response.Status
			return true
		}
		return false
	})

	if err := page.Navigate(pageURL); err != nil {
		return "", 0, eris.Wrapf(err, "mls: navigate %s", pageURL)
	}
	waitResp()
	if err := page.WaitLoad(); err != nil {
		return "", status, eris.Wrap(err, "mls: wait load")
	}

	html, err := page.HTML()
	if err != nil {
		return "", status, eris.Wrap(err, "mls: read document")
	}
	return html, status, nil
}

// ensureBrowserLocked launches the browser and restores a valid persisted
// session. Callers hold s.mu.
func (s *Scraper) ensureBrowserLocked(ctx context.Context) error {
	if s.browser != nil {
		return nil
	}

	entry, err := s.nextProxyLocked()
	if err != nil {
		return err
	}
	if err := s.launchLocked(entry); err != nil {
		return err
	}

	sess, err := loadSession(s.cfg.SessionPath)
	if err != nil {
		return err
	}
	if sess.Valid(time.Now()) {
		if err := restoreSession(s.browser, sess); err != nil {
			zap.L().Warn("mls session restore failed, cold loading", zap.Error(err))
		} else {
			s.session = sess
			s.state = StateSessionValid
			zap.L().Info("mls session restored",
				zap.Time("valid_until", sess.ValidUntil),
				zap.Int("cookies", len(sess.Cookies)))
			return nil
		}
	}

	s.state = StateBrowserReady
	return nil
}

// nextProxyLocked picks the next proxy, or nil for a direct connection when
// no proxies are configured at all. A configured-but-starved pool still
// surfaces ErrNoHealthyProxies rather than leaking the real address.
func (s *Scraper) nextProxyLocked() (*proxy.Entry, error) {
	if s.pool == nil || s.pool.Size() == 0 {
		return nil, nil
	}
	return s.pool.Next()
}

// launchLocked starts a browser routed through entry. Callers hold s.mu.
func (s *Scraper) launchLocked(entry *proxy.Entry) error {
	l := launcher.New().
		Headless(true).
		Set("disable-blink-features", "AutomationControlled")
	if entry != nil {
		l = l.Proxy(entry.Server())
	}

	controlURL, err := l.Launch()
	if err != nil {
		return eris.Wrap(err, "mls: launch browser")
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return eris.Wrap(err, "mls: connect browser")
	}
	if entry != nil && entry.Username != "" {
		go func() { _ = b.HandleAuth(entry.Username, entry.Password)() }()
	}

	s.browser = b
	s.lnch = l
	s.currentProxy = entry
	addr := "direct"
	if entry != nil {
		addr = entry.Addr()
	}
	zap.L().Info("mls browser launched", zap.String("proxy", addr))
	return nil
}

// applySessionUALocked pins a page to the user agent the session's cookies
// were issued under; a restored session under a different UA is an obvious
// fingerprint mismatch. Callers hold s.mu.
func (s *Scraper) applySessionUALocked(page *rod.Page) {
	if s.session == nil || s.session.UserAgent == "" {
		return
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: s.session.UserAgent}); err != nil {
		zap.L().Warn("mls set user agent failed", zap.Error(err))
	}
}

func (s *Scraper) teardownLocked() {
	if s.browser != nil {
		_ = s.browser.Close()
		s.browser = nil
	}
	if s.lnch != nil {
		s.lnch.Cleanup()
		s.lnch = nil
	}
	s.currentProxy = nil
}

// recordFailure marks the current proxy failed and swaps to the next one.
func (s *Scraper) recordFailure(ctx context.Context, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Failures++
	if s.currentProxy != nil {
		s.pool.MarkFailed(s.currentProxy)
	}
	zap.L().Warn("mls request failed, rotating proxy", zap.Error(cause))

	// Persist cookies before the browser goes away; the session often
	// survives a proxy swap.
	s.persistSessionLocked()
	s.teardownLocked()

	if next, err := s.nextProxyLocked(); err == nil {
		if launchErr := s.launchLocked(next); launchErr == nil {
			s.stats.ProxyRotations++
			if s.session.Valid(time.Now()) {
				_ = restoreSession(s.browser, s.session)
			}
		}
	}
}

func (s *Scraper) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Successes++
	if s.currentProxy != nil {
		s.pool.MarkSuccess(s.currentProxy)
	}
	s.pagesSince++
	if s.pagesSince >= sessionSaveEvery {
		s.persistSessionLocked()
	}
}

// persistSessionLocked captures and writes the session. Callers hold s.mu.
func (s *Scraper) persistSessionLocked() {
	if s.browser == nil {
		return
	}
	sess, err := captureSession(s.browser, userAgent(), s.session)
	if err != nil {
		zap.L().Warn("mls session capture failed", zap.Error(err))
		return
	}
	if err := saveSession(s.cfg.SessionPath, sess); err != nil {
		zap.L().Warn("mls session save failed", zap.Error(err))
		return
	}
	s.session = sess
	s.pagesSince = 0
}

// coolOff sleeps an exponential backoff with jitter between proxy swaps.
func (s *Scraper) coolOff(ctx context.Context, attempt int) error {
	s.setState(StateCooling)
	defer s.setState(StateSessionValid)

	delay := rotateBackoffBase << attempt
	delay += time.Duration(rand.Int64N(int64(delay) / 2))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isChallenge reports whether the page is an anti-bot interstitial.
func (s *Scraper) isChallenge(html string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	return doc.Find(s.selectors.get(selChallenge)).Length() > 0
}

// handleChallenge extracts the sitekey, hands the challenge to the solver,
// injects the token, and returns the post-challenge document HTML. Returns
// ("", nil) when solving is disabled so the caller falls back to rotation.
func (s *Scraper) handleChallenge(ctx context.Context, pageURL string) (string, error) {
	if s.solver == nil {
		zap.L().Info("challenge detected, solver disabled; rotating", zap.String("url", pageURL))
		return "", nil
	}

	s.setState(StateCaptcha)
	defer s.setState(StateSessionValid)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser == nil {
		return "", eris.New("mls: no browser for challenge")
	}

	page, err := stealth.Page(s.browser)
	if err != nil {
		return "", eris.Wrap(err, "mls: create challenge page")
	}
	defer page.Close()
	s.applySessionUALocked(page)

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		return "", eris.Wrap(err, "mls: navigate challenge page")
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		return "", eris.Wrap(err, "mls: wait challenge load")
	}

	frame, err := page.Element(s.selectors.get(selCaptchaFrame))
	if err != nil {
		return "", eris.Wrap(err, "mls: locate captcha widget")
	}
	siteKey, err := frame.Attribute("data-sitekey")
	if err != nil || siteKey == nil || *siteKey == "" {
		return "", errs.New(errs.KindCaptchaUnsolved, "captcha widget has no sitekey")
	}

	token, err := s.solver.Solve(ctx, Challenge{SiteKey: *siteKey, PageURL: pageURL})
	if err != nil {
		return "", err
	}

	// Inject the token and submit the challenge form.
	inject := fmt.Sprintf(`(sel) => {
		const out = document.querySelector(sel);
		if (out) { out.value = %q; }
		const form = out ? out.closest('form') : document.querySelector('form');
		if (form) { form.submit(); }
	}`, token)
	if _, err := page.Eval(inject, s.selectors.get(selCaptchaOutput)); err != nil {
		return "", eris.Wrap(err, "mls: inject captcha token")
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		return "", eris.Wrap(err, "mls: wait post-captcha load")
	}

	s.stats.CaptchaSolves++
	zap.L().Info("captcha solved", zap.String("url", pageURL))
	return page.HTML()
}

// parseSummaries extracts listing rows from a search results page. Zero
// rows without the explicit empty marker is treated as a soft block.
func (s *Scraper) parseSummaries(html string) ([]Summary, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, eris.Wrap(err, "mls: parse search results")
	}

	var out []Summary
	doc.Find(s.selectors.get(selResultItem)).Each(func(_ int, item *goquery.Selection) {
		href, _ := item.Find(s.selectors.get(selResultLink)).Attr("href")
		if href == "" {
			if h, ok := item.Attr("href"); ok {
				href = h
			}
		}
		if href == "" {
			return
		}
		out = append(out, Summary{
			Address: strings.TrimSpace(item.Find(s.selectors.get(selResultAddress)).Text()),
			Price:   strings.TrimSpace(item.Find(s.selectors.get(selResultPrice)).Text()),
			URL:     s.absoluteURL(href),
		})
	})

	if len(out) == 0 && !strings.Contains(strings.ToLower(html), "no results") {
		return nil, errs.New(errs.KindDataCollection, "search returned no listings; possible block")
	}
	return out, nil
}

func (s *Scraper) absoluteURL(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if u.IsAbs() {
		return href
	}
	base, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return href
	}
	return base.ResolveReference(u).String()
}

func (s *Scraper) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != st {
		zap.L().Debug("mls state change",
			zap.Stringer("from", s.state), zap.Stringer("to", st))
		s.state = st
	}
}

// listingID derives the stable external ID (canonical URL path) for a
// listing URL.
func listingID(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return pageURL
	}
	return strings.TrimSuffix(u.Path, "/")
}

func userAgent() string {
	return "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
}
