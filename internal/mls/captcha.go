package mls

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bananahana720/phx-property-collector/internal/config"
	"github.com/bananahana720/phx-property-collector/internal/errs"
)

// captchaPollInterval is how often the solver is polled for a result.
const captchaPollInterval = 5 * time.Second

// Challenge is a serialized CAPTCHA handed to the external solver.
type Challenge struct {
	SiteKey string
	PageURL string
}

// CaptchaSolver submits challenges to a remote solving service and polls
// for the solution token. The wire protocol is the 2captcha-style
// in.php/res.php pair.
type CaptchaSolver struct {
	cfg  config.CaptchaConfig
	http *http.Client

	// pollInterval is shortened in tests.
	pollInterval time.Duration
}

// NewCaptchaSolver creates a solver client.
func NewCaptchaSolver(cfg config.CaptchaConfig) *CaptchaSolver {
	return &CaptchaSolver{
		cfg:          cfg,
		http:         &http.Client{Timeout: 30 * time.Second},
		pollInterval: captchaPollInterval,
	}
}

type solverResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Solve submits the challenge and polls until a token is returned, the
// solver reports failure, or the configured timeout elapses.
func (s *CaptchaSolver) Solve(ctx context.Context, ch Challenge) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
	defer cancel()

	id, err := s.submit(ctx, ch)
	if err != nil {
		return "", err
	}
	zap.L().Info("captcha submitted to solver", zap.String("id", id), zap.String("page", ch.PageURL))

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", errs.Wrap(errs.KindCaptchaUnsolved, ctx.Err(), "solver timed out").
				With("id", id)
		case <-ticker.C:
			token, done, err := s.poll(ctx, id)
			if err != nil {
				return "", err
			}
			if done {
				return token, nil
			}
		}
	}
}

func (s *CaptchaSolver) submit(ctx context.Context, ch Challenge) (string, error) {
	q := url.Values{}
	q.Set("key", s.cfg.APIKey)
	q.Set("method", "userrecaptcha")
	q.Set("googlekey", ch.SiteKey)
	q.Set("pageurl", ch.PageURL)
	q.Set("json", "1")

	resp, err := s.get(ctx, fmt.Sprintf("%s/in.php?%s", s.cfg.Service, q.Encode()))
	if err != nil {
		return "", errs.Wrap(errs.KindCaptchaUnsolved, err, "submit challenge")
	}
	if resp.Status != 1 {
		return "", errs.New(errs.KindCaptchaUnsolved, "solver rejected challenge").
			With("response", resp.Request)
	}
	return resp.Request, nil
}

// poll returns (token, true, nil) when solved, (_, false, nil) while pending.
func (s *CaptchaSolver) poll(ctx context.Context, id string) (string, bool, error) {
	q := url.Values{}
	q.Set("key", s.cfg.APIKey)
	q.Set("action", "get")
	q.Set("id", id)
	q.Set("json", "1")

	resp, err := s.get(ctx, fmt.Sprintf("%s/res.php?%s", s.cfg.Service, q.Encode()))
	if err != nil {
		return "", false, errs.Wrap(errs.KindCaptchaUnsolved, err, "poll solver")
	}
	if resp.Status == 1 {
		return resp.Request, true, nil
	}
	if resp.Request == "CAPCHA_NOT_READY" {
		return "", false, nil
	}
	return "", false, errs.New(errs.KindCaptchaUnsolved, "solver reported failure").
		With("id", id).With("response", resp.Request)
}

func (s *CaptchaSolver) get(ctx context.Context, u string) (*solverResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "captcha: build request")
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "captcha: request")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, eris.Wrap(err, "captcha: read response")
	}
	var parsed solverResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "captcha: decode response")
	}
	return &parsed, nil
}
