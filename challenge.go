package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

const (
	captchaVersion = "1.1.18"
	captchaRunEnv  = "10"

	challengeTypeSlide     = "slide"
	challengeTypeTextClick = "textclick"
)

// ChallengeSolver produces one single-use proof per call.
type ChallengeSolver interface {
	Solve(ctx context.Context) (string, error)
}

// noChallenge is used when the portal has the challenge switched off.
type noChallenge struct{}

func (noChallenge) Solve(context.Context) (string, error) { return "", nil }

// SolveWithRetry solves once and, on failure, re-solves immediately one more
// time. Fatal errors (exhausted OCR balance) are returned without the retry.
func SolveWithRetry(ctx context.Context, solver ChallengeSolver, logger Logger) (string, error) {
	proof, err := solver.Solve(ctx)
	if err == nil {
		return proof, nil
	}
	if IsFatalError(err) || ContainsFatalErrorString(err) || ctx.Err() != nil {
		return "", err
	}

	logger.Log("Challenge failed, re-solving once: %v", err)
	proof, err = solver.Solve(ctx)
	if err != nil {
		return "", err
	}
	return proof, nil
}

func challengeErr(step string, err error) error {
	if IsFatalError(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrChallengeFailed, step, err)
}

// httpDoer is the part of tls_client.HttpClient the portal code uses.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// captchaClient talks to the captcha service on behalf of a portal session.
type captchaClient struct {
	client  httpDoer
	logger  Logger
	base    string
	referer string
	archive *captchaArchive
	now     func() time.Time
}

type captchaImageResponse struct {
	Token               string         `json:"token"`
	ImageVerificationVo map[string]any `json:"imageVerificationVo"`
}

// str returns the first non-empty string field among keys.
func (r *captchaImageResponse) str(keys ...string) string {
	for _, k := range keys {
		if v, ok := r.ImageVerificationVo[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

type captchaCheckResponse struct {
	Result    bool   `json:"result"`
	ExtraData string `json:"extraData"`
	Msg       string `json:"msg"`
}

type captchaExtraData struct {
	Validate string `json:"validate"`
}

func jqueryCallback(ms int64) string {
	return fmt.Sprintf("jQuery3310%016d_%d", rand.Int64N(1e16), ms)
}

func (c *captchaClient) fetchMetadata(ctx context.Context, challengeType string) (*captchaImageResponse, error) {
	now := c.now()
	ms := strconv.FormatInt(now.UnixMilli(), 10)
	captchaKey, token := NewCaptchaKey(now, challengeType)

	q := url.Values{}
	q.Set("callback", jqueryCallback(now.UnixMilli()))
	q.Set("captchaId", captchaID)
	q.Set("type", challengeType)
	q.Set("version", captchaVersion)
	q.Set("captchaKey", captchaKey)
	q.Set("token", token)
	q.Set("referer", c.referer)
	q.Set("_", ms)
	q.Set("d", "a")
	q.Set("b", "a")

	body, err := c.get(ctx, c.base+"/captcha/get/verification/image?"+q.Encode())
	if err != nil {
		return nil, err
	}

	meta, err := decodeJSONP[captchaImageResponse](body)
	if err != nil {
		return nil, err
	}
	if meta.Token == "" {
		return nil, fmt.Errorf("metadata carries no token")
	}
	return meta, nil
}

// verify submits the answer and returns the validate proof.
func (c *captchaClient) verify(ctx context.Context, challengeType, token string, clicks any) (string, error) {
	clickArr, err := json.Marshal(clicks)
	if err != nil {
		return "", err
	}
	ms := c.now().UnixMilli()

	q := url.Values{}
	q.Set("callback", jqueryCallback(ms))
	q.Set("captchaId", captchaID)
	q.Set("type", challengeType)
	q.Set("token", token)
	q.Set("textClickArr", string(clickArr))
	q.Set("coordinate", "[]")
	q.Set("runEnv", captchaRunEnv)
	q.Set("version", captchaVersion)
	q.Set("_", strconv.FormatInt(ms, 10))

	body, err := c.get(ctx, c.base+"/captcha/check/verification/result?"+q.Encode())
	if err != nil {
		return "", err
	}

	res, err := decodeJSONP[captchaCheckResponse](body)
	if err != nil {
		return "", err
	}
	if res.ExtraData == "" {
		return "", fmt.Errorf("verification rejected (result=%v msg=%q)", res.Result, res.Msg)
	}

	var extra captchaExtraData
	if err := json.Unmarshal([]byte(res.ExtraData), &extra); err != nil {
		return "", fmt.Errorf("decode extraData: %w", err)
	}
	if extra.Validate == "" {
		return "", fmt.Errorf("extraData has no validate value")
	}
	return extra.Validate, nil
}

func (c *captchaClient) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header = browserHeaders(officeBaseURL + "/")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Log("GET %s -> error: %v", req.URL.Path, err)
		return nil, err
	}
	defer resp.Body.Close()
	c.logger.Log("GET %s -> %d", req.URL.Path, resp.StatusCode)

	body, err := readResponseBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Path)
	}
	return body, nil
}

// download fetches a captcha image.
func (c *captchaClient) download(ctx context.Context, imageURL string) ([]byte, error) {
	if imageURL == "" {
		return nil, fmt.Errorf("empty image url")
	}
	return c.get(ctx, imageURL)
}

// captchaArchive saves downloaded captcha images for offline inspection.
// A nil archive discards everything.
type captchaArchive struct {
	dir    string
	logger Logger
}

func newCaptchaArchive(dir string, logger Logger) *captchaArchive {
	if dir == "" {
		return nil
	}
	return &captchaArchive{dir: dir, logger: logger}
}

func (a *captchaArchive) Save(name string, at time.Time, data []byte) {
	if a == nil {
		return
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		a.logger.Log("Failed to create captcha archive %s: %v", a.dir, err)
		return
	}
	path := filepath.Join(a.dir, fmt.Sprintf("%s_%d%s", name, at.UnixMilli(), imageExt(data)))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		a.logger.Log("Failed to save captcha image: %v", err)
		return
	}
	a.logger.Log("Saved captcha image to %s", path)
}

func imageExt(data []byte) string {
	if len(data) >= 8 && string(data[1:4]) == "PNG" {
		return ".png"
	}
	return ".jpg"
}
