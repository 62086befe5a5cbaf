package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
)

const (
	passportBaseURL = "https://passport2.chaoxing.com"
	officeBaseURL   = "https://office.chaoxing.com"
	captchaBaseURL  = "https://captcha.chaoxing.com"
)

// endpoints are the three hosts a session talks to. Tests point them at a
// local server.
type endpoints struct {
	Passport string
	Office   string
	Captcha  string
}

var defaultEndpoints = endpoints{
	Passport: passportBaseURL,
	Office:   officeBaseURL,
	Captcha:  captchaBaseURL,
}

// Session is everything the race and retry loop need from a logged-in
// portal account. It is also the account's challenge solver, since the
// captcha service expects the same cookies.
type Session interface {
	ChallengeSolver
	Warmup(ctx context.Context) error
	Login(ctx context.Context, username, password string) error
	FetchPageToken(ctx context.Context, room, seat string) (PageToken, error)
	SubmitOnce(ctx context.Context, req SubmitRequest, proof string, token PageToken) (SubmissionResult, error)
}

// PageToken is the submit_enc value scraped from a seat page. It is both the
// token field and the signing seed.
type PageToken struct {
	Value     string
	FetchedAt time.Time
}

func (t PageToken) Empty() bool { return t.Value == "" }

// SubmitRequest is one booking request before signing.
type SubmitRequest struct {
	RoomID string
	Seat   string
	Window TimeWindow
	Day    string // YYYY-MM-DD
}

// params returns the submit fields in wire form, without enc.
func (r SubmitRequest) params(proof string, token PageToken) map[string]string {
	return map[string]string{
		"roomId":     r.RoomID,
		"startTime":  r.Window.Start.HHMM(),
		"endTime":    r.Window.End.HHMM(),
		"day":        r.Day,
		"seatNum":    r.Seat,
		"captcha":    proof,
		"token":      token.Value,
		"type":       "1",
		"verifyData": "1",
	}
}

// PortalSession owns one HTTP client and its cookie jar.
type PortalSession struct {
	client       tls_client.HttpClient
	logger       Logger
	urls         endpoints
	captcha      *captchaClient
	solver       ChallengeSolver
	proxyManager *ProxyManager
	now          func() time.Time
}

// sessionOptions configures the challenge side of a session.
type sessionOptions struct {
	Challenge  string
	Recognizer Recognizer
	Archive    *captchaArchive
	URLs       endpoints
	Now        func() time.Time
}

// NewPortalSession wraps client. The challenge solver shares the client so
// captcha requests carry the session cookies.
func NewPortalSession(client tls_client.HttpClient, logger Logger, opts sessionOptions) *PortalSession {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.URLs == (endpoints{}) {
		opts.URLs = defaultEndpoints
	}

	p := &PortalSession{
		client: client,
		logger: logger,
		urls:   opts.URLs,
		now:    opts.Now,
	}
	p.captcha = &captchaClient{
		client:  client,
		logger:  logger,
		base:    opts.URLs.Captcha,
		referer: opts.URLs.Office + "/",
		archive: opts.Archive,
		now:     opts.Now,
	}

	switch opts.Challenge {
	case ChallengeSlide:
		p.solver = &SlideSolver{api: p.captcha}
	case ChallengeTextClick:
		p.solver = &TextClickSolver{api: p.captcha, ocr: opts.Recognizer}
	default:
		p.solver = noChallenge{}
	}
	return p
}

// SetProxyManager enables proxy rotation on transport errors.
func (p *PortalSession) SetProxyManager(pm *ProxyManager) {
	p.proxyManager = pm
}

// RotateProxy switches to the next proxy without recreating the client,
// so cookies survive. Returns true if rotation succeeded.
func (p *PortalSession) RotateProxy() bool {
	if p.proxyManager == nil {
		return false
	}

	newProxy := p.proxyManager.Rotate()
	if err := p.client.SetProxy(newProxy); err != nil {
		p.logger.Log("Failed to set new proxy: %v", err)
		return false
	}
	p.logger.Log("Rotated proxy: %s", p.proxyManager.CurrentDisplay())
	return true
}

// doRequest executes an HTTP request and logs the request URL and response status code.
func (p *PortalSession) doRequest(req *http.Request) (*http.Response, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Log("%s %s -> error: %v", req.Method, req.URL.Path, err)
		return nil, err
	}
	p.logger.Log("%s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)
	return resp, nil
}

// call sends a request with the mobile header set and returns the body.
func (p *PortalSession) call(ctx context.Context, method, target string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header = mobileHeaders()

	resp, err := p.doRequest(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := readResponseBody(resp)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// Warmup loads the mobile login page so the pre-login cookies are set.
func (p *PortalSession) Warmup(ctx context.Context) error {
	_, status, err := p.call(ctx, http.MethodGet, p.urls.Passport+"/mlogin?loginType=1&newversion=true&fid=")
	if err != nil {
		return fmt.Errorf("load login page: %w", err)
	}
	if status >= 500 {
		return fmt.Errorf("load login page: status %d", status)
	}
	return nil
}

type loginResponse struct {
	Status bool   `json:"status"`
	Msg2   string `json:"msg2"`
}

// Login authenticates the session. A rejected login is an *AuthError.
func (p *PortalSession) Login(ctx context.Context, username, password string) error {
	refer := p.urls.Office + "/front/third/apps/seat/code?id=4219&seatNum=380"

	q := url.Values{}
	q.Set("fid", "-1")
	q.Set("uname", EncryptCredential(username))
	q.Set("password", EncryptCredential(password))
	q.Set("refer", url.QueryEscape(refer))
	q.Set("t", "true")

	body, status, err := p.call(ctx, http.MethodPost, p.urls.Passport+"/fanyalogin?"+q.Encode())
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}

	var res loginResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("login response (status %d): %w", status, err)
	}
	if !res.Status {
		return &AuthError{Username: maskUsername(username), Message: res.Msg2}
	}

	p.logger.Log("Logged in")
	return nil
}

// seatPageURL is the seat selection page that embeds the submit token.
func (p *PortalSession) seatPageURL(room, seat string) string {
	q := url.Values{}
	q.Set("id", room)
	q.Set("seatNum", seat)
	return p.urls.Office + "/front/third/apps/seat/code?" + q.Encode()
}

// FetchPageToken loads the seat page and extracts its submit_enc token. A page
// without one returns ErrTokenMissing and an empty token.
func (p *PortalSession) FetchPageToken(ctx context.Context, room, seat string) (PageToken, error) {
	pageURL := p.seatPageURL(room, seat)
	body, _, err := p.call(ctx, http.MethodGet, pageURL)
	if err != nil {
		return PageToken{}, err
	}
	p.captcha.referer = pageURL

	value := extractSubmitEnc(string(body))
	if value == "" {
		p.logger.Log("No submit_enc on seat page %s/%s", room, seat)
		return PageToken{}, ErrTokenMissing
	}
	return PageToken{Value: value, FetchedAt: p.now()}, nil
}

var (
	startTagPattern = regexp.MustCompile(`(?is)<[a-z][a-z0-9-]*\b[^>]*>`)
	attrPattern     = regexp.MustCompile(`(?is)([a-z_:.-]+)\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s"'>/]+))`)
)

// extractSubmitEnc finds the element whose id or name is submit_enc and
// returns its value. The tag name, attribute order and quoting do not matter.
func extractSubmitEnc(html string) string {
	for _, tag := range startTagPattern.FindAllString(html, -1) {
		attrs := map[string]string{}
		for _, m := range attrPattern.FindAllStringSubmatch(tag, -1) {
			attrs[strings.ToLower(m[1])] = m[2] + m[3] + m[4]
		}
		if attrs["id"] == "submit_enc" || attrs["name"] == "submit_enc" {
			return strings.TrimSpace(attrs["value"])
		}
	}
	return ""
}

// SubmitOnce signs and sends one booking request.
func (p *PortalSession) SubmitOnce(ctx context.Context, req SubmitRequest, proof string, token PageToken) (SubmissionResult, error) {
	if token.Empty() {
		return SubmissionResult{}, ErrTokenMissing
	}

	params := req.params(proof, token)
	enc := Sign(params, token.Value)

	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("enc", enc)

	body, status, err := p.call(ctx, http.MethodPost, p.urls.Office+"/data/apps/seat/submit?"+q.Encode())
	if err != nil {
		return SubmissionResult{}, err
	}

	res, err := classifySubmission(body)
	if err != nil {
		return res, fmt.Errorf("submit (status %d): %w", status, err)
	}
	return res, nil
}

// Solve produces a challenge proof using this session's cookies.
func (p *PortalSession) Solve(ctx context.Context) (string, error) {
	return p.solver.Solve(ctx)
}

// Room is one entry of a department's room list.
type Room struct {
	ID     string
	First  string
	Second string
	Third  string
}

func (r Room) String() string {
	return fmt.Sprintf("%s-%s-%s id: %s", r.First, r.Second, r.Third, r.ID)
}

type roomListResponse struct {
	Data struct {
		SeatRoomList []struct {
			ID              json.Number `json:"id"`
			FirstLevelName  string      `json:"firstLevelName"`
			SecondLevelName string      `json:"secondLevelName"`
			ThirdLevelName  string      `json:"thirdLevelName"`
		} `json:"seatRoomList"`
	} `json:"data"`
}

// ListRooms returns the rooms of the department identified by deptIDEnc.
func (p *PortalSession) ListRooms(ctx context.Context, deptIDEnc string) ([]Room, error) {
	q := url.Values{}
	q.Set("cpage", "1")
	q.Set("pageSize", "100")
	q.Set("firstLevelName", "")
	q.Set("secondLevelName", "")
	q.Set("thirdLevelName", "")
	q.Set("deptIdEnc", deptIDEnc)

	body, status, err := p.call(ctx, http.MethodGet, p.urls.Office+"/data/apps/seat/room/list?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var res roomListResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("room list (status %d): %w", status, err)
	}

	rooms := make([]Room, 0, len(res.Data.SeatRoomList))
	for _, r := range res.Data.SeatRoomList {
		rooms = append(rooms, Room{
			ID:     r.ID.String(),
			First:  r.FirstLevelName,
			Second: r.SecondLevelName,
			Third:  r.ThirdLevelName,
		})
	}
	return rooms, nil
}
