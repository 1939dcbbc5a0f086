// Package backend is the HTTP client for the MinuteMemo backend.
package backend

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/oszuidwest/minutememo-recorder/internal/types"
	"github.com/oszuidwest/minutememo-recorder/internal/util"
)

// DefaultTimeout bounds a single backend request.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 16 << 20

const loginPath = "/auth/login"

// ErrNoCredentials is returned by Login when no email is configured.
var ErrNoCredentials = errors.New("backend credentials not configured")

// StatusError reports an unexpected HTTP status from the backend.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	Email    string
	Password string
	Timeout  time.Duration

	// OAuth2 client credentials. When TokenURL is set every request
	// carries a bearer token in addition to the session cookie.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// Transport overrides the base round tripper.
	Transport http.RoundTripper
}

// Client talks to the backend. The session cookie set by Login is kept in
// a cookie jar and reused by every request.
type Client struct {
	base     *url.URL
	http     *http.Client
	email    string
	password string

	loginMu sync.Mutex
}

// New returns a Client for opts.BaseURL.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q", opts.BaseURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, util.WrapError("create cookie jar", err)
	}

	transport := cmp.Or[http.RoundTripper](opts.Transport, http.DefaultTransport)
	if opts.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     opts.TokenURL,
			Scopes:       opts.Scopes,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Transport: transport})
		transport = &oauth2.Transport{Source: cc.TokenSource(tokenCtx), Base: transport}
	}

	return &Client{
		base: base,
		http: &http.Client{
			Jar:       jar,
			Transport: transport,
			Timeout:   cmp.Or(opts.Timeout, DefaultTimeout),
		},
		email:    opts.Email,
		password: opts.Password,
	}, nil
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Login authenticates with email and password and stores the session cookie.
func (c *Client) Login(ctx context.Context) error {
	if c.email == "" {
		return ErrNoCredentials
	}
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	body, err := json.Marshal(map[string]string{"email": c.email, "password": c.password})
	if err != nil {
		return util.WrapError("marshal login", err)
	}
	if err := c.send(ctx, http.MethodPost, loginPath, body, "application/json", nil, http.StatusOK); err != nil {
		return util.WrapError("log in to backend", err)
	}
	slog.Info("logged in to backend", "url", c.base.String(), "email", c.email)
	return nil
}

// CreateMeeting creates a meeting under hubID and returns its session id.
func (c *Client) CreateMeeting(ctx context.Context, hubID, name string) (string, error) {
	payload := map[string]any{"name": name, "hub_id": jsonID(hubID)}
	var out struct {
		MeetingSessionID ID `json:"meeting_session_id"`
	}
	if err := c.postJSON(ctx, "/api/meetings", payload, &out, http.StatusCreated); err != nil {
		return "", err
	}
	if out.MeetingSessionID == "" {
		return "", errors.New("backend returned no meeting_session_id")
	}
	return string(out.MeetingSessionID), nil
}

// RecordingRegistration is the body of POST /api/recordings.
type RecordingRegistration struct {
	RecordingID           string `json:"recording_id"`
	FileName              string `json:"file_name"`
	ConcatenationStatus   string `json:"concatenation_status"`
	ConcatenationFileName string `json:"concatenation_file_name"`
	MeetingSessionID      any    `json:"meeting_session_id"`
}

// NewRegistration returns the registration body for a recording.
func NewRegistration(recordingID, meetingSessionID, ext string) RecordingRegistration {
	return RecordingRegistration{
		RecordingID:           recordingID,
		FileName:              recordingID + "." + ext,
		ConcatenationStatus:   "pending",
		ConcatenationFileName: recordingID + "_list.txt",
		MeetingSessionID:      jsonID(meetingSessionID),
	}
}

// CreateRecording registers a recording. Only 201 Created counts as success.
func (c *Client) CreateRecording(ctx context.Context, reg RecordingRegistration) error {
	return c.postJSON(ctx, "/api/recordings", reg, nil, http.StatusCreated)
}

// Chunk is one encoded audio segment.
type Chunk struct {
	RecordingID string
	Number      int
	Filename    string
	ContentType string
	Data        []byte
}

// UploadChunk sends a chunk as multipart form data.
func (c *Client) UploadChunk(ctx context.Context, ch Chunk) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="chunk"; filename=%q`, ch.Filename))
	hdr.Set("Content-Type", cmp.Or(ch.ContentType, "application/octet-stream"))
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return util.WrapError("create chunk part", err)
	}
	if _, err := part.Write(ch.Data); err != nil {
		return util.WrapError("write chunk part", err)
	}
	if err := mw.WriteField("chunk_number", strconv.Itoa(ch.Number)); err != nil {
		return util.WrapError("write chunk_number", err)
	}
	if err := mw.WriteField("recording_id", ch.RecordingID); err != nil {
		return util.WrapError("write recording_id", err)
	}
	if err := mw.Close(); err != nil {
		return util.WrapError("close multipart body", err)
	}

	return c.do(ctx, http.MethodPost, "/upload_chunk", buf.Bytes(), mw.FormDataContentType(), nil)
}

// Concatenate asks the backend to join all chunks of a recording and
// returns the resulting file URL.
func (c *Client) Concatenate(ctx context.Context, recordingID string) (string, error) {
	var out struct {
		FileURL string `json:"file_url"`
	}
	if err := c.postJSON(ctx, "/concatenate", map[string]string{"recording_id": recordingID}, &out); err != nil {
		return "", err
	}
	if out.FileURL == "" {
		return "", errors.New("backend returned no file_url")
	}
	return out.FileURL, nil
}

// UpdateRecordingAudio stores the concatenated file URL on the recording.
func (c *Client) UpdateRecordingAudio(ctx context.Context, recordingID, audioURL string) error {
	body, err := json.Marshal(map[string]string{"audio_url": audioURL})
	if err != nil {
		return util.WrapError("marshal audio_url", err)
	}
	return c.do(ctx, http.MethodPatch, "/api/recordings/"+url.PathEscape(recordingID), body, "application/json", nil)
}

// Transcribe starts transcription of a meeting session and returns the text.
func (c *Client) Transcribe(ctx context.Context, sessionID, language string) (string, error) {
	payload := map[string]string{}
	if language != "" {
		payload["language"] = language
	}
	var out struct {
		Transcription string `json:"transcription"`
	}
	if err := c.postJSON(ctx, "/api/transcribe/"+url.PathEscape(sessionID), payload, &out); err != nil {
		return "", err
	}
	return out.Transcription, nil
}

// Summary holds both summaries of a meeting session.
type Summary struct {
	Short string `json:"short_summary"`
	Long  string `json:"long_summary"`
}

// Summarize generates the short and long summary of a meeting session.
func (c *Client) Summarize(ctx context.Context, sessionID string) (Summary, error) {
	var out Summary
	err := c.postJSON(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/summarize", struct{}{}, &out)
	return out, err
}

// ExtractActionItems extracts action points from a meeting session.
func (c *Client) ExtractActionItems(ctx context.Context, sessionID string) ([]types.ActionItem, error) {
	var out struct {
		ActionItems []types.ActionItem `json:"action_items"`
	}
	if err := c.postJSON(ctx, "/api/extract_action_points/"+url.PathEscape(sessionID), struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.ActionItems, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any, want ...int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal request", err)
	}
	return c.do(ctx, http.MethodPost, path, body, "application/json", out, want...)
}

// do sends a request and logs in again once when the session has expired.
// Without want any 2xx status is accepted.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, out any, want ...int) error {
	err := c.send(ctx, method, path, body, contentType, out, want...)

	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized && c.email != "" {
		slog.Info("backend session expired, logging in again", "path", path)
		if loginErr := c.Login(ctx); loginErr != nil {
			return errors.Join(err, loginErr)
		}
		return c.send(ctx, method, path, body, contentType, out, want...)
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, contentType string, out any, want ...int) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, bytes.NewReader(body))
	if err != nil {
		return util.WrapError("create request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer util.SafeCloseFunc(resp.Body, "backend response body")()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return util.WrapError("read response", err)
	}

	if !statusOK(resp.StatusCode, want) {
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: util.TruncateBody(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func statusOK(code int, want []int) bool {
	if len(want) == 0 {
		return code >= 200 && code < 300
	}
	for _, w := range want {
		if code == w {
			return true
		}
	}
	return false
}

// ID is an identifier the backend may encode as a JSON number or string.
type ID string

// UnmarshalJSON accepts both numbers and strings.
func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid id %s", b)
	}
	*id = ID(n.String())
	return nil
}

// jsonID sends numeric identifiers as numbers, the way the backend stores them.
func jsonID(s string) any {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return json.Number(s)
	}
	return s
}
