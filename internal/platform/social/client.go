// Package social is the microblogging API client: OAuth1-signed media upload
// and post creation behind a token-bucket rate limit.
package social

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	logx "newsposter/pkg/logx"

	"github.com/dghubble/oauth1"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL   = "https://api.twitter.com"
	DefaultUploadURL = "https://upload.twitter.com"

	defaultRatePerMinute = 10
	defaultTimeout       = 60 * time.Second
	maxResponseBody      = 1 << 20
)

var ErrMissingCredentials = errors.New("social: api key, api secret, access token and access token secret are required")

type Config struct {
	APIKey            string
	APISecret         string
	AccessToken       string
	AccessTokenSecret string

	BaseURL   string
	UploadURL string

	RatePerMinute int
	Timeout       time.Duration
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("social: http %d", e.Status)
	}
	return fmt.Sprintf("social: http %d: %s", e.Status, e.Detail)
}

type Option func(*Client)

// WithHTTPClient sets the transport the signed client wraps.
func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.base = c } }

// WithFs sets where media files are read from.
func WithFs(fs afero.Fs) Option { return func(cl *Client) { cl.fs = fs } }

func WithLogger(log logx.Logger) Option { return func(cl *Client) { cl.log = log } }

type Client struct {
	cfg     Config
	base    *http.Client
	http    *http.Client
	limiter *rate.Limiter
	fs      afero.Fs
	log     logx.Logger
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" ||
		strings.TrimSpace(cfg.AccessToken) == "" || strings.TrimSpace(cfg.AccessTokenSecret) == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UploadURL == "" {
		cfg.UploadURL = DefaultUploadURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.UploadURL = strings.TrimRight(cfg.UploadURL, "/")
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = defaultRatePerMinute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := &Client{cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	if c.base == nil {
		c.base = &http.Client{Timeout: cfg.Timeout}
	}
	if c.fs == nil {
		c.fs = afero.NewOsFs()
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("comp", "social"))

	oc := oauth1.NewConfig(cfg.APIKey, cfg.APISecret)
	tok := oauth1.NewToken(cfg.AccessToken, cfg.AccessTokenSecret)
	ctx := context.WithValue(context.Background(), oauth1.HTTPClient, c.base)
	c.http = oc.Client(ctx, tok)
	c.http.Timeout = cfg.Timeout

	c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1)
	return c, nil
}

// UploadMedia uploads the image at path and returns its media id.
func (c *Client) UploadMedia(ctx context.Context, path string) (string, error) {
	data, err := afero.ReadFile(c.fs, path)
	if err != nil {
		return "", fmt.Errorf("social: read media: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("media", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var out struct {
		MediaID       int64  `json:"media_id"`
		MediaIDString string `json:"media_id_string"`
	}
	if err := c.do(ctx, c.cfg.UploadURL+"/1.1/media/upload.json", mw.FormDataContentType(), &body, &out); err != nil {
		return "", fmt.Errorf("social: upload media: %w", err)
	}
	id := out.MediaIDString
	if id == "" && out.MediaID != 0 {
		id = fmt.Sprint(out.MediaID)
	}
	if id == "" {
		return "", errors.New("social: upload media: empty media id")
	}
	c.log.Debug("media uploaded", logx.String("path", path), logx.String("media_id", id))
	return id, nil
}

type createPostRequest struct {
	Text  string     `json:"text"`
	Media *postMedia `json:"media,omitempty"`
}

type postMedia struct {
	MediaIDs []string `json:"media_ids"`
}

// CreatePost publishes text with optional media and returns the post id.
func (c *Client) CreatePost(ctx context.Context, text string, mediaIDs []string) (string, error) {
	req := createPostRequest{Text: text}
	if len(mediaIDs) > 0 {
		req.Media = &postMedia{MediaIDs: mediaIDs}
	}
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, c.cfg.BaseURL+"/2/tweets", "application/json", bytes.NewReader(b), &out); err != nil {
		return "", fmt.Errorf("social: create post: %w", err)
	}
	if out.Data.ID == "" {
		return "", errors.New("social: create post: empty post id")
	}
	c.log.Info("post created", logx.String("post_id", out.Data.ID))
	return out.Data.ID, nil
}

func (c *Client) do(ctx context.Context, url, contentType string, body io.Reader, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Detail: errorDetail(raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// errorDetail pulls a readable message out of the API's error shapes.
func errorDetail(raw []byte) string {
	var e struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(raw, &e) == nil {
		switch {
		case e.Detail != "":
			return e.Detail
		case len(e.Errors) > 0 && e.Errors[0].Message != "":
			return e.Errors[0].Message
		case e.Title != "":
			return e.Title
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
