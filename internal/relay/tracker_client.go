package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// CreateEmailRequest is the POST /api/emails body. EmailID carries the
// client-assigned tracking identifier; the server accepts it as-is.
type CreateEmailRequest struct {
	Subject   string   `json:"subject"`
	Recipient string   `json:"recipient"`
	Links     []string `json:"links"`
	EmailID   string   `json:"emailId,omitempty"`
}

type TrackedLink struct {
	OriginalURL string `json:"original_url"`
	TrackedURL  string `json:"tracked_url"`
}

type CreateEmailResponse struct {
	EmailID  string        `json:"email_id"`
	PixelURL string        `json:"pixel_url"`
	Links    []TrackedLink `json:"links"`
}

type EmailSummary struct {
	ID         string `json:"id"`
	Subject    string `json:"subject"`
	Recipient  string `json:"recipient"`
	OpenCount  int    `json:"open_count"`
	ClickCount int    `json:"click_count"`
}

type EmailDetail struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	Recipient   string `json:"recipient"`
	TotalOpens  int    `json:"total_opens"`
	TotalClicks int    `json:"total_clicks"`
	UniqueOpens int    `json:"unique_opens"`
}

// TrackerClient is the wire surface consumed from the tracking server. The
// base URL is passed per call because the configured address can change at
// runtime through SET_SERVER_URL.
type TrackerClient interface {
	CreateEmail(ctx context.Context, baseURL string, req CreateEmailRequest) (CreateEmailResponse, error)
	ListEmails(ctx context.Context, baseURL string, perPage int) ([]EmailSummary, error)
	GetEmail(ctx context.Context, baseURL, emailID string) (EmailDetail, error)
	AddIgnoredIP(ctx context.Context, baseURL, ip, label string) (string, error)
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type HTTPTrackerClient struct {
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPTrackerClient(httpClient *http.Client) *HTTPTrackerClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTrackerClient{
		httpClient: httpClient,
		maxRetries: 2,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPTrackerClient) CreateEmail(ctx context.Context, baseURL string, req CreateEmailRequest) (CreateEmailResponse, error) {
	if req.Links == nil {
		req.Links = []string{}
	}
	var out CreateEmailResponse
	err := c.doJSON(ctx, baseURL, http.MethodPost, "/api/emails", req, &out)
	return out, err
}

func (c *HTTPTrackerClient) ListEmails(ctx context.Context, baseURL string, perPage int) ([]EmailSummary, error) {
	q := url.Values{}
	if perPage > 0 {
		q.Set("per_page", strconv.Itoa(perPage))
	}
	var out struct {
		Emails []EmailSummary `json:"emails"`
	}
	requestPath := "/api/emails"
	if encoded := q.Encode(); encoded != "" {
		requestPath += "?" + encoded
	}
	if err := c.doJSON(ctx, baseURL, http.MethodGet, requestPath, nil, &out); err != nil {
		return nil, err
	}
	if out.Emails == nil {
		out.Emails = []EmailSummary{}
	}
	return out.Emails, nil
}

func (c *HTTPTrackerClient) GetEmail(ctx context.Context, baseURL, emailID string) (EmailDetail, error) {
	var out EmailDetail
	err := c.doJSON(ctx, baseURL, http.MethodGet, "/api/emails/"+url.PathEscape(emailID), nil, &out)
	return out, err
}

func (c *HTTPTrackerClient) AddIgnoredIP(ctx context.Context, baseURL, ip, label string) (string, error) {
	body := map[string]string{"label": label}
	if strings.TrimSpace(ip) != "" {
		body["ip"] = strings.TrimSpace(ip)
	}
	var out struct {
		OK bool   `json:"ok"`
		IP string `json:"ip"`
	}
	if err := c.doJSON(ctx, baseURL, http.MethodPost, "/api/ignored-ips", body, &out); err != nil {
		return "", err
	}
	return out.IP, nil
}

func (c *HTTPTrackerClient) doJSON(ctx context.Context, baseURL, method, requestPath string, body, out any) error {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultServerURL
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Error
		if message == "" {
			message = strings.TrimSpace(string(payloadBytes))
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: message}
	}
}

func (c *HTTPTrackerClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
