package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"watchalert/internal/domain"
)

// Sender delivers one rendered notification to one target.
type Sender interface {
	Send(ctx context.Context, target domain.NoticeTarget, title, body string, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, target domain.NoticeTarget, title, body string, msg Message) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, target domain.NoticeTarget, title, body string, msg Message) error {
	return f(ctx, target, title, body, msg)
}

// WebhookSender posts JSON payloads to chat robots and custom hooks.
type WebhookSender struct {
	kind   domain.ChannelKind
	client *http.Client
	clock  clock.Clock
}

// NewWebhookSender creates a sender for a webhook channel kind.
func NewWebhookSender(kind domain.ChannelKind, client *http.Client, clk clock.Clock) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSender{kind: kind, client: client, clock: clk}
}

// Send builds the channel payload and posts it to target.Hook.
func (s *WebhookSender) Send(ctx context.Context, target domain.NoticeTarget, title, body string, msg Message) error {
	if target.Hook == "" {
		return fmt.Errorf("no hook configured")
	}

	hook := target.Hook
	var payload any
	switch s.kind {
	case domain.ChannelFeiShu:
		payload = feishuPost(title, body)
	case domain.ChannelDingDing:
		payload = map[string]any{
			"msgtype": "markdown",
			"markdown": map[string]string{
				"title": title,
				"text":  "### " + title + "\n\n" + body,
			},
		}
		if target.Sign != "" {
			signed, err := signDingDing(hook, target.Sign, s.clock.Now())
			if err != nil {
				return err
			}
			hook = signed
		}
	case domain.ChannelWeChat:
		payload = map[string]any{
			"msgtype": "markdown",
			"markdown": map[string]string{
				"content": "## " + title + "\n" + body,
			},
		}
	case domain.ChannelSlack:
		payload = map[string]string{"text": "*" + title + "*\n" + body}
	case domain.ChannelCustomHook:
		payload = customPayload{Title: title, Body: body, Message: msg}
	default:
		return fmt.Errorf("unsupported webhook channel %q", s.kind)
	}

	return s.post(ctx, hook, payload)
}

type customPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Message
}

func feishuPost(title, body string) map[string]any {
	return map[string]any{
		"msg_type": "post",
		"content": map[string]any{
			"post": map[string]any{
				"zh_cn": map[string]any{
					"title": title,
					"content": [][]map[string]string{
						{{"tag": "text", "text": body}},
					},
				},
			},
		},
	}
}

// signDingDing appends the robot timestamp and signature to hook. The
// signature is base64(hmac-sha256(secret, "<millis>\n<secret>")).
func signDingDing(hook, secret string, now time.Time) (string, error) {
	u, err := url.Parse(hook)
	if err != nil {
		return "", fmt.Errorf("invalid hook: %w", err)
	}
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "\n" + secret))

	q := u.Query()
	q.Set("timestamp", ts)
	q.Set("sign", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// robotResponse covers the error envelopes of FeiShu, DingDing and WeChat.
type robotResponse struct {
	ErrCode *int   `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
	Code    *int   `json:"code"`
	Msg     string `json:"msg"`
}

func (s *WebhookSender) post(ctx context.Context, hook string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}
	if s.kind == domain.ChannelSlack || s.kind == domain.ChannelCustomHook {
		return nil
	}

	var rr robotResponse
	if len(respBody) == 0 || json.Unmarshal(respBody, &rr) != nil {
		return nil
	}
	if rr.ErrCode != nil && *rr.ErrCode != 0 {
		return fmt.Errorf("robot error %d: %s", *rr.ErrCode, rr.ErrMsg)
	}
	if rr.Code != nil && *rr.Code != 0 {
		return fmt.Errorf("robot error %d: %s", *rr.Code, rr.Msg)
	}
	return nil
}
