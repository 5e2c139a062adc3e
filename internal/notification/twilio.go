package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Twilio error codes that are worth another attempt. Everything else in the
// 4xx range means the request itself is wrong.
var twilioRetryableCodes = map[int]bool{
	20429: true, // too many requests
	63038: true, // daily message limit reached
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	Channel    string // sms or whatsapp
	BaseURL    string
}

// TwilioSender posts to the Twilio Programmable Messaging REST API.
type TwilioSender struct {
	cfg    TwilioConfig
	client *http.Client
}

func NewTwilioSender(cfg TwilioConfig, client *http.Client) (*TwilioSender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" {
		return nil, errors.New("twilio: account sid, auth token and sender number are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	if cfg.Channel == "" {
		cfg.Channel = "whatsapp"
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TwilioSender{cfg: cfg, client: client}, nil
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (s *TwilioSender) address(number string) string {
	if s.cfg.Channel == "whatsapp" && !strings.HasPrefix(number, "whatsapp:") {
		return "whatsapp:" + number
	}
	return number
}

func (s *TwilioSender) Send(ctx context.Context, to, body string) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(s.cfg.BaseURL, "/"), url.PathEscape(s.cfg.AccountSID))

	form := url.Values{}
	form.Set("From", s.address(s.cfg.From))
	form.Set("To", s.address(to))
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Permanent("", err)
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Transient("", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var apiErr twilioError
	_ = json.Unmarshal(raw, &apiErr)

	code := ""
	if apiErr.Code != 0 {
		code = strconv.Itoa(apiErr.Code)
	}
	msg := apiErr.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	cause := fmt.Errorf("twilio status %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return Transient(code, cause)
	case twilioRetryableCodes[apiErr.Code]:
		return Transient(code, cause)
	default:
		return Permanent(code, cause)
	}
}
