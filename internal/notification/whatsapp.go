package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// WhatsAppCloudSender sends text messages through the Meta Graph API.
type WhatsAppCloudSender struct {
	token   string
	phoneID string
	baseURL string
	client  *http.Client
}

func NewWhatsAppCloudSender(token, phoneNumberID, baseURL string, client *http.Client) (*WhatsAppCloudSender, error) {
	if token == "" || phoneNumberID == "" {
		return nil, errors.New("whatsapp: token and phone number id are required")
	}
	if baseURL == "" {
		baseURL = "https://graph.facebook.com/v19.0"
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WhatsAppCloudSender{
		token:   token,
		phoneID: phoneNumberID,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}, nil
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (s *WhatsAppCloudSender) Send(ctx context.Context, to, body string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                strings.TrimPrefix(to, "+"),
		"type":              "text",
		"text": map[string]string{
			"body": body,
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Permanent("", err)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", s.baseURL, s.phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return Permanent("", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

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
	var ge graphError
	_ = json.Unmarshal(raw, &ge)

	code := ""
	if ge.Error.Code != 0 {
		code = strconv.Itoa(ge.Error.Code)
	}
	cause := fmt.Errorf("whatsapp status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Transient(code, cause)
	}
	return Permanent(code, cause)
}
