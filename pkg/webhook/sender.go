package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/almasgold/ttbroker/params"
)

// Sender delivers outbound messages to the client's phone.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

// TwilioSender posts to the Twilio Messages REST endpoint with basic auth.
type TwilioSender struct {
	cfg    params.Vendor
	client *http.Client
	base   string
}

func NewTwilioSender(cfg params.Vendor) *TwilioSender {
	return &TwilioSender{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		base:   "https://api.twilio.com",
	}
}

func (t *TwilioSender) Send(ctx context.Context, to, body string) error {
	form := url.Values{}
	form.Set("From", t.cfg.Sender)
	form.Set("To", to)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.base, t.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("vendor send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("vendor send: status %d: %s", resp.StatusCode, detail)
	}
	return nil
}
