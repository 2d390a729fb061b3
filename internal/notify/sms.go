package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lukaswerner/displaywatch/internal/model"
)

// SMSProvider sends short notifications through an HTTP SMS gateway, one
// form-encoded POST per recipient.
type SMSProvider struct {
	gatewayURL string
	apiToken   string
	recipients []string
	client     *http.Client
}

// NewSMS creates an SMS notification provider.
func NewSMS(gatewayURL, apiToken string, recipients []string) *SMSProvider {
	return &SMSProvider{
		gatewayURL: gatewayURL,
		apiToken:   apiToken,
		recipients: recipients,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *SMSProvider) Name() string           { return "sms" }
func (p *SMSProvider) Channel() model.Channel { return model.ChannelSMS }

func (p *SMSProvider) Send(ctx context.Context, n model.Notification) error {
	body := fmt.Sprintf("[%s] %s", strings.ToUpper(string(n.Severity)), n.Message)

	for _, to := range p.recipients {
		form := url.Values{}
		form.Set("to", to)
		form.Set("body", body)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.gatewayURL,
			strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("sms: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if p.apiToken != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiToken)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("sms: send to %s: %w", to, err)
		}
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("sms: unexpected status %d for %s", resp.StatusCode, to)
		}
	}
	return nil
}
