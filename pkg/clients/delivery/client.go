// Package delivery is the client for the content delivery gateway.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/outflowhq/outflow/pkg/resilient"
)

// ErrDeliveryRejected means the gateway accepted the request at the
// transport level but reported a payload-level failure.
var ErrDeliveryRejected = errors.New("delivery rejected by gateway")

type Client struct {
	baseURL string
	apiKey  string
	rc      *resilient.Client
}

func NewClient(baseURL, apiKey string, rc *resilient.Client) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, rc: rc}
}

// SendRequest is one outbound message.
type SendRequest struct {
	RecipientAddress string `json:"recipient_address"`
	RecipientName    string `json:"recipient_name,omitempty"`
	Subject          string `json:"subject"`
	Body             string `json:"body"`
	ContentID        string `json:"content_id,omitempty"`
	CampaignID       string `json:"campaign_id,omitempty"`
}

// Send delivers one message. The gateway signals failure in the response
// payload even on a 200, so the success flag is authoritative, not the
// transport status.
func (c *Client) Send(ctx context.Context, req SendRequest) error {
	resp, err := c.rc.Call(ctx, c.baseURL, "/v1/send", resilient.Request{
		Method:  http.MethodPost,
		Body:    req,
		Headers: map[string]string{"Authorization": "Bearer " + c.apiKey},
	})
	if err != nil {
		return fmt.Errorf("deliver content to %s: %w", req.RecipientAddress, err)
	}

	var payload struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}

	if err := resp.DecodeJSON(&payload); err != nil {
		return err
	}

	if !payload.Success {
		reason := payload.Error
		if reason == "" {
			reason = "no error reported"
		}

		return fmt.Errorf("%w: %s", ErrDeliveryRejected, reason)
	}

	return nil
}
