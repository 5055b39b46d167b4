// Package gateway is the outbound messaging client: one POST per rendered
// message to the WhatsApp gateway. Timeouts and retries are owned by the
// notifier's submit pipeline, which keeps this client a thin contract seam.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/mandihq/mandi/errs"
)

// Client posts messages to the external gateway. A client with no URL is
// disabled: sends log at debug and succeed, so environments without
// messaging credentials degrade to no outbound traffic.
type Client struct {
	url   string
	token string
	http  *http.Client
}

func New(url, token string) *Client {
	return &Client{
		url:   strings.TrimRight(url, "/"),
		token: token,
		http:  &http.Client{},
	}
}

// Enabled reports whether outbound messaging is configured.
func (c *Client) Enabled() bool { return c.url != "" }

type sendRequest struct {
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

// Send delivers |text| to |channelID|. The passed context carries the
// caller's deadline; Send itself imposes none.
func (c *Client) Send(ctx context.Context, channelID, text string) error {
	if !c.Enabled() {
		log.WithField("channel", channelID).Debug("gateway disabled, dropping outbound message")
		return nil
	}

	var body, err = json.Marshal(sendRequest{ChannelID: channelID, Text: text})
	if err != nil {
		return fmt.Errorf("encoding gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.ExternalService, err, "posting message to gateway")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var detail, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		return errs.New(errs.ExternalService, "gateway returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
