package paymentapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/majisafe/majisafe/internal/domain/payment"
)

// Client reads payment status from the SMS payment gateway. It implements payment.Source.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{http: c}
}

func (c *Client) Status(ctx context.Context, sessionKey string) (*payment.Status, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("session", sessionKey).
		SetResult(&payment.Status{}).
		Get("/sms-status")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("sms-status returned %d: %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	return resp.Result().(*payment.Status), nil
}

type confirmRequest struct {
	Session string `json:"session"`
	TxHash  string `json:"tx_hash"`
}

func (c *Client) NotifyLedgerConfirmed(ctx context.Context, sessionKey, txHash string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(confirmRequest{Session: sessionKey, TxHash: txHash}).
		Post("/blockchain-confirmed")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("blockchain-confirmed returned %d: %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	return nil
}
