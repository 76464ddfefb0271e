// Package mpesa is a small client for Safaricom's Daraja API: OAuth tokens,
// STK push requests and STK callback parsing.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/flowmerce/flowmerce/internal/config"
)

const timestampLayout = "20060102150405"

// ErrInvalidPhone is returned for numbers that are not Kenyan mobile numbers.
var ErrInvalidPhone = errors.New("invalid phone number")

// Client talks to Daraja. It is safe for concurrent use.
type Client struct {
	cfg    config.MpesaConfig
	http   *http.Client
	now    func() time.Time
	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewClient creates a Daraja client. A nil httpClient uses a 30s timeout client.
func NewClient(cfg config.MpesaConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: httpClient, now: time.Now}
}

// STKPushRequest asks the customer's phone to authorize a payment.
type STKPushRequest struct {
	Phone            string
	Amount           int64
	AccountReference string
	Description      string
}

// STKPushResponse is Daraja's acknowledgement of an STK push.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

// NormalizePhone converts 07XXXXXXXX, 01XXXXXXXX, +2547XXXXXXXX and similar
// forms to 254XXXXXXXXX.
func NormalizePhone(phone string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9':
			return r
		case r == ' ' || r == '-' || r == '+' || r == '(' || r == ')':
			return -1
		}
		return 'x'
	}, strings.TrimSpace(phone))
	if strings.ContainsRune(digits, 'x') {
		return "", ErrInvalidPhone
	}

	switch {
	case len(digits) == 10 && digits[0] == '0':
		digits = "254" + digits[1:]
	case len(digits) == 9:
		digits = "254" + digits
	}
	if len(digits) != 12 || !strings.HasPrefix(digits, "254") || (digits[3] != '7' && digits[3] != '1') {
		return "", ErrInvalidPhone
	}
	return digits, nil
}

// accessToken returns a cached OAuth token, fetching a new one when it is
// within a minute of expiring.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.expiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	body, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	token := gjson.GetBytes(body, "access_token").String()
	if token == "" {
		return "", fmt.Errorf("fetch token: no access_token in response")
	}
	ttl := time.Duration(gjson.GetBytes(body, "expires_in").Int()) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.token = token
	c.expiry = c.now().Add(ttl - time.Minute)
	return token, nil
}

// STKPush sends a CustomerPayBillOnline request and returns the checkout id
// Daraja assigned to it.
func (c *Client) STKPush(ctx context.Context, in STKPushRequest) (*STKPushResponse, error) {
	phone, err := NormalizePhone(in.Phone)
	if err != nil {
		return nil, err
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := c.now().Format(timestampLayout)
	payload := map[string]any{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          Password(c.cfg.ShortCode, c.cfg.Passkey, ts),
		"Timestamp":         ts,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            in.Amount,
		"PartyA":            phone,
		"PartyB":            c.cfg.ShortCode,
		"PhoneNumber":       phone,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  in.AccountReference,
		"TransactionDesc":   in.Description,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode stk push: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create stk push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("stk push: %w", err)
	}
	var resp STKPushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode stk push response: %w", err)
	}
	if resp.ResponseCode != "0" || resp.CheckoutRequestID == "" {
		return nil, fmt.Errorf("stk push rejected: %s", resp.ResponseDescription)
	}
	return &resp, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		if msg := gjson.GetBytes(body, "errorMessage").String(); msg != "" {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// CallbackResult is the outcome of an STK push reported by Daraja.
type CallbackResult struct {
	MerchantRequestID  string
	CheckoutRequestID  string
	ResultCode         int64
	ResultDesc         string
	MpesaReceiptNumber string
	Amount             int64
	Phone              string
}

// Success reports a completed payment.
func (r *CallbackResult) Success() bool { return r.ResultCode == 0 }

// ParseCallback extracts the STK callback fields from a Daraja webhook body.
func ParseCallback(body []byte) (*CallbackResult, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("callback is not valid JSON")
	}
	cb := gjson.GetBytes(body, "Body.stkCallback")
	if !cb.Exists() {
		return nil, fmt.Errorf("callback has no Body.stkCallback")
	}
	res := &CallbackResult{
		MerchantRequestID: cb.Get("MerchantRequestID").String(),
		CheckoutRequestID: cb.Get("CheckoutRequestID").String(),
		ResultCode:        cb.Get("ResultCode").Int(),
		ResultDesc:        cb.Get("ResultDesc").String(),
	}
	if res.CheckoutRequestID == "" {
		return nil, fmt.Errorf("callback has no CheckoutRequestID")
	}
	if !cb.Get("ResultCode").Exists() {
		return nil, fmt.Errorf("callback has no ResultCode")
	}
	items := cb.Get("CallbackMetadata.Item")
	res.MpesaReceiptNumber = items.Get(`#(Name=="MpesaReceiptNumber").Value`).String()
	res.Amount = items.Get(`#(Name=="Amount").Value`).Int()
	res.Phone = items.Get(`#(Name=="PhoneNumber").Value`).String()
	return res, nil
}
