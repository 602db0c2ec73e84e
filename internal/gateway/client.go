package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Client talks to the payment processor over HTTPS.
type Client struct {
	http      *http.Client
	baseURL   string
	accessKey string
	secretKey []byte
}

// ClientConfig configures the processor client.
type ClientConfig struct {
	BaseURL   string
	AccessKey string
	SecretKey string
	Timeout   time.Duration
}

// NewClient creates a processor client with traced transport.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		accessKey: cfg.AccessKey,
		secretKey: []byte(cfg.SecretKey),
	}
}

// StartCheckout prepares the signed form fields the purchaser's browser
// posts to the processor's hosted payment page.
func (c *Client) StartCheckout(ctx context.Context, order CheckoutOrder, callbacks CallbackURLs) (*CheckoutSession, error) {
	fields := map[string]string{
		"access_key":       c.accessKey,
		"reference_number": order.ReferenceNumber,
		"amount":           order.Total.StringFixed(2),
		"currency":         "USD",
		"consumer_id":      order.Username,
		"customer_ip":      order.IPAddress,
		"override_custom_receipt_page": callbacks.Success,
		"override_custom_cancel_page":  callbacks.Cancel,
	}
	fields["signed_field_names"] = signedFieldNames(fields)
	fields["signature"] = c.Sign(fields)

	return &CheckoutSession{
		URL:    c.baseURL + "/pay",
		Fields: fields,
	}, nil
}

// StartRefund issues a refund with the processor and maps its answer onto
// the package's sentinel errors.
func (c *Client) StartRefund(ctx context.Context, req *RefundRequest) (*RefundResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode refund request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/refunds", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build refund request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.accessKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "call processor")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read processor response")
	}

	var out RefundResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "decode processor response")
	}
	out.Body = raw

	zctx.From(ctx).Debug("Processor refund response",
		zap.String("transaction_id", req.TransactionID),
		zap.String("state", out.State),
		zap.Int("status", resp.StatusCode),
	)

	switch {
	case out.State == "DUPLICATE_REQUEST":
		return &out, ErrDuplicateRefund
	case !out.Accepted():
		return &out, errors.Wrapf(ErrRefundDenied, "state %s", out.State)
	}
	return &out, nil
}

// Sign computes the HMAC-SHA256 signature over the signed fields, the same
// scheme the processor uses for its callback notifications.
func (c *Client) Sign(fields map[string]string) string {
	names := strings.Split(fields["signed_field_names"], ",")
	if fields["signed_field_names"] == "" {
		names = nil
	}
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+fields[name])
	}

	mac := hmac.New(sha256.New, c.secretKey)
	mac.Write([]byte(strings.Join(pairs, ",")))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a processor callback against its signature using a
// constant-time comparison.
func (c *Client) VerifySignature(fields map[string]string, signature string) bool {
	want := c.Sign(fields)
	return hmac.Equal([]byte(want), []byte(signature))
}

func signedFieldNames(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
