package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ProviderState is a provider's view of a payment attempt.
type ProviderState string

const (
	ProviderPending   ProviderState = "pending"
	ProviderSucceeded ProviderState = "succeeded"
	ProviderFailed    ProviderState = "failed"
)

// Provider abstracts a payment gateway. Initiate starts a charge and
// returns the provider reference; for hosted-checkout providers the
// reference doubles as the redirect URL. PollStatus is used by the
// stale-payment sweep.
type Provider interface {
	Initiate(ctx context.Context, amount float64, destination string) (string, error)
	PollStatus(ctx context.Context, ref string) (ProviderState, error)
}

// MpesaClient issues STK push requests against a Daraja-style endpoint.
type MpesaClient struct {
	httpClient *http.Client
	endpoint   string
	shortcode  string
}

// NewMpesaClient constructs an M-Pesa client.
func NewMpesaClient(httpClient *http.Client, endpoint, shortcode string) *MpesaClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &MpesaClient{httpClient: httpClient, endpoint: endpoint, shortcode: shortcode}
}

type stkPushRequest struct {
	Shortcode string  `json:"BusinessShortCode"`
	Amount    float64 `json:"Amount"`
	Phone     string  `json:"PhoneNumber"`
}

type stkPushResponse struct {
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResponseCode      string `json:"ResponseCode"`
	ResponseDesc      string `json:"ResponseDescription"`
}

// Initiate sends an STK push to the subscriber's phone.
func (c *MpesaClient) Initiate(ctx context.Context, amount float64, phone string) (string, error) {
	body, err := json.Marshal(stkPushRequest{Shortcode: c.shortcode, Amount: amount, Phone: phone})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/stkpush", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("mpesa stk push: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mpesa stk push: unexpected status %d", res.StatusCode)
	}
	var parsed stkPushResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if parsed.ResponseCode != "0" {
		return "", fmt.Errorf("mpesa stk push rejected: %s", parsed.ResponseDesc)
	}
	return parsed.CheckoutRequestID, nil
}

type stkQueryResponse struct {
	ResultCode string `json:"ResultCode"`
}

// PollStatus queries the STK push result.
func (c *MpesaClient) PollStatus(ctx context.Context, ref string) (ProviderState, error) {
	body, err := json.Marshal(map[string]string{"CheckoutRequestID": ref})
	if err != nil {
		return ProviderPending, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/stkpushquery", bytes.NewReader(body))
	if err != nil {
		return ProviderPending, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return ProviderPending, fmt.Errorf("mpesa query: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return ProviderPending, fmt.Errorf("mpesa query: unexpected status %d", res.StatusCode)
	}
	var parsed stkQueryResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return ProviderPending, err
	}
	switch parsed.ResultCode {
	case "0":
		return ProviderSucceeded, nil
	case "1032", "1037", "1":
		return ProviderFailed, nil
	default:
		return ProviderPending, nil
	}
}

// StripeClient creates hosted checkout sessions. The returned reference
// is the checkout URL the payer is redirected to.
type StripeClient struct {
	httpClient *http.Client
	endpoint   string
}

// NewStripeClient constructs a Stripe client.
func NewStripeClient(httpClient *http.Client, endpoint string) *StripeClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &StripeClient{httpClient: httpClient, endpoint: endpoint}
}

type checkoutSessionResponse struct {
	URL    string `json:"url"`
	Status string `json:"status"`
}

// Initiate creates a checkout session for the amount in KES.
func (c *StripeClient) Initiate(ctx context.Context, amount float64, reference string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"amount":    int64(amount * 100),
		"currency":  "kes",
		"reference": reference,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/checkout/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("stripe checkout: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stripe checkout: unexpected status %d", res.StatusCode)
	}
	var parsed checkoutSessionResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if parsed.URL == "" {
		return "", fmt.Errorf("stripe checkout: empty session url")
	}
	return parsed.URL, nil
}

// PollStatus fetches the checkout session state.
func (c *StripeClient) PollStatus(ctx context.Context, ref string) (ProviderState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return ProviderPending, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return ProviderPending, fmt.Errorf("stripe query: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return ProviderPending, fmt.Errorf("stripe query: unexpected status %d", res.StatusCode)
	}
	var parsed checkoutSessionResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return ProviderPending, err
	}
	switch parsed.Status {
	case "complete", "paid":
		return ProviderSucceeded, nil
	case "expired", "failed":
		return ProviderFailed, nil
	default:
		return ProviderPending, nil
	}
}

// BankProvider satisfies Provider for bank transfers, which have no
// upstream gateway. Initiate returns an empty reference and completion
// only happens through staff verification.
type BankProvider struct{}

func (BankProvider) Initiate(ctx context.Context, amount float64, destination string) (string, error) {
	return "", nil
}

func (BankProvider) PollStatus(ctx context.Context, ref string) (ProviderState, error) {
	return ProviderPending, nil
}

var (
	_ Provider = (*MpesaClient)(nil)
	_ Provider = (*StripeClient)(nil)
	_ Provider = BankProvider{}
)
