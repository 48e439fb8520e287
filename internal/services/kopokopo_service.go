package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// AggregatorCredentials is a till-aggregator client pair plus the till it
// fronts, already decrypted.
type AggregatorCredentials struct {
	TillNumber   string
	ClientID     string
	ClientSecret string
}

// IncomingPaymentInput carries one aggregator push request.
type IncomingPaymentInput struct {
	Credentials AggregatorCredentials
	Msisdn      string
	Amount      decimal.Decimal
	Reference   string
	InvoiceID   string
	CallbackURL string
}

// IncomingPaymentResult is the aggregator's acceptance. PaymentID is the
// correlation id; StatusURL is the provider-assigned resource location,
// captured verbatim at initiation because it cannot be reconstructed.
type IncomingPaymentResult struct {
	PaymentID string
	StatusURL string
}

// KopoKopoService talks to the till-aggregator API. Tokens are cached per
// client id, mirroring the Daraja cache.
type KopoKopoService struct {
	baseURL string
	logger  *logrus.Logger

	tokenMu sync.RWMutex
	tokens  map[string]cachedToken
}

func NewKopoKopoService(baseURL string, logger *logrus.Logger) *KopoKopoService {
	return &KopoKopoService{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		tokens:  map[string]cachedToken{},
	}
}

type aggregatorAuthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// OAuthToken performs the client-credentials grant, serving from cache
// while the token is fresh. Credential verification reuses this: a grant
// that succeeds proves the pair.
func (s *KopoKopoService) OAuthToken(ctx context.Context, creds AggregatorCredentials) (string, error) {
	return s.oauthToken(ctx, creds, false)
}

func (s *KopoKopoService) oauthToken(ctx context.Context, creds AggregatorCredentials, force bool) (string, error) {
	if !force {
		s.tokenMu.RLock()
		if entry, ok := s.tokens[creds.ClientID]; ok && entry.token != "" && time.Now().Add(tokenRefreshLeeway).Before(entry.expiry) {
			token := entry.token
			s.tokenMu.RUnlock()
			return token, nil
		}
		s.tokenMu.RUnlock()
	}

	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	// Double-check after acquiring write lock.
	if !force {
		if entry, ok := s.tokens[creds.ClientID]; ok && entry.token != "" && time.Now().Add(tokenRefreshLeeway).Before(entry.expiry) {
			return entry.token, nil
		}
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/oauth/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create aggregator auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", NewPaymentError(ErrKindProviderUnavailable, "aggregator is unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read aggregator auth response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", NewPaymentError(ErrKindProviderRejected,
			fmt.Sprintf("aggregator rejected credentials (status %d)", resp.StatusCode))
	}

	var authResp aggregatorAuthResponse
	if err := json.Unmarshal(body, &authResp); err != nil {
		return "", fmt.Errorf("unmarshal aggregator auth response: %w", err)
	}
	if authResp.AccessToken == "" {
		return "", errors.New("aggregator auth response missing access_token")
	}

	entry := cachedToken{token: authResp.AccessToken}
	if authResp.ExpiresIn > 0 {
		entry.expiry = time.Now().Add(time.Duration(authResp.ExpiresIn) * time.Second)
	} else {
		entry.expiry = time.Now().Add(55 * time.Minute)
	}
	s.tokens[creds.ClientID] = entry

	return entry.token, nil
}

type incomingPaymentRequest struct {
	PaymentChannel string `json:"payment_channel"`
	TillNumber     string `json:"till_number"`
	Subscriber     struct {
		PhoneNumber string `json:"phone_number"`
	} `json:"subscriber"`
	Amount struct {
		Currency string `json:"currency"`
		Value    string `json:"value"`
	} `json:"amount"`
	Metadata map[string]string `json:"metadata"`
	Links    struct {
		CallbackURL string `json:"callback_url"`
	} `json:"_links"`
}

// CreateIncomingPayment asks the aggregator to push the payment prompt.
// Acceptance is HTTP 201 with the resource location in the Location
// header; there is no body worth parsing on the happy path.
func (s *KopoKopoService) CreateIncomingPayment(ctx context.Context, input IncomingPaymentInput) (*IncomingPaymentResult, error) {
	token, err := s.oauthToken(ctx, input.Credentials, false)
	if err != nil {
		return nil, err
	}

	var payload incomingPaymentRequest
	payload.PaymentChannel = "M-PESA STK Push"
	payload.TillNumber = input.Credentials.TillNumber
	payload.Subscriber.PhoneNumber = input.Msisdn
	payload.Amount.Currency = "KES"
	payload.Amount.Value = input.Amount.Round(0).String()
	payload.Metadata = map[string]string{
		"reference":  input.Reference,
		"invoice_id": input.InvoiceID,
	}
	payload.Links.CallbackURL = input.CallbackURL

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal incoming payment: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/incoming_payments",
		strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("create incoming payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, NewPaymentError(ErrKindProviderUnavailable, "aggregator is unreachable")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		// Retry once with a forced refresh.
		token, err = s.oauthToken(ctx, input.Credentials, true)
		if err != nil {
			return nil, err
		}
		req2, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/incoming_payments",
			strings.NewReader(string(body)))
		if err != nil {
			return nil, err
		}
		req2.Header.Set("Content-Type", "application/json")
		req2.Header.Set("Authorization", "Bearer "+token)

		resp2, err := httpClient.Do(req2)
		if err != nil {
			return nil, NewPaymentError(ErrKindProviderUnavailable, "aggregator is unreachable")
		}
		defer resp2.Body.Close()
		respBody, _ = io.ReadAll(resp2.Body)
		resp = resp2
	}

	if resp.StatusCode != http.StatusCreated {
		msg := aggregatorErrorMessage(respBody)
		if msg == "" {
			msg = fmt.Sprintf("aggregator rejected push (status %d)", resp.StatusCode)
		}
		return nil, NewPaymentError(ErrKindProviderRejected, msg)
	}

	location := strings.TrimSpace(resp.Header.Get("Location"))
	if location == "" {
		return nil, errors.New("aggregator response missing Location header")
	}

	return &IncomingPaymentResult{
		PaymentID: lastPathSegment(location),
		StatusURL: location,
	}, nil
}

// aggregatorPayment tolerates both payload shapes the API emits: flat
// webhook bodies and the data/attributes envelope of the status resource.
type aggregatorPayment struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Event  struct {
		Resource struct {
			Reference         string `json:"reference"`
			Status            string `json:"status"`
			SenderPhoneNumber string `json:"sender_phone_number"`
		} `json:"resource"`
		Errors string `json:"errors"`
	} `json:"event"`
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Status string `json:"status"`
			Event  struct {
				Resource struct {
					Reference         string `json:"reference"`
					Status            string `json:"status"`
					SenderPhoneNumber string `json:"sender_phone_number"`
				} `json:"resource"`
				Errors string `json:"errors"`
			} `json:"event"`
		} `json:"attributes"`
	} `json:"data"`
}

func (p aggregatorPayment) normalizedID() string {
	if id := strings.TrimSpace(p.ID); id != "" {
		return id
	}
	return strings.TrimSpace(p.Data.ID)
}

func (p aggregatorPayment) normalizedStatus() string {
	if status := strings.TrimSpace(p.Status); status != "" {
		return status
	}
	return strings.TrimSpace(p.Data.Attributes.Status)
}

func (p aggregatorPayment) normalizedReference() string {
	if ref := strings.TrimSpace(p.Event.Resource.Reference); ref != "" {
		return ref
	}
	return strings.TrimSpace(p.Data.Attributes.Event.Resource.Reference)
}

func (p aggregatorPayment) normalizedSender() string {
	if sender := strings.TrimSpace(p.Event.Resource.SenderPhoneNumber); sender != "" {
		return sender
	}
	return strings.TrimSpace(p.Data.Attributes.Event.Resource.SenderPhoneNumber)
}

func (p aggregatorPayment) normalizedErrors() string {
	if msg := strings.TrimSpace(p.Event.Errors); msg != "" {
		return msg
	}
	return strings.TrimSpace(p.Data.Attributes.Event.Errors)
}

// result maps the aggregator's status vocabulary onto a push outcome.
// Several spellings mean settled; a nil return means still pending.
func (p aggregatorPayment) result() *ProviderResult {
	status := strings.ToLower(p.normalizedStatus())
	switch status {
	case "success", "received", "completed":
		return &ProviderResult{
			CorrelationID:    p.normalizedID(),
			ResultCode:       0,
			ResultDesc:       "The service request is processed successfully.",
			ReceiptReference: p.normalizedReference(),
			Msisdn:           p.normalizedSender(),
		}
	case "failed", "declined", "error":
		desc := p.normalizedErrors()
		if desc == "" {
			desc = "payment " + status
		}
		return &ProviderResult{
			CorrelationID: p.normalizedID(),
			ResultCode:    1,
			ResultDesc:    desc,
		}
	}
	return nil
}

// AggregatorStatus is one status read of an incoming payment. Result is
// nil while the payment is still pending on the subscriber's phone.
type AggregatorStatus struct {
	PaymentID string
	RawStatus string
	Result    *ProviderResult
}

// QueryStatus reads the stored status URL. Used only by on-demand
// verification; the URL comes from transaction metadata.
func (s *KopoKopoService) QueryStatus(ctx context.Context, creds AggregatorCredentials, statusURL string) (*AggregatorStatus, error) {
	token, err := s.oauthToken(ctx, creds, false)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, NewPaymentError(ErrKindProviderUnavailable, "aggregator is unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read status response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewPaymentError(ErrKindProviderRejected,
			fmt.Sprintf("aggregator status read failed (status %d)", resp.StatusCode))
	}

	var payment aggregatorPayment
	if err := json.Unmarshal(body, &payment); err != nil {
		return nil, fmt.Errorf("unmarshal status response: %w", err)
	}

	return &AggregatorStatus{
		PaymentID: payment.normalizedID(),
		RawStatus: payment.normalizedStatus(),
		Result:    payment.result(),
	}, nil
}

// ParseKopoKopoWebhook extracts the push outcome from a webhook delivery.
// A webhook for a still-pending payment yields no result and is ignored
// by ingestion.
func ParseKopoKopoWebhook(body []byte) (*ProviderResult, error) {
	var payment aggregatorPayment
	if err := json.Unmarshal(body, &payment); err != nil {
		return nil, fmt.Errorf("unmarshal aggregator webhook: %w", err)
	}
	if payment.normalizedID() == "" {
		return nil, errors.New("aggregator webhook missing payment id")
	}
	return payment.result(), nil
}

func aggregatorErrorMessage(body []byte) string {
	var parsed struct {
		ErrorMessage string `json:"error_message"`
		Error        string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	if msg := strings.TrimSpace(parsed.ErrorMessage); msg != "" {
		return msg
	}
	return strings.TrimSpace(parsed.Error)
}

func lastPathSegment(rawURL string) string {
	trimmed := strings.TrimRight(rawURL, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}
