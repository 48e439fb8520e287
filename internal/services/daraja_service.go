package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Shared HTTP client for all provider calls.
var httpClient = &http.Client{Timeout: 15 * time.Second}

const tokenRefreshLeeway = 30 * time.Second

// DarajaCredentials is one owner's (or the platform's) Daraja credential
// set, already decrypted. Values stay in call scope.
type DarajaCredentials struct {
	ShortCode      string
	ConsumerKey    string
	ConsumerSecret string
	Passkey        string
}

// STKPushInput carries everything one push needs.
type STKPushInput struct {
	Credentials      DarajaCredentials
	TransactionType  string
	Amount           decimal.Decimal
	Msisdn           string
	AccountReference string
	Description      string
	CallbackURL      string
}

// STKPushResult is the provider's acceptance of a push. CheckoutRequestID
// is the correlation id callbacks echo back.
type STKPushResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	CustomerMessage   string
}

type cachedToken struct {
	token  string
	expiry time.Time
}

// DarajaService talks to the Daraja API. Access tokens are cached per
// consumer key behind a mutex so concurrent pushes for different owners
// do not thrash each other's sessions.
type DarajaService struct {
	baseURL string
	logger  *logrus.Logger

	tokenMu sync.RWMutex
	tokens  map[string]cachedToken
}

func NewDarajaService(baseURL string, logger *logrus.Logger) *DarajaService {
	return &DarajaService{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		tokens:  map[string]cachedToken{},
	}
}

type darajaAuthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// OAuthToken returns a cached access token for the credential pair,
// fetching a new one if needed. Also used by credential verification: a
// successful fetch proves the consumer pair is live.
func (s *DarajaService) OAuthToken(ctx context.Context, creds DarajaCredentials) (string, error) {
	return s.oauthToken(ctx, creds, false)
}

func (s *DarajaService) oauthToken(ctx context.Context, creds DarajaCredentials, force bool) (string, error) {
	if !force {
		if token, ok := s.cachedTokenFor(creds.ConsumerKey); ok {
			return token, nil
		}
	}

	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	// Check again in case another goroutine refreshed while we waited for the lock.
	if !force {
		if token := s.currentTokenLocked(creds.ConsumerKey); token != "" {
			return token, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("create daraja auth request: %w", err)
	}
	req.SetBasicAuth(creds.ConsumerKey, creds.ConsumerSecret)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", NewPaymentError(ErrKindProviderUnavailable, "payment provider is unreachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read daraja auth response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", NewPaymentError(ErrKindProviderRejected,
			fmt.Sprintf("provider rejected credentials (status %d)", resp.StatusCode))
	}

	var authResp darajaAuthResponse
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return "", fmt.Errorf("unmarshal daraja auth response: %w", err)
	}
	if authResp.AccessToken == "" {
		return "", errors.New("daraja auth response missing access_token")
	}

	entry := cachedToken{token: authResp.AccessToken}
	if secs, err := strconv.Atoi(strings.TrimSpace(authResp.ExpiresIn)); err == nil && secs > 0 {
		entry.expiry = time.Now().Add(time.Duration(secs) * time.Second)
	} else {
		// Fallback to a short lifetime when expiry is not provided.
		entry.expiry = time.Now().Add(5 * time.Minute)
	}
	s.tokens[creds.ConsumerKey] = entry

	return entry.token, nil
}

func (s *DarajaService) cachedTokenFor(consumerKey string) (string, bool) {
	s.tokenMu.RLock()
	defer s.tokenMu.RUnlock()

	token := s.currentTokenLocked(consumerKey)
	if token == "" {
		return "", false
	}
	return token, true
}

func (s *DarajaService) currentTokenLocked(consumerKey string) string {
	entry, ok := s.tokens[consumerKey]
	if !ok || entry.token == "" {
		return ""
	}
	if entry.expiry.IsZero() {
		return entry.token
	}
	if time.Now().Add(tokenRefreshLeeway).After(entry.expiry) {
		return ""
	}
	return entry.token
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// STKPush asks the provider to pop the payment prompt on the subscriber's
// phone. Acceptance only means the prompt is on its way; the outcome
// arrives later through reconciliation.
func (s *DarajaService) STKPush(ctx context.Context, input STKPushInput) (*STKPushResult, error) {
	timestamp := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString(
		[]byte(input.Credentials.ShortCode + input.Credentials.Passkey + timestamp))

	payload := stkPushRequest{
		BusinessShortCode: input.Credentials.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   input.TransactionType,
		Amount:            input.Amount.Round(0).String(),
		PartyA:            input.Msisdn,
		PartyB:            input.Credentials.ShortCode,
		PhoneNumber:       input.Msisdn,
		CallBackURL:       input.CallbackURL,
		AccountReference:  input.AccountReference,
		TransactionDesc:   input.Description,
	}

	status, respBody, err := s.postJSON(ctx, "/mpesa/stkpush/v1/processrequest", input.Credentials, payload)
	if err != nil {
		return nil, err
	}

	var pushResp stkPushResponse
	if err := json.Unmarshal(respBody, &pushResp); err != nil {
		return nil, fmt.Errorf("unmarshal stk push response: %w", err)
	}

	if status < 200 || status >= 300 {
		msg := strings.TrimSpace(pushResp.ErrorMessage)
		if msg == "" {
			msg = fmt.Sprintf("push rejected with status %d", status)
		}
		return nil, NewPaymentError(ErrKindProviderRejected, msg)
	}
	if pushResp.ResponseCode != "0" {
		msg := strings.TrimSpace(pushResp.ResponseDescription)
		if msg == "" {
			msg = "push not accepted"
		}
		return nil, NewPaymentError(ErrKindProviderRejected, msg)
	}
	if pushResp.CheckoutRequestID == "" {
		return nil, errors.New("stk push response missing CheckoutRequestID")
	}

	return &STKPushResult{
		MerchantRequestID: pushResp.MerchantRequestID,
		CheckoutRequestID: pushResp.CheckoutRequestID,
		CustomerMessage:   pushResp.CustomerMessage,
	}, nil
}

// postJSON performs an authenticated call, retrying once on 401 with a
// forced token refresh.
func (s *DarajaService) postJSON(ctx context.Context, path string, creds DarajaCredentials, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal daraja payload: %w", err)
	}

	do := func(token string) (int, []byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(string(body)))
		if err != nil {
			return 0, nil, fmt.Errorf("create daraja request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := httpClient.Do(req)
		if err != nil {
			return 0, nil, NewPaymentError(ErrKindProviderUnavailable, "payment provider is unreachable")
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return 0, nil, fmt.Errorf("read daraja response: %w", err)
		}
		return resp.StatusCode, respBody, nil
	}

	token, err := s.oauthToken(ctx, creds, false)
	if err != nil {
		return 0, nil, err
	}

	status, respBody, err := do(token)
	if err != nil {
		return 0, nil, err
	}
	if status != http.StatusUnauthorized {
		return status, respBody, nil
	}

	// Token likely expired; refresh and retry once.
	token, err = s.oauthToken(ctx, creds, true)
	if err != nil {
		return 0, nil, err
	}
	return do(token)
}

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseDarajaCallback extracts the push outcome from a callback body.
// ResultCode 0 is the sole success criterion; the metadata items (receipt,
// amount, phone) are present only on success.
func ParseDarajaCallback(body []byte) (*ProviderResult, error) {
	var envelope stkCallbackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal stk callback: %w", err)
	}

	cb := envelope.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, errors.New("stk callback missing CheckoutRequestID")
	}

	result := &ProviderResult{
		CorrelationID: cb.CheckoutRequestID,
		ResultCode:    cb.ResultCode,
		ResultDesc:    cb.ResultDesc,
	}

	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			if v, ok := item.Value.(string); ok {
				result.ReceiptReference = v
			}
		case "PhoneNumber":
			switch v := item.Value.(type) {
			case string:
				result.Msisdn = v
			case float64:
				result.Msisdn = strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
	}

	return result, nil
}
