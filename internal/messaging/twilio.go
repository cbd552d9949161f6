package messaging

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// ErrMissingFields is returned for webhooks without a sender or message id.
var ErrMissingFields = errors.New("messaging: webhook missing From or MessageSid")

// ValidateTwilioSignature validates that a request came from Twilio
func ValidateTwilioSignature(r *http.Request, authToken, webhookURL string) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || authToken == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	payload := buildSignaturePayload(webhookURL, r.PostForm)
	expected := ComputeTwilioSignature(payload, authToken)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// buildSignaturePayload creates the payload string for signature verification
func buildSignaturePayload(url string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(url)
	for _, key := range keys {
		for _, value := range params[key] {
			payload.WriteString(key)
			payload.WriteString(value)
		}
	}
	return payload.String()
}

// SignTwilioRequest returns the X-Twilio-Signature Twilio would send for a
// form POST to webhookURL. Used by tests and local tooling.
func SignTwilioRequest(webhookURL string, form url.Values, authToken string) string {
	return ComputeTwilioSignature(buildSignaturePayload(webhookURL, form), authToken)
}

// ComputeTwilioSignature computes the HMAC-SHA1 signature
func ComputeTwilioSignature(data, key string) string {
	h := hmac.New(sha1.New, []byte(key))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// TwilioWebhookRequest represents an incoming Twilio webhook
type TwilioWebhookRequest struct {
	MessageSid string
	AccountSid string
	From       string
	To         string
	Body       string
	NumMedia   string
}

// ParseTwilioWebhook parses a Twilio webhook request. Phone numbers come back
// in E.164.
func ParseTwilioWebhook(r *http.Request) (*TwilioWebhookRequest, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}

	req := &TwilioWebhookRequest{
		MessageSid: strings.TrimSpace(r.FormValue("MessageSid")),
		AccountSid: r.FormValue("AccountSid"),
		From:       NormalizeE164(r.FormValue("From")),
		To:         NormalizeE164(r.FormValue("To")),
		Body:       r.FormValue("Body"),
		NumMedia:   r.FormValue("NumMedia"),
	}
	if req.From == "" || req.MessageSid == "" {
		return nil, ErrMissingFields
	}
	return req, nil
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message *string  `xml:"Message,omitempty"`
}

// TwiML renders a messaging response. An empty body yields an empty
// <Response/>, which tells Twilio to send nothing.
func TwiML(body string) []byte {
	resp := twimlResponse{}
	if strings.TrimSpace(body) != "" {
		resp.Message = &body
	}
	out, err := xml.Marshal(resp)
	if err != nil {
		return []byte(xml.Header + "<Response></Response>")
	}
	return append([]byte(xml.Header), out...)
}

// WebhookURL rebuilds the public URL Twilio signed. A configured public base
// wins over forwarded headers.
func WebhookURL(r *http.Request, publicBase string) string {
	if r.URL == nil {
		return ""
	}
	if base := strings.TrimRight(strings.TrimSpace(publicBase), "/"); base != "" {
		return base + r.URL.RequestURI()
	}
	if r.URL.Scheme != "" {
		return r.URL.String()
	}
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
		if r.TLS == nil {
			scheme = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
}
