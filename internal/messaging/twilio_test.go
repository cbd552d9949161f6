package messaging

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeE164(t *testing.T) {
	cases := map[string]string{
		"+1 (555) 123-4567": "+15551234567",
		"555-123-4567":      "+15551234567",
		"15551234567":       "+15551234567",
		"447700900123":      "+447700900123",
		"+44 7700 900123":   "+447700900123",
		"12345":             "+112345",
		"  ":                "",
		"n/a":               "",
	}
	for in, want := range cases {
		if got := NormalizeE164(in); got != want {
			t.Fatalf("NormalizeE164(%q)=%q want %q", in, got, want)
		}
	}
}

func TestValidateTwilioSignature(t *testing.T) {
	const token = "secret-token"
	const hook = "https://textflow.example.com/webhooks/twilio/sms"
	form := url.Values{"From": {"+15551234567"}, "Body": {"how much?"}, "MessageSid": {"SM1"}}

	newReq := func(sig string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/sms", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if sig != "" {
			req.Header.Set("X-Twilio-Signature", sig)
		}
		return req
	}

	assert.True(t, ValidateTwilioSignature(newReq(SignTwilioRequest(hook, form, token)), token, hook))
	assert.False(t, ValidateTwilioSignature(newReq(SignTwilioRequest(hook, form, "other")), token, hook))
	assert.False(t, ValidateTwilioSignature(newReq(""), token, hook))
	assert.False(t, ValidateTwilioSignature(newReq(SignTwilioRequest(hook, form, token)), "", hook))
}

func TestParseTwilioWebhook(t *testing.T) {
	form := url.Values{"From": {"(555) 123-4567"}, "To": {"+15559876543"}, "Body": {" STOP "}, "MessageSid": {"SM123"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	parsed, err := ParseTwilioWebhook(req)
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", parsed.From)
	assert.Equal(t, "+15559876543", parsed.To)
	assert.Equal(t, " STOP ", parsed.Body)
	assert.Equal(t, "SM123", parsed.MessageSid)

	missing := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("Body=hi"))
	missing.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_, err = ParseTwilioWebhook(missing)
	assert.ErrorIs(t, err, ErrMissingFields)
}

func TestTwiML(t *testing.T) {
	assert.Equal(t, `<?xml version="1.0" encoding="UTF-8"?>`+"\n"+`<Response><Message>Fees &amp; pricing</Message></Response>`, string(TwiML("Fees & pricing")))
	assert.Equal(t, `<?xml version="1.0" encoding="UTF-8"?>`+"\n"+`<Response></Response>`, string(TwiML("  ")))
}

func newTestSender(t *testing.T, handler http.HandlerFunc) *TwilioSender {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s := NewTwilioSender("AC123", "token", "+15550000000", nil)
	s.baseURL = srv.URL
	s.backoff = func(int) time.Duration { return time.Millisecond }
	return s
}

func TestTwilioSenderSend(t *testing.T) {
	var gotForm url.Values
	s := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "token", pass)
		body, _ := io.ReadAll(r.Body)
		gotForm, _ = url.ParseQuery(string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM999","status":"queued"}`))
	})

	res, err := s.Send(context.Background(), OutboundMessage{To: "+15551234567", Body: "hi", OwnerID: "owner-1"})
	require.NoError(t, err)
	assert.Equal(t, SendResult{ProviderMessageID: "SM999", Status: "queued"}, res)
	assert.Equal(t, "+15550000000", gotForm.Get("From"))
	assert.Equal(t, "hi", gotForm.Get("Body"))
}

func TestTwilioSenderRetries(t *testing.T) {
	var calls int32
	s := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1"}`))
	})
	_, err := s.Send(context.Background(), OutboundMessage{To: "+15551234567", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestTwilioSenderStopsOnClientError(t *testing.T) {
	var calls int32
	s := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number"}`))
	})
	_, err := s.Send(context.Background(), OutboundMessage{To: "+1", Body: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 21211")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTwilioSenderValidation(t *testing.T) {
	s := NewTwilioSender("", "", "", nil)
	_, err := s.Send(context.Background(), OutboundMessage{To: "+1555", Body: "x"})
	assert.Error(t, err)

	s = NewTwilioSender("AC", "tok", "", nil)
	for _, msg := range []OutboundMessage{{Body: "x"}, {To: "+1555", Body: "x"}, {To: "+1555", From: "+1666", Body: " "}} {
		_, err := s.Send(context.Background(), msg)
		assert.Error(t, err)
	}

	var sender Sender = NewLogSender(nil)
	res, err := sender.Send(context.Background(), OutboundMessage{To: "+1555", Body: "x"})
	assert.NoError(t, err)
	assert.Equal(t, "logged", res.Status)
}
