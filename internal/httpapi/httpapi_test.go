package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nugget/contentdigest/internal/errkind"
	"github.com/nugget/contentdigest/internal/subscriber"
)

type fakeSubscriberController struct {
	subscribeResult   subscriber.Subscriber
	subscribeErr      error
	verifyResult      subscriber.Subscriber
	verifyErr         error
	unsubscribeResult subscriber.Subscriber
	unsubscribeErr    error
}

func (f *fakeSubscriberController) Subscribe(ctx context.Context, email string) (subscriber.Subscriber, error) {
	return f.subscribeResult, f.subscribeErr
}

func (f *fakeSubscriberController) Verify(ctx context.Context, token string) (subscriber.Subscriber, error) {
	return f.verifyResult, f.verifyErr
}

func (f *fakeSubscriberController) Unsubscribe(ctx context.Context, token string) (subscriber.Subscriber, error) {
	return f.unsubscribeResult, f.unsubscribeErr
}

func newTestServer(fake *fakeSubscriberController, origins []string) *Server {
	return NewServer(":0", fake, origins, nil)
}

func TestHandleSubscribe_NewSubscriptionReturns201(t *testing.T) {
	fake := &fakeSubscriberController{subscribeResult: subscriber.Subscriber{SubscriberID: "sub-1"}}
	s := newTestServer(fake, []string{"*"})

	body := bytes.NewBufferString(`{"email":"person@example.com"}`)
	req := httptest.NewRequest(http.MethodPost, "/subscribe", body)
	w := httptest.NewRecorder()

	s.handleSubscribe(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	var resp subscribeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.SubscriberID != "sub-1" {
		t.Errorf("resp = %+v, want success with subscriber_id", resp)
	}
}

func TestHandleSubscribe_AlreadyActiveReturns200(t *testing.T) {
	fake := &fakeSubscriberController{subscribeErr: subscriber.ErrAlreadyActive}
	s := newTestServer(fake, []string{"*"})

	body := bytes.NewBufferString(`{"email":"person@example.com"}`)
	req := httptest.NewRequest(http.MethodPost, "/subscribe", body)
	w := httptest.NewRecorder()

	s.handleSubscribe(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHandleSubscribe_InvalidEmailReturns400(t *testing.T) {
	fake := &fakeSubscriberController{subscribeErr: errkind.ConfigurationError}
	s := newTestServer(fake, []string{"*"})

	body := bytes.NewBufferString(`{"email":"not-an-email"}`)
	req := httptest.NewRequest(http.MethodPost, "/subscribe", body)
	w := httptest.NewRecorder()

	s.handleSubscribe(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleSubscribe_MalformedBodyReturns400(t *testing.T) {
	s := newTestServer(&fakeSubscriberController{}, []string{"*"})

	req := httptest.NewRequest(http.MethodPost, "/subscribe", bytes.NewBufferString(`not json`))
	w := httptest.NewRecorder()

	s.handleSubscribe(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleSubscribe_BackendErrorReturns500(t *testing.T) {
	fake := &fakeSubscriberController{subscribeErr: errkind.TransientUpstream}
	s := newTestServer(fake, []string{"*"})

	body := bytes.NewBufferString(`{"email":"person@example.com"}`)
	req := httptest.NewRequest(http.MethodPost, "/subscribe", body)
	w := httptest.NewRecorder()

	s.handleSubscribe(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestHandleVerify_ValidTokenRendersSuccessPage(t *testing.T) {
	fake := &fakeSubscriberController{verifyResult: subscriber.Subscriber{Email: "person@example.com"}}
	s := newTestServer(fake, []string{"*"})

	req := httptest.NewRequest(http.MethodGet, "/verify?token=abc", nil)
	w := httptest.NewRecorder()

	s.handleVerify(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("person@example.com")) {
		t.Error("success page did not include the subscriber's email")
	}
}

func TestHandleVerify_InvalidTokenRendersErrorPage(t *testing.T) {
	fake := &fakeSubscriberController{verifyErr: subscriber.ErrInvalidOrExpiredToken}
	s := newTestServer(fake, []string{"*"})

	req := httptest.NewRequest(http.MethodGet, "/verify?token=bad", nil)
	w := httptest.NewRecorder()

	s.handleVerify(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleUnsubscribe_ValidTokenRendersConfirmation(t *testing.T) {
	fake := &fakeSubscriberController{unsubscribeResult: subscriber.Subscriber{Email: "person@example.com"}}
	s := newTestServer(fake, []string{"*"})

	req := httptest.NewRequest(http.MethodGet, "/unsubscribe?token=abc", nil)
	w := httptest.NewRecorder()

	s.handleUnsubscribe(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHandleUnsubscribe_InvalidTokenRendersErrorPage(t *testing.T) {
	fake := &fakeSubscriberController{unsubscribeErr: subscriber.ErrInvalidOrExpiredToken}
	s := newTestServer(fake, []string{"*"})

	req := httptest.NewRequest(http.MethodGet, "/unsubscribe?token=bad", nil)
	w := httptest.NewRecorder()

	s.handleUnsubscribe(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestWithCORS_AllowsConfiguredOrigin(t *testing.T) {
	s := newTestServer(&fakeSubscriberController{}, []string{"https://example.com"})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()

	s.withCORS(mux).ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want https://example.com", got)
	}
}

func TestWithCORS_RejectsUnlistedOrigin(t *testing.T) {
	s := newTestServer(&fakeSubscriberController{}, []string{"https://example.com"})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()

	s.withCORS(mux).ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty for unlisted origin", got)
	}
}

func TestWithCORS_WildcardAllowsAnyOrigin(t *testing.T) {
	s := newTestServer(&fakeSubscriberController{}, []string{"*"})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://anything.example")
	w := httptest.NewRecorder()

	s.withCORS(mux).ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://anything.example" {
		t.Errorf("Access-Control-Allow-Origin = %q, want reflected origin under wildcard", got)
	}
}

func TestWithCORS_PreflightReturnsNoContent(t *testing.T) {
	s := newTestServer(&fakeSubscriberController{}, []string{"*"})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /subscribe", s.handleSubscribe)

	req := httptest.NewRequest(http.MethodOptions, "/subscribe", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()

	s.withCORS(mux).ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestHandleHealth_ReturnsHealthy(t *testing.T) {
	s := newTestServer(&fakeSubscriberController{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}
