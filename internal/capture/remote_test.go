package capture

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nugget/contentdigest/internal/errkind"
)

func TestRemoteBrowser_Open_ReturnsSessionOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/pages" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req openRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.URL != "https://example.com/tweet/1" {
			t.Errorf("URL = %q, want %q", req.URL, "https://example.com/tweet/1")
		}
		json.NewEncoder(w).Encode(openResponse{PageID: "page-1"})
	}))
	defer srv.Close()

	b := NewRemoteBrowser(srv.URL, nil)
	session, err := b.Open(context.Background(), OpenOptions{URL: "https://example.com/tweet/1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer session.Close()

	rs, ok := session.(*remoteSession)
	if !ok || rs.pageID != "page-1" {
		t.Errorf("session = %+v, want pageID page-1", session)
	}
}

func TestRemoteBrowser_Open_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := NewRemoteBrowser(srv.URL, nil)
	_, err := b.Open(context.Background(), OpenOptions{URL: "https://example.com/tweet/1"})
	if !errors.Is(err, errkind.TransientUpstream) {
		t.Errorf("err = %v, want errkind.TransientUpstream", err)
	}
}

func TestRemoteBrowser_Open_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	b := NewRemoteBrowser(srv.URL, nil)
	_, err := b.Open(context.Background(), OpenOptions{URL: "https://example.com/tweet/1"})
	if !errors.Is(err, errkind.PermanentUpstream) {
		t.Errorf("err = %v, want errkind.PermanentUpstream", err)
	}
}

func TestRemoteBrowser_Open_EmptyPageIDIsUpstreamContract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(openResponse{})
	}))
	defer srv.Close()

	b := NewRemoteBrowser(srv.URL, nil)
	_, err := b.Open(context.Background(), OpenOptions{URL: "https://example.com/tweet/1"})
	if !errors.Is(err, errkind.UpstreamContract) {
		t.Errorf("err = %v, want errkind.UpstreamContract", err)
	}
}

func TestRemoteSession_Screenshot_ReturnsBody(t *testing.T) {
	want := []byte("fake-png-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pages/page-1/screenshot" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write(want)
	}))
	defer srv.Close()

	s := &remoteSession{baseURL: srv.URL, pageID: "page-1", http: srv.Client()}
	got, err := s.Screenshot(context.Background())
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("Screenshot() = %q, want %q", got, want)
	}
}

func TestRemoteSession_Close_SwallowsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := &remoteSession{baseURL: srv.URL, pageID: "page-1", http: srv.Client()}
	if err := s.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}

func TestRemoteOCR_Extract_ReturnsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/extract" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "image/png" {
			t.Errorf("Content-Type = %q, want image/png", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "png-bytes" {
			t.Errorf("body = %q", body)
		}
		json.NewEncoder(w).Encode(ocrResponse{Text: "hello world"})
	}))
	defer srv.Close()

	o := NewRemoteOCR(srv.URL, nil)
	text, err := o.Extract(context.Background(), []byte("png-bytes"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if text != "hello world" {
		t.Errorf("Extract() = %q, want %q", text, "hello world")
	}
}

func TestRemoteOCR_Extract_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	o := NewRemoteOCR(srv.URL, nil)
	_, err := o.Extract(context.Background(), []byte("png-bytes"))
	if !errors.Is(err, errkind.TransientUpstream) {
		t.Errorf("err = %v, want errkind.TransientUpstream", err)
	}
}
