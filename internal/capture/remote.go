package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/contentdigest/internal/errkind"
	"github.com/nugget/contentdigest/internal/httpkit"
)

// RemoteBrowser implements Browser by calling out to a headless-browser
// microservice over HTTP, the capability-boundary pattern llm.Client
// and internal/email's sender already use for out-of-process
// dependencies. It holds no browser state itself; each Open call is a
// single request/response round trip and the returned Session carries
// the service-assigned page handle.
type RemoteBrowser struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewRemoteBrowser constructs a RemoteBrowser targeting baseURL, using
// httpkit's shared transport defaults.
func NewRemoteBrowser(baseURL string, logger *slog.Logger) *RemoteBrowser {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteBrowser{
		baseURL: baseURL,
		http:    httpkit.NewClient(httpkit.WithTimeout(DefaultNetworkIdleTimeout + 5*time.Second)),
		logger:  logger,
	}
}

type openRequest struct {
	URL            string `json:"url"`
	ViewportWidth  int    `json:"viewport_width"`
	ViewportHeight int    `json:"viewport_height"`
	NetworkIdleMS  int64  `json:"network_idle_ms"`
	MinimalConfig  bool   `json:"minimal_config"`
}

type openResponse struct {
	PageID string `json:"page_id"`
}

// remoteSession is the Session handle for a page opened through a
// RemoteBrowser. Screenshot and Close each issue one request against
// the same page_id.
type remoteSession struct {
	baseURL string
	pageID  string
	http    *http.Client
}

// Open asks the remote service to navigate to opts.URL and wait for
// network idle, returning a Session scoped to the resulting page.
func (b *RemoteBrowser) Open(ctx context.Context, opts OpenOptions) (Session, error) {
	body, err := json.Marshal(openRequest{
		URL:            opts.URL,
		ViewportWidth:  opts.ViewportWidth,
		ViewportHeight: opts.ViewportHeight,
		NetworkIdleMS:  opts.NetworkIdle.Milliseconds(),
		MinimalConfig:  opts.MinimalConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("capture: encode open request: %w: %w", errkind.UpstreamContract, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/pages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("capture: build open request: %w: %w", errkind.ConfigurationError, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capture: browser service unreachable: %w: %w", errkind.TransientUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("capture: browser service %s: %w", resp.Status, errkind.TransientUpstream)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("capture: browser service %s: %w", resp.Status, errkind.PermanentUpstream)
	}

	var out openResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("capture: decode open response: %w: %w", errkind.UpstreamContract, err)
	}
	if out.PageID == "" {
		return nil, fmt.Errorf("capture: browser service returned empty page_id: %w", errkind.UpstreamContract)
	}

	return &remoteSession{baseURL: b.baseURL, pageID: out.PageID, http: b.http}, nil
}

// Screenshot requests a full-page PNG of the session's page.
func (s *remoteSession) Screenshot(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/pages/"+s.pageID+"/screenshot", nil)
	if err != nil {
		return nil, fmt.Errorf("capture: build screenshot request: %w: %w", errkind.ConfigurationError, err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capture: browser service unreachable: %w: %w", errkind.TransientUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("capture: browser service %s: %w", resp.Status, errkind.TransientUpstream)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("capture: browser service %s: %w", resp.Status, errkind.PermanentUpstream)
	}

	png, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("capture: read screenshot body: %w: %w", errkind.TransientUpstream, err)
	}
	return png, nil
}

// Close releases the remote page. It always returns nil: a failed
// DELETE is neither returned nor logged, since a leaked page on the
// remote service does not invalidate the screenshot already captured.
func (s *remoteSession) Close() error {
	req, err := http.NewRequest(http.MethodDelete, s.baseURL+"/pages/"+s.pageID, nil)
	if err != nil {
		return nil
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil
	}
	resp.Body.Close()
	return nil
}

// RemoteOCR implements OCR by posting a screenshot to an OCR
// microservice and returning its extracted transcript, the same
// remote-capability-boundary shape as RemoteBrowser.
type RemoteOCR struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewRemoteOCR constructs a RemoteOCR targeting baseURL.
func NewRemoteOCR(baseURL string, logger *slog.Logger) *RemoteOCR {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteOCR{baseURL: baseURL, http: httpkit.NewClient(), logger: logger}
}

type ocrResponse struct {
	Text string `json:"text"`
}

// Extract posts png to the OCR service and returns the transcript.
func (o *RemoteOCR) Extract(ctx context.Context, png []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/extract", bytes.NewReader(png))
	if err != nil {
		return "", fmt.Errorf("capture: build ocr request: %w: %w", errkind.ConfigurationError, err)
	}
	req.Header.Set("Content-Type", "image/png")

	resp, err := o.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("capture: ocr service unreachable: %w: %w", errkind.TransientUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("capture: ocr service %s: %w", resp.Status, errkind.TransientUpstream)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("capture: ocr service %s: %w", resp.Status, errkind.PermanentUpstream)
	}

	var out ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("capture: decode ocr response: %w: %w", errkind.UpstreamContract, err)
	}
	return out.Text, nil
}
