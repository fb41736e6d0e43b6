package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

// Transport defaults.
const (
	DefaultFieldName = "file"
	DefaultMethod    = http.MethodPost

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 1 << 20
)

// HTTPError is returned when the upload endpoint answers with a non-2xx status.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upload endpoint returned %d", e.Status)
	}
	return fmt.Sprintf("upload endpoint returned %d: %s", e.Status, e.Body)
}

// TransportOptions configure an HTTPTransport.
type TransportOptions struct {
	// Endpoint receives one multipart request per file.
	Endpoint string
	// Method defaults to POST.
	Method string
	// FieldName is the multipart form field carrying the file (default "file").
	FieldName string
	// Timeout bounds a single transfer. Zero means no timeout.
	Timeout time.Duration
	// Limit is the number of simultaneous transfers (default 5).
	Limit int
	// Headers are added to every request.
	Headers http.Header
	// Client defaults to a client without a global timeout.
	Client *http.Client
}

// HTTPTransport uploads files as multipart form requests. It is installed
// into an engine as a plugin.
type HTTPTransport struct {
	opts TransportOptions
}

// NewHTTPTransport returns a transport with defaults applied.
func NewHTTPTransport(opts TransportOptions) *HTTPTransport {
	if opts.Method == "" {
		opts.Method = DefaultMethod
	}
	if opts.FieldName == "" {
		opts.FieldName = DefaultFieldName
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultTransferLimit
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &HTTPTransport{opts: opts}
}

// Name implements Plugin.
func (t *HTTPTransport) Name() string { return "http-transport" }

// Install implements Plugin.
func (t *HTTPTransport) Install(e *Engine) error {
	if t.opts.Endpoint == "" {
		return fmt.Errorf("transport endpoint is required")
	}
	if _, err := url.Parse(t.opts.Endpoint); err != nil {
		return fmt.Errorf("invalid transport endpoint: %w", err)
	}
	e.SetUploader(t, t.opts.Limit)
	return nil
}

// Uninstall implements Plugin.
func (t *HTTPTransport) Uninstall() {
	t.opts.Client.CloseIdleConnections()
}

// Endpoint returns the configured endpoint.
func (t *HTTPTransport) Endpoint() string { return t.opts.Endpoint }

// Upload implements Uploader. The body is streamed, never buffered whole.
func (t *HTTPTransport) Upload(ctx context.Context, f File, body io.Reader) (Response, error) {
	if t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMultipart(mw, t.opts.FieldName, f, body))
	}()

	req, err := http.NewRequestWithContext(ctx, t.opts.Method, t.opts.Endpoint, pr)
	if err != nil {
		pr.CloseWithError(err)
		return Response{}, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	for k, vs := range t.opts.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := t.opts.Client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return Response{}, fmt.Errorf("upload %s: %w", f.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	out := Response{
		Status: resp.StatusCode,
		Body:   ParseResponseBody(raw),
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		out.UploadURL = resolveLocation(t.opts.Endpoint, loc)
	}
	return out, nil
}

func writeMultipart(mw *multipart.Writer, fieldName string, f File, body io.Reader) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		escapeQuotes(fieldName), escapeQuotes(f.Name)))
	contentType := f.Type
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	if err := mw.WriteField("name", f.Name); err != nil {
		return err
	}
	if err := mw.WriteField("type", contentType); err != nil {
		return err
	}
	return mw.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// ParseResponseBody decodes an upload response. A JSON object is returned
// as-is and other JSON values yield an empty body. A body that is not JSON
// is treated as the URL itself, so plain text becomes {"url": body}.
func ParseResponseBody(raw []byte) map[string]any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"url": string(bytes.TrimSpace(raw))}
	}
	if body, ok := v.(map[string]any); ok {
		return body
	}
	return map[string]any{}
}

// EndpointFor returns base with an account query parameter when account is
// set. An unparseable base is returned unchanged.
func EndpointFor(base, account string) string {
	if account == "" {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("account", account)
	u.RawQuery = q.Encode()
	return u.String()
}

func resolveLocation(endpoint, loc string) string {
	base, err := url.Parse(endpoint)
	if err != nil {
		return loc
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return loc
	}
	return base.ResolveReference(ref).String()
}
