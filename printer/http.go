package printer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultHTTPTimeout bounds every request made through NewHTTPClient.
const DefaultHTTPTimeout = 10 * time.Second

const maxErrorBody = 512

// NewHTTPClient returns the pooled client shared by the HTTP adapters.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 4
	transport.IdleConnTimeout = 90 * time.Second
	return &http.Client{Timeout: timeout, Transport: transport}
}

// NewRequest builds a request and applies the given headers.
func NewRequest(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	return req, nil
}

// Do executes req and returns the response body. Non-2xx responses are
// returned as *HTTPError.
func Do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, &HTTPError{StatusCode: resp.StatusCode, Body: msg})
	}
	return body, nil
}

// DoJSON executes req and decodes the JSON response into out. A nil out
// discards the body.
func DoJSON(client *http.Client, req *http.Request, out any) error {
	body, err := Do(client, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", req.URL.Path, err)
	}
	return nil
}

// Stream executes req and copies a 2xx response body into w.
func Stream(client *http.Client, req *http.Request, w io.Writer) (int64, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return 0, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path,
			&HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))})
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("reading %s: %w", req.URL.Path, err)
	}
	return n, nil
}

// JSONBody encodes v for use as a request body.
func JSONBody(v any) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return bytes.NewReader(data), nil
}

// MultipartFile builds a multipart/form-data body holding the local file at
// path under fileField, plus the given form fields. It returns the body and
// its content type.
func MultipartFile(path, fileField, fileName string, fields map[string]string) (io.Reader, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("writing field %s: %w", k, err)
		}
	}
	if fileName == "" {
		fileName = filepath.Base(path)
	}
	part, err := mw.CreateFormFile(fileField, fileName)
	if err != nil {
		return nil, "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}
	return buf, mw.FormDataContentType(), nil
}

// UploadName returns name, or the base name of path when name is empty.
// Backslash separators are treated as path separators regardless of OS.
func UploadName(path, name string) string {
	if name == "" {
		name = path
	}
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// EscapePath escapes each segment of a slash-separated device path.
func EscapePath(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
