package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// StatusError is returned for responses with a non-2xx status. Message holds
// the start of the response body.
type StatusError struct {
	URL     string
	Message string
	Code    int
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Code)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Message)
}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	return postJSON(ctx, httpClient, url, body, out)
}

func postJSON(ctx context.Context, client *http.Client, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(client, req, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(httpClient, req, out)
}

func do(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{URL: req.URL.String(), Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode response from %s", req.URL)
	}
	return nil
}

// BaseURL turns a node address into a URL prefix, accepting both host:port
// and full URLs.
func BaseURL(addr string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}
