package provider

import (
	"fmt"
	"io"
	"net/http"
)

// maxResponseBody caps how much of a backend reply is buffered.
const maxResponseBody = 32 << 20

// Do sends req with client and returns the body of a 2xx reply. Transport
// failures and non-2xx statuses are mapped onto the sentinel errors.
func Do(client *http.Client, providerName string, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, FromTransport(providerName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, FromTransport(providerName, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, FromStatus(providerName, resp.StatusCode, body)
	}
	return body, nil
}

// DecodeError wraps a malformed reply. A backend that answers 200 with
// garbage is treated as unavailable so the call is retried.
func DecodeError(providerName string, err error) error {
	return fmt.Errorf("%s: decode response: %w: %w", providerName, ErrUnavailable, err)
}
