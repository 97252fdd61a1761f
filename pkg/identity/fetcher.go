package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/sagenet/pkg/types"
)

// KeyPath is the HTTP path a node serves its current public key on.
const KeyPath = "/key"

// KeyFetcher retrieves the current public key of a sage
type KeyFetcher interface {
	FetchKey(ctx context.Context, sage *types.Node) (*types.NodeKey, error)
}

// HTTPKeyFetcher reads the key from the sage's health endpoint
type HTTPKeyFetcher struct {
	Client *http.Client
	Port   int
	Scheme string
}

// NewHTTPKeyFetcher creates a fetcher for sages serving on port
func NewHTTPKeyFetcher(port int) *HTTPKeyFetcher {
	return &HTTPKeyFetcher{
		Client: &http.Client{Timeout: 30 * time.Second},
		Port:   port,
		Scheme: "http",
	}
}

// FetchKey implements KeyFetcher
func (f *HTTPKeyFetcher) FetchKey(ctx context.Context, sage *types.Node) (*types.NodeKey, error) {
	host := sage.FQDN
	if host == "" {
		host = sage.IP4
	}
	url := f.Scheme + "://" + net.JoinHostPort(host, strconv.Itoa(f.Port)) + KeyPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, body)
	}
	var key types.NodeKey
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&key); err != nil {
		return nil, fmt.Errorf("decode key from %s: %w", url, err)
	}
	return &key, nil
}
