// Package ice resolves the ICE server list used for new peer connections.
package ice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/util"
)

// Server is one STUN or TURN entry in the shape browsers and the relay use.
type Server struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// DefaultServers is the public STUN fallback used whenever the list cannot
// be fetched.
var DefaultServers = []Server{
	{URLs: []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	}},
}

// WebRTC converts servers into the pion configuration form.
func WebRTC(servers []Server) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, srv)
	}
	return out
}

// Fetcher retrieves the ICE server list from an HTTP endpoint and caches it.
// Any failure yields DefaultServers; Resolve never returns an error.
type Fetcher struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
	Timeout  time.Duration
	TTL      time.Duration

	mu      sync.Mutex
	cached  []Server
	fetched time.Time
	now     func() time.Time
}

// NewFetcher creates a Fetcher for endpoint. An empty endpoint always
// resolves to DefaultServers.
func NewFetcher(endpoint, apiKey string, timeout, ttl time.Duration) *Fetcher {
	return &Fetcher{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client:   http.DefaultClient,
		Timeout:  timeout,
		TTL:      ttl,
	}
}

// Resolve returns the current server list. The result is the caller's own
// copy. The fetch runs without holding the cache lock, so concurrent callers
// that miss the cache may each fetch.
func (f *Fetcher) Resolve(ctx context.Context) []Server {
	if f.Endpoint == "" {
		return clone(DefaultServers)
	}

	f.mu.Lock()
	now := f.clock()
	if f.cached != nil && f.TTL > 0 && now.Sub(f.fetched) < f.TTL {
		cached := clone(f.cached)
		f.mu.Unlock()
		return cached
	}
	f.mu.Unlock()

	servers, err := f.fetch(ctx)
	if err != nil {
		util.LogWarning("ICE server fetch failed, using public STUN: %v", err)
		return clone(DefaultServers)
	}
	if len(servers) == 0 {
		util.LogDebug("ICE endpoint returned no servers, using public STUN")
		return clone(DefaultServers)
	}

	f.mu.Lock()
	f.cached = servers
	f.fetched = now
	f.mu.Unlock()
	return clone(servers)
}

func clone(list []Server) []Server {
	out := make([]Server, len(list))
	for i, s := range list {
		s.URLs = append([]string(nil), s.URLs...)
		out[i] = s
	}
	return out
}

func (f *Fetcher) clock() time.Time {
	if f.now != nil {
		return f.now()
	}
	return time.Now()
}

func (f *Fetcher) fetch(ctx context.Context) ([]Server, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.Endpoint, nil)
	if err != nil {
		return nil, err
	}
	if f.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.APIKey)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	return parse(body)
}

var errMalformed = errors.New("malformed ICE server list")

// parse accepts either a bare array or an object with an iceServers field.
func parse(body []byte) ([]Server, error) {
	var list []Server
	if err := json.Unmarshal(body, &list); err == nil {
		return usable(list), nil
	}

	var wrapped struct {
		ICEServers []Server `json:"iceServers"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return usable(wrapped.ICEServers), nil
}

func usable(list []Server) []Server {
	out := list[:0]
	for _, s := range list {
		if len(s.URLs) > 0 {
			out = append(out, s)
		}
	}
	return out
}
