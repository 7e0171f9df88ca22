// Package network implements the broker's session registry and HTTP
// side-channels: the websocket upgrade endpoint, duplicate-app eviction,
// and the /proxy and /asset helper routes.
package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/observability"
	"github.com/omuhub/broker/packets"
	"github.com/omuhub/broker/session"
	"github.com/omuhub/broker/transport"
)

// Config configures a Network.
type Config struct {
	AllowedOrigins []string
	AllowNoOrigin  bool

	AssetsDir string // base directory the /asset route serves from.

	// ProxyClient is the HTTP client used for the /proxy route. If nil,
	// http.DefaultClient is used.
	ProxyClient *http.Client

	// ReplaceRateLimit caps how often a single app identifier may evict and
	// reconnect per second, defending against a reconnect storm.
	ReplaceRateLimit rate.Limit
	ReplaceBurst     int

	Observer observability.SessionObserver
	Logger   *log.Logger
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		ReplaceRateLimit: 2,
		ReplaceBurst:     5,
		Observer:         observability.NoopSessionObserver,
		Logger:           log.Default(),
	}
}

// Network owns the live session registry and the HTTP surface sessions are
// accepted through.
type Network struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session.Session // keyed by app.Key()
	limiters map[string]*rate.Limiter

	httpClient *http.Client

	// OnConnected/OnDisconnected are invoked outside the registry lock.
	OnConnected    func(s *session.Session)
	OnDisconnected func(s *session.Session)
}

// New constructs a Network from cfg, filling in defaults.
func New(cfg Config) *Network {
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopSessionObserver
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	client := cfg.ProxyClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Network{
		cfg:        cfg,
		sessions:   make(map[string]*session.Session),
		limiters:   make(map[string]*rate.Limiter),
		httpClient: client,
	}
}

// OriginChecker returns the CheckOrigin function for the websocket upgrader.
func (n *Network) OriginChecker() func(r *http.Request) bool {
	return transport.NewOriginChecker(n.cfg.AllowedOrigins, n.cfg.AllowNoOrigin)
}

// IsConnected reports whether a session is currently registered for app.
func (n *Network) IsConnected(app identifier.Identifier) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.sessions[app.Key()]
	return ok
}

// SessionCount returns the number of currently connected sessions.
func (n *Network) SessionCount() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return int64(len(n.sessions))
}

func (n *Network) limiterFor(key string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[key]
	if !ok {
		l = rate.NewLimiter(n.cfg.ReplaceRateLimit, n.cfg.ReplaceBurst)
		n.limiters[key] = l
	}
	return l
}

// ErrReplaceRateLimited is returned by Process when an app identifier is
// reconnecting too fast to be evicted and replaced.
var ErrReplaceRateLimited = errors.New("network: replace rate limited")

// Process registers a new session, evicting any existing session for the
// same app identifier first. The evicted session receives
// DISCONNECT(ANOTHER_CONNECTION) before the new one is inserted, matching
// the invariant that the registry never holds two sessions for one app.
func (n *Network) Process(ctx context.Context, s *session.Session) error {
	key := s.App.Key()

	if n.IsConnected(s.App) {
		if !n.limiterFor(key).Allow() {
			return ErrReplaceRateLimited
		}
	}

	n.mu.Lock()
	old, hadOld := n.sessions[key]
	n.mu.Unlock()

	if hadOld {
		n.cfg.Logger.Printf("network: evicting session for %s (another connection)", key)
		old.Disconnect(ctx, observability.DisconnectAnotherConnection, func(ctx context.Context) error {
			return session.SendPacket(ctx, old, packets.Disconnect, packets.DisconnectPayload{Reason: "ANOTHER_CONNECTION"})
		})
	}

	n.mu.Lock()
	n.sessions[key] = s
	n.mu.Unlock()
	n.cfg.Observer.ConnCount(n.SessionCount())

	s.OnDisconnect(func(s *session.Session, reason observability.DisconnectReason) {
		n.handleDisconnection(s)
	})

	if n.OnConnected != nil {
		n.OnConnected(s)
	}
	return nil
}

func (n *Network) handleDisconnection(s *session.Session) {
	key := s.App.Key()
	n.mu.Lock()
	current, ok := n.sessions[key]
	if !ok || current != s {
		n.mu.Unlock()
		return
	}
	delete(n.sessions, key)
	n.mu.Unlock()
	n.cfg.Observer.ConnCount(n.SessionCount())

	if n.OnDisconnected != nil {
		n.OnDisconnected(s)
	}
}

// Lookup returns the live session for app, if any.
func (n *Network) Lookup(app identifier.Identifier) (*session.Session, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[app.Key()]
	return s, ok
}

// Sessions returns a snapshot of all live sessions.
func (n *Network) Sessions() []*session.Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*session.Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, s)
	}
	return out
}

// HandleProxy implements the GET /proxy?url=... route: it fetches url and
// relays its body and content-type, used by clients to bypass CORS for
// third-party assets.
func (n *Network) HandleProxy(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, `{"error":"No URL"}`, http.StatusBadRequest)
		return
	}
	noCache := r.URL.Query().Get("no_cache") == "true"

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
		return
	}
	resp, err := n.httpClient.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		w.WriteHeader(resp.StatusCode)
		return
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if noCache {
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Cache-Control", "max-age=3600")
	}
	w.WriteHeader(resp.StatusCode)
	buf := make([]byte, 32*1024)
	for {
		nr, rerr := resp.Body.Read(buf)
		if nr > 0 {
			_, _ = w.Write(buf[:nr])
		}
		if rerr != nil {
			return
		}
	}
}

// HandleAsset implements the GET /asset?id=... route: it serves a file from
// the assets directory, keyed by a sanitized identifier path, rejecting any
// path that would escape the assets directory.
func (n *Network) HandleAsset(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, `{"error":"No ID"}`, http.StatusBadRequest)
		return
	}
	parsed, err := identifier.Parse(id)
	if err != nil {
		http.Error(w, `{"error":"Invalid ID"}`, http.StatusBadRequest)
		return
	}
	path, err := safePathJoin(n.cfg.AssetsDir, parsed.SanitizedPath())
	if err != nil {
		http.Error(w, `{"error":"Invalid ID"}`, http.StatusBadRequest)
		return
	}
	if _, err := os.Stat(path); err != nil {
		http.Error(w, `{"error":"Asset not found"}`, http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}

// safePathJoin joins base and rel, and rejects the result if it would
// escape base (e.g. via "..").
func safePathJoin(base, rel string) (string, error) {
	joined := filepath.Join(base, rel)
	cleanBase := filepath.Clean(base) + string(os.PathSeparator)
	if !strings.HasPrefix(joined+string(os.PathSeparator), cleanBase) {
		return "", fmt.Errorf("network: path %q escapes base %q", rel, base)
	}
	return joined, nil
}

// Shutdown disconnects every live session with DISCONNECT(SHUTDOWN).
func (n *Network) Shutdown(ctx context.Context) {
	for _, s := range n.Sessions() {
		s.Disconnect(ctx, observability.DisconnectShutdown, func(ctx context.Context) error {
			return session.SendPacket(ctx, s, packets.Disconnect, packets.DisconnectPayload{Reason: "SHUTDOWN"})
		})
	}
}

// readyWithin polls fn every poll interval and returns true once fn reports
// true, or false when ctx ends first. Nothing in the module calls it.
func readyWithin(ctx context.Context, fn func() bool, poll time.Duration) bool {
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		if fn() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
}
