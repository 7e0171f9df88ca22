// Package server is the broker's composition root: it lays out a
// data directory, wires the core session/network machinery to every
// extension, and performs the CONNECT/TOKEN handshake before handing a
// connection off to a live Session.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/omuhub/broker/ext/dashboard"
	"github.com/omuhub/broker/ext/endpoint"
	"github.com/omuhub/broker/ext/registry"
	"github.com/omuhub/broker/ext/serverext"
	"github.com/omuhub/broker/ext/signal"
	"github.com/omuhub/broker/ext/table"
	"github.com/omuhub/broker/network"
	"github.com/omuhub/broker/observability"
	"github.com/omuhub/broker/packet"
	"github.com/omuhub/broker/packets"
	"github.com/omuhub/broker/permission"
	"github.com/omuhub/broker/security"
	"github.com/omuhub/broker/session"
	"github.com/omuhub/broker/transport"
	"golang.org/x/time/rate"
)

// ShutdownFunc begins the process's teardown; restart tells the caller
// (the cmd/omuhub-server entry point, outside this package's scope)
// whether to re-exec after tearing down or exit for good. The default is
// a no-op, so a Server constructed without one simply drops SHUTDOWN
// calls on the floor.
type ShutdownFunc func(ctx context.Context, restart bool) error

// Config configures a Server.
type Config struct {
	DataDir string // root directory for tables/, registry/, security/, permissions/

	// DashboardToken, if set, is the token a CONNECT may present to claim
	// the dashboard role instead of being treated as an ordinary app.
	DashboardToken string

	WSPath    string // websocket endpoint path, e.g. "/ws"
	AssetsDir string // base directory the /asset route serves from

	AllowedOrigins []string
	AllowNoOrigin  bool
	// StrictOrigin disconnects a CONNECT whose Origin header's reversed
	// netloc doesn't match the connecting app's namespace. When false the
	// mismatch is only logged, per spec.md's origin-check invariant.
	StrictOrigin bool

	ProxyClient      *http.Client
	ReplaceRateLimit rate.Limit
	ReplaceBurst     int

	HandshakeTimeout time.Duration

	Version  string
	Shutdown ShutdownFunc

	Observers Observers
	Logger    *log.Logger
}

// Observers groups the per-extension metric sinks a Server wires in. Any
// left nil default to their package's no-op implementation.
type Observers struct {
	Session    observability.SessionObserver
	Endpoint   observability.EndpointObserver
	Table      observability.TableObserver
	Registry   observability.RegistryObserver
	Signal     observability.SignalObserver
	Permission observability.PermissionObserver
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		WSPath:           "/ws",
		ReplaceRateLimit: 2,
		ReplaceBurst:     5,
		HandshakeTimeout: 10 * time.Second,
		Shutdown:         func(ctx context.Context, restart bool) error { return nil },
		Logger:           log.Default(),
	}
}

// Server is the broker's fully wired runtime: one Network plus every
// extension, sharing one identifier-keyed permission/token persistence
// layer under Config.DataDir.
type Server struct {
	cfg    Config
	logger *log.Logger

	mapper *packet.Mapper

	tokens *security.Store
	perms  *permission.Manager
	permDB *permission.Store

	net        *network.Network
	endpoints  *endpoint.Extension
	tables     *table.Extension
	registries *registry.Extension
	signals    *signal.Extension
	dash       *dashboard.Extension
	ext        *serverext.Extension

	sessionObs observability.SessionObserver
}

// New lays out cfg.DataDir, opens the token and permission stores, and
// wires every extension together. The caller must call Register to mount
// the websocket/HTTP routes on a mux, and Close to release the open
// databases.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Shutdown == nil {
		cfg.Shutdown = func(ctx context.Context, restart bool) error { return nil }
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	dirs := []string{"tables", "registry", "security", "permissions"}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, d), 0o700); err != nil {
			return nil, fmt.Errorf("server: create %s dir: %w", d, err)
		}
	}

	tokens, err := security.Open(ctx, filepath.Join(cfg.DataDir, "security", "tokens.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("server: open token store: %w", err)
	}
	permDB, err := permission.OpenStore(ctx, filepath.Join(cfg.DataDir, "permissions", "permissions.db"))
	if err != nil {
		tokens.Close()
		return nil, fmt.Errorf("server: open permission store: %w", err)
	}

	obs := cfg.Observers
	perms := permission.NewManager(permDB, obs.Permission)

	tablesDir := filepath.Join(cfg.DataDir, "tables")
	registryDir := filepath.Join(cfg.DataDir, "registry")

	eps := endpoint.New(perms, obs.Endpoint)
	tbls := table.New(tablesDir, perms, obs.Table)
	regs := registry.New(registryDir, obs.Registry)
	sigs := signal.New(perms, obs.Signal)
	dash := dashboard.New(perms)

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	serverExt, err := serverext.New(ctx, tbls, regs, eps, perms, version, serverext.ShutdownFunc(cfg.Shutdown))
	if err != nil {
		permDB.Close()
		tokens.Close()
		return nil, fmt.Errorf("server: construct serverext: %w", err)
	}
	eps.BindLocal(packets.DashboardOpenApp, nil, dash.OpenAppHandler)
	// The table/registry permission gate is per-table/per-registry, not a
	// single fixed identifier, so these bind with perm=nil and enforce it
	// themselves inside the handler.
	eps.BindLocal(packets.TableItemGetEndpoint, nil, tbls.ItemGetHandler)
	eps.BindLocal(packets.TableFetchEndpoint, nil, tbls.FetchHandler)
	eps.BindLocal(packets.TableFetchAllEndpoint, nil, tbls.FetchAllHandler)
	eps.BindLocal(packets.TableSizeEndpoint, nil, tbls.SizeHandler)
	eps.BindLocal(packets.RegistryGetEndpoint, nil, regs.GetHandler)

	netCfg := network.DefaultConfig()
	netCfg.AllowedOrigins = cfg.AllowedOrigins
	netCfg.AllowNoOrigin = cfg.AllowNoOrigin
	netCfg.AssetsDir = cfg.AssetsDir
	netCfg.ProxyClient = cfg.ProxyClient
	if cfg.ReplaceRateLimit > 0 {
		netCfg.ReplaceRateLimit = cfg.ReplaceRateLimit
	}
	if cfg.ReplaceBurst > 0 {
		netCfg.ReplaceBurst = cfg.ReplaceBurst
	}
	if obs.Session != nil {
		netCfg.Observer = obs.Session
	}
	netCfg.Logger = cfg.Logger
	net := network.New(netCfg)

	mapper := packet.NewMapper()
	packets.RegisterAll(mapper)

	sessionObs := obs.Session
	if sessionObs == nil {
		sessionObs = observability.NoopSessionObserver
	}

	s := &Server{
		cfg:        cfg,
		logger:     cfg.Logger,
		mapper:     mapper,
		tokens:     tokens,
		perms:      perms,
		permDB:     permDB,
		net:        net,
		endpoints:  eps,
		tables:     tbls,
		registries: regs,
		signals:    sigs,
		dash:       dash,
		ext:        serverExt,
		sessionObs: sessionObs,
	}
	return s, nil
}

// Close releases the open databases. Live sessions are not disconnected;
// call Shutdown first if a graceful drain is wanted.
func (s *Server) Close() error {
	err1 := s.permDB.Close()
	err2 := s.tokens.Close()
	return errors.Join(err1, err2)
}

// Shutdown disconnects every live session with DISCONNECT(SHUTDOWN).
func (s *Server) Shutdown(ctx context.Context) {
	s.net.Shutdown(ctx)
}

// Register mounts the broker's HTTP routes on mux: the websocket upgrade
// endpoint plus the /proxy and /asset helper routes.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc(s.wsPath(), s.handleWS)
	mux.HandleFunc("/proxy", s.net.HandleProxy)
	mux.HandleFunc("/asset", s.net.HandleAsset)
}

func (s *Server) wsPath() string {
	if s.cfg.WSPath == "" {
		return "/ws"
	}
	return s.cfg.WSPath
}

// SessionCount returns the number of currently connected sessions.
func (s *Server) SessionCount() int64 { return s.net.SessionCount() }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrade(w, r, transport.UpgraderOptions{CheckOrigin: s.net.OriginChecker()})
	if err != nil {
		return
	}
	go s.handleConn(r, conn)
}

// handleConn runs the CONNECT/TOKEN handshake for a freshly upgraded
// connection, registers it with the Network, and blocks reading frames
// until the connection closes. The ready gate (waiting for extensions'
// ready-tasks, then sending READY) runs inside the core dispatch handler
// for the client's own READY packet, installed by handshake — so it can
// only resolve once Listen below is pumping frames.
func (s *Server) handleConn(r *http.Request, conn *transport.Conn) {
	ctx := context.Background()

	sess, err := s.handshake(ctx, r, conn)
	if err != nil {
		s.logger.Printf("server: handshake failed from %s: %v", conn.RemoteAddr(), err)
		return
	}

	if err := s.net.Process(ctx, sess); err != nil {
		sess.Disconnect(ctx, observability.DisconnectAnotherConnection, nil)
		return
	}

	listenErr := sess.Listen(ctx)
	sess.Disconnect(ctx, session.DisconnectErrorReason(listenErr), nil)
}
