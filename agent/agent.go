package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/guseggert/scriptagent/agent/auth"
	"github.com/guseggert/scriptagent/agent/execution"
	"github.com/guseggert/scriptagent/agent/process"
	"github.com/guseggert/scriptagent/agent/session"
	"github.com/guseggert/scriptagent/script"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NodeAgent is an HTTP agent that runs scripts on the host it runs on.
// Operators connect to /script_run over a WebSocket to start, watch and stop executions.
type NodeAgent struct {
	logger *zap.SugaredLogger

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string
	watcherBuffer           int
	writeTimeout            time.Duration

	scripts    script.Repository
	runner     *process.Runner
	validator  auth.Validator
	registry   *execution.Registry
	gateway    *session.Gateway
	promReg    *prometheus.Registry
	httpServer *http.Server

	// baseCtx is the parent of every request context; canceling it ends hijacked WebSocket connections.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

// stopTimeoutMargin is added to the kill grace period to bound how long a stop command waits.
const stopTimeoutMargin = 2 * time.Second

type Option func(n *NodeAgent)

// WithHeartbeatTimeout enables the heartbeat check. The failure handler runs when no heartbeat arrives within d.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(n *NodeAgent) {
		n.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(n *NodeAgent) {
		n.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(n *NodeAgent) {
		n.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(n *NodeAgent) {
		n.logger = l.Named("nodeagent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(n *NodeAgent) {
		n.logger = n.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithWatcherBuffer sets how many messages an operator connection may lag behind an execution before it is disconnected.
func WithWatcherBuffer(size int) Option {
	return func(n *NodeAgent) {
		n.watcherBuffer = size
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(n *NodeAgent) {
		n.writeTimeout = d
	}
}

func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// NewNodeAgent constructs a new host agent. The runner's logger defaults to the agent's.
func NewNodeAgent(scripts script.Repository, runner *process.Runner, validator auth.Validator, opts ...Option) (*NodeAgent, error) {
	if scripts == nil || runner == nil || validator == nil {
		return nil, errors.New("script repository, process runner and auth validator are required")
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	n := &NodeAgent{
		logger:        logger.Named("nodeagent").Sugar(),
		listenAddr:    "0.0.0.0:2123",
		watcherBuffer: execution.DefaultWatcherSize,
		scripts:       scripts,
		runner:        runner,
		validator:     validator,
		closed:        make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}

	if n.runner.Log == nil {
		n.runner.Log = n.logger.Desugar().Named("process_runner").Sugar()
	}

	n.promReg = prometheus.NewRegistry()
	n.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.registry = execution.NewRegistry(
		n.runner,
		execution.WithLogger(n.logger.Desugar().Named("registry").Sugar()),
		execution.WithWatcherBuffer(n.watcherBuffer),
		execution.WithRegisterer(n.promReg),
	)
	gracePeriod := n.runner.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = process.DefaultGracePeriod
	}
	n.gateway = &session.Gateway{
		Log:          n.logger.Desugar().Named("gateway").Sugar(),
		Scripts:      n.scripts,
		Registry:     n.registry,
		Auth:         n.validator,
		WriteTimeout: n.writeTimeout,
		StopTimeout:  gracePeriod + stopTimeoutMargin,
	}

	// heartbeat is a liveness check and stays open; the gateway authorizes its own upgrades
	router := httprouter.New()
	router.GET("/heartbeat", n.heartbeat)
	router.Handler(http.MethodGet, "/script_run", n.gateway)
	router.Handler(http.MethodGet, "/metrics", n.authorized(promhttp.HandlerFor(n.promReg, promhttp.HandlerOpts{})))

	n.baseCtx, n.cancelBase = context.WithCancel(context.Background())
	n.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return n.baseCtx },
	}
	return n, nil
}

func (a *NodeAgent) authorized(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := a.validator.Check(r); err != nil {
			a.logger.Debugw("rejecting unauthorized request", "Path", r.URL.Path, "Remote", r.RemoteAddr, "Error", err)
			w.Header().Set("WWW-Authenticate", `Basic realm="scriptagent"`)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Registry returns the agent's execution registry.
func (a *NodeAgent) Registry() *execution.Registry {
	return a.registry
}

// startHeartbeatCheck starts a goroutine that runs the failure handler when no heartbeat arrives in time.
func (a *NodeAgent) startHeartbeatCheck() {
	if a.heartbeatTimeout <= 0 || a.heartbeatFailureHandler == nil {
		return
	}
	go func() {
		a.heartbeatMut.Lock()
		a.lastHeartbeat = time.Now()
		a.heartbeatMut.Unlock()

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				a.heartbeatFailureHandler()
			}
		}
	}()
}

func (a *NodeAgent) runHTTPServer() error {
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	a.logger.Infow("serving", "Addr", listener.Addr().String())

	err = a.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run runs the node agent and returns once the node agent has stopped.
func (a *NodeAgent) Run() error {
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

func (a *NodeAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// Stop terminates every running execution, delivers their exit events, then closes all connections.
func (a *NodeAgent) Stop(ctx context.Context) error {
	a.closeOnce.Do(func() { close(a.closed) })

	regErr := a.registry.Shutdown(ctx)
	if regErr != nil {
		a.logger.Warnw("executions did not stop in time", "Error", regErr)
	}
	a.cancelBase()

	err := a.httpServer.Shutdown(ctx)
	if err != nil {
		err = errors.Join(err, a.httpServer.Close())
	}
	return errors.Join(regErr, err)
}
