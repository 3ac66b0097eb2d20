package ndserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/arpoise/ndserver/internal/relay"
)

// ErrBindFailed wraps a failure to bind the listen socket, letting
// cmd/ndserver distinguish it (exit code 104) from other startup or
// runtime failures.
var ErrBindFailed = errors.New("bind failed")

// Server is ndserver's process-level wrapper around the relay core:
// configuration, logging, the listen socket and its accept goroutine,
// the debug/metrics HTTP surface, and signal-driven reload/shutdown.
// It mirrors atlas.Server at this layer, substituting the relay event
// loop for Atlas's http.Server stack.
type Server struct {
	cfg Config
	log zerolog.Logger

	core *relay.Server

	logReopen func()
	geo       *ip2xMgr

	port    int
	metrics *http.Server

	trace int32 // atomic bool, toggled by SIGUSR2

	closed bool
}

// NewServer builds ndserver's process wrapper, but does not yet bind
// any sockets or start goroutines; call Run for that.
func NewServer(c *Config, port int) (*Server, error) {
	log, reopen, err := configureLogging(c)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	core, err := relay.NewServer(relay.Config{
		IdleTimeout:      c.IdleTimeout,
		PeriodicInterval: c.PeriodicInterval,
		RecvBufferSize:   c.RecvBufferSize,
		MaxConnections:   c.MaxConnections,
	}, log, "ndserver")
	if err != nil {
		return nil, fmt.Errorf("create relay core: %w", err)
	}

	mon := relay.NewMonitor()
	core.AttachMonitor(mon)

	s := &Server{
		cfg:       *c,
		log:       log,
		core:      core,
		logReopen: reopen,
		geo:       &ip2xMgr{},
		port:      port,
	}

	if c.IP2Location != "" {
		if err := s.geo.Load(c.IP2Location); err != nil {
			s.log.Warn().Err(err).Msg("failed to load ip2location database")
		}
	}

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", s.serveMetrics)
		mux.Handle("/debug/monitor", mon)
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		s.metrics = &http.Server{Addr: c.MetricsAddr, Handler: mux}
	}

	return s, nil
}

// configureLogging wires zerolog up exactly like
// pkg/atlas/server.go's configureLogging: a MultiLevelWriter fanning out
// to a level-filtered stdout writer (pretty when configured) and a
// level-filtered, SIGHUP-reopenable log file writer.
func configureLogging(c *Config) (l zerolog.Logger, reopen func(), err error) {
	var outputs []io.Writer

	if c.LogStdout {
		if c.LogStdoutPretty {
			outputs = append(outputs, newZerologWriterLevel(zerolog.ConsoleWriter{Out: os.Stdout}, c.LogStdoutLevel))
		} else {
			outputs = append(outputs, newZerologWriterLevel(os.Stdout, c.LogStdoutLevel))
		}
	}

	if fn := c.LogFile; fn != "" {
		x := newZerologWriterLevel(nil, c.LogFileLevel)
		if fn, err = filepath.Abs(fn); err != nil {
			return l, nil, fmt.Errorf("resolve log file path: %w", err)
		}
		reopen = func() {
			x.SwapWriter(func(old io.Writer) io.Writer {
				if o, ok := old.(io.Closer); ok {
					o.Close()
				}
				f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
				if err != nil {
					return nil
				}
				if c.LogFileChown != nil {
					f.Chown(c.LogFileChown[0], c.LogFileChown[1])
				}
				if c.LogFileChmod != 0 {
					f.Chmod(c.LogFileChmod)
				}
				return f
			})
		}
		outputs = append(outputs, x)
		reopen()
	}

	l = zerolog.New(zerolog.MultiLevelWriter(outputs...)).Level(c.LogLevel).With().Timestamp().Logger()
	return l, reopen, nil
}

// ConnectionCount reports the number of currently open relay
// connections, for external health/status reporting.
func (s *Server) ConnectionCount() int { return s.core.ConnectionCount() }

// Run brings the server fully up: binds the listen socket, starts the
// accept goroutine and (if configured) the metrics HTTP server, then
// drives the relay core until ctx is cancelled, tearing everything
// back down afterwards. It must only be called once.
func (s *Server) Run(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("ndserver: server already closed")
	}

	ln, err := listenTCP(s.port, s.cfg.MaxConnections)
	if err != nil {
		return fmt.Errorf("%w: listen :%d: %v", ErrBindFailed, s.port, err)
	}
	defer ln.Close()

	s.log.Info().Int("port", s.port).Msg("listening")

	acceptErrCh := make(chan error, 1)
	go func() {
		acceptErrCh <- acceptLoop(ln, s.core.Accept)
	}()

	errch := make(chan error, 2)
	go func() {
		errch <- s.core.Run(ctx)
	}()

	var wg sync.WaitGroup
	if s.metrics != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.log.Info().Str("addr", s.cfg.MetricsAddr).Msg("starting metrics server")
			if err := s.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errch <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		go s.sdnotify("READY=1")
	case err := <-errch:
		return err
	}

	select {
	case <-ctx.Done():
		s.closed = true
		s.log.Info().Msg("shutting down")
		go s.sdnotify("STOPPING=1")

		ln.Close() // unblocks acceptLoop
		<-acceptErrCh

		if s.metrics != nil {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.metrics.Shutdown(shCtx)
			cancel()
		}
		wg.Wait()

		return <-errch
	case err := <-errch:
		return err
	}
}

// HandleSIGHUP reopens the log file and reloads the optional
// IP2Location database, matching atlas.Server's reload-hook list.
func (s *Server) HandleSIGHUP() {
	if s.closed {
		return
	}
	s.sdnotify("RELOADING=1")
	defer s.sdnotify("READY=1")

	if s.logReopen != nil {
		s.logReopen()
	}
	if s.cfg.IP2Location != "" {
		if err := s.geo.Load(""); err != nil {
			s.log.Warn().Err(err).Msg("failed to reload ip2location database")
		}
	}
}

// HandleSIGUSR2 toggles trace-level logging, matching SPEC_FULL.md
// §6's signal table.
func (s *Server) HandleSIGUSR2() {
	if atomic.AddInt32(&s.trace, 1)%2 == 1 {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
		s.log.Info().Msg("trace logging enabled")
	} else {
		zerolog.SetGlobalLevel(s.cfg.LogLevel)
		s.log.Info().Msg("trace logging disabled")
	}
}

// serveMetrics is atlas.Server's serveRest, trimmed to only what
// ndserver exposes: a secret-gated Prometheus text dump of process and
// relay metrics.
func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	var internal bool
	if secret := s.cfg.MetricsSecret; secret != "" {
		internal = r.URL.Query().Get("secret") == secret
	}
	if !internal {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	var b bytes.Buffer
	metrics.WriteProcessMetrics(&b)
	b.WriteByte('\n')
	s.core.MetricsSet().WritePrometheus(&b)

	w.Header().Set("Cache-Control", "private, no-cache, no-store")
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Header().Set("Content-Length", strconv.Itoa(b.Len()))
	w.WriteHeader(http.StatusOK)
	b.WriteTo(w)
}

// sdnotify sends a systemd sd_notify state over NOTIFY_SOCKET, exactly
// as atlas.Server.sdnotify does.
func (s *Server) sdnotify(state string) (bool, error) {
	if s.cfg.NotifySocket == "" {
		return false, nil
	}
	addr := &net.UnixAddr{Name: s.cfg.NotifySocket, Net: "unixgram"}
	conn, err := net.DialUnix(addr.Net, nil, addr)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		return false, err
	}
	return true, nil
}
