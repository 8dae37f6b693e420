package httphandler

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// ServerOptions holds the http.Server timeouts
type ServerOptions struct {
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	// TLSCertFile and TLSKeyFile enable HTTPS when both are set
	TLSCertFile string
	TLSKeyFile  string
}

type Server struct {
	*http.Server
	opts   ServerOptions
	errC   chan error
	logger *slog.Logger
}

// NewServer wraps handler in an http.Server listening on addr.
// Request bodies are bounded by the handler and transfers are long, so there is no write timeout.
func NewServer(addr string, handler http.Handler, opts ServerOptions) *Server {
	return &Server{
		Server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: opts.ReadHeaderTimeout,
			IdleTimeout:       opts.IdleTimeout,
		},
		opts:   opts,
		errC:   make(chan error, 1),
		logger: slog.Default(),
	}
}

func (s *Server) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	s.logger = l
	s.Server.ErrorLog = slog.NewLogLogger(s.Logger().Handler(), slog.LevelWarn)
}

func (s *Server) Logger() *slog.Logger {
	return s.logger.With("module", "http-server")
}

// TLS reports whether the server serves HTTPS
func (s *Server) TLS() bool {
	return s.opts.TLSCertFile != "" && s.opts.TLSKeyFile != ""
}

// TryListenAndServe starts serving and waits d for an early failure such as a busy port.
// A nil error means the server is running, Wait reports how it ended.
func (s *Server) TryListenAndServe(d time.Duration) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.TryServe(ln, d)
}

// TryServe is TryListenAndServe on an existing listener
func (s *Server) TryServe(ln net.Listener, d time.Duration) error {
	go func() {
		var err error
		if s.TLS() {
			err = s.Server.ServeTLS(ln, s.opts.TLSCertFile, s.opts.TLSKeyFile)
		} else {
			err = s.Server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.errC <- err
	}()

	select {
	case err := <-s.errC:
		if err == nil {
			err = http.ErrServerClosed
		}
		return err
	case <-time.After(d):
		s.Logger().Info("HTTP server started", "addr", ln.Addr().String(), "tls", s.TLS())
		return nil
	}
}

// Wait blocks until a started server stops, it returns nil after Shutdown
func (s *Server) Wait() error {
	return <-s.errC
}
