// Description: httphandler package
// The HTTP JSON front end. Every /api route decodes its request, calls the proxy
// and writes {success, message, kind} with the status matching the error kind.
// Static assets are served from a local directory on every other path.

package httphandler

import (
	"errors"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/telebroad/ftpweb/proxy"
	"github.com/telebroad/ftpweb/remote"
)

const (
	// multipartMemory is kept in memory while parsing an upload, the rest goes to temp files
	multipartMemory = 8 << 20
	// multipartOverhead is allowed on top of the upload limit for the form fields and boundaries
	multipartOverhead = 1 << 20
)

// Options configures the Handler
type Options struct {
	// StaticDir is served on the paths the API does not use, empty disables it
	StaticDir string
	// MaxUploadSize bounds an upload request, 0 means no bound
	MaxUploadSize int64
	// Metrics is served on MetricsPath when set
	Metrics     http.Handler
	MetricsPath string
}

// Handler is the HTTP front end of the proxy
type Handler struct {
	proxy  *proxy.Proxy
	opts   Options
	router chi.Router
	logger *slog.Logger
}

func NewHandler(p *proxy.Proxy, opts Options) *Handler {
	h := &Handler{
		proxy:  p,
		opts:   opts,
		logger: slog.Default(),
	}
	h.router = h.routes()
	return h
}

func (h *Handler) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	h.logger = l
}

func (h *Handler) Logger() *slog.Logger {
	return h.logger.With("module", "http-handler")
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	if h.opts.Metrics != nil && h.opts.MetricsPath != "" {
		r.Method(http.MethodGet, h.opts.MetricsPath, h.opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/connect", h.connect)
		r.Post("/list", h.list)
		r.Post("/download", h.download)
		r.Post("/upload", h.upload)
		r.Post("/mkdir", h.mkdir)
		r.Post("/delete", h.delete)
		r.Post("/rename", h.rename)
		r.Post("/disconnect", h.disconnect)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, response{Success: false, Message: "Not found", Kind: proxy.KindInvalidRequest})
		})
	})

	if h.opts.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(h.opts.StaticDir)))
	}
	return r
}

// requestLogger logs every request once it is done, without its body
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		args := []any{
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		}
		if r.URL.Path == "/health" || r.URL.Path == h.opts.MetricsPath {
			h.Logger().Debug("Request completed", args...)
			return
		}
		h.Logger().Info("Request completed", args...)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Sessions: h.proxy.Sessions()})
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	id, err := h.proxy.Connect(r.Context(), proxy.ConnectRequest{
		Protocol: req.Protocol,
		Host:     req.Host,
		Port:     int(req.Port),
		Secure:   bool(req.Secure),
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, connectResponse{
		response:     ok("Connected successfully"),
		ConnectionID: id,
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	listing, err := h.proxy.List(r.Context(), req.ConnectionID, req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{
		response: response{Success: true},
		Listing:  listing,
	})
}

// downloadSink sends the response headers with the first byte,
// so a failure before any data still gets a JSON error
type downloadSink struct {
	w       http.ResponseWriter
	name    string
	started bool
}

func (s *downloadSink) start() {
	if s.started {
		return
	}
	s.started = true
	contentType := mime.TypeByExtension(path.Ext(s.name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	s.w.Header().Set("Content-Type", contentType)
	s.w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": s.name}))
	s.w.Header().Set("X-Content-Type-Options", "nosniff")
	s.w.WriteHeader(http.StatusOK)
}

func (s *downloadSink) Write(b []byte) (int, error) {
	s.start()
	return s.w.Write(b)
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	sink := &downloadSink{w: w, name: path.Base(req.FilePath)}
	n, err := h.proxy.Download(r.Context(), req.ConnectionID, req.FilePath, sink)
	switch {
	case err == nil:
		if !sink.started {
			w.Header().Set("Content-Length", "0")
			sink.start()
		}
	case !sink.started:
		writeError(w, err)
	default:
		// headers are gone, abort so the client does not take a truncated file for a complete one
		h.Logger().Warn("Download interrupted", "session", req.ConnectionID, "bytes", n, "error", err)
		panic(http.ErrAbortHandler)
	}
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	if h.opts.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadSize+multipartOverhead)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			badRequest(w, "File is too large, the limit is "+humanize.IBytes(uint64(h.opts.MaxUploadSize)))
			return
		}
		badRequest(w, "Invalid upload request")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	id := r.FormValue("connectionId")
	file, header, err := r.FormFile("file")
	if err != nil {
		if !h.proxy.HasSession(id) {
			writeError(w, proxy.SessionNotFound(proxy.OpUpload))
			return
		}
		badRequest(w, "No file uploaded")
		return
	}
	defer file.Close()

	name, err := h.proxy.Upload(r.Context(), id, r.FormValue("targetPath"), uploadFilename(header), file)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		response: ok("File uploaded successfully"),
		Filename: name,
	})
}

// uploadFilename returns the file name as the client sent it.
// FileHeader.Filename has its directories stripped already.
func uploadFilename(header *multipart.FileHeader) string {
	_, params, err := mime.ParseMediaType(header.Header.Get("Content-Disposition"))
	if err != nil || params["filename"] == "" {
		return header.Filename
	}
	return params["filename"]
}

func (h *Handler) mkdir(w http.ResponseWriter, r *http.Request) {
	var req mkdirRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	if err := h.proxy.MakeDir(r.Context(), req.ConnectionID, req.DirPath); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("Directory created successfully"))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	if err := h.proxy.Delete(r.Context(), req.ConnectionID, req.ItemPath, req.Type); err != nil {
		writeError(w, err)
		return
	}
	kind := req.Type
	if kind == "" {
		kind = remote.EntryTypeFile
	}
	writeJSON(w, http.StatusOK, ok(kind+" deleted successfully"))
}

func (h *Handler) rename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	if err := h.proxy.Rename(r.Context(), req.ConnectionID, req.OldPath, req.NewPath); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("Item renamed successfully"))
}

func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	h.proxy.Disconnect(req.ConnectionID)
	writeJSON(w, http.StatusOK, ok("Disconnected successfully"))
}
