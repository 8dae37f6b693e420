package httphandler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/telebroad/ftpweb/proxy"
)

type response struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Kind    proxy.Kind `json:"kind,omitempty"`
}

type connectResponse struct {
	response
	ConnectionID string `json:"connectionId"`
}

type listResponse struct {
	response
	*proxy.Listing
}

type uploadResponse struct {
	response
	Filename string `json:"filename"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func ok(message string) response {
	return response{Success: true, Message: message}
}

// StatusOf maps an error kind to its HTTP status
func StatusOf(kind proxy.Kind) int {
	switch kind {
	case proxy.KindInvalidRequest, proxy.KindPathTraversalRejected:
		return http.StatusBadRequest
	case proxy.KindSessionNotFound:
		return http.StatusNotFound
	case proxy.KindConnectError:
		return http.StatusBadGateway
	case proxy.KindProtocolError:
		return http.StatusBadRequest
	case proxy.KindProtocolTimeout:
		return http.StatusGatewayTimeout
	case proxy.KindSessionLimit:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the message of a proxy error, anything else is an internal error
func writeError(w http.ResponseWriter, err error) {
	kind := proxy.KindOf(err)
	message := "internal error"
	var perr *proxy.Error
	if errors.As(err, &perr) && kind != proxy.KindInternalError {
		message = perr.Message
	}
	writeJSON(w, StatusOf(kind), response{Success: false, Message: message, Kind: kind})
}

// badRequest answers an InvalidRequest found before reaching the proxy
func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, response{Success: false, Message: message, Kind: proxy.KindInvalidRequest})
}
