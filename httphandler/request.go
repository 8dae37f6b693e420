package httphandler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// maxJSONBody bounds the JSON request bodies, they only carry paths and credentials
const maxJSONBody = 1 << 20

// flexInt accepts 21 as well as "21", a string that is not a number is 0
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*n = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, _ := strconv.Atoi(strings.TrimSpace(s))
		*n = flexInt(v)
		return nil
	}
	var v int
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*n = flexInt(v)
	return nil
}

// flexBool accepts true as well as "true", any other string is false
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, _ := strconv.ParseBool(strings.TrimSpace(s))
		*f = flexBool(v)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*f = false
		return nil
	}
	var v bool
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexBool(v)
	return nil
}

type connectRequest struct {
	Protocol string   `json:"protocol"`
	Host     string   `json:"host"`
	Port     flexInt  `json:"port"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	Secure   flexBool `json:"secure"`
}

type sessionRequest struct {
	ConnectionID string `json:"connectionId"`
}

type listRequest struct {
	ConnectionID string `json:"connectionId"`
	Path         string `json:"path"`
}

type downloadRequest struct {
	ConnectionID string `json:"connectionId"`
	FilePath     string `json:"filePath"`
}

type mkdirRequest struct {
	ConnectionID string `json:"connectionId"`
	DirPath      string `json:"dirPath"`
}

type deleteRequest struct {
	ConnectionID string `json:"connectionId"`
	ItemPath     string `json:"itemPath"`
	Type         string `json:"type"`
}

type renameRequest struct {
	ConnectionID string `json:"connectionId"`
	OldPath      string `json:"oldPath"`
	NewPath      string `json:"newPath"`
}

var errBadBody = errors.New("invalid request body")

// decodeJSON reads a bounded JSON body into v, an empty body leaves v untouched
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxJSONBody)
	err := json.NewDecoder(body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %w", errBadBody, err)
}
