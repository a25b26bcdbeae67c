package developer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"howett.net/plist"
)

// dialect encodes requests and decodes replies for one portal protocol
// family. Both families report failures as *PortalError.
type dialect interface {
	// prepare maps a logical method and body onto the wire method,
	// payload and dialect headers.
	prepare(method string, body interface{}) (string, []byte, http.Header, error)
	// decode checks the reply for a portal error and unmarshals it into
	// out when out is non-nil.
	decode(status int, data []byte, out interface{}) error
}

// qhDialect is the Xcode-era plist protocol under /QH65B2.
type qhDialect struct{}

const qhContentType = "text/x-xml-plist"

type qhMeta struct {
	ResultCode   int64  `plist:"resultCode"`
	ResultString string `plist:"resultString"`
	UserString   string `plist:"userString"`
}

func (qhDialect) prepare(_ string, body interface{}) (string, []byte, http.Header, error) {
	req := map[string]interface{}{}
	if fields, ok := body.(map[string]interface{}); ok {
		for k, v := range fields {
			req[k] = v
		}
	} else if body != nil {
		return "", nil, nil, fmt.Errorf("qh body must be a dictionary, got %T", body)
	}
	req["requestId"] = strings.ToUpper(uuid.NewString())

	payload, err := plist.Marshal(req, plist.XMLFormat)
	if err != nil {
		return "", nil, nil, err
	}
	h := make(http.Header)
	h.Set("Content-Type", qhContentType)
	h.Set("Accept", qhContentType)
	return http.MethodPost, payload, h, nil
}

func (qhDialect) decode(status int, data []byte, out interface{}) error {
	var meta qhMeta
	_, err := plist.Unmarshal(data, &meta)
	if err == nil && meta.ResultCode != 0 {
		msg := meta.ResultString
		if msg == "" {
			msg = meta.UserString
		}
		return &PortalError{Code: meta.ResultCode, Message: msg}
	}
	if status >= 400 {
		return &PortalError{Code: int64(status), Message: http.StatusText(status)}
	}
	if err != nil {
		return fmt.Errorf("decoding portal reply: %w", err)
	}
	if out == nil {
		return nil
	}
	if _, err := plist.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding portal reply: %w", err)
	}
	return nil
}

// v1Dialect is the JSON:API protocol under /v1. Reads travel as POST with a
// method-override header so the query can be carried in the body.
type v1Dialect struct{}

type v1ErrorBody struct {
	Errors []struct {
		Status string `json:"status"`
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (v1Dialect) prepare(method string, body interface{}) (string, []byte, http.Header, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return "", nil, nil, err
		}
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/vnd.api+json")
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("X-Requested-With", "XMLHttpRequest")

	wire := method
	if method == http.MethodGet {
		h.Set("X-HTTP-Method-Override", http.MethodGet)
		wire = http.MethodPost
	}
	return wire, payload, h, nil
}

func (v1Dialect) decode(status int, data []byte, out interface{}) error {
	var eb v1ErrorBody
	if len(data) > 0 {
		if err := json.Unmarshal(data, &eb); err != nil && status < 400 {
			return fmt.Errorf("decoding portal reply: %w", err)
		}
	}
	if len(eb.Errors) > 0 {
		first := eb.Errors[0]
		code, _ := strconv.ParseInt(first.Status, 10, 64)
		msg := first.Detail
		if msg == "" {
			msg = first.Title
		}
		if msg == "" {
			msg = "unknown error"
		}
		return &PortalError{Code: code, Message: msg}
	}
	if status >= 400 {
		return &PortalError{Code: int64(status), Message: http.StatusText(status)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding portal reply: %w", err)
	}
	return nil
}
