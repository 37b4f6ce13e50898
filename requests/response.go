package requests

import (
	"bytes"
	"encoding/json"

	"github.com/thialfihar/python-keepass-httpd/auth"
)

// Version is reported in every response.
const Version = "1.8.4.2"

// Entry is one login returned by get-logins. All members are encrypted
// with the response session.
type Entry struct {
	Name     string `json:"Name"`
	Login    string `json:"Login"`
	Password string `json:"Password"`
	UUID     string `json:"Uuid"`
}

// Response is the result of one request.
type Response struct {
	RequestType string
	Success     bool

	// Fields holds Id, Nonce and Verifier, in the order they were set.
	Fields *auth.Fields

	Count   *int
	Entries []Entry
	Error   string
}

func newResponse(requestType string) *Response {
	return &Response{RequestType: requestType, Fields: auth.NewFields()}
}

// ErrorResponse builds the failure response for err.
func ErrorResponse(requestType string, err error) *Response {
	return &Response{
		RequestType: requestType,
		Success:     false,
		Error:       publicMessage(err),
	}
}

// MarshalJSON writes RequestType, Success and Version first, then the
// fields in order, then Count, Entries and Error when present.
func (r *Response) MarshalJSON() ([]byte, error) {
	w := &objectWriter{}
	w.buf.WriteByte('{')
	w.member("RequestType", r.RequestType)
	w.member("Success", r.Success)
	w.member("Version", Version)

	if r.Fields.Len() > 0 {
		w.buf.WriteByte(',')
		if err := r.Fields.AppendJSON(&w.buf); err != nil {
			return nil, err
		}
	}
	if r.Count != nil {
		w.member("Count", *r.Count)
	}
	if r.Entries != nil {
		w.member("Entries", r.Entries)
	}
	if r.Error != "" {
		w.member("Error", r.Error)
	}
	if w.err != nil {
		return nil, w.err
	}
	w.buf.WriteByte('}')
	return w.buf.Bytes(), nil
}

type objectWriter struct {
	buf bytes.Buffer
	n   int
	err error
}

func (w *objectWriter) member(name string, v any) {
	if w.err != nil {
		return
	}
	vb, err := json.Marshal(v)
	if err != nil {
		w.err = err
		return
	}
	if w.n > 0 {
		w.buf.WriteByte(',')
	}
	w.n++
	nb, _ := json.Marshal(name)
	w.buf.Write(nb)
	w.buf.WriteByte(':')
	w.buf.Write(vb)
}
