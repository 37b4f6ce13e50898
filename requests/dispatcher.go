package requests

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thialfihar/python-keepass-httpd/auth"
)

// Dispatcher routes requests to handlers by RequestType.
type Dispatcher struct {
	handlers map[string]RequestHandler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]RequestHandler)}
}

// NewStandardDispatcher registers every KeePassHTTP operation over the
// given stores. allowAssociate controls whether new clients may register.
func NewStandardDispatcher(creds auth.CredentialStore, logins LoginStore, allowAssociate bool) *Dispatcher {
	d := NewDispatcher()
	d.Register(TypeTestAssociate, &TestAssociate{Store: creds})
	d.Register(TypeAssociate, &Associate{Store: creds, Allow: allowAssociate})
	d.Register(TypeGetLogins, &GetLogins{Store: creds, Logins: logins})
	d.Register(TypeGetLoginsCount, &GetLoginsCount{Store: creds, Logins: logins})
	d.Register(TypeSetLogin, &SetLogin{Store: creds, Logins: logins})
	return d
}

// Register sets the handler for requestType, replacing any earlier one.
func (d *Dispatcher) Register(requestType string, h RequestHandler) {
	d.handlers[requestType] = h
}

// Dispatch runs the handler named by the request's RequestType.
func (d *Dispatcher) Dispatch(ctx context.Context, request *auth.Fields) (*Response, error) {
	requestType, err := require(request, FieldRequestType)
	if err != nil {
		return nil, err
	}
	h, ok := d.handlers[requestType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequestType, requestType)
	}

	resp, err := h.Process(ctx, request)
	if err != nil {
		return nil, err
	}
	if resp.RequestType == "" {
		resp.RequestType = requestType
	}
	return resp, nil
}

// ServeJSON decodes a JSON request, dispatches it and encodes the
// response. It returns the transport status and the response body.
func (d *Dispatcher) ServeJSON(ctx context.Context, body []byte) (int, []byte) {
	logger := loggerFrom(ctx)

	request := auth.NewFields()
	if err := json.Unmarshal(body, request); err != nil {
		err = fmt.Errorf("%w: %v", auth.ErrMalformedRequest, err)
		logger.Warn().Err(err).Msg("Rejected undecodable request")
		return encode(logger, http.StatusBadRequest, ErrorResponse("", err))
	}
	requestType, _ := request.Get(FieldRequestType)
	clientID, _ := request.Get(auth.FieldID)

	resp, err := d.Dispatch(ctx, request)
	if err != nil {
		status := StatusCode(err)
		event := logger.Warn()
		if status == http.StatusInternalServerError {
			event = logger.Error()
		}
		event.Err(err).
			Str("request_type", requestType).
			Str("client_id", clientID).
			Int("status", status).
			Msg("Request failed")
		return encode(logger, status, ErrorResponse(requestType, err))
	}

	logger.Debug().
		Str("request_type", requestType).
		Str("client_id", clientID).
		Msg("Request handled")
	return encode(logger, http.StatusOK, resp)
}

func encode(logger *zerolog.Logger, status int, resp *Response) (int, []byte) {
	data, err := json.Marshal(resp)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
		return http.StatusInternalServerError, []byte(`{"Success":false,"Error":"internal error"}`)
	}
	return status, data
}

// loggerFrom returns the logger attached to ctx, or the global logger.
func loggerFrom(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		return &log.Logger
	}
	return l
}

