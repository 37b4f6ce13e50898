package requests

import (
	"context"
	"fmt"

	"github.com/thialfihar/python-keepass-httpd/auth"
	"github.com/thialfihar/python-keepass-httpd/storage"
)

// GetLogins returns the entries matching the request Url, encrypted with
// the session of the challenge it issues.
type GetLogins struct {
	Store  auth.CredentialStore
	Logins LoginStore
}

func (h *GetLogins) Process(ctx context.Context, request *auth.Fields) (*Response, error) {
	resp := newResponse(TypeGetLogins)
	var logins []storage.Login

	err := authenticated(ctx, h.Store, request, resp,
		func(s *auth.CipherSession) error {
			host, err := requestHost(ctx, s, request)
			if err != nil {
				return err
			}
			logins, err = h.Logins.FindLogins(ctx, host)
			if err != nil {
				return fmt.Errorf("failed to find logins: %w", err)
			}
			return nil
		},
		func(s *auth.CipherSession) error {
			resp.Entries = make([]Entry, 0, len(logins))
			for _, l := range logins {
				resp.Entries = append(resp.Entries, Entry{
					Name:     s.EncryptField(l.Name),
					Login:    s.EncryptField(l.Login),
					Password: s.EncryptField(l.Password),
					UUID:     s.EncryptField(l.UUID),
				})
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetLoginsCount returns how many entries match the request Url.
type GetLoginsCount struct {
	Store  auth.CredentialStore
	Logins LoginStore
}

func (h *GetLoginsCount) Process(ctx context.Context, request *auth.Fields) (*Response, error) {
	resp := newResponse(TypeGetLoginsCount)

	err := authenticated(ctx, h.Store, request, resp,
		func(s *auth.CipherSession) error {
			host, err := requestHost(ctx, s, request)
			if err != nil {
				return err
			}
			n, err := h.Logins.CountLogins(ctx, host)
			if err != nil {
				return fmt.Errorf("failed to count logins: %w", err)
			}
			resp.Count = &n
			return nil
		}, nil)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SetLogin stores a new entry for the request Url.
type SetLogin struct {
	Store  auth.CredentialStore
	Logins LoginStore
}

func (h *SetLogin) Process(ctx context.Context, request *auth.Fields) (*Response, error) {
	resp := newResponse(TypeSetLogin)

	err := authenticated(ctx, h.Store, request, resp,
		func(s *auth.CipherSession) error {
			url, err := decrypt(ctx, s, request, FieldURL)
			if err != nil {
				return err
			}
			login, err := decrypt(ctx, s, request, FieldLogin)
			if err != nil {
				return err
			}
			password, err := decrypt(ctx, s, request, FieldPassword)
			if err != nil {
				return err
			}
			if storage.HostOf(url) == "" {
				return fmt.Errorf("%w: %s has no host", auth.ErrMalformedRequest, FieldURL)
			}

			id, err := h.Logins.AddLogin(ctx, storage.Login{URL: url, Login: login, Password: password})
			if err != nil {
				return fmt.Errorf("failed to store login: %w", err)
			}
			loggerFrom(ctx).Info().Str("login_uuid", id).Msg("Login stored")
			return nil
		}, nil)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// requestHost decrypts Url and returns its host. SubmitUrl is decrypted
// when present only to validate it.
func requestHost(ctx context.Context, s *auth.CipherSession, request *auth.Fields) (string, error) {
	url, err := decrypt(ctx, s, request, FieldURL)
	if err != nil {
		return "", err
	}
	if _, ok := request.Get(FieldSubmitURL); ok {
		if _, err := decrypt(ctx, s, request, FieldSubmitURL); err != nil {
			return "", err
		}
	}
	host := storage.HostOf(url)
	if host == "" {
		return "", fmt.Errorf("%w: %s has no host", auth.ErrMalformedRequest, FieldURL)
	}
	return host, nil
}
