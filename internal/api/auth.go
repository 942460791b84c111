package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/internhub/trustledger/internal/protocol"
)

type collaboratorKey struct{}

// Authorizer maps bearer tokens to callers. Collaborator tokens may append
// and read; the read token may only read.
type Authorizer struct {
	collaborators []credential
	readToken     []byte
}

type credential struct {
	name  string
	token []byte
}

func NewAuthorizer(collaborators map[string]string, readToken string) *Authorizer {
	a := &Authorizer{readToken: []byte(readToken)}
	for name, token := range collaborators {
		a.collaborators = append(a.collaborators, credential{name: name, token: []byte(token)})
	}
	return a
}

func (a *Authorizer) RequireCollaborator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(w, r)
		if !ok {
			return
		}
		name, found := a.collaborator(token)
		if !found {
			writeUnauthorized(w, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), collaboratorKey{}, name)))
	})
}

func (a *Authorizer) RequireReader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(w, r)
		if !ok {
			return
		}
		if len(a.readToken) > 0 && subtle.ConstantTimeCompare(token, a.readToken) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		if name, found := a.collaborator(token); found {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), collaboratorKey{}, name)))
			return
		}
		writeUnauthorized(w, "invalid bearer token")
	})
}

// collaborator compares against every token so the scan time does not leak
// which entry matched.
func (a *Authorizer) collaborator(token []byte) (string, bool) {
	var name string
	found := false
	for _, c := range a.collaborators {
		if subtle.ConstantTimeCompare(token, c.token) == 1 {
			name, found = c.name, true
		}
	}
	return name, found
}

func collaboratorFrom(ctx context.Context) string {
	name, _ := ctx.Value(collaboratorKey{}).(string)
	return name
}

func bearerToken(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	hdr := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(hdr, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		writeUnauthorized(w, "missing bearer token")
		return nil, false
	}
	return []byte(strings.TrimSpace(parts[1])), true
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnauthorized, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      "UNAUTHORIZED",
		Message:   msg,
		Retryable: false,
	}})
}

func IPAllowListMiddleware(cidrs []string) (func(http.Handler) http.Handler, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, netw, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		nets = append(nets, netw)
	}
	if len(nets) == 0 {
		return func(next http.Handler) http.Handler { return next }, nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if ip := net.ParseIP(host); ip != nil {
				for _, n := range nets {
					if n.Contains(ip) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			writeJSON(w, http.StatusForbidden, protocol.ErrorResponse{Error: protocol.ErrorBody{
				Code:      "FORBIDDEN",
				Message:   "source ip not allowed",
				Retryable: false,
			}})
		})
	}, nil
}
