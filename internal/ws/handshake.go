package ws

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/streamnode/node/internal/session"
)

// Handshake headers.
const (
	headerAuthorization  = "Authorization"
	headerUserID         = "User-Id"
	headerSessionID      = "Session-Id"
	headerClientName     = "Client-Name"
	headerSessionResumed = "Session-Resumed"
)

type handshakeError struct {
	status int
	msg    string
}

func (e *handshakeError) Error() string { return e.msg }

// passwordMatches compares in constant time.
func passwordMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// parseHandshake validates the upgrade request headers. Rejections carry the
// HTTP status to answer with.
func parseHandshake(r *http.Request, password string) (session.Handshake, *handshakeError) {
	if !passwordMatches(r.Header.Get(headerAuthorization), password) {
		return session.Handshake{}, &handshakeError{status: http.StatusUnauthorized, msg: "authentication failed"}
	}

	raw := strings.TrimSpace(r.Header.Get(headerUserID))
	userID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || userID == 0 {
		return session.Handshake{}, &handshakeError{status: http.StatusBadRequest, msg: "missing or invalid User-Id header"}
	}

	return session.Handshake{
		UserID:     strconv.FormatUint(userID, 10),
		SessionID:  strings.TrimSpace(r.Header.Get(headerSessionID)),
		ClientName: strings.TrimSpace(r.Header.Get(headerClientName)),
		UserAgent:  r.UserAgent(),
	}, nil
}
