package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/putto11262002/roomchat/core"
)

// Authenticator resolves the identity a connection request is made for.
type Authenticator interface {
	Authenticate(r *http.Request) (core.RoomIdentity, error)
}

// QueryAuthenticator reads the identity from the query parameters sent by
// core.WSDialer. With a secret, a token signed with it must be presented,
// either as the token parameter or as a bearer token, and its claims must
// match the identity.
type QueryAuthenticator struct {
	secret []byte
}

func NewQueryAuthenticator(secret []byte) *QueryAuthenticator {
	return &QueryAuthenticator{secret: secret}
}

func (a *QueryAuthenticator) Authenticate(r *http.Request) (core.RoomIdentity, error) {
	query := r.URL.Query()
	id := core.RoomIdentity{
		RoomID:   query.Get(core.ParamRoomID),
		UserID:   query.Get(core.ParamUserID),
		UserName: query.Get(core.ParamUserName),
		UserRole: query.Get(core.ParamUserRole),
	}
	if err := id.Validate(); err != nil {
		return core.RoomIdentity{}, fmt.Errorf("%w: %w", ErrBadIdentity, err)
	}
	if _, err := core.ParseRoomID(id.RoomID); err != nil {
		return core.RoomIdentity{}, fmt.Errorf("%w: %w", ErrBadIdentity, err)
	}

	if len(a.secret) == 0 {
		return id, nil
	}

	token := query.Get(core.ParamToken)
	if token == "" {
		token, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return core.RoomIdentity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	claims, err := core.VerifyToken(token, a.secret)
	if err != nil {
		return core.RoomIdentity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.User() != id.User() {
		return core.RoomIdentity{}, fmt.Errorf("%w: identity does not match token", ErrUnauthorized)
	}
	return id, nil
}
