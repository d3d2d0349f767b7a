package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"securechat/internal/keyexchange"
	"securechat/internal/service"
)

type wsAuthError struct {
	status int
	msg    string
}

func (e wsAuthError) Error() string {
	return e.msg
}

var _ service.Membership = (*Hub)(nil)

// Deps are the services a socket calls into.
type Deps struct {
	Auth     *service.AuthService
	Rooms    *service.RoomService
	Messages *service.MessageService
	Keys     *keyexchange.KeyManagementService
}

type Options struct {
	AllowedOrigins  []string
	EventsPerSecond float64
	Burst           int
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

// makeCheckOrigin accepts listed browser origins, "*" for any, and requests
// with no Origin header (non-browser clients).
func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	_, wildcard := allowed["*"]

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" || wildcard {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

func extractTokenFromWSRequest(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") {
			token := parts[1]
			if token != "" {
				return token, nil
			}
		}
	}

	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}

	return "", wsAuthError{status: http.StatusUnauthorized, msg: "missing bearer token"}
}

// MakeHandler returns an HTTP handler for the /ws endpoint.
// Authenticates via Bearer token (Authorization header, Sec-WebSocket-Protocol
// or ?token=), joins the user's rooms, then dispatches events:
//   - message:send                    -> persist + broadcast message:new
//   - reaction:add / reaction:remove  -> broadcast reaction:added / reaction:removed
//   - typing:start / typing:stop      -> typing set with auto-expiry
//   - room:join / room:leave          -> subscription + room:joined / room:left
//   - key:exchange / key:request      -> relay to a peer or the room
func MakeHandler(hub *Hub, deps Deps, opts Options, log *zap.Logger) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "ws"))
	checkOrigin := makeCheckOrigin(opts.AllowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
		Subprotocols: []string{
			"bearer",
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !checkOrigin(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		tokenStr, err := extractTokenFromWSRequest(r)
		if err != nil {
			if authErr, ok := err.(wsAuthError); ok {
				http.Error(w, authErr.msg, authErr.status)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		user, err := deps.Auth.Authenticate(r.Context(), tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		var limiter *rate.Limiter
		if opts.EventsPerSecond > 0 {
			limiter = rate.NewLimiter(rate.Limit(opts.EventsPerSecond), max(opts.Burst, 1))
		}
		client := newClient(hub, conn, user, deps, limiter, log)
		if !hub.register(client) {
			conn.Close()
			return
		}
		go client.writePump()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := client.admit(ctx); err != nil {
			log.Error("admit socket", zap.String("user_id", user.ID), zap.Error(err))
			hub.unregister(client)
			return
		}
		client.readPump(ctx)
	}
}
