package rpc

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const tokenClockSkew = 2 * time.Minute

// requireAuth accepts either the configured admin token itself or a short
// lived HS256 JWT signed with it. JWTs must carry an expiry.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			writeError(w, http.StatusUnauthorized, "admin authentication token not configured")
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "Authorization header must use Bearer scheme")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		subject, err := s.parseToken(token)
		if err != nil {
			s.logger.Debug("admin token rejected", slog.Any("error", err))
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Info("admin action authorised",
			slog.String("subject", subject),
			slog.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) parseToken(raw string) (string, error) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.authToken), nil
	}, jwt.WithLeeway(tokenClockSkew), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token invalid")
	}
	subject, _ := token.Claims.GetSubject()
	return subject, nil
}
