package httpserver

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const contextKeySessionUserID = "session_user_id"

// sessionMiddleware validates the signed session token from the cookie or
// the Authorization header and stores the subject user id in the context.
func sessionMiddleware(cfg Config) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		raw := tokenFromRequest(ctx, cfg.SessionCookieName)
		if raw == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(cfg.SessionSigningKey), nil
		}, jwt.WithIssuer(cfg.SessionIssuer), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
			return
		}
		userID := strings.TrimSpace(claims.Subject)
		if userID == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no subject"))
			return
		}
		ctx.Set(contextKeySessionUserID, userID)
		ctx.Next()
	}
}

func tokenFromRequest(ctx *gin.Context, cookieName string) string {
	if cookie, err := ctx.Cookie(cookieName); err == nil && cookie != "" {
		return cookie
	}
	authorization := ctx.GetHeader("Authorization")
	if strings.HasPrefix(authorization, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	}
	return ""
}

func sessionUserID(ctx *gin.Context) string {
	return ctx.GetString(contextKeySessionUserID)
}

// MintSessionToken issues a signed session token for the user. Used by the
// seed command to hand out ready-to-use dev sessions.
func MintSessionToken(cfg Config, userID string, lifetime time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    cfg.SessionIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.SessionSigningKey))
}
