package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"

	"github.com/jengzang/hospital-bulk-go/pkg/response"
)

const (
	adminRole     = "admin"
	claimsKey     = "auth_claims"
	defaultLeeway = 30 * time.Second
)

// AdminClaims are the JWT claims accepted on admin endpoints
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// RequireAdmin accepts only HS256 bearer tokens signed with secret and
// carrying role=admin. An empty secret disables the check.
func RequireAdmin(secret string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(defaultLeeway),
	)

	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		token, ok := extractBearerToken(c.GetHeader("Authorization"))
		if !ok {
			log.WithField("path", c.Request.URL.Path).Warn("auth failure: missing or malformed Authorization header")
			respondUnauthorized(c, "missing or invalid authorization header")
			return
		}

		claims := &AdminClaims{}
		_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		if err != nil {
			log.WithField("path", c.Request.URL.Path).WithError(err).Warn("auth failure: token invalid")
			respondUnauthorized(c, "invalid token")
			return
		}
		if claims.Role != adminRole {
			response.Error(c, http.StatusForbidden, "admin role required")
			c.Abort()
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// IssueAdminToken signs an admin token, used by tooling and tests
func IssueAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := AdminClaims{
		Role: adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func respondUnauthorized(c *gin.Context, message string) {
	response.Error(c, http.StatusUnauthorized, message)
	c.Abort()
}
