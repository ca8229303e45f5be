package backendstub

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess = "access"
	tokenTypeVoice  = "voice"

	ctxUserID = "user_id"
)

type claims struct {
	jwt.RegisteredClaims
	TokenType string `json:"token_type"`
}

type signer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func (s *signer) issue(userID, tokenType string, ttl time.Duration) (string, error) {
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		TokenType: tokenType,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

func (s *signer) verify(raw, expected string) (claims, error) {
	var c claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
		jwt.WithLeeway(30*time.Second),
	)
	if _, err := parser.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}); err != nil {
		return claims{}, err
	}
	if c.TokenType != expected {
		return claims{}, errors.New("token_type mismatch")
	}
	if c.Subject == "" {
		return claims{}, errors.New("subject missing")
	}
	return c, nil
}

// requireAccessToken rejects requests without a valid bearer access token.
func (s *Server) requireAccessToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		if raw == "" || !strings.HasPrefix(raw, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Authentication credentials were not provided."})
			return
		}
		cl, err := s.signer.verify(strings.TrimPrefix(raw, "Bearer "), tokenTypeAccess)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Given token not valid for any token type"})
			return
		}
		c.Set(ctxUserID, cl.Subject)
		c.Next()
	}
}
