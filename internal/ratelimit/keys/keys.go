// Package keys derives rate limit bucket keys from requests.
package keys

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"studio/internal/ratelimit/models"
)

// Unknown is the shared bucket for requests without an identifiable client.
const Unknown = "unknown"

// ClientIP returns the first X-Forwarded-For hop, trimmed, or Unknown.
// Requests without the header share one bucket.
func ClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return Unknown
	}
	first, _, _ := strings.Cut(xff, ",")
	if ip := strings.TrimSpace(first); ip != "" {
		return ip
	}
	return Unknown
}

// Verifier validates HS256 bearer tokens and extracts their subject.
type Verifier struct {
	signingKey []byte
}

func NewVerifier(signingKey string) *Verifier {
	return &Verifier{signingKey: []byte(signingKey)}
}

// Sign issues an HS256 token for subject that Subject accepts until now+ttl.
func (v *Verifier) Sign(subject string, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.signingKey)
}

// Subject returns the "sub" claim of a valid token.
func (v *Verifier) Subject(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// BearerSubject keys authenticated callers by token subject ("user:<sub>")
// and everyone else by fallback.
func BearerSubject(v *Verifier, fallback models.KeyFunc) models.KeyFunc {
	if fallback == nil {
		fallback = ClientIP
	}
	return func(r *http.Request) string {
		token, ok := bearerToken(r)
		if !ok || v == nil {
			return fallback(r)
		}
		sub, err := v.Subject(token)
		if err != nil || sub == "" {
			return fallback(r)
		}
		return "user:" + sub
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
