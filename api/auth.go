package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"kanban-sync/domain"
)

var ErrMissingToken = errors.New("missing session token")

// Authenticator turns an incoming request into an explicit session.
type Authenticator interface {
	Session(r *http.Request) (domain.Session, error)
}

// Auth reads the bearer token from the Authorization header or the session
// cookie. With JWKS set tokens are verified as RS256; in test mode they are
// verified with a shared HMAC secret. Otherwise the token is only decoded: the
// task board API verifies it on every call.
type Auth struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	TestMode   bool
	TestSecret []byte
	Cookie     string

	parser *jwt.Parser
}

// NewAuth creates a new Auth instance. jwks may be nil.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer, cookie string) *Auth {
	return &Auth{
		JWKS:     jwks,
		Audience: audience,
		Issuer:   issuer,
		Cookie:   cookie,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
	}
}

// NewTestAuth verifies HS256 tokens signed with secret.
func NewTestAuth(secret []byte, cookie string) *Auth {
	return &Auth{
		TestMode:   true,
		TestSecret: secret,
		Cookie:     cookie,
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

func (a *Auth) Session(r *http.Request) (domain.Session, error) {
	token, err := a.token(r)
	if err != nil {
		return domain.Session{}, err
	}
	userID, err := a.userID(token)
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{Token: token, UserID: userID}, nil
}

func (a *Auth) token(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", errors.New("bad auth header")
		}
		return checkShape(strings.TrimSpace(parts[1]))
	}
	if a.Cookie != "" {
		if c, err := r.Cookie(a.Cookie); err == nil && c.Value != "" {
			return checkShape(c.Value)
		}
	}
	return "", ErrMissingToken
}

func checkShape(token string) (string, error) {
	if strings.Count(token, ".") != 2 {
		return "", errors.New("bad auth header")
	}
	return token, nil
}

func (a *Auth) userID(token string) (string, error) {
	var claims jwt.MapClaims
	switch {
	case a.TestMode:
		parsed, err := a.jwtParser().Parse(token, func(*jwt.Token) (interface{}, error) {
			return a.TestSecret, nil
		})
		if err != nil {
			return "", err
		}
		claims, _ = parsed.Claims.(jwt.MapClaims)
	case a.JWKS != nil:
		parsed, err := a.jwtParser().Parse(token, a.JWKS.Keyfunc)
		if err != nil {
			return "", err
		}
		claims, _ = parsed.Claims.(jwt.MapClaims)
		if err := a.verifyClaims(claims); err != nil {
			return "", err
		}
	default:
		claims = jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return "", err
		}
	}
	if claims == nil {
		return "", errors.New("invalid claims")
	}
	for _, name := range []string{"id", "sub"} {
		if v, ok := claims[name].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", errors.New("missing user id claim")
}

func (a *Auth) jwtParser() *jwt.Parser {
	if a.parser != nil {
		return a.parser
	}
	if a.TestMode {
		return jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	}
	return jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
}

func (a *Auth) verifyClaims(claims jwt.MapClaims) error {
	now := time.Now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return errors.New("token not valid yet")
	}
	if !claims.VerifyAudience(a.Audience, false) {
		return errors.New("invalid audience")
	}
	if !claims.VerifyIssuer(a.Issuer, false) {
		return errors.New("invalid issuer")
	}
	return nil
}

// SignTestToken returns an HS256 session token that NewTestAuth with the same
// secret accepts.
func SignTestToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("test secret is empty")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":  userID,
		"sub": userID,
		"exp": time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}
