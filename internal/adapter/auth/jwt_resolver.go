// Package auth turns bearer credentials into connection principals.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rl1809/drone-inventory/internal/core/domain"
)

const (
	droneSubjectPrefix    = "drone:"
	operatorSubjectPrefix = "user:"
)

// JWTResolver verifies HMAC-signed tokens and interprets their subject claim.
type JWTResolver struct {
	secret []byte
	method string
}

func NewJWTResolver(secret string, method string) *JWTResolver {
	if method == "" {
		method = jwt.SigningMethodHS256.Alg()
	}
	return &JWTResolver{secret: []byte(secret), method: method}
}

func (r *JWTResolver) Resolve(credential string) (domain.Principal, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return domain.Principal{}, domain.ErrInvalidToken
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(credential, &claims, func(token *jwt.Token) (any, error) {
		return r.secret, nil
	},
		jwt.WithValidMethods([]string{r.method}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %s", domain.ErrInvalidToken, describeJWTError(err))
	}

	return ParseSubject(claims.Subject)
}

// Issue signs a token for subject that expires after ttl.
func (r *JWTResolver) Issue(subject string, ttl time.Duration) (string, error) {
	method := jwt.GetSigningMethod(r.method)
	if method == nil {
		return "", fmt.Errorf("unknown signing method %q", r.method)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(method, claims).SignedString(r.secret)
}

func DroneSubject(id int64) string {
	return droneSubjectPrefix + strconv.FormatInt(id, 10)
}

func OperatorSubject(id int64) string {
	return operatorSubjectPrefix + strconv.FormatInt(id, 10)
}

// ParseSubject maps "drone:<id>" and "user:<id>" to principals.
func ParseSubject(subject string) (domain.Principal, error) {
	switch {
	case subject == "":
		return domain.Principal{}, fmt.Errorf("%w: missing subject", domain.ErrInvalidToken)
	case strings.HasPrefix(subject, droneSubjectPrefix):
		id, err := parseID(strings.TrimPrefix(subject, droneSubjectPrefix))
		if err != nil {
			return domain.Principal{}, err
		}
		return domain.DronePrincipal(id), nil
	case strings.HasPrefix(subject, operatorSubjectPrefix):
		id, err := parseID(strings.TrimPrefix(subject, operatorSubjectPrefix))
		if err != nil {
			return domain.Principal{}, err
		}
		return domain.OperatorPrincipal(id), nil
	default:
		return domain.Principal{}, domain.ErrUnauthorizedRole
	}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad subject id %q", domain.ErrInvalidToken, raw)
	}
	return id, nil
}

func describeJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing claim"
	default:
		return "unverifiable"
	}
}
