package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	fbauth "firebase.google.com/go/v4/auth"
	"github.com/golang-jwt/jwt/v5"

	"mealcredits/internal/models"
)

var (
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrNotConfigured = errors.New("authentication is not configured")
)

// Authenticator resolves a bearer token to the signed-in user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (models.User, error)
}

const issuer = "mealcredits"

type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator accepts HS256 tokens signed with a shared secret. The
// user id is the user_id claim, falling back to the subject.
type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, tokenString string) (models.User, error) {
	if len(a.secret) == 0 {
		return models.User{}, ErrNotConfigured
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return models.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return models.User{}, ErrInvalidToken
	}
	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return models.User{}, fmt.Errorf("%w: no user id claim", ErrInvalidToken)
	}
	return models.User{ID: id, Email: claims.Email}, nil
}

// Issue signs a token for userID valid for ttl.
func (a *JWTAuthenticator) Issue(userID, email string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrNotConfigured
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// TokenVerifier is satisfied by the Firebase Admin auth client.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*fbauth.Token, error)
}

// FirebaseAuthenticator accepts Firebase ID tokens.
type FirebaseAuthenticator struct {
	verifier TokenVerifier
}

func NewFirebaseAuthenticator(v TokenVerifier) *FirebaseAuthenticator {
	return &FirebaseAuthenticator{verifier: v}
}

func (a *FirebaseAuthenticator) Authenticate(ctx context.Context, idToken string) (models.User, error) {
	if a.verifier == nil {
		return models.User{}, ErrNotConfigured
	}
	token, err := a.verifier.VerifyIDToken(ctx, idToken)
	if err != nil {
		return models.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	email, _ := token.Claims["email"].(string)
	return models.User{ID: token.UID, Email: email}, nil
}
