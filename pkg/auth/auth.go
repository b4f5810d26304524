// Package auth manages user accounts and bearer tokens: bcrypt password
// hashing, HS256 JWTs and the tenant scoping identity attached to requests.
package auth

import (
	"context"
	"regexp"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/storeplane/storeplane/pkg/apierror"
	"github.com/storeplane/storeplane/pkg/config"
)

// bcryptCost is deliberately above the library default.
const bcryptCost = 12

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,32}$`)
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Claims is the JWT payload.
type Claims struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
	jwt.Claims
}

// Identity is the authenticated principal attached to a request context.
type Identity struct {
	ID    string
	Email string
	Role  Role
}

// IsAdmin reports whether the identity may cross tenant boundaries.
func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// Service registers users, verifies credentials and mints tokens.
type Service struct {
	users     UserRepository
	secret    []byte
	expiresIn time.Duration
	log       logr.Logger

	now func() time.Time
}

// NewService wires a Service from configuration.
func NewService(users UserRepository, cfg *config.Config, log logr.Logger) *Service {
	return &Service{
		users:     users,
		secret:    []byte(cfg.JWTSecret),
		expiresIn: cfg.JWTExpiresIn,
		log:       log.WithName("auth"),
		now:       time.Now,
	}
}

// RegisterRequest is the input to Register.
type RegisterRequest struct {
	Email    string
	Username string
	Password string
}

// Register creates a user. The first account in the system becomes admin.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	email := NormalizeEmail(req.Email)
	if !emailPattern.MatchString(email) {
		return nil, apierror.New(apierror.CodeValidation, "invalid email address")
	}
	if !usernamePattern.MatchString(req.Username) {
		return nil, apierror.New(apierror.CodeValidation,
			"username must be 3-32 characters of letters, digits, hyphen or underscore")
	}
	if len(req.Password) < 8 {
		return nil, apierror.New(apierror.CodeValidation, "password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeInternal, "hashing password", err)
	}

	count, err := s.users.Count(ctx)
	if err != nil {
		return nil, err
	}
	role := RoleTenant
	if count == 0 {
		role = RoleAdmin
	}

	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     req.Username,
		PasswordHash: string(hash),
		Role:         role,
		IsActive:     true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	s.log.Info("user registered", "user", user.ID, "role", user.Role)
	return user, nil
}

// Login verifies credentials and returns the user with a fresh token.
// Credential failures are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*User, string, error) {
	invalid := apierror.New(apierror.CodeInvalidCredentials, "invalid email or password")

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, "", err
	}
	if user == nil {
		// Burn a hash comparison so missing users cost the same as bad
		// passwords.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$12$C6UzMDM.H6dfI/f/IKcEeO5a9nVPkXW3wXpaJXYtBYTbieid1Bz1K"), []byte(password))
		return nil, "", invalid
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, "", invalid
	}
	if !user.IsActive {
		return nil, "", apierror.New(apierror.CodeUnauthorized, "account is deactivated")
	}

	token, err := s.IssueToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// IssueToken mints a signed HS256 token for the user.
func (s *Service) IssueToken(user *User) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: s.secret},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", apierror.Wrap(apierror.CodeInternal, "constructing token signer", err)
	}

	now := s.now()
	claims := Claims{
		ID:    user.ID,
		Email: user.Email,
		Role:  user.Role,
		Claims: jwt.Claims{
			Subject:  user.ID,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(s.expiresIn)),
		},
	}
	token, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	if err != nil {
		return "", apierror.Wrap(apierror.CodeInternal, "signing token", err)
	}
	return token, nil
}

// VerifyToken parses and validates a bearer token, returning the identity.
// Every failure maps to UNAUTHORIZED.
func (s *Service) VerifyToken(ctx context.Context, token string) (*Identity, error) {
	unauthorized := func(msg string) error {
		return apierror.New(apierror.CodeUnauthorized, msg)
	}
	if token == "" {
		return nil, unauthorized("missing bearer token")
	}

	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, unauthorized("malformed token")
	}
	var claims Claims
	if err := parsed.Claims(s.secret, &claims); err != nil {
		return nil, unauthorized("invalid token signature")
	}
	if err := claims.Validate(jwt.Expected{Time: s.now()}); err != nil {
		return nil, unauthorized("token expired")
	}

	// Re-check the account so deactivation takes effect before expiry.
	user, err := s.users.FindByID(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsActive {
		return nil, unauthorized("account is not active")
	}

	return &Identity{ID: user.ID, Email: user.Email, Role: user.Role}, nil
}

// RequireRole returns nil only when the identity holds one of the roles.
func RequireRole(id *Identity, roles ...Role) error {
	for _, role := range roles {
		if id.Role == role {
			return nil
		}
	}
	return apierror.New(apierror.CodeForbidden, "insufficient role").
		WithSuggestion("This endpoint requires elevated privileges.")
}
