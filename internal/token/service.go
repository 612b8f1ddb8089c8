// Package token issues, verifies, rotates and revokes the gateway's JWTs.
//
// Refresh tokens are tracked per user in the directory: a refresh token is
// usable only while it verifies and its exact string is in the owner's
// active set. Access tokens are stateless.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/authgateway/internal/autherr"
	"github.com/yourorg/authgateway/internal/directory"
	"github.com/yourorg/authgateway/internal/metrics"
)

// Operation names used in errors, logs and metrics.
const (
	OpIssue        = "issue"
	OpRotate       = "rotate"
	OpRevoke       = "revoke"
	OpVerifyAccess = "verify_access"
)

// Pair is the result of a successful login or rotation.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	// UserID is the owner of the pair.
	UserID string `json:"-"`
}

// Config holds the token lifetimes.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source for minting and verification.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records operation outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service implements the token lifecycle against a Directory.
type Service struct {
	signer  *Signer
	dir     directory.Directory
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a Service. It fails if no signer is configured or the
// lifetimes are unusable.
func NewService(signer *Signer, dir directory.Directory, cfg Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if signer == nil {
		return nil, errors.New("token signer is not configured")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token lifetimes must be positive")
	}
	s := &Service{
		signer: signer,
		dir:    dir,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Signer returns the signer used by s.
func (s *Service) Signer() *Signer { return s.signer }

// IssueAndStore mints an access/refresh pair for u and records the refresh
// token in u's active set.
func (s *Service) IssueAndStore(ctx context.Context, u *directory.User) (pair *Pair, err error) {
	defer func() { s.observe(OpIssue, err) }()

	now := s.now()
	email := ""
	if u.Email != nil {
		email = *u.Email
	}

	access, err := s.signer.Sign(s.claims(u.ID, TypeAccess, email, now, s.cfg.AccessTTL))
	if err != nil {
		return nil, s.fault(OpIssue, "failed to sign access token", err)
	}
	refresh, err := s.signer.Sign(s.claims(u.ID, TypeRefresh, "", now, s.cfg.RefreshTTL))
	if err != nil {
		return nil, s.fault(OpIssue, "failed to sign refresh token", err)
	}

	added, err := s.dir.AddRefreshToken(ctx, u.ID, refresh)
	if err != nil {
		return nil, s.fault(OpIssue, "failed to store refresh token", err)
	}
	if !added {
		return nil, autherr.New(autherr.KindUserNotFound, OpIssue, nil)
	}
	return &Pair{AccessToken: access, RefreshToken: refresh, UserID: u.ID}, nil
}

// Rotate exchanges a valid refresh token for a new pair. The presented token
// is removed before the new pair is minted; of two concurrent rotations of
// the same token exactly one succeeds.
func (s *Service) Rotate(ctx context.Context, presented string) (pair *Pair, err error) {
	defer func() { s.observe(OpRotate, err) }()

	if presented == "" {
		return nil, autherr.New(autherr.KindTokenMissing, OpRotate, nil)
	}
	claims, err := s.parse(OpRotate, presented, true)
	if err != nil {
		return nil, err
	}
	if claims.Type != TypeRefresh {
		return nil, autherr.New(autherr.KindWrongTokenType, OpRotate, nil)
	}

	userID := claims.Subject
	has, err := s.dir.HasRefreshToken(ctx, userID, presented)
	if err != nil {
		return nil, s.fault(OpRotate, "failed to check refresh token", err)
	}
	if !has {
		return nil, autherr.New(autherr.KindTokenNotRecognized, OpRotate, nil)
	}

	removed, err := s.dir.RemoveRefreshToken(ctx, userID, presented)
	if err != nil {
		return nil, s.fault(OpRotate, "failed to remove refresh token", err)
	}
	if !removed {
		// Another request consumed it between the check and the remove.
		return nil, autherr.New(autherr.KindTokenNotRecognized, OpRotate, nil)
	}

	u, err := s.dir.FindByID(ctx, userID)
	if errors.Is(err, directory.ErrNotFound) {
		s.logger.Error("refresh token owner missing from directory", zap.String("user_id", userID))
		return nil, autherr.New(autherr.KindUserNotFound, OpRotate, err)
	}
	if err != nil {
		return nil, s.fault(OpRotate, "failed to load user", err)
	}
	return s.IssueAndStore(ctx, u)
}

// Revoke removes a refresh token from its owner's active set. Expired tokens
// are accepted. It reports whether a token was actually removed; an already
// revoked token is not an error.
func (s *Service) Revoke(ctx context.Context, presented string) (removed bool, err error) {
	defer func() { s.observe(OpRevoke, err) }()

	if presented == "" {
		return false, autherr.New(autherr.KindTokenMissing, OpRevoke, nil)
	}
	claims, err := s.parse(OpRevoke, presented, false)
	if err != nil {
		return false, err
	}
	if claims.Type != TypeRefresh {
		return false, autherr.New(autherr.KindWrongTokenType, OpRevoke, nil)
	}

	removed, err = s.dir.RemoveRefreshToken(ctx, claims.Subject, presented)
	if err != nil {
		return false, s.fault(OpRevoke, "failed to remove refresh token", err)
	}
	return removed, nil
}

// VerifyAccess checks an access token and returns its claims. It does not
// consult the directory.
func (s *Service) VerifyAccess(presented string) (claims *Claims, err error) {
	defer func() { s.observe(OpVerifyAccess, err) }()

	if presented == "" {
		return nil, autherr.New(autherr.KindTokenMissing, OpVerifyAccess, nil)
	}
	claims, err = s.parse(OpVerifyAccess, presented, true)
	if err != nil {
		return nil, err
	}
	if claims.Type != TypeAccess {
		return nil, autherr.New(autherr.KindWrongTokenType, OpVerifyAccess, nil)
	}
	return claims, nil
}

func (s *Service) claims(userID, typ, email string, now time.Time, ttl time.Duration) Claims {
	return Claims{
		Type:  typ,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
}

// parse verifies raw and maps library failures onto the taxonomy.
func (s *Service) parse(op, raw string, validateClaims bool) (*Claims, error) {
	claims, err := s.signer.Parse(raw, s.now, validateClaims)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, autherr.New(autherr.KindTokenExpired, op, err)
		}
		return nil, autherr.New(autherr.KindTokenMalformed, op, err)
	}
	if claims.Subject == "" {
		return nil, autherr.New(autherr.KindTokenMalformed, op, errors.New("missing subject"))
	}
	return claims, nil
}

// fault logs a backend or signing failure and hides it behind StorageFault.
func (s *Service) fault(op, msg string, err error) error {
	s.logger.Error(msg, zap.String("op", op), zap.Error(err))
	return autherr.New(autherr.KindStorageFault, op, err)
}

func (s *Service) observe(op string, err error) {
	if err == nil {
		s.metrics.TokenOp(op, metrics.OutcomeSuccess)
		return
	}
	s.metrics.TokenOp(op, string(autherr.KindOf(err)))
}
