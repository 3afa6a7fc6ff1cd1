package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"chat-client/internal/clock"
	"chat-client/internal/config"
	"chat-client/internal/database"
	"chat-client/internal/models"
	"chat-client/pkg/logger"
)

// Authenticator is the slice of the REST client the session store needs.
type Authenticator interface {
	Register(ctx context.Context, creds models.Credentials) (*models.AuthResponse, error)
	Login(ctx context.Context, creds models.Credentials) (*models.AuthResponse, error)
}

// Service owns the current session: it signs in through the REST API, persists the
// session through the repository and restores it on the next start.
type Service struct {
	api     Authenticator
	repo    database.SessionRepository
	sealer  *Sealer
	profile string
	clock   clock.Clock

	mu      sync.RWMutex
	current *models.Session
}

func NewService(api Authenticator, repo database.SessionRepository, cfg config.AuthConfig, clk clock.Clock) *Service {
	s := &Service{
		api:     api,
		repo:    repo,
		profile: cfg.Profile,
		clock:   clk,
	}
	if cfg.Passphrase != "" {
		s.sealer = NewSealer(cfg.Passphrase)
	}
	return s
}

func (s *Service) Register(ctx context.Context, creds models.Credentials) (*models.Session, error) {
	if err := validateCredentials(&creds); err != nil {
		return nil, err
	}
	resp, err := s.api.Register(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", creds.Username, err)
	}
	return s.establish(ctx, resp)
}

func (s *Service) Login(ctx context.Context, creds models.Credentials) (*models.Session, error) {
	if err := validateCredentials(&creds); err != nil {
		return nil, err
	}
	resp, err := s.api.Login(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", creds.Username, err)
	}
	return s.establish(ctx, resp)
}

func (s *Service) establish(ctx context.Context, resp *models.AuthResponse) (*models.Session, error) {
	sess := &models.Session{
		UserID:   resp.Identifier(),
		Username: resp.Username,
		Token:    resp.Token,
		Roles:    resp.Roles,
	}
	if claims, err := parseClaims(resp.Token); err != nil {
		logger.Debug("Token for %s carries no readable claims: %v", resp.Username, err)
	} else {
		sess.ExpiresAt = claims.ExpiresAt
		if len(sess.Roles) == 0 {
			sess.Roles = claims.Roles
		}
		if sess.Username == "" {
			sess.Username = claims.Subject
		}
	}
	if sess.Username == "" {
		return nil, fmt.Errorf("%w: server returned no username", models.ErrAuthFailed)
	}

	if err := s.persist(ctx, sess); err != nil {
		// The session still works for this run.
		logger.Error("Failed to persist session for %s: %v", sess.Username, err)
	}

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()

	logger.Info("Signed in as %s", sess.Username)
	return sess, nil
}

func (s *Service) persist(ctx context.Context, sess *models.Session) error {
	token := sess.Token
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(token)
		if err != nil {
			return err
		}
		token = sealed
	}
	return s.repo.SaveSession(ctx, &database.SessionRecord{
		Profile:   s.profile,
		UserID:    sess.UserID,
		Username:  sess.Username,
		Token:     token,
		Roles:     sess.Roles,
		ExpiresAt: sess.ExpiresAt,
		SavedAt:   s.clock.Now(),
	})
}

// Current returns the active session, restoring a persisted one if none is held.
// An expired persisted session is discarded.
func (s *Service) Current(ctx context.Context) (*models.Session, error) {
	s.mu.RLock()
	current := s.current
	s.mu.RUnlock()
	if current != nil {
		if current.Expired(s.clock.Now()) {
			s.clear(ctx, "token expired")
			return nil, models.ErrAuthorizationExpired
		}
		return current, nil
	}

	rec, err := s.repo.LoadSession(ctx, s.profile)
	if errors.Is(err, database.ErrNotFound) {
		return nil, models.ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("restoring session: %w", err)
	}

	token := rec.Token
	if IsSealed(token) {
		if s.sealer == nil {
			return nil, fmt.Errorf("restoring session: %w: no passphrase configured", ErrUnseal)
		}
		if token, err = s.sealer.Open(token); err != nil {
			return nil, fmt.Errorf("restoring session: %w", err)
		}
	}

	sess := &models.Session{
		UserID:    rec.UserID,
		Username:  rec.Username,
		Token:     token,
		Roles:     rec.Roles,
		ExpiresAt: rec.ExpiresAt,
	}
	if sess.Expired(s.clock.Now()) {
		s.clear(ctx, "stored token expired")
		return nil, models.ErrAuthorizationExpired
	}

	s.mu.Lock()
	if s.current == nil {
		s.current = sess
	}
	sess = s.current
	s.mu.Unlock()

	logger.Info("Restored session for %s", sess.Username)
	return sess, nil
}

// Token returns the bearer token of the active session, or "".
func (s *Service) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.Token
}

func (s *Service) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	if err := s.repo.DeleteSession(ctx, s.profile); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	logger.Info("Signed out")
	return nil
}

// Expire drops the session after the server stopped honouring its token.
func (s *Service) Expire(ctx context.Context) {
	s.clear(ctx, "authorization expired")
}

func (s *Service) clear(ctx context.Context, reason string) {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	if err := s.repo.DeleteSession(ctx, s.profile); err != nil {
		logger.Error("Failed to delete session: %v", err)
	}
	logger.Warn("Session cleared: %s", reason)
}

func validateCredentials(creds *models.Credentials) error {
	creds.Username = strings.TrimSpace(creds.Username)
	if creds.Username == "" || creds.Password == "" {
		return fmt.Errorf("%w: username and password are required", models.ErrValidation)
	}
	return nil
}
