package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/brickswap/backend/internal/ledger"
	"github.com/brickswap/backend/internal/models"
)

var (
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrDuplicatePhone     = errors.New("phone already registered")
	ErrDuplicateUsername  = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// AccountStore is the subset of the account repository auth needs.
type AccountStore interface {
	Create(ctx context.Context, a *models.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	TouchLogin(ctx context.Context, id uuid.UUID) error
}

type RegisterInput struct {
	Username string
	Email    string
	Phone    string
	Password string
}

type Service interface {
	Register(ctx context.Context, in RegisterInput) (*models.Account, error)
	Login(ctx context.Context, email, password string) (string, *models.Account, error)
	ValidateToken(ctx context.Context, token string) (*models.Identity, error)
	Me(ctx context.Context, userID uuid.UUID) (*models.Account, error)
}

type service struct {
	store           AccountStore
	secret          []byte
	ttl             time.Duration
	startingCredits int64
	bcryptCost      int
}

func NewService(store AccountStore, secret string, ttl time.Duration, startingCredits int64) *service {
	return &service{
		store:           store,
		secret:          []byte(secret),
		ttl:             ttl,
		startingCredits: startingCredits,
		bcryptCost:      bcrypt.DefaultCost,
	}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

// Register creates an account holding the starting credit grant.
func (s *service) Register(ctx context.Context, in RegisterInput) (*models.Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, err
	}
	acc := &models.Account{
		Username:     strings.TrimSpace(in.Username),
		Email:        strings.ToLower(strings.TrimSpace(in.Email)),
		Phone:        strings.TrimSpace(in.Phone),
		PasswordHash: string(hash),
		Balance:      s.startingCredits,
	}
	if err := s.store.Create(ctx, acc); err != nil {
		return nil, duplicateErr(err)
	}
	return acc, nil
}

func duplicateErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	switch {
	case strings.Contains(pgErr.ConstraintName, "phone"):
		return ErrDuplicatePhone
	case strings.Contains(pgErr.ConstraintName, "username"):
		return ErrDuplicateUsername
	default:
		return ErrDuplicateEmail
	}
}

func (s *service) Login(ctx context.Context, email, password string) (string, *models.Account, error) {
	acc, err := s.store.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	token, err := s.issueToken(acc)
	if err != nil {
		return "", nil, err
	}
	if err := s.store.TouchLogin(ctx, acc.ID); err != nil {
		return "", nil, err
	}
	return token, acc, nil
}

func (s *service) issueToken(acc *models.Account) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acc.ID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Username: acc.Username,
		IsAdmin:  acc.IsAdmin,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (*models.Identity, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	return &models.Identity{UserID: id, Username: c.Username, IsAdmin: c.IsAdmin}, nil
}

func (s *service) Me(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	return s.store.GetByID(ctx, userID)
}
