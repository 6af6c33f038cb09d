package credentials

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/positions-api/internal/apperr"
	"github.com/ksred/positions-api/pkg/crypto"
	"github.com/ksred/positions-api/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Options configures the credential store
type Options struct {
	EncryptionKey  string        // 32 bytes, seals API secrets at rest
	StorageTimeout time.Duration // bound on every storage call
	HashCost       int           // bcrypt cost, bcrypt.DefaultCost when zero
}

// NewAPIKey is the input of AddAPIKey
type NewAPIKey struct {
	OwnerUserID       uint
	APIKey            string
	APISecret         string
	APIPassphrase     string
	RiskPercent       float64
	MaxOpenPositions  int
	AllocationPercent float64
	Leverage          int
}

// Service handles accounts and exchange API key records
type Service struct {
	db             *Database
	encryptionKey  []byte
	storageTimeout time.Duration
	hashCost       int
	logger         zerolog.Logger
}

// NewService creates a new credential service with the given database connection
func NewService(gormDB *gorm.DB, opts Options) *Service {
	if opts.HashCost == 0 {
		opts.HashCost = bcrypt.DefaultCost
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = 5 * time.Second
	}

	return &Service{
		db:             NewDatabase(gormDB),
		encryptionKey:  []byte(opts.EncryptionKey),
		storageTimeout: opts.StorageTimeout,
		hashCost:       opts.HashCost,
		logger:         log.With().Str("component", "credentials").Logger(),
	}
}

func (s *Service) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storageTimeout)
}

// Register creates an inactive account. A taken username is a Conflict,
// detected by the UNIQUE index rather than a prior lookup.
func (s *Service) Register(ctx context.Context, username, password, uid string) (*Account, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, apperr.InvalidParameter("username is required")
	}
	if strings.TrimSpace(uid) == "" {
		return nil, apperr.InvalidParameter("uid is required")
	}

	hash, err := crypto.HashPasswordWithCost(password, s.hashCost)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidParameter, err.Error(), err)
	}

	account := &Account{
		Username:     username,
		PasswordHash: hash,
		UID:          uid,
		Status:       StatusInactive,
	}

	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	if err := s.db.CreateAccount(ctx, account); err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Conflict("Username already exists")
		}
		return nil, apperr.Storage("failed to create account", err)
	}

	s.logger.Info().Uint("user_id", account.ID).Str("username", username).Msg("Account registered")
	return account, nil
}

// Authenticate checks the password and requires an active account
func (s *Service) Authenticate(ctx context.Context, username, password string) (*Account, error) {
	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	account, err := s.db.GetAccountByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, apperr.Storage("failed to load account", err)
	}
	if account == nil {
		return nil, apperr.InvalidCredential("Invalid username or password")
	}

	if err := crypto.VerifyPassword(password, account.PasswordHash); err != nil {
		return nil, apperr.InvalidCredential("Invalid username or password")
	}

	if account.Status != StatusActive {
		return nil, apperr.InactiveAccount("User is inactive")
	}

	return account, nil
}

// ListInactive returns all accounts awaiting activation ordered by id
func (s *Service) ListInactive(ctx context.Context) ([]Account, error) {
	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	accounts, err := s.db.ListAccountsByStatus(ctx, StatusInactive)
	if err != nil {
		return nil, apperr.Storage("failed to list inactive accounts", err)
	}
	return accounts, nil
}

// Activate marks the account active. Activating an active account is a no-op.
func (s *Service) Activate(ctx context.Context, id uint) error {
	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	account, err := s.db.GetAccountByID(ctx, id)
	if err != nil {
		return apperr.Storage("failed to load account", err)
	}
	if account == nil {
		return apperr.NotFound("User not found")
	}
	if account.Status == StatusActive {
		return nil
	}

	if err := s.db.SetAccountStatus(ctx, id, StatusActive); err != nil {
		return apperr.Storage("failed to activate account", err)
	}

	s.logger.Info().Uint("user_id", id).Msg("Account activated")
	return nil
}

// AddAPIKey validates and stores an exchange credential with secrets sealed
func (s *Service) AddAPIKey(ctx context.Context, in NewAPIKey) (*APIKey, error) {
	if err := validateNewAPIKey(in); err != nil {
		return nil, err
	}

	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	owner, err := s.db.GetAccountByID(ctx, in.OwnerUserID)
	if err != nil {
		return nil, apperr.Storage("failed to load account", err)
	}
	if owner == nil {
		return nil, apperr.NotFound("User not found")
	}

	secret, err := crypto.Encrypt(in.APISecret, s.encryptionKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "failed to seal API secret", err)
	}
	passphrase, err := crypto.Encrypt(in.APIPassphrase, s.encryptionKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "failed to seal API passphrase", err)
	}

	key := &APIKey{
		OwnerUserID:       in.OwnerUserID,
		APIKey:            strings.TrimSpace(in.APIKey),
		APISecret:         secret,
		APIPassphrase:     passphrase,
		RiskPercent:       in.RiskPercent,
		MaxOpenPositions:  in.MaxOpenPositions,
		AllocationPercent: in.AllocationPercent,
		Leverage:          in.Leverage,
	}

	if err := s.db.CreateAPIKey(ctx, key); err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Conflict("API key already registered")
		}
		return nil, apperr.Storage("failed to store API key", err)
	}

	s.logger.Info().Uint("user_id", in.OwnerUserID).Str("api_key", key.Redacted()).Msg("API key added")
	return key, nil
}

// FindAPIKey looks up a record by its exchange key and returns it with the
// secret and passphrase decrypted
func (s *Service) FindAPIKey(ctx context.Context, apiKey string) (*APIKey, error) {
	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	key, err := s.db.GetAPIKeyByKey(ctx, strings.TrimSpace(apiKey))
	if err != nil {
		return nil, apperr.Storage("failed to load API key", err)
	}
	if key == nil {
		return nil, apperr.NotFound("User API key not found")
	}

	if key.APISecret, err = crypto.Decrypt(key.APISecret, s.encryptionKey); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "failed to open API secret", err)
	}
	if key.APIPassphrase, err = crypto.Decrypt(key.APIPassphrase, s.encryptionKey); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "failed to open API passphrase", err)
	}

	return key, nil
}

// ListAPIKeys returns the owner's records with secrets still sealed
func (s *Service) ListAPIKeys(ctx context.Context, ownerID uint) ([]APIKey, error) {
	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	keys, err := s.db.ListAPIKeysByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperr.Storage("failed to list API keys", err)
	}
	return keys, nil
}

func validateNewAPIKey(in NewAPIKey) error {
	switch {
	case in.OwnerUserID == 0:
		return apperr.InvalidParameter("userId is required")
	case strings.TrimSpace(in.APIKey) == "":
		return apperr.InvalidParameter("apikey is required")
	case in.APISecret == "":
		return apperr.InvalidParameter("apisecret is required")
	case !inPercentRange(in.RiskPercent):
		return apperr.InvalidParameter(fmt.Sprintf("risk must be between 0 and 100, got %v", in.RiskPercent))
	case in.MaxOpenPositions < 0:
		return apperr.InvalidParameter(fmt.Sprintf("posCount cannot be negative, got %d", in.MaxOpenPositions))
	case !inPercentRange(in.AllocationPercent):
		return apperr.InvalidParameter(fmt.Sprintf("percent must be between 0 and 100, got %v", in.AllocationPercent))
	case in.Leverage < 1:
		return apperr.InvalidParameter(fmt.Sprintf("leverage must be at least 1, got %d", in.Leverage))
	}
	return nil
}

func inPercentRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 100
}

// TokenIssuer signs login tokens
type TokenIssuer interface {
	IssueToken(userID uint, username string) (string, time.Time, error)
}

// GinHandlers contains HTTP handlers for account and API key endpoints
type GinHandlers struct {
	service *Service
	tokens  TokenIssuer
}

// NewGinHandlers creates a new set of HTTP handlers for credential endpoints
func NewGinHandlers(service *Service, tokens TokenIssuer) *GinHandlers {
	return &GinHandlers{
		service: service,
		tokens:  tokens,
	}
}

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	UID      string `json:"uid" binding:"required"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type addAPIKeyRequest struct {
	UserID    uint    `json:"userId" binding:"required"`
	APIKey    string  `json:"apikey" binding:"required"`
	APISecret string  `json:"apisecret" binding:"required"`
	APIPhrase string  `json:"apiphrase"`
	Risk      float64 `json:"risk"`
	PosCount  int     `json:"posCount"`
	Percent   float64 `json:"percent"`
	Leverage  int     `json:"leverage"`
}

type inactiveUser struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	UID      string `json:"uid"`
}

type apiKeyView struct {
	ID        uint      `json:"id"`
	APIKey    string    `json:"apiKey"`
	Risk      float64   `json:"risk"`
	PosCount  int       `json:"posCount"`
	Percent   float64   `json:"percent"`
	Leverage  int       `json:"leverage"`
	CreatedAt time.Time `json:"createdAt"`
}

// RegisterHandler handles POST /register
func (h *GinHandlers) RegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body: "+err.Error())
			return
		}

		if _, err := h.service.Register(c.Request.Context(), req.Username, req.Password, req.UID); err != nil {
			response.Fail(c, err)
			return
		}

		response.Success(c, gin.H{"message": "User registered successfully. Status is inactive."})
	}
}

// LoginHandler handles POST /login and returns a bearer token for active accounts
func (h *GinHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body: "+err.Error())
			return
		}

		account, err := h.service.Authenticate(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			response.Fail(c, err)
			return
		}

		token, expiration, err := h.tokens.IssueToken(account.ID, account.Username)
		if err != nil {
			response.Fail(c, apperr.Wrap(apperr.KindStorage, "failed to issue token", err))
			return
		}

		response.Success(c, gin.H{
			"id":         account.ID,
			"username":   account.Username,
			"status":     account.Status,
			"token":      token,
			"expiration": expiration,
		})
	}
}

// ListInactiveHandler handles GET /users/inactive
func (h *GinHandlers) ListInactiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accounts, err := h.service.ListInactive(c.Request.Context())
		if err != nil {
			response.Fail(c, err)
			return
		}

		users := make([]inactiveUser, 0, len(accounts))
		for _, a := range accounts {
			users = append(users, inactiveUser{ID: a.ID, Username: a.Username, UID: a.UID})
		}

		response.Success(c, gin.H{"inactiveUsers": users})
	}
}

// ActivateHandler handles PUT /users/:id/activate
func (h *GinHandlers) ActivateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil || id == 0 {
			response.BadRequest(c, "User ID must be a positive integer")
			return
		}

		if err := h.service.Activate(c.Request.Context(), uint(id)); err != nil {
			response.Fail(c, err)
			return
		}

		response.Success(c, gin.H{"message": fmt.Sprintf("User with ID %d activated successfully.", id)})
	}
}

// AddAPIKeyHandler handles POST /add_api_key
func (h *GinHandlers) AddAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req addAPIKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body: "+err.Error())
			return
		}

		_, err := h.service.AddAPIKey(c.Request.Context(), NewAPIKey{
			OwnerUserID:       req.UserID,
			APIKey:            req.APIKey,
			APISecret:         req.APISecret,
			APIPassphrase:     req.APIPhrase,
			RiskPercent:       req.Risk,
			MaxOpenPositions:  req.PosCount,
			AllocationPercent: req.Percent,
			Leverage:          req.Leverage,
		})
		if err != nil {
			response.Fail(c, err)
			return
		}

		response.Success(c, gin.H{"message": "API key added successfully."})
	}
}

// ListAPIKeysHandler handles GET /api_keys for the authenticated account.
// Keys are redacted and secrets never leave the store.
func (h *GinHandlers) ListAPIKeysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userID")
		if userID == 0 {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		keys, err := h.service.ListAPIKeys(c.Request.Context(), userID)
		if err != nil {
			response.Fail(c, err)
			return
		}

		views := make([]apiKeyView, 0, len(keys))
		for i := range keys {
			k := &keys[i]
			views = append(views, apiKeyView{
				ID:        k.ID,
				APIKey:    k.Redacted(),
				Risk:      k.RiskPercent,
				PosCount:  k.MaxOpenPositions,
				Percent:   k.AllocationPercent,
				Leverage:  k.Leverage,
				CreatedAt: k.CreatedAt,
			})
		}

		response.Success(c, gin.H{"apiKeys": views})
	}
}
