package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medfeedback/backend/internal/config"
	"github.com/medfeedback/backend/internal/models"
	"github.com/medfeedback/backend/internal/utils"
	"github.com/medfeedback/backend/pkg/logger"
	"gorm.io/gorm"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserDisabled       = errors.New("user is disabled")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidUser        = errors.New("invalid user")
)

const (
	minPasswordLength = 8
	// bcrypt ignores everything past 72 bytes.
	maxPasswordLength = 72
	maxUsernameLength = 100
)

type AuthService struct {
	db        *gorm.DB
	jwtConfig *config.JWTConfig
}

func NewAuthService(db *gorm.DB, jwtCfg *config.JWTConfig) *AuthService {
	return &AuthService{db: db, jwtConfig: jwtCfg}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token    string       `json:"access_token"`
	Type     string       `json:"token_type"`
	User     *models.User `json:"user"`
	ExpireAt time.Time    `json:"expire_at"`
}

// Login checks the credentials and issues a JWT.
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("username = ?", req.Username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if !utils.CheckPassword(req.Password, user.Password) {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	token, err := utils.GenerateToken(user.ID, user.Username, user.Role, s.jwtConfig.ExpireHour)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	now := time.Now()
	s.db.WithContext(ctx).Model(&user).Update("last_login", now)
	user.LastLogin = &now

	return &LoginResponse{
		Token:    token,
		Type:     "bearer",
		User:     &user,
		ExpireAt: now.Add(time.Duration(s.jwtConfig.ExpireHour) * time.Hour),
	}, nil
}

// RegisterRequest creates a staff or admin account. Role defaults to staff.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Register creates an active account. Only admins reach it; the route
// enforces that.
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*models.User, error) {
	username := strings.TrimSpace(req.Username)
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role == "" {
		role = models.RoleStaff
	}

	fields := map[string]string{}
	switch {
	case username == "":
		fields["username"] = "is required"
	case len(username) > maxUsernameLength:
		fields["username"] = fmt.Sprintf("must be at most %d characters", maxUsernameLength)
	}
	switch {
	case len(req.Password) < minPasswordLength:
		fields["password"] = fmt.Sprintf("must be at least %d characters", minPasswordLength)
	case len(req.Password) > maxPasswordLength:
		fields["password"] = fmt.Sprintf("must be at most %d bytes", maxPasswordLength)
	}
	if role != models.RoleAdmin && role != models.RoleStaff {
		fields["role"] = "must be admin or staff"
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Kind: ErrInvalidUser, Fields: fields}
	}

	hashed, err := utils.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &models.User{
		Username: username,
		Password: hashed,
		Role:     role,
		IsActive: true,
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	logger.Info().Uint("user_id", user.ID).Str("username", user.Username).Str("role", user.Role).Msg("[Auth] user registered")
	return user, nil
}

func (s *AuthService) GetUserByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// EnsureAdmin creates the bootstrap admin, or resets its password and
// role when it already exists. An empty password leaves accounts alone.
func (s *AuthService) EnsureAdmin(ctx context.Context, cfg *config.AdminConfig) error {
	if cfg.Username == "" || cfg.Password == "" {
		logger.Infof("[Auth] ADMIN_PASSWORD not set, skipping admin bootstrap")
		return nil
	}

	hashed, err := utils.HashPassword(cfg.Password)
	if err != nil {
		return err
	}

	var user models.User
	err = s.db.WithContext(ctx).Where("username = ?", cfg.Username).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = models.User{
			Username: cfg.Username,
			Password: hashed,
			Role:     models.RoleAdmin,
			IsActive: true,
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return fmt.Errorf("create admin: %w", err)
		}
		logger.Infof("[Auth] Admin user %q created", cfg.Username)
	case err != nil:
		return err
	default:
		err := s.db.WithContext(ctx).Model(&user).Updates(map[string]interface{}{
			"password":  hashed,
			"role":      models.RoleAdmin,
			"is_active": true,
		}).Error
		if err != nil {
			return fmt.Errorf("update admin: %w", err)
		}
		logger.Infof("[Auth] Admin user %q updated", cfg.Username)
	}
	return nil
}
