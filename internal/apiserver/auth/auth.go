// Package auth 调用方身份解析：JWT 访问令牌、API Key、HTTP 中间件
//
// 登录与令牌签发不在本服务内完成，这里只负责把凭证解析成不透明的 owner 标识。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// contextKey context 键类型
type contextKey string

const ctxKeyAuthUser contextKey = "auth_user"

// AnonymousOwner 认证关闭时所有请求的归属者
const AnonymousOwner = "anonymous"

// APIKeyPrefix API Key 前缀，格式为 sgk_<id>.<secret>
const APIKeyPrefix = "sgk_"

// 认证方式
const (
	MethodJWT       = "jwt"
	MethodAPIKey    = "api_key"
	MethodAnonymous = "anonymous"
)

// ErrUnauthorized 凭证缺失或无效
var ErrUnauthorized = errors.New("unauthorized")

// AuthUser 从凭证解析出的调用方
type AuthUser struct {
	ID     string // owner 标识
	Email  string
	Role   string
	Method string
}

// APIKey 已签发的 API Key（只保存 secret 的 bcrypt 哈希）
type APIKey struct {
	ID    string `yaml:"id"`
	Owner string `yaml:"owner"`
	Hash  string `yaml:"hash"`
}

// Config 认证配置
type Config struct {
	JWTSecret      string        `yaml:"-"` // 只从 JWT_SECRET 环境变量读取
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	APIKeys        []APIKey      `yaml:"api_keys"`
}

// DefaultConfig 返回默认认证配置
func DefaultConfig() Config {
	return Config{
		JWTSecret:      "",
		AccessTokenTTL: 15 * time.Minute,
	}
}

// Enabled 是否启用认证
func (c Config) Enabled() bool {
	return c.JWTSecret != "" || len(c.APIKeys) > 0
}

// ============================================================================
// 密钥哈希
// ============================================================================

// HashSecret 使用 bcrypt 哈希密钥
func HashSecret(secret string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(secret), 12)
	return string(bytes), err
}

// CheckSecret 验证密钥
func CheckSecret(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// GenerateAPIKey 为 owner 生成新的 API Key
//
// 返回完整的 key（只展示一次）和需要写入配置的记录。
func GenerateAPIKey(id, owner string) (string, APIKey, error) {
	if id == "" || strings.Contains(id, ".") {
		return "", APIKey{}, fmt.Errorf("invalid api key id %q", id)
	}
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", APIKey{}, err
	}
	secret := hex.EncodeToString(b)
	hash, err := HashSecret(secret)
	if err != nil {
		return "", APIKey{}, err
	}
	return APIKeyPrefix + id + "." + secret, APIKey{ID: id, Owner: owner, Hash: hash}, nil
}

// ============================================================================
// JWT Token
// ============================================================================

// Claims JWT 声明
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	Type  string `json:"type,omitempty"` // 只接受 "access"
}

// GenerateAccessToken 生成访问令牌
func GenerateAccessToken(cfg Config, userID, email, role string) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(cfg.AccessTokenTTL)),
		},
		Email: email,
		Role:  role,
		Type:  "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// ParseToken 解析并验证 JWT
func ParseToken(cfg Config, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// ============================================================================
// Resolver
// ============================================================================

// Resolver 凭证解析器
type Resolver struct {
	cfg  Config
	keys map[string]APIKey
}

// NewResolver 创建凭证解析器
func NewResolver(cfg Config) *Resolver {
	keys := make(map[string]APIKey, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k.ID] = k
	}
	return &Resolver{cfg: cfg, keys: keys}
}

// Enabled 是否启用认证
func (r *Resolver) Enabled() bool {
	return r.cfg.Enabled()
}

// ResolveIdentity 把凭证解析成 owner 标识
func (r *Resolver) ResolveIdentity(ctx context.Context, credential string) (string, error) {
	user, err := r.Resolve(ctx, credential)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

// Resolve 把凭证解析成调用方
//
// 认证关闭时任何凭证都解析为 AnonymousOwner。
func (r *Resolver) Resolve(_ context.Context, credential string) (*AuthUser, error) {
	if !r.Enabled() {
		return &AuthUser{ID: AnonymousOwner, Method: MethodAnonymous}, nil
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, fmt.Errorf("%w: missing credential", ErrUnauthorized)
	}
	if strings.HasPrefix(credential, APIKeyPrefix) {
		return r.resolveAPIKey(credential)
	}
	if r.cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%w: bearer tokens are not accepted", ErrUnauthorized)
	}
	claims, err := ParseToken(r.cfg, credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Type != "access" {
		return nil, fmt.Errorf("%w: invalid token type", ErrUnauthorized)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return &AuthUser{ID: claims.Subject, Email: claims.Email, Role: claims.Role, Method: MethodJWT}, nil
}

func (r *Resolver) resolveAPIKey(credential string) (*AuthUser, error) {
	id, secret, ok := strings.Cut(strings.TrimPrefix(credential, APIKeyPrefix), ".")
	if !ok || id == "" || secret == "" {
		return nil, fmt.Errorf("%w: malformed api key", ErrUnauthorized)
	}
	key, found := r.keys[id]
	if !found || !CheckSecret(secret, key.Hash) {
		return nil, fmt.Errorf("%w: invalid api key", ErrUnauthorized)
	}
	return &AuthUser{ID: key.Owner, Method: MethodAPIKey}, nil
}

// ============================================================================
// Context 辅助函数
// ============================================================================

// WithAuthUser 将认证用户信息注入 context
func WithAuthUser(ctx context.Context, user *AuthUser) context.Context {
	return context.WithValue(ctx, ctxKeyAuthUser, user)
}

// GetAuthUser 从 context 获取认证用户
func GetAuthUser(ctx context.Context) *AuthUser {
	user, _ := ctx.Value(ctxKeyAuthUser).(*AuthUser)
	return user
}

// OwnerFromContext 返回 context 中的 owner，没有认证信息时为空
func OwnerFromContext(ctx context.Context) string {
	if user := GetAuthUser(ctx); user != nil {
		return user.ID
	}
	return ""
}
