package server

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	authCookieName      = "lpspoold_admin_auth"
	authCookieMaxAge    = 30 * 24 * time.Hour
	authSecretKey       = "ui_auth_secret"
	authPasswordHashKey = "ui_password_hash"
)

type uiAuthConfig struct {
	PasswordHash string
	Secret       []byte
	HasPassword  bool
}

func (s *Server) uiAuthConfig(ctx *gin.Context) (uiAuthConfig, error) {
	secretB64, ok, err := s.st.Setting(ctx.Request.Context(), authSecretKey)
	if err != nil {
		return uiAuthConfig{}, err
	}
	if !ok || strings.TrimSpace(secretB64) == "" {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return uiAuthConfig{}, err
		}
		secretB64 = base64.StdEncoding.EncodeToString(raw)
		if err := s.st.SetSetting(ctx.Request.Context(), authSecretKey, secretB64); err != nil {
			return uiAuthConfig{}, err
		}
	}
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil || len(secret) < 16 {
		return uiAuthConfig{}, errors.New("invalid ui_auth_secret")
	}

	pwdHash, ok, err := s.st.Setting(ctx.Request.Context(), authPasswordHashKey)
	if err != nil {
		return uiAuthConfig{}, err
	}
	pwdHash = strings.TrimSpace(pwdHash)
	return uiAuthConfig{
		PasswordHash: pwdHash,
		Secret:       secret,
		HasPassword:  ok && pwdHash != "",
	}, nil
}

func signHMAC(secret []byte, msg string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(msg))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func issueAuthCookie(c *gin.Context, cfg uiAuthConfig) error {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonceB64 := base64.RawURLEncoding.EncodeToString(nonce)
	msg := ts + "." + nonceB64 + "." + cfg.PasswordHash
	sig := signHMAC(cfg.Secret, msg)
	val := "v1." + ts + "." + nonceB64 + "." + sig

	c.SetCookie(authCookieName, val, int(authCookieMaxAge.Seconds()), "/", "", false, true)
	return nil
}

func clearAuthCookie(c *gin.Context) {
	c.SetCookie(authCookieName, "", -1, "/", "", false, true)
}

func isAuthed(c *gin.Context, cfg uiAuthConfig) bool {
	if !cfg.HasPassword {
		return false
	}
	val, err := c.Cookie(authCookieName)
	if err != nil {
		return false
	}
	parts := strings.Split(val, ".")
	if len(parts) != 4 {
		return false
	}
	if parts[0] != "v1" {
		return false
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return false
	}
	nonceB64 := parts[2]
	sig := parts[3]
	if nonceB64 == "" || sig == "" {
		return false
	}

	now := time.Now()
	t := time.Unix(ts, 0)
	if t.After(now.Add(2*time.Minute)) || now.Sub(t) > authCookieMaxAge {
		return false
	}

	msg := parts[1] + "." + nonceB64 + "." + cfg.PasswordHash
	expected := signHMAC(cfg.Secret, msg)
	return hmac.Equal([]byte(expected), []byte(sig))
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := c.Request.URL.Path
		if p == "/api/login" || p == "/api/logout" {
			c.Next()
			return
		}

		cfg, err := s.uiAuthConfig(c)
		if err != nil {
			c.Status(http.StatusInternalServerError)
			c.Abort()
			return
		}
		if !cfg.HasPassword {
			c.JSON(http.StatusPreconditionRequired, gin.H{"error": "admin password not set, POST /api/login to set it"})
			c.Abort()
			return
		}
		if isAuthed(c, cfg) {
			c.Next()
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		c.Abort()
	}
}

// apiLogin sets the admin password on first use, or authenticates
// against it thereafter — mirroring the teacher's single-operator
// login flow, minus the HTML form.
func (s *Server) apiLogin(c *gin.Context) {
	cfg, err := s.uiAuthConfig(c)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Password) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing password"})
		return
	}

	if !cfg.HasPassword {
		hash, err := bcrypt.GenerateFromPassword([]byte(body.Password), bcrypt.DefaultCost)
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		if err := s.st.SetSetting(c.Request.Context(), authPasswordHashKey, string(hash)); err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		cfg.PasswordHash = string(hash)
		cfg.HasPassword = true
		if err := issueAuthCookie(c, cfg); err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"created": true})
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(cfg.PasswordHash), []byte(body.Password)) != nil {
		clearAuthCookie(c)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "wrong password"})
		return
	}
	if err := issueAuthCookie(c, cfg); err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authenticated": true})
}

func (s *Server) apiLogout(c *gin.Context) {
	clearAuthCookie(c)
	c.JSON(http.StatusOK, gin.H{"loggedOut": true})
}
