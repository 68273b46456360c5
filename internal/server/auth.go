package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// identity is who a socket speaks for.
type identity struct {
	Username string
	Phone    string
}

var (
	errMissingIdentity = errors.New("username and phone are required")
	errMissingToken    = errors.New("token is required")
	errInvalidToken    = errors.New("invalid token")
)

// tokenMode reports whether sockets must present a signed token.
func (s *Server) tokenMode() bool {
	return s.cfg.JWTSecret != ""
}

// IssueToken signs an HS256 token naming phone as subject and username as name.
func (s *Server) IssueToken(username, phone string) (string, time.Time, error) {
	if !s.tokenMode() {
		return "", time.Time{}, errors.New("token login is disabled")
	}
	now := time.Now()
	exp := now.Add(s.cfg.TokenTTL)
	claims := jwtlib.MapClaims{
		"sub":  phone,
		"name": username,
		"iat":  now.Unix(),
		"nbf":  now.Unix(),
		"exp":  exp.Unix(),
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "failed to sign token")
	}
	return signed, exp, nil
}

func (s *Server) verifyToken(token string) (identity, error) {
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}))
	if err != nil {
		return identity{}, errors.Wrap(errInvalidToken, err.Error())
	}

	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok || !parsed.Valid {
		return identity{}, errInvalidToken
	}
	phone, _ := claims.GetSubject()
	name, _ := claims["name"].(string)
	if phone == "" || name == "" {
		return identity{}, errors.Wrap(errInvalidToken, "missing subject or name")
	}
	return identity{Username: name, Phone: phone}, nil
}

// authenticate resolves the identity of a socket from its handshake query
// and the auth payload of its CONNECT packet.
func (s *Server) authenticate(query url.Values, auth json.RawMessage) (identity, error) {
	var payload struct {
		Token    string `json:"token"`
		Username string `json:"username"`
		Phone    string `json:"phone"`
	}
	if len(auth) > 0 {
		if err := json.Unmarshal(auth, &payload); err != nil {
			return identity{}, errors.Wrap(err, "invalid auth payload")
		}
	}

	if s.tokenMode() {
		token := query.Get("token")
		if token == "" {
			token = payload.Token
		}
		if token == "" {
			return identity{}, errMissingToken
		}
		return s.verifyToken(token)
	}

	id := identity{Username: query.Get("username"), Phone: query.Get("phone")}
	if id.Username == "" {
		id.Username = payload.Username
	}
	if id.Phone == "" {
		id.Phone = payload.Phone
	}
	if id.Username == "" || id.Phone == "" {
		return identity{}, errMissingIdentity
	}
	return id, nil
}

// LoginRequest is the body of the HTTP login call.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the body answered by the HTTP login call. Status mirrors
// an HTTP code; the transport status is 200 whenever the body was understood.
type LoginResponse struct {
	Status    int    `json:"status"`
	Message   string `json:"message"`
	Token     string `json:"token,omitempty"`
	Phone     string `json:"phone,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, LoginResponse{Status: http.StatusBadRequest, Message: "invalid request body"})
		return
	}

	acc, ok := s.cfg.Accounts[req.Username]
	if !ok || subtle.ConstantTimeCompare([]byte(acc.Password), []byte(req.Password)) != 1 {
		s.log.Info("login rejected", zap.String("username", req.Username))
		c.JSON(http.StatusOK, LoginResponse{Status: http.StatusUnauthorized, Message: "invalid username or password"})
		return
	}

	token, exp, err := s.IssueToken(acc.Username, acc.Phone)
	if err != nil {
		s.log.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, LoginResponse{Status: http.StatusInternalServerError, Message: "internal error"})
		return
	}

	s.log.Info("login accepted", zap.String("username", acc.Username), zap.String("phone", acc.Phone))
	c.JSON(http.StatusOK, LoginResponse{
		Status:    http.StatusOK,
		Message:   "OK",
		Token:     token,
		Phone:     acc.Phone,
		ExpiresAt: exp.Unix(),
	})
}
