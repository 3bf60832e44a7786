package provider

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const (
	passwordStateTTL     = 10 * time.Minute
	defaultCodeLength    = 6
	passwordRegisterKey  = "register"
	passwordChangeKey    = "change"
	passwordStorageLeaf  = "password"
	passwordStorageEmail = "email"
)

// PasswordHasher abstracts the password hashing primitive.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(password, hash string) error
}

// BcryptHasher is the default PasswordHasher.
type BcryptHasher struct {
	Cost int // zero means bcrypt.DefaultCost
}

func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

func (h BcryptHasher) Compare(password, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidPassword
	}
	return nil
}

// PasswordRegisterState is the register flow's discriminated state.
type PasswordRegisterState struct {
	Type     string `json:"type"` // "start" or "code"
	Code     string `json:"code,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"` // hashed
}

// PasswordChangeState is the change flow's discriminated state.
type PasswordChangeState struct {
	Type  string `json:"type"` // "start", "code" or "update"
	Code  string `json:"code,omitempty"`
	Email string `json:"email,omitempty"`
}

// PasswordConfig configures the password provider. The Login, Register
// and Change callbacks render the host application's screens; a non-nil
// err carries the flow-local validation failure to re-display.
type PasswordConfig struct {
	Hasher     PasswordHasher // default BcryptHasher{}
	CodeLength int            // verification code digits, default 6

	// SendCode delivers a verification code for register/change.
	SendCode func(ctx context.Context, email, code string) error

	// ValidatePassword optionally enforces a password policy. Return
	// ErrInvalidPassword (or any error) to reject.
	ValidatePassword func(password string) error

	Login    func(c echo.Context, err error) error
	Register func(c echo.Context, state PasswordRegisterState, err error) error
	Change   func(c echo.Context, state PasswordChangeState, err error) error
}

type passwordProvider struct {
	cfg PasswordConfig
}

// Password creates the password provider. Password hashes live in
// storage under ["email", address, "password"], a namespace owned by
// this provider.
func Password(cfg PasswordConfig) Provider {
	if cfg.Hasher == nil {
		cfg.Hasher = BcryptHasher{}
	}
	if cfg.CodeLength == 0 {
		cfg.CodeLength = defaultCodeLength
	}
	return &passwordProvider{cfg: cfg}
}

func (p *passwordProvider) Type() string { return "password" }

func (p *passwordProvider) Init(g *echo.Group, rt Route) error {
	g.GET("/authorize", func(c echo.Context) error {
		return p.cfg.Login(c, nil)
	})

	g.POST("/authorize", func(c echo.Context) error {
		email := normalizeEmail(c.FormValue("email"))
		password := c.FormValue("password")
		if email == "" || password == "" {
			return p.cfg.Login(c, ErrInvalidPassword)
		}

		hash, err := p.storedHash(c.Request().Context(), rt, email)
		if err != nil {
			return err
		}
		if hash == "" {
			return p.cfg.Login(c, ErrInvalidPassword)
		}
		if err := p.cfg.Hasher.Compare(password, hash); err != nil {
			return p.cfg.Login(c, ErrInvalidPassword)
		}

		return rt.Success(c, Result{Claims: map[string]string{"email": email}}, nil)
	})

	g.GET("/register", func(c echo.Context) error {
		return p.cfg.Register(c, PasswordRegisterState{Type: "start"}, nil)
	})
	g.POST("/register", func(c echo.Context) error {
		return p.register(c, rt)
	})

	g.GET("/change", func(c echo.Context) error {
		return p.cfg.Change(c, PasswordChangeState{Type: "start"}, nil)
	})
	g.POST("/change", func(c echo.Context) error {
		return p.change(c, rt)
	})

	return nil
}

func (p *passwordProvider) register(c echo.Context, rt Route) error {
	ctx := c.Request().Context()

	switch c.FormValue("action") {
	case "register":
		email := normalizeEmail(c.FormValue("email"))
		password := c.FormValue("password")
		start := PasswordRegisterState{Type: "start"}

		if !strings.Contains(email, "@") {
			return p.cfg.Register(c, start, ErrInvalidEmail)
		}
		if repeat, ok := formValueOK(c, "repeat"); ok && repeat != password {
			return p.cfg.Register(c, start, ErrPasswordMismatch)
		}
		if err := p.validatePassword(password); err != nil {
			return p.cfg.Register(c, start, err)
		}

		existing, err := p.storedHash(ctx, rt, email)
		if err != nil {
			return err
		}
		if existing != "" {
			return p.cfg.Register(c, start, ErrEmailTaken)
		}

		hash, err := p.cfg.Hasher.Hash(password)
		if err != nil {
			return err
		}
		code, err := generateCode(p.cfg.CodeLength)
		if err != nil {
			return err
		}
		if err := p.cfg.SendCode(ctx, email, code); err != nil {
			return err
		}

		state := PasswordRegisterState{Type: "code", Code: code, Email: email, Password: hash}
		if err := rt.Set(c, passwordRegisterKey, passwordStateTTL, state); err != nil {
			return err
		}
		return p.cfg.Register(c, state, nil)

	case "verify":
		var state PasswordRegisterState
		ok, err := rt.Get(c, passwordRegisterKey, &state)
		if err != nil {
			return err
		}
		if !ok || state.Type != "code" {
			return p.cfg.Register(c, PasswordRegisterState{Type: "start"}, ErrInvalidCode)
		}
		if !codeMatches(c.FormValue("code"), state.Code) {
			return p.cfg.Register(c, state, ErrInvalidCode)
		}

		if err := rt.Storage().Set(ctx, emailKey(state.Email), state.Password, 0); err != nil {
			return err
		}
		rt.Unset(c, passwordRegisterKey)

		return rt.Success(c, Result{Claims: map[string]string{"email": state.Email}}, nil)

	default:
		return p.cfg.Register(c, PasswordRegisterState{Type: "start"}, nil)
	}
}

func (p *passwordProvider) change(c echo.Context, rt Route) error {
	ctx := c.Request().Context()

	switch c.FormValue("action") {
	case "code":
		email := normalizeEmail(c.FormValue("email"))
		start := PasswordChangeState{Type: "start"}

		existing, err := p.storedHash(ctx, rt, email)
		if err != nil {
			return err
		}
		if existing == "" {
			return p.cfg.Change(c, start, ErrInvalidEmail)
		}

		code, err := generateCode(p.cfg.CodeLength)
		if err != nil {
			return err
		}
		if err := p.cfg.SendCode(ctx, email, code); err != nil {
			return err
		}

		state := PasswordChangeState{Type: "code", Code: code, Email: email}
		if err := rt.Set(c, passwordChangeKey, passwordStateTTL, state); err != nil {
			return err
		}
		return p.cfg.Change(c, state, nil)

	case "verify":
		var state PasswordChangeState
		ok, err := rt.Get(c, passwordChangeKey, &state)
		if err != nil {
			return err
		}
		if !ok || state.Type != "code" {
			return p.cfg.Change(c, PasswordChangeState{Type: "start"}, ErrInvalidCode)
		}
		if !codeMatches(c.FormValue("code"), state.Code) {
			return p.cfg.Change(c, state, ErrInvalidCode)
		}

		state = PasswordChangeState{Type: "update", Email: state.Email}
		if err := rt.Set(c, passwordChangeKey, passwordStateTTL, state); err != nil {
			return err
		}
		return p.cfg.Change(c, state, nil)

	case "update":
		var state PasswordChangeState
		ok, err := rt.Get(c, passwordChangeKey, &state)
		if err != nil {
			return err
		}
		if !ok || state.Type != "update" {
			return p.cfg.Change(c, PasswordChangeState{Type: "start"}, ErrInvalidCode)
		}

		password := c.FormValue("password")
		if repeat, reqOK := formValueOK(c, "repeat"); reqOK && repeat != password {
			return p.cfg.Change(c, state, ErrPasswordMismatch)
		}
		if err := p.validatePassword(password); err != nil {
			return p.cfg.Change(c, state, err)
		}

		hash, err := p.cfg.Hasher.Hash(password)
		if err != nil {
			return err
		}
		if err := rt.Storage().Set(ctx, emailKey(state.Email), hash, 0); err != nil {
			return err
		}
		rt.Unset(c, passwordChangeKey)

		log.Info().Str("provider", rt.Name()).Msg("password updated, invalidating existing sessions")

		return rt.Success(c, Result{Claims: map[string]string{"email": state.Email}}, &SuccessOptions{
			Invalidate: rt.Invalidate,
		})

	default:
		return p.cfg.Change(c, PasswordChangeState{Type: "start"}, nil)
	}
}

func (p *passwordProvider) validatePassword(password string) error {
	if password == "" {
		return ErrInvalidPassword
	}
	if p.cfg.ValidatePassword != nil {
		return p.cfg.ValidatePassword(password)
	}
	return nil
}

func (p *passwordProvider) storedHash(ctx context.Context, rt Route, email string) (string, error) {
	raw, err := rt.Storage().Get(ctx, emailKey(email))
	if err != nil {
		return "", fmt.Errorf("failed to load password hash: %w", err)
	}
	if raw == nil {
		return "", nil
	}

	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", fmt.Errorf("failed to decode password hash: %w", err)
	}
	return hash, nil
}

func emailKey(email string) []string {
	return []string{passwordStorageEmail, email, passwordStorageLeaf}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func formValueOK(c echo.Context, name string) (string, bool) {
	params, err := c.FormParams()
	if err != nil {
		return "", false
	}
	if !params.Has(name) {
		return "", false
	}
	return params.Get(name), true
}

func codeMatches(submitted, expected string) bool {
	if submitted == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(submitted), []byte(expected)) == 1
}

// generateCode produces a numeric one-time code.
func generateCode(length int) (string, error) {
	var b strings.Builder
	for range length {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}
		fmt.Fprintf(&b, "%d", n.Int64())
	}
	return b.String(), nil
}
