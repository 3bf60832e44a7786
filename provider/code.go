package provider

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	codeStateTTL = 10 * time.Minute
	codeStateKey = "code"
)

// CodeState is the one-time-code flow's discriminated state.
type CodeState struct {
	Type   string            `json:"type"` // "start" or "code"
	Code   string            `json:"code,omitempty"`
	Claims map[string]string `json:"claims,omitempty"`
}

// CodeConfig configures the one-time-code provider. Render draws the
// host's claims form (Type "start") or code-entry form (Type "code").
type CodeConfig struct {
	Length int // code digits, default 6

	// SendCode delivers the pin to whatever address the claims name.
	SendCode func(ctx context.Context, claims map[string]string, code string) error

	Render func(c echo.Context, state CodeState, err error) error
}

type codeProvider struct {
	cfg CodeConfig
}

// Code creates the one-time pin provider.
func Code(cfg CodeConfig) Provider {
	if cfg.Length == 0 {
		cfg.Length = defaultCodeLength
	}
	return &codeProvider{cfg: cfg}
}

func (p *codeProvider) Type() string { return "code" }

func (p *codeProvider) Init(g *echo.Group, rt Route) error {
	g.GET("/authorize", func(c echo.Context) error {
		return p.cfg.Render(c, CodeState{Type: "start"}, nil)
	})

	// Claims submission: collect the form, send a pin, move to "code".
	g.POST("/authorize", func(c echo.Context) error {
		params, err := c.FormParams()
		if err != nil {
			return err
		}
		claims := make(map[string]string, len(params))
		for name := range params {
			claims[name] = params.Get(name)
		}
		return p.transition(c, rt, claims)
	})

	g.POST("/resend", func(c echo.Context) error {
		var state CodeState
		ok, err := rt.Get(c, codeStateKey, &state)
		if err != nil {
			return err
		}
		if !ok || state.Type != "code" {
			return p.cfg.Render(c, CodeState{Type: "start"}, ErrInvalidCode)
		}
		return p.transition(c, rt, state.Claims)
	})

	g.POST("/verify", func(c echo.Context) error {
		var state CodeState
		ok, err := rt.Get(c, codeStateKey, &state)
		if err != nil {
			return err
		}
		if !ok || state.Type != "code" {
			return p.cfg.Render(c, CodeState{Type: "start"}, ErrInvalidCode)
		}
		if !codeMatches(c.FormValue("code"), state.Code) {
			return p.cfg.Render(c, state, ErrInvalidCode)
		}

		rt.Unset(c, codeStateKey)

		return rt.Success(c, Result{Claims: state.Claims}, nil)
	})

	return nil
}

func (p *codeProvider) transition(c echo.Context, rt Route, claims map[string]string) error {
	code, err := generateCode(p.cfg.Length)
	if err != nil {
		return err
	}
	if err := p.cfg.SendCode(c.Request().Context(), claims, code); err != nil {
		return err
	}

	state := CodeState{Type: "code", Code: code, Claims: claims}
	if err := rt.Set(c, codeStateKey, codeStateTTL, state); err != nil {
		return err
	}

	return p.cfg.Render(c, state, nil)
}
