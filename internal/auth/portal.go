package auth

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/con-j-e/featsync/internal/arcgis"
	"github.com/con-j-e/featsync/internal/errs"
	"github.com/con-j-e/featsync/internal/service"
	"github.com/goccy/go-json"
)

const DefaultPortalURL = "https://www.arcgis.com/sharing/rest/generateToken"

// PortalTokenSource generates referer tokens from a portal's
// generateToken endpoint. The password comes from Secrets under
// (Referer, Username).
type PortalTokenSource struct {
	URL      string
	Referer  string
	Username string
	Secrets  SecretStore
	Sender   service.Sender
}

var _ Generator = (*PortalTokenSource)(nil)

func (p *PortalTokenSource) Generate(ctx context.Context) (TimedToken, error) {
	password, err := p.Secrets.Secret(p.Referer, p.Username)
	if err != nil {
		return TimedToken{}, err
	}
	endpoint := p.URL
	if endpoint == "" {
		endpoint = DefaultPortalURL
	}

	content, err := p.Sender.Send(ctx, service.Request{
		URL:  endpoint,
		Read: service.ReadJSON,
		Form: url.Values{
			"username": {p.Username},
			"password": {password},
			"referer":  {p.Referer},
			"client":   {"referer"},
			"f":        {"json"},
		},
	})
	if err != nil {
		return TimedToken{}, fmt.Errorf("generate token for %s: %w", p.Username, err)
	}
	if _, err := arcgis.ValidateJSON(content.Body, []string{"token", "expires"}, arcgis.RequireAll); err != nil {
		return TimedToken{}, fmt.Errorf("generate token for %s: %w", p.Username, err)
	}
	var res struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"`
	}
	if err := json.Unmarshal(content.Body, &res); err != nil {
		return TimedToken{}, errs.Wrap(errs.SchemaViolation, "auth.generate", err)
	}
	return TimedToken{Token: res.Token, Expires: time.UnixMilli(res.Expires).UTC()}, nil
}

// CheckoutToken always generates; wrap the source in a TokenCache to reuse
// tokens.
func (p *PortalTokenSource) CheckoutToken(ctx context.Context, _ int) (string, error) {
	t, err := p.Generate(ctx)
	return t.Token, err
}
