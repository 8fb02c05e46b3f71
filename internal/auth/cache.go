package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/con-j-e/featsync/internal/logger"
	"github.com/con-j-e/featsync/internal/utils"
)

// TokenCache reuses the last generated token while it covers the minutes
// asked for. With a Path, the token survives between runs.
type TokenCache struct {
	Source Generator
	Path   string
	Now    func() time.Time

	mu      sync.Mutex
	current *TimedToken
}

var _ TokenSource = (*TokenCache)(nil)

func (c *TokenCache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *TokenCache) CheckoutToken(ctx context.Context, mins int) (string, error) {
	if c.Source == nil {
		return "", errNoGenerator
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil && c.Path != "" {
		if t, err := c.load(); err != nil {
			logger.Debug("token cache %s unusable: %v", c.Path, err)
		} else {
			c.current = &t
		}
	}
	if c.current != nil && c.current.Covers(c.now(), minutes(mins)) {
		return c.current.Token, nil
	}

	t, err := c.Source.Generate(ctx)
	if err != nil {
		return "", err
	}
	if !t.Covers(c.now(), minutes(mins)) {
		logger.Warn("new token expires at %s, before the %d minute(s) requested", t.Expires.Format(time.RFC3339), mins)
	}
	c.current = &t
	if c.Path != "" {
		if err := c.save(t); err != nil {
			logger.Warn("could not persist token cache: %v", err)
		}
	}
	return t.Token, nil
}

func (c *TokenCache) load() (TimedToken, error) {
	ok, err := utils.FileExists(c.Path)
	if err != nil {
		return TimedToken{}, err
	}
	if !ok {
		return TimedToken{}, errors.New("no cached token")
	}
	var t TimedToken
	if err := utils.FileReader(c.Path, utils.FileTypeJSON, &t); err != nil {
		return TimedToken{}, err
	}
	return t, nil
}

func (c *TokenCache) save(t TimedToken) error {
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o700); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	return utils.WriteJSONAtomicPerm(c.Path+".tmp", c.Path, t, 0o600)
}
