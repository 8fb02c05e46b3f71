package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/con-j-e/featsync/internal/errs"
	"github.com/con-j-e/featsync/internal/service"
	"github.com/con-j-e/featsync/internal/utils"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks field constraints, then rules spanning several fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	seen := map[string]int{}
	for _, r := range c.Resources {
		seen[r.Alias]++
	}
	dups := utils.Filter(utils.SortedKeys(seen), func(alias string) bool { return seen[alias] > 1 })
	if len(dups) > 0 {
		return errs.New(errs.DuplicateAlias, "config", "resources: %s", strings.Join(dups, ", "))
	}

	for i, rule := range c.HTTP.Retry {
		if strings.EqualFold(rule.Status, "transport") {
			continue
		}
		if _, err := service.ParseMatcher(rule.Status); err != nil {
			return fmt.Errorf("config: http.retry[%d]: %w", i, err)
		}
	}
	return nil
}

// Resource returns the resource configured under alias.
func (c *Config) Resource(alias string) (ResourceConfig, bool) {
	i := slices.IndexFunc(c.Resources, func(r ResourceConfig) bool { return r.Alias == alias })
	if i < 0 {
		return ResourceConfig{}, false
	}
	return c.Resources[i], true
}

// Aliases lists resource aliases in configuration order.
func (c *Config) Aliases() []string {
	return utils.Map(c.Resources, func(r ResourceConfig) string { return r.Alias })
}
