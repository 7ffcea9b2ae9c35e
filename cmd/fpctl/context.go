package main

import (
	"context"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/your-org/fpmatch/internal/config"
	"github.com/your-org/fpmatch/internal/matcher"
	"github.com/your-org/fpmatch/internal/storage"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.config, c.configErr = config.Load(path)
	})
	return c.config, c.configErr
}

// withStore opens the configured backend, applying migrations, and closes it
// after fn returns.
func (c *commandContext) withStore(ctx context.Context, fn func(storage.Backend) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func (c *commandContext) withEngine(ctx context.Context, fn func(*matcher.Engine) error) error {
	return c.withStore(ctx, func(store storage.Backend) error {
		engine, err := matcher.New(store, c.config.MatcherOptions(), nil)
		if err != nil {
			return err
		}
		return fn(engine)
	})
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
