package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alicasapp/backend/config"
	"github.com/alicasapp/backend/internal/client"
	"github.com/alicasapp/backend/internal/logging"
	"github.com/alicasapp/backend/internal/session"
)

var errNotLoggedIn = errors.New("not logged in; run `dmclient login` first")

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.ClientConfig
	configPath string
	configErr  error
	logger     *zap.Logger
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.ClientConfig, error) {
	c.configOnce.Do(func() {
		path := strings.TrimSpace(*c.configFlag)
		if path == "" {
			defaultPath, err := config.DefaultClientPath()
			if err != nil {
				c.configErr = err
				return
			}
			path = defaultPath
		}
		cfg, err := config.LoadClient(path)
		if err != nil {
			c.configErr = err
			return
		}
		logger, err := logging.New(logging.Options{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			OutputPaths: []string{"stderr"},
		})
		if err != nil {
			c.configErr = fmt.Errorf("init logger: %w", err)
			return
		}
		c.config = cfg
		c.configPath = path
		c.logger = logger
	})
	return c.config, c.configErr
}

func (c *commandContext) sync() {
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

// apiClient returns a client for the configured server. Commands that act
// on behalf of the user require a stored token.
func (c *commandContext) apiClient(requireAuth bool) (*client.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if requireAuth && (cfg.Token == "" || cfg.UserID == uuid.Nil) {
		return nil, errNotLoggedIn
	}
	return client.New(cfg.Server, cfg.Token, client.WithLogger(c.logger)), nil
}

func (c *commandContext) identity() session.Identity {
	return session.Identity{UserID: c.config.UserID, Username: c.config.Username}
}

func parseID(arg, what string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(arg))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q", what, arg)
	}
	return id, nil
}
