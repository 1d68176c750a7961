package app

import (
	"context"
	"errors"
	"fmt"

	"marinvpn/internal/config"
	"marinvpn/internal/logging"
	"marinvpn/services/issuer"
)

var log = logging.GetLogger("node")

type Roles struct {
	Provision bool
	Client    bool
}

func (r Roles) Any() bool {
	return r.Provision || r.Client
}

type Config struct {
	ConfigPath string
	Roles      Roles
}

func Run(ctx context.Context, cfg Config) error {
	if !cfg.Roles.Any() {
		return errors.New("no services enabled")
	}
	nodeCfg, err := config.LoadFile(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logging.Setup(nodeCfg.Logging.File, nodeCfg.Logging.Level); err != nil {
		return err
	}
	return RunWith(ctx, cfg.Roles, nodeCfg)
}

// RunWith starts every enabled role on an already loaded configuration and
// returns when all of them have stopped.
func RunWith(ctx context.Context, roles Roles, nodeCfg *config.Config) error {
	var runners []func(context.Context) error

	if roles.Provision {
		svc, err := issuer.NewFromConfig(ctx, nodeCfg.Provision)
		if err != nil {
			return fmt.Errorf("provision role: %w", err)
		}
		runners = append(runners, svc.Run)
	}
	if roles.Client {
		c, err := NewClient(nodeCfg.Client)
		if err != nil {
			return fmt.Errorf("client role: %w", err)
		}
		runners = append(runners, c.Run)
	}

	if len(runners) == 0 {
		return errors.New("no services enabled")
	}

	errCh := make(chan error, len(runners))
	for _, runner := range runners {
		go func(runFn func(context.Context) error) {
			errCh <- runFn(ctx)
		}(runner)
	}

	for i := 0; i < len(runners); i++ {
		err := <-errCh
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		return fmt.Errorf("node stopped: %w", err)
	}

	log.Infof("node stopped")
	return nil
}
