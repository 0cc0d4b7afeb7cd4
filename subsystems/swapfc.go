package subsystems

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"systemd-swap/config"
	"systemd-swap/swapfc"
)

type SwapFcSubsystem struct{}

func (s *SwapFcSubsystem) Name() string {
	return swapfc.Tag
}

func (s *SwapFcSubsystem) Enabled(cfg *config.Config) bool {
	return cfg.Bool("swapfc_enabled")
}

// Start 运行控制器主循环，直到 ctx 取消或者 stop 拿走 baton
func (s *SwapFcSubsystem) Start(ctx context.Context, env *Env) error {
	cfg, err := env.Config.SwapFc()
	if err != nil {
		return err
	}
	if err = env.Store.MarkEngaged(s.Name()); err != nil {
		return err
	}
	c, err := swapfc.New(cfg, env.Driver, env.Units, env.Baton)
	if err != nil {
		return err
	}
	return c.Run(ctx)
}

// Stop 删除全部 chunk unit 以及 swapfc_path 下残留的文件
func (s *SwapFcSubsystem) Stop(env *Env) error {
	_, errs := deregister(env.Units, s.Name())
	dir := strings.TrimRight(env.Config.String("swapfc_path"), "/")
	log.Infof("Removing files in %s...", dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errs
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if err = os.Remove(p); err != nil {
			log.Warnf("Cannot remove %s: %v", p, err)
			continue
		}
		log.Infof("Removed %s", p)
	}
	return errs
}
