package subsystems

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"systemd-swap/config"
	"systemd-swap/constant"
	"systemd-swap/restore"
)

type ZswapSubsystem struct {
	ModuleDir string
	ParamDir  string
}

func NewZswap() *ZswapSubsystem {
	return &ZswapSubsystem{ModuleDir: constant.ZswapModule, ParamDir: constant.ZswapParameters}
}

func (s *ZswapSubsystem) Name() string {
	return "zswap"
}

func (s *ZswapSubsystem) Enabled(cfg *config.Config) bool {
	return cfg.Bool("zswap_enabled")
}

// Start 先备份并持久化全部参数，之后才修改
func (s *ZswapSubsystem) Start(_ context.Context, env *Env) error {
	env.Driver.Notify("STATUS=Setting up Zswap...")
	if !dirExists(s.ModuleDir) {
		return errors.Wrap(ErrUnsupported, "Zswap")
	}

	log.Info("Zswap: backup current configuration: start")
	captured, err := restore.CaptureDir(s.ParamDir)
	if err != nil {
		return errors.Wrap(err, "Zswap: backup")
	}
	snap := env.Store.Load()
	if snap == nil {
		snap = &restore.Snapshot{}
	}
	snap.Merge(captured)
	if err = env.Store.Persist(snap); err != nil {
		return errors.Wrap(err, "Zswap: backup")
	}
	if err = env.Store.MarkEngaged(s.Name()); err != nil {
		return err
	}
	log.Info("Zswap: backup current configuration: complete")

	cfg := env.Config.Zswap()
	log.Infof("Zswap: Enable: %v, Comp: %s, Max pool %%: %s, Zpool: %s",
		cfg.Enabled, cfg.Compressor, cfg.MaxPoolPercent, cfg.Zpool)
	enabled := "N"
	if cfg.Enabled {
		enabled = "Y"
	}
	var errs error
	for _, p := range []struct{ name, value string }{
		{"enabled", enabled},
		{"compressor", cfg.Compressor},
		{"max_pool_percent", cfg.MaxPoolPercent},
		{"zpool", cfg.Zpool},
	} {
		if p.value == "" {
			continue
		}
		if err = os.WriteFile(filepath.Join(s.ParamDir, p.name), []byte(p.value), constant.Perm0644); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "set zswap %s", p.name))
		}
	}
	log.Info("Zswap: set new parameters: complete")
	return errs
}

// Stop 只有本次运行确实改过参数时才恢复
func (s *ZswapSubsystem) Stop(env *Env) error {
	if !env.Store.Engaged(s.Name()) {
		return nil
	}
	snap := env.Store.Load()
	if snap == nil {
		log.Warn("Zswap: no saved configuration, skip restore")
		return nil
	}
	log.Info("Zswap: restore configuration: start")
	if err := snap.Restore(); err != nil {
		return err
	}
	log.Info("Zswap: restore configuration: complete")
	return env.Store.Discard()
}
