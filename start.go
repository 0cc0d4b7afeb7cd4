package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"systemd-swap/config"
	"systemd-swap/constant"
	"systemd-swap/driver"
	"systemd-swap/restore"
	"systemd-swap/singleton"
	"systemd-swap/subsystems"
	"systemd-swap/unit"
)

func requireRoot() error {
	if os.Geteuid() != 0 {
		return errors.New("script must be run as root")
	}
	return nil
}

// newEnv 加载配置并构造各子系统共享的依赖，Baton 由调用方在拿到 token 后设置
func newEnv() (*subsystems.Env, error) {
	drv, err := driver.NewHost()
	if err != nil {
		return nil, err
	}
	mem, err := drv.MemoryPercentages()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(config.DefaultSources(), mem.RAMTotal)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	return &subsystems.Env{
		Config: cfg,
		Driver: drv,
		Units:  unit.DefaultRegistry(drv),
		Store:  restore.DefaultStore(),
	}, nil
}

func Start() error {
	if err := requireRoot(); err != nil {
		return err
	}
	if pid, held := singleton.HeldByOther(constant.TokenPath); held {
		return errors.Wrapf(singleton.ErrAlreadyRunning, "pid %d", pid)
	}
	env, err := newEnv()
	if err != nil {
		return err
	}

	// 上一次没有正常退出时先清理
	if err = Stop(env, true); err != nil {
		log.Warnf("cleanup previous run: %v", err)
	}
	if err = os.MkdirAll(constant.WorkDir, constant.Perm0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", constant.WorkDir)
	}
	if err = env.Units.Init(); err != nil {
		return err
	}

	token, err := singleton.Create(constant.TokenPath)
	if err != nil {
		return err
	}
	env.Baton = token

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return subsystems.NewManager(env).Start(ctx)
}
