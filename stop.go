package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"systemd-swap/constant"
	"systemd-swap/driver"
	"systemd-swap/singleton"
	"systemd-swap/subsystems"
)

// stop 最多等待 swapFC 这么久
const batonTimeout = 60 * time.Second

// Stop onInit 表示由 start 调用，用来清理上一次没有正常退出的实例
func Stop(env *subsystems.Env, onInit bool) error {
	return stopAt(env, constant.TokenPath, constant.WorkDir, onInit)
}

func stopAt(env *subsystems.Env, tokenPath, workDir string, onInit bool) error {
	// 1. 拿到 token，让 swapFC 停在空闲等待里
	token, err := singleton.Open(tokenPath)
	switch {
	case err == nil:
		if !onInit {
			ok, err := token.Acquire(context.Background(), batonTimeout)
			if err != nil || !ok {
				log.Warnf("Could not acquire baton, commencing stop action anyway... %v", err)
			}
			env.Driver.Notify(driver.NotifyStopping)
		}
	case os.IsNotExist(err):
		// 先占住 token，防止清理期间有新的实例启动
		if err = os.MkdirAll(workDir, constant.Perm0755); err != nil {
			return errors.Wrapf(err, "mkdir %s", workDir)
		}
		if token, err = singleton.Create(tokenPath); err != nil {
			return err
		}
		if !onInit {
			log.Warnf("%s might not be running", os.Args[0])
		}
	default:
		return errors.Wrapf(err, "open token %s", tokenPath)
	}
	env.Baton = token

	// 2. 按顺序清理各个子系统，单个失败不中断后续步骤
	teardownErr := subsystems.NewManager(env).Stop()

	// 3. 删除运行时目录，token 最后删除
	log.Info("Removing working directory...")
	entries, err := os.ReadDir(workDir)
	if err != nil && !os.IsNotExist(err) {
		log.Warnf("read dir %s error %v", workDir, err)
	}
	for _, e := range entries {
		p := filepath.Join(workDir, e.Name())
		if p == tokenPath {
			continue
		}
		if err = os.RemoveAll(p); err != nil {
			log.Warnf("Cannot remove %s: %v", p, err)
		}
	}
	if err = token.Remove(); err != nil {
		log.Errorf("%v", err)
	}
	if err = os.Remove(workDir); err != nil && !os.IsNotExist(err) {
		log.Debugf("remove %s: %v", workDir, err)
	}

	if teardownErr != nil {
		// 启动前的清理失败不阻止本次启动
		if onInit {
			log.Warnf("Cleanup of previous run incomplete: %v", teardownErr)
			return nil
		}
		return errors.Wrap(teardownErr, "stop incomplete")
	}
	return nil
}
