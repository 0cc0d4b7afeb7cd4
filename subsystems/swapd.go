package subsystems

import (
	"context"
	"os"
	"slices"
	"strings"

	log "github.com/sirupsen/logrus"

	"systemd-swap/config"
)

// systemd-gpt-auto-generator 生成的 unit 中带有这个标记
const gptAutoGenerator = "systemd-gpt-auto-generator"

// SwapDSubsystem 激活磁盘上已有的 swap 分区
type SwapDSubsystem struct{}

func (s *SwapDSubsystem) Name() string {
	return "swapd"
}

func (s *SwapDSubsystem) Enabled(cfg *config.Config) bool {
	return cfg.Bool("swapd_auto_swapon")
}

func (s *SwapDSubsystem) Start(_ context.Context, env *Env) error {
	env.Driver.Notify("STATUS=Activating swap units...")
	defer env.Driver.Notify("STATUS=Swap unit activation finished")
	cfg, err := env.Config.SwapD()
	if err != nil {
		return err
	}

	// 接管 gpt-auto-generator 激活的分区，之后统一按优先级重新激活
	log.Info("swapD: pick up devices from systemd-gpt-auto-generator")
	generated, err := env.Units.FindContaining(gptAutoGenerator)
	if err != nil {
		return err
	}
	for _, d := range generated {
		if err = env.Driver.Swapoff(d.What); err != nil {
			log.Warnf("swapD: swapoff %s error: %v", d.What, err)
			continue
		}
		if err = os.Remove(d.Path); err != nil {
			log.Warnf("Cannot remove %s: %v", d.Path, err)
		} else {
			log.Infof("Removed %s", d.Path)
		}
	}

	log.Info("swapD: searching swap devices")
	if err = env.Store.MarkEngaged(s.Name()); err != nil {
		return err
	}
	devices, err := env.Driver.SwapDevices()
	if err != nil {
		return err
	}
	active, err := env.Driver.ActiveSwaps()
	if err != nil {
		return err
	}
	prio := cfg.Prio
	for _, dev := range devices {
		if strings.Contains(dev, "zram") || strings.Contains(dev, "loop") {
			continue
		}
		if slices.Contains(active, dev) || !isBlockDevice(dev) {
			continue
		}
		p := prio
		if _, err = env.Units.Synthesize(dev, s.Name(), &p, "discard"); err != nil {
			log.Warnf("swapD: %v", err)
			continue
		}
		log.Infof("swapD: enabled device: %s", dev)
		prio--
	}
	return nil
}

func (s *SwapDSubsystem) Stop(env *Env) error {
	_, err := deregister(env.Units, s.Name())
	return err
}
