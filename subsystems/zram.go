package subsystems

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"systemd-swap/config"
	"systemd-swap/constant"
)

// zramctl 的输出
const (
	zramBusy    = "failed to reset: Device or resource busy"
	zramNoFree  = "zramctl: no free zram device found"
	zramRetries = 3
)

type ZramSubsystem struct {
	ModuleDir string
	sleep     func(time.Duration)
}

func NewZram() *ZramSubsystem {
	return &ZramSubsystem{ModuleDir: constant.ZramModule, sleep: time.Sleep}
}

func (s *ZramSubsystem) Name() string {
	return "zram"
}

func (s *ZramSubsystem) Enabled(cfg *config.Config) bool {
	return cfg.Bool("zram_enabled")
}

func (s *ZramSubsystem) Start(_ context.Context, env *Env) error {
	env.Driver.Notify("STATUS=Setting up Zram...")
	defer env.Driver.Notify("STATUS=Zram setup finished")
	if !dirExists(s.ModuleDir) {
		return errors.Wrap(ErrUnsupported, "Zram: module not available")
	}
	cfg, err := env.Config.Zram()
	if err != nil {
		return err
	}

	// 4.7 及以前的内核 zram 不支持多流压缩，只能拆成多个设备
	count, size := 1, cfg.Size
	if major, minor := env.Driver.KernelVersion(); major < 4 || (major == 4 && minor <= 7) {
		count = cfg.Count
		size = cfg.Size / int64(count)
	}
	var errs error
	for i := 0; i < count; i++ {
		errs = multierr.Append(errs, s.initDevice(env, cfg, size))
	}
	return errs
}

func (s *ZramSubsystem) initDevice(env *Env, cfg config.Zram, size int64) error {
	log.Info("Zram: trying to initialize free device")
	var (
		out string
		err error
		ok  bool
	)
	for n := 0; n < zramRetries; n++ {
		if n > 0 {
			log.Warnf("Zram: device or resource was busy, retry #%d", n)
			s.sleep(time.Second)
		}
		out, err = env.Driver.ZramInit(cfg.Alg, size)
		if strings.Contains(out, zramBusy) {
			continue
		}
		ok = true
		break
	}
	if !ok {
		log.Warn("Zram: device or resource was busy too many times")
		return nil
	}

	var dev string
	switch {
	case strings.Contains(out, zramNoFree):
		log.Warn("Zram: zramctl can't find free device")
		log.Info("Zram: using workaround hook for hot add")
		if dev, err = env.Driver.ZramHotAdd(); err != nil {
			return errors.Wrapf(ErrUnsupported, "Zram: hot add: %v", err)
		}
		log.Infof("Zram: success: new device %s", dev)
	case strings.Contains(out, "/dev/zram"):
		dev = out
	case err != nil:
		return errors.Wrap(err, "zramctl")
	default:
		return errors.Errorf("Zram: unexpected output from zramctl: %s", out)
	}

	if !isBlockDevice(dev) {
		log.Warn("Zram: can't get free zram device")
		return nil
	}
	log.Infof("Zram: initialized: %s", dev)
	if err = env.Driver.MakeSwap(dev, ""); err != nil {
		return err
	}
	prio := cfg.Prio
	_, err = env.Units.Synthesize(dev, s.Name(), &prio, "discard")
	return err
}

// Stop 关闭 zram swap 后重置设备，释放其占用的内存
func (s *ZramSubsystem) Stop(env *Env) error {
	found, errs := deregister(env.Units, s.Name())
	for _, d := range found {
		if err := env.Driver.ZramReset(d.What); err != nil {
			log.Warnf("Zram: reset %s error: %v", d.What, err)
		}
	}
	return errs
}
