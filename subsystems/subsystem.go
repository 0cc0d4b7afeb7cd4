// Package subsystems 把 swapD、Zswap、Zram 和 swapFC 统一到 Subsystem 接口之后，
// 由 Manager 按固定顺序启动和清理。
package subsystems

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"systemd-swap/config"
	"systemd-swap/driver"
	"systemd-swap/restore"
	"systemd-swap/swapfc"
	"systemd-swap/unit"
)

// ErrUnsupported 内核缺少对应的模块，只影响当前子系统
var ErrUnsupported = errors.New("not supported on current kernel")

// Env 所有子系统共享的依赖
type Env struct {
	Config *config.Config
	Driver driver.HostDriver
	Units  *unit.Registry
	Store  *restore.Store
	Baton  swapfc.Baton
}

type Subsystem interface {
	// 返回子系统的名字，同时也是它创建的 unit 的标签前缀
	Name() string
	// 根据配置判断是否需要启动
	Enabled(cfg *config.Config) bool
	// 启动子系统
	Start(ctx context.Context, env *Env) error
	// 清理子系统创建的全部资源，不管配置里是否启用
	Stop(env *Env) error
}

type Manager struct {
	env *Env
	// 启动顺序，swapFC 放在最后，它会一直运行
	Subsystems []Subsystem
	// 清理顺序
	StopOrder []Subsystem
}

func NewManager(env *Env) *Manager {
	zswap, zram, swapd, fc := NewZswap(), NewZram(), &SwapDSubsystem{}, &SwapFcSubsystem{}
	return &Manager{
		env:        env,
		Subsystems: []Subsystem{zswap, zram, swapd, fc},
		StopOrder:  []Subsystem{swapd, fc, zram, zswap},
	}
}

// Start 依次启动已启用的子系统。swapFC 启用时阻塞到它退出，
// 否则通知 systemd 启动完成并交出 baton。
func (m *Manager) Start(ctx context.Context) error {
	cfg := m.env.Config
	if cfg.Bool("zram_enabled") &&
		(cfg.Bool("zswap_enabled") || cfg.Bool("swapfc_enabled") || cfg.Bool("swapd_auto_swapon")) {
		log.Warn("Combining zram with zswap/swapfc/swapd_auto_swapon can lead to LRU " +
			"inversion and is strongly recommended against")
	}
	for _, s := range m.Subsystems {
		if !s.Enabled(cfg) {
			continue
		}
		err := s.Start(ctx, m.env)
		if s.Name() == swapfc.Tag {
			return errors.Wrap(err, "swapFC")
		}
		if err != nil {
			log.Errorf("start subsystem: %s, err: %v", s.Name(), err)
		}
	}
	m.env.Driver.Notify(driver.NotifyReady)
	return m.env.Baton.Release()
}

// Stop 清理所有子系统，单个失败不影响后续步骤
func (m *Manager) Stop() error {
	var errs error
	for _, s := range m.StopOrder {
		if err := s.Stop(m.env); err != nil {
			log.Errorf("stop subsystem: %s, err: %v", s.Name(), err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
