// Package swapfc 根据内存和 swap 的空闲比例动态创建、销毁 swap 文件块（chunk）。
//
// 每个 chunk 是 swapfc_path 下的一个文件（或者挂在 loop 设备上的文件），
// 注册为一个带 "swapfc_<n>" 标签的 .swap unit。控制器在每次空闲等待前释放
// baton，等待结束后再尝试拿回来，拿不到说明 stop 已经接管，循环直接退出。
package swapfc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"systemd-swap/config"
	"systemd-swap/constant"
	"systemd-swap/driver"
	"systemd-swap/unit"
)

const (
	Tag = "swapfc"

	// MaxFrequency 轮询间隔上限，一天
	MaxFrequency = 24 * 60 * 60
	MaxChunks    = 32
	// 轮询间隔最多退避到基础频率的 1000 倍
	backoffFactor = 1000

	mib = 1 << 20
)

// Units 控制器需要的 unit 注册能力，*unit.Registry 实现了它
type Units interface {
	Synthesize(what, tag string, priority *int, options string) (string, error)
	FindTagged(tag string) ([]*unit.Descriptor, error)
	Deregister(d *unit.Descriptor) error
}

// Baton 与 stop 进程协作的互斥信号，*singleton.Token 实现了它
type Baton interface {
	Release() error
	TryAcquire() (bool, error)
}

type Controller struct {
	cfg   config.SwapFc
	drv   driver.Driver
	units Units
	baton Baton

	fsType    string
	allocated int
	// 当前轮询间隔，单位秒
	interval int
	priority int
	useLoop  bool
	noCOW    bool

	metrics *Metrics
	after   func(time.Duration) <-chan time.Time
}

// ChunkTag 第 n 个 chunk 的 unit 标签
func ChunkTag(n int) string {
	return fmt.Sprintf("%s_%d", Tag, n)
}

// New 校验参数、准备 swap 文件目录，并预先分配 min_count 个 chunk
func New(cfg config.SwapFc, drv driver.Driver, units Units, baton Baton) (*Controller, error) {
	if cfg.ChunkSize <= 0 {
		return nil, errors.Errorf("swapfc_chunk_size must be positive: %d", cfg.ChunkSize)
	}
	if cfg.Frequency < 1 || cfg.Frequency > MaxFrequency {
		log.Warnf("swapfc_frequency must be in range of 1..%d, reset to 1", MaxFrequency)
		cfg.Frequency = 1
	}
	if cfg.MaxCount < 1 || cfg.MaxCount > MaxChunks {
		log.Warnf("swapfc_max_count must be in range 1..%d, reset to 1", MaxChunks)
		cfg.MaxCount = 1
	}
	if cfg.MinCount < 0 || cfg.MinCount > cfg.MaxCount {
		log.Warnf("swapfc_min_count must be in range 0..%d, clamped", cfg.MaxCount)
		cfg.MinCount = min(max(cfg.MinCount, 0), cfg.MaxCount)
	}

	c := &Controller{
		cfg:      cfg,
		drv:      drv,
		units:    units,
		baton:    baton,
		interval: cfg.Frequency,
		priority: cfg.Priority,
		useLoop:  cfg.ForceUseLoop,
		metrics:  NewMetrics(cfg.MetricsFile),
		after:    time.After,
	}
	drv.Notify(driver.StatusMonitoring)

	if err := c.prepareDir(); err != nil {
		return nil, err
	}
	for c.allocated < cfg.MinCount {
		before := c.allocated
		if err := c.allocate(fmt.Sprintf("swapFC: min_count %d - allocate chunk:", cfg.MinCount)); err != nil {
			return nil, err
		}
		if c.allocated == before {
			// 空间不足，剩下的交给循环
			break
		}
	}
	c.metrics.observe(c)
	return c, nil
}

// prepareDir 创建 swap 文件目录，并根据文件系统决定 nocow 和 loop 策略
func (c *Controller) prepareDir() error {
	parent := filepath.Dir(c.cfg.Path)
	if err := os.MkdirAll(parent, constant.Perm0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", parent)
	}
	_, statErr := os.Stat(c.cfg.Path)
	probe := c.cfg.Path
	if statErr != nil {
		probe = parent
	}
	fsType, err := c.drv.FilesystemType(probe)
	if err != nil {
		return errors.Wrap(err, "swapFC: detect filesystem")
	}
	c.fsType = fsType

	if fsType == "btrfs" && os.IsNotExist(statErr) {
		log.Infof("swapFC: creating btrfs subvolume %s", c.cfg.Path)
		if err = c.drv.CreateSubvolume(c.cfg.Path); err != nil {
			return errors.Wrapf(err, "create subvolume %s", c.cfg.Path)
		}
	}
	if err = os.MkdirAll(c.cfg.Path, constant.Perm0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", c.cfg.Path)
	}

	if fsType == "btrfs" {
		c.noCOW = c.cfg.NoCOW
		// 5.0 起 btrfs 可以直接激活 swap 文件，但文件必须是 nocow 的；
		// 更早的内核只能走 loop
		if major, _ := c.drv.KernelVersion(); major >= 5 {
			c.noCOW = true
		} else {
			c.useLoop = true
		}
	}
	return nil
}

func (c *Controller) Allocated() int { return c.allocated }

// Interval 当前轮询间隔
func (c *Controller) Interval() time.Duration {
	return time.Duration(c.interval) * time.Second
}

// Run 主循环，只在空闲等待期间响应 ctx 取消
func (c *Controller) Run(ctx context.Context) error {
	c.drv.Notify(driver.NotifyReady)
	if c.allocated == 0 {
		if mem, err := c.drv.MemoryPercentages(); err == nil {
			used := mem.RAMTotal * uint64(100-c.cfg.FreeRAMPerc) / 100 / mib
			log.Infof("swapFC: on-demand swap activation at >%d MiB memory usage", used)
		}
	}

	for {
		if err := c.baton.Release(); err != nil {
			log.Warnf("swapFC: release baton error: %v", err)
		}
		select {
		case <-ctx.Done():
			log.Info("swapFC: stop requested")
			return nil
		case <-c.after(c.Interval()):
		}
		ok, err := c.baton.TryAcquire()
		if err != nil {
			log.Warnf("swapFC: acquire baton error: %v", err)
		}
		if !ok {
			log.Info("swapFC: stop in progress, exit")
			return nil
		}
		if err = c.Tick(); err != nil {
			log.Errorf("swapFC: %v", err)
		}
		if err = c.metrics.Write(); err != nil {
			log.Warnf("swapFC: write metrics error: %v", err)
		}
	}
}

// Tick 读取一次内存状态并做出分配/回收决定
func (c *Controller) Tick() error {
	mem, err := c.drv.MemoryPercentages()
	if err != nil {
		return err
	}
	c.metrics.observeMem(mem)
	defer c.metrics.observe(c)

	if c.allocated == 0 {
		if mem.FreeRAM < c.cfg.FreeRAMPerc {
			return c.allocate(fmt.Sprintf("swapFC: free ram: %d < %d - allocate chunk:", mem.FreeRAM, c.cfg.FreeRAMPerc))
		}
		return nil
	}
	if mem.FreeSwap < c.cfg.FreeSwapPerc && c.allocated < c.cfg.MaxCount {
		return c.allocate(fmt.Sprintf("swapFC: free swap: %d < %d - allocate chunk:", mem.FreeSwap, c.cfg.FreeSwapPerc))
	}
	if c.allocated > max(c.cfg.MinCount, 2) && mem.FreeSwap > c.cfg.RemoveFreeSwapPerc {
		return c.deallocate(fmt.Sprintf("swapFC: free swap: %d > %d - free up chunk:", mem.FreeSwap, c.cfg.RemoveFreeSwapPerc))
	}
	return nil
}

// backoff 空间不足时把轮询间隔翻倍，超过上限就保持不变
func (c *Controller) backoff() {
	next := c.interval * 2
	if next > MaxFrequency || next > c.cfg.Frequency*backoffFactor {
		return
	}
	c.interval = next
	log.Warnf("swapFC: polling interval increased to %ds", next)
}

func (c *Controller) allocate(reason string) error {
	free, err := c.drv.FreeSpace(c.cfg.Path)
	if err != nil {
		return err
	}
	if free < 2*uint64(c.cfg.ChunkSize) {
		log.Warn("swapFC: ENOSPC")
		c.backoff()
		c.metrics.enospc.Inc()
		c.drv.Notify("STATUS=Not enough space for allocating chunk")
		return nil
	}
	if c.interval != c.cfg.Frequency {
		log.Infof("swapFC: polling interval reset to %ds", c.cfg.Frequency)
		c.interval = c.cfg.Frequency
	}

	c.drv.Notify("STATUS=Allocating swap file...")
	n := c.allocated + 1
	log.Infof("%s %d", reason, n)
	if err = c.createChunk(n); err != nil {
		c.drv.Notify(driver.StatusMonitoring)
		return errors.Wrapf(err, "allocate chunk %d", n)
	}
	c.allocated = n
	c.metrics.allocations.Inc()
	c.drv.Notify(driver.StatusMonitoring)
	return nil
}

func (c *Controller) deallocate(reason string) error {
	c.drv.Notify("STATUS=Deallocating swap file...")
	defer c.drv.Notify(driver.StatusMonitoring)
	log.Infof("%s %d", reason, c.allocated)

	tag := ChunkTag(c.allocated)
	found, err := c.units.FindTagged(tag)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		log.Warnf("swapFC: no unit tagged %s", tag)
	}
	for _, d := range found {
		if err = c.units.Deregister(d); err != nil {
			return errors.Wrapf(err, "deallocate chunk %d", c.allocated)
		}
	}
	c.allocated--
	c.metrics.deallocations.Inc()
	return nil
}
