// Package driver 把所有对宿主机的操作（mkswap、losetup、systemctl、statfs 等）
// 收敛到一个接口后面，上层逻辑不关心这些操作具体是怎么执行的。
package driver

import "github.com/coreos/go-systemd/v22/daemon"

// sd_notify 状态
const (
	NotifyReady      = daemon.SdNotifyReady
	NotifyStopping   = daemon.SdNotifyStopping
	StatusMonitoring = "STATUS=Monitoring memory status..."
)

// MemStats 当前内存和 swap 的空闲百分比
type MemStats struct {
	FreeRAM  int    // MemFree / MemTotal
	FreeSwap int    // SwapFree / SwapTotal，没有 swap 时按 0 计算
	RAMTotal uint64 // 字节
}

// Driver 为 swap 控制器和 unit 管理提供的宿主机能力集合
type Driver interface {
	// swap 格式化与 loop 设备
	MakeSwap(path, label string) error
	LoopSetup(path string, directIO bool) (string, error)
	LoopDetach(dev string) error
	Swapoff(path string) error

	// 文件系统
	FilesystemType(path string) (string, error)
	IsSubvolume(path string) bool
	CreateSubvolume(path string) error
	SetNoCOW(path string) error
	FreeSpace(path string) (uint64, error)

	// 内存状态
	MemoryPercentages() (MemStats, error)
	KernelVersion() (major, minor int)

	// systemd
	StartUnit(name string) error
	StopUnit(name string) error
	DaemonReload() error
	EscapePath(path string) (string, error)
	Notify(state string)
}

// HostDriver 在 Driver 之外还提供 swapD 和 Zram 需要的设备发现能力
type HostDriver interface {
	Driver
	SwapDevices() ([]string, error)
	ActiveSwaps() ([]string, error)
	ZramInit(alg string, size int64) (string, error)
	ZramHotAdd() (string, error)
	ZramReset(dev string) error
}
