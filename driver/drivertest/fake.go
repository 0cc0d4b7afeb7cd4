// Package drivertest 提供测试用的内存版 driver
package drivertest

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"systemd-swap/driver"
)

// Fake 记录所有调用，返回值由测试直接设置
type Fake struct {
	mu sync.Mutex

	FSType       string
	FSTypeErr    error
	Subvolume    bool
	Free         uint64
	Mem          driver.MemStats
	KernelMajor  int
	KernelMinor  int
	StartErr     map[string]error
	StopErr      map[string]error
	SwapoffErr   error
	ReloadErr    error
	NoCOWErr     error
	Devices      []string
	Active       []string
	ZramOutput   string
	ZramErr      error
	ZramHotAdded string

	loops    int
	Calls    []string
	Started  []string
	Stopped  []string
	Swapoffs []string
	Notified []string
	NoCOW    []string
	Detached []string
	Reloads  int
}

var _ driver.HostDriver = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		FSType:      "ext4",
		Free:        1 << 40,
		KernelMajor: 6,
		KernelMinor: 1,
		StartErr:    map[string]error{},
		StopErr:     map[string]error{},
	}
}

func (f *Fake) record(format string, args ...interface{}) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

func (f *Fake) MakeSwap(path, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("mkswap %s %s", label, path)
	return nil
}

// LoopSetup 返回一个真实存在的普通文件作为 "设备"，这样上层对路径的 stat 能成功
func (f *Fake) LoopSetup(path string, directIO bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loops++
	dev := fmt.Sprintf("%s.loop%d", path, f.loops-1)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if err = os.WriteFile(dev, data, 0600); err != nil {
		return "", err
	}
	f.record("losetup %s directio=%v", path, directIO)
	return dev, nil
}

func (f *Fake) LoopDetach(dev string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Detached = append(f.Detached, dev)
	return nil
}

func (f *Fake) Swapoff(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Swapoffs = append(f.Swapoffs, path)
	return f.SwapoffErr
}

func (f *Fake) FilesystemType(string) (string, error) { return f.FSType, f.FSTypeErr }

func (f *Fake) IsSubvolume(string) bool { return f.Subvolume }

func (f *Fake) CreateSubvolume(path string) error {
	f.mu.Lock()
	f.record("subvolume %s", path)
	f.mu.Unlock()
	return os.MkdirAll(path, 0755)
}

func (f *Fake) SetNoCOW(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NoCOWErr != nil {
		return f.NoCOWErr
	}
	f.NoCOW = append(f.NoCOW, path)
	return nil
}

func (f *Fake) FreeSpace(string) (uint64, error) { return f.Free, nil }

func (f *Fake) MemoryPercentages() (driver.MemStats, error) { return f.Mem, nil }

func (f *Fake) KernelVersion() (int, int) { return f.KernelMajor, f.KernelMinor }

func (f *Fake) StartUnit(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.StartErr[name]; err != nil {
		return err
	}
	f.Started = append(f.Started, name)
	return nil
}

func (f *Fake) StopUnit(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.StopErr[name]; err != nil {
		return err
	}
	f.Stopped = append(f.Stopped, name)
	return nil
}

func (f *Fake) DaemonReload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reloads++
	return f.ReloadErr
}

// EscapePath 简化版的 systemd-escape -p
func (f *Fake) EscapePath(path string) (string, error) {
	p := strings.Trim(path, "/")
	p = strings.ReplaceAll(p, "-", `\x2d`)
	p = strings.ReplaceAll(p, "/", "-")
	return p + ".swap", nil
}

func (f *Fake) Notify(state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Notified = append(f.Notified, state)
}

func (f *Fake) SwapDevices() ([]string, error) { return f.Devices, nil }

func (f *Fake) ActiveSwaps() ([]string, error) { return f.Active, nil }

func (f *Fake) ZramInit(alg string, size int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("zramctl %s %d", alg, size)
	return f.ZramOutput, f.ZramErr
}

func (f *Fake) ZramHotAdd() (string, error) { return f.ZramHotAdded, nil }

func (f *Fake) ZramReset(dev string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("zramctl -r %s", dev)
	return nil
}
