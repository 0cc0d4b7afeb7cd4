package driver

import (
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"systemd-swap/constant"
)

// chattr +C 对应的 inode 标志
const fsNoCowFl = 0x00800000

var fsMagic = map[int64]string{
	unix.BTRFS_SUPER_MAGIC: "btrfs",
	unix.EXT4_SUPER_MAGIC:  "ext4",
	unix.XFS_SUPER_MAGIC:   "xfs",
	unix.TMPFS_MAGIC:       "tmpfs",
	unix.F2FS_SUPER_MAGIC:  "f2fs",
}

// Host 通过外部命令、系统调用和 procfs 实现 HostDriver
type Host struct {
	proc procfs.FS
}

var _ HostDriver = (*Host)(nil)

func NewHost() (*Host, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, errors.Wrap(err, "open procfs")
	}
	return &Host{proc: fs}, nil
}

// run 执行命令并返回去掉末尾换行的标准输出
func run(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	log.Debugf("exec: %s", cmd.String())
	out, err := cmd.Output()
	if err != nil {
		var stderr string
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = strings.TrimSpace(string(exitErr.Stderr))
		}
		return "", errors.Wrapf(err, "%s %s: %s", name, strings.Join(args, " "), stderr)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func (h *Host) MakeSwap(path, label string) error {
	args := []string{path}
	if label != "" {
		args = []string{"-L", label, path}
	}
	_, err := run("mkswap", args...)
	return err
}

// LoopSetup 绑定第一个空闲的 loop 设备并返回设备路径
// losetup -f --show --direct-io=on /path
func (h *Host) LoopSetup(path string, directIO bool) (string, error) {
	dio := "off"
	if directIO {
		dio = "on"
	}
	return run("losetup", "-f", "--show", "--direct-io="+dio, path)
}

func (h *Host) LoopDetach(dev string) error {
	_, err := run("losetup", "-d", dev)
	return err
}

func (h *Host) Swapoff(path string) error {
	_, err := run("swapoff", path)
	return err
}

// FilesystemType 优先用 statfs 的 magic 判断，不认识的再交给 df
func (h *Host) FilesystemType(path string) (string, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return "", errors.Wrapf(err, "statfs %s", path)
	}
	if name, ok := fsMagic[int64(st.Type)]; ok {
		return name, nil
	}
	out, err := run("df", path, "--output=fstype")
	if err != nil {
		return "", err
	}
	lines := strings.Split(out, "\n")
	if len(lines) < 2 {
		return "", errors.Errorf("unexpected df output for %s: %q", path, out)
	}
	fsType := strings.TrimSpace(lines[1])
	if fsType != "-" {
		return fsType, nil
	}
	// 某些 btrfs 子卷在 df 中显示为 "-"
	if h.IsSubvolume(path) {
		return "btrfs", nil
	}
	return "", errors.Errorf("%s is located on an unknown filesystem", path)
}

func (h *Host) IsSubvolume(path string) bool {
	_, err := run("btrfs", "subvolume", "show", path)
	return err == nil
}

func (h *Host) CreateSubvolume(path string) error {
	_, err := run("btrfs", "subvolume", "create", path)
	return err
}

// SetNoCOW 等同于 chattr +C，只对空文件有效
func (h *Host) SetNoCOW(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	fd := int(f.Fd())
	flags, err := unix.IoctlGetUint32(fd, unix.FS_IOC_GETFLAGS)
	if err != nil {
		return errors.Wrapf(err, "get inode flags of %s", path)
	}
	if err = unix.IoctlSetPointerInt(fd, unix.FS_IOC_SETFLAGS, int(flags|fsNoCowFl)); err != nil {
		return errors.Wrapf(err, "set nocow on %s", path)
	}
	return nil
}

func (h *Host) FreeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, errors.Wrapf(err, "statfs %s", path)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

func (h *Host) MemoryPercentages() (MemStats, error) {
	mi, err := h.proc.Meminfo()
	if err != nil {
		return MemStats{}, errors.Wrap(err, "read meminfo")
	}
	memTotal, memFree := deref(mi.MemTotal), deref(mi.MemFree)
	swapTotal, swapFree := deref(mi.SwapTotal), deref(mi.SwapFree)
	if memTotal == 0 {
		return MemStats{}, errors.New("meminfo reports zero MemTotal")
	}
	return MemStats{
		FreeRAM: percent(memFree, memTotal),
		// 没有 swap 时分母取 1，避免除零
		FreeSwap: percent(swapFree, max(swapTotal, 1)),
		RAMTotal: memTotal * 1024,
	}, nil
}

func deref(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}

func percent(part, total uint64) int {
	return int(math.Round(float64(part) * 100 / float64(total)))
}

func (h *Host) KernelVersion() (major, minor int) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		log.Warnf("uname error: %v", err)
		return 0, 0
	}
	return ParseKernelRelease(unix.ByteSliceToString(uts.Release[:]))
}

// ParseKernelRelease 解析 "6.1.0-13-amd64" 这类版本号的前两段
func ParseKernelRelease(release string) (major, minor int) {
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return 0, 0
	}
	major, _ = strconv.Atoi(parts[0])
	minorStr := parts[1]
	if i := strings.IndexFunc(minorStr, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
		minorStr = minorStr[:i]
	}
	minor, _ = strconv.Atoi(minorStr)
	return major, minor
}

func (h *Host) StartUnit(name string) error {
	_, err := run("systemctl", "start", name)
	return err
}

func (h *Host) StopUnit(name string) error {
	_, err := run("systemctl", "stop", name)
	return err
}

func (h *Host) DaemonReload() error {
	_, err := run("systemctl", "daemon-reload")
	return err
}

// EscapePath systemd-escape -p --suffix=swap /dev/sda2 -> dev-sda2.swap
func (h *Host) EscapePath(path string) (string, error) {
	return run("systemd-escape", "-p", "--suffix=swap", path)
}

func (h *Host) Notify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debugf("sd_notify %q error: %v", state, err)
	}
}

// SwapDevices 返回 blkid 找到的所有 swap 设备，什么都没找到时 blkid 退出码为 2
func (h *Host) SwapDevices() ([]string, error) {
	out, err := exec.Command("blkid", "-t", "TYPE=swap", "-o", "device").Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 2 {
			return nil, nil
		}
		return nil, errors.Wrap(err, "blkid")
	}
	return strings.Fields(string(out)), nil
}

func (h *Host) ActiveSwaps() ([]string, error) {
	swaps, err := h.proc.Swaps()
	if err != nil {
		return nil, errors.Wrap(err, "read /proc/swaps")
	}
	names := make([]string, 0, len(swaps))
	for _, s := range swaps {
		names = append(names, s.Filename)
	}
	return names, nil
}

// ZramInit 调用 zramctl 初始化第一个空闲设备，输出由调用方解析
func (h *Host) ZramInit(alg string, size int64) (string, error) {
	out, err := exec.Command("zramctl", "-f", "-a", alg, "-s", strconv.FormatInt(size, 10)).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (h *Host) ZramHotAdd() (string, error) {
	data, err := os.ReadFile(constant.ZramHotAdd)
	if err != nil {
		return "", errors.Wrap(err, "zram hot_add")
	}
	return fmt.Sprintf("/dev/zram%s", strings.TrimSpace(string(data))), nil
}

func (h *Host) ZramReset(dev string) error {
	_, err := run("zramctl", "-r", dev)
	return err
}
