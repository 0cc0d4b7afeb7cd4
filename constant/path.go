package constant

// systemd 相关目录
const (
	RunSystemd    = "/run/systemd"
	EtcSystemd    = "/etc/systemd"
	VendorSystemd = "/usr/lib/systemd"

	SystemUnitDir    = RunSystemd + "/system"
	GeneratorUnitDir = RunSystemd + "/generator"
	SwapTargetWants  = "swap.target.wants"
	LocalFSWants     = "local-fs.target.wants"
)

// 配置文件
const (
	DefaultConfig = "/usr/share/systemd-swap/swap-default.conf"
	EtcConfig     = EtcSystemd + "/swap.conf"
	DropInDirName = "swap.conf.d"
)

// 运行时目录，重启后不保留
const (
	WorkDir         = RunSystemd + "/swap"
	TokenPath       = WorkDir + "/.lock"
	DestroyInfoPath = WorkDir + "/destroy_info.json"
	SwapFcMetrics   = WorkDir + "/swapfc/metrics.prom"
)

// 内核接口
const (
	ZswapModule     = "/sys/module/zswap"
	ZswapParameters = ZswapModule + "/parameters"
	ZswapDebugFS    = "/sys/kernel/debug/zswap"
	ZramModule      = "/sys/module/zram"
	ZramHotAdd      = "/sys/class/zram-control/hot_add"
)
