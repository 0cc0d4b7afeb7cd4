// Package config 读取 swap.conf 以及各个 swap.conf.d 目录中的片段。
//
// 优先级与 systemd 一致：内置默认值 < swap-default.conf < /etc/systemd/swap.conf <
// 片段（/usr/lib < /run < /etc，同名片段后者覆盖前者，再按文件名字典序依次应用）。
package config

import (
	"bufio"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"systemd-swap/constant"
)

// Defaults 与 swap-default.conf 保持一致，配置文件缺失时使用
var Defaults = map[string]string{
	"zswap_enabled":          "1",
	"zswap_compressor":       "lz4",
	"zswap_max_pool_percent": "25",
	"zswap_zpool":            "z3fold",

	"zram_enabled": "0",
	"zram_size":    "$(( RAM_SIZE / 4 ))",
	"zram_count":   "${NCPU}",
	"zram_alg":     "lz4",
	"zram_prio":    "32767",

	"swapd_auto_swapon": "1",
	"swapd_prio":        "1024",

	"swapfc_enabled":               "0",
	"swapfc_force_use_loop":        "0",
	"swapfc_frequency":             "1",
	"swapfc_chunk_size":            "256M",
	"swapfc_max_count":             "32",
	"swapfc_min_count":             "0",
	"swapfc_free_ram_perc":         "35",
	"swapfc_free_swap_perc":        "15",
	"swapfc_remove_free_swap_perc": "55",
	"swapfc_priority":              "50",
	"swapfc_path":                  "/var/lib/systemd-swap/swapfc/",
	"swapfc_nocow":                 "1",
	"swapfc_directio":              "1",
	"swapfc_force_preallocated":    "0",
	"swapfc_metrics_file":          constant.SwapFcMetrics,
}

// Sources 配置文件的位置，测试时可以替换
type Sources struct {
	DefaultFile string
	MainFile    string
	DropInDirs  []string
}

func DefaultSources() Sources {
	dirs := make([]string, 0, 3)
	for _, base := range []string{constant.VendorSystemd, constant.RunSystemd, constant.EtcSystemd} {
		dirs = append(dirs, filepath.Join(base, constant.DropInDirName))
	}
	return Sources{
		DefaultFile: constant.DefaultConfig,
		MainFile:    constant.EtcConfig,
		DropInDirs:  dirs,
	}
}

type Config struct {
	values map[string]string
}

// Load 按优先级合并所有配置，RAMTotal 用于展开 $RAM_SIZE
func Load(src Sources, ramTotal uint64) (*Config, error) {
	env := []string{
		"NCPU=" + strconv.Itoa(runtime.NumCPU()),
		"RAM_SIZE=" + strconv.FormatUint(ramTotal, 10),
	}
	c := &Config{values: make(map[string]string, len(Defaults))}
	for k, v := range Defaults {
		c.values[k] = v
	}
	if err := c.mergeFile(src.DefaultFile); err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			log.Errorf("Error loading %s: %v", src.DefaultFile, err)
		}
	}
	if err := c.mergeFile(src.MainFile); err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			log.Warnf("Could not load %s: %v", src.MainFile, err)
		}
	}
	for _, f := range dropIns(src.DropInDirs) {
		log.Infof("Load: %s", f)
		if err := c.mergeFile(f); err != nil {
			return nil, err
		}
	}
	if err := c.expand(env); err != nil {
		return nil, err
	}
	return c, nil
}

// FromMap 直接用给定的值构造配置，未给出的键使用默认值，不做 shell 展开
func FromMap(values map[string]string) *Config {
	c := &Config{values: make(map[string]string, len(Defaults))}
	for k, v := range Defaults {
		c.values[k] = v
	}
	for k, v := range values {
		c.values[k] = v
	}
	return c
}

// dropIns 同名文件以后面的目录为准，结果按文件名排序
func dropIns(dirs []string) []string {
	files := make(map[string]string)
	for _, dir := range dirs {
		matches, _ := filepath.Glob(filepath.Join(dir, "*.conf"))
		for _, m := range matches {
			fi, err := os.Stat(m)
			if err != nil || fi.IsDir() {
				continue
			}
			f, err := os.Open(m)
			if err != nil {
				log.Warnf("Permission denied reading: %s", m)
				continue
			}
			f.Close()
			log.Debugf("Found %s", m)
			files[filepath.Base(m)] = m
		}
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	res := make([]string, 0, len(names))
	for _, name := range names {
		res = append(res, files[name])
	}
	return res
}

func (c *Config) mergeFile(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	values, err := Parse(bufio.NewScanner(f))
	if err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	for k, v := range values {
		c.values[k] = v
	}
	return nil
}

// Parse 解析 key=value 行，忽略注释和没有 '=' 的行
func Parse(scanner *bufio.Scanner) (map[string]string, error) {
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return values, scanner.Err()
}

func needsShell(v string) bool {
	return strings.ContainsAny(v, "$`")
}

// expand 含有 shell 语法的值交给 sh 展开，例如 $(( RAM_SIZE / 4 ))
func (c *Config) expand(env []string) error {
	for k, v := range c.values {
		if !needsShell(v) {
			continue
		}
		cmd := exec.Command("/bin/sh", "-c", "echo "+v)
		cmd.Env = append(os.Environ(), env...)
		out, err := cmd.Output()
		if err != nil {
			return errors.Wrapf(err, "expand %s=%s", k, v)
		}
		c.values[k] = strings.TrimRight(string(out), "\n")
	}
	return nil
}

func (c *Config) String(key string) string {
	return c.values[key]
}

func (c *Config) Bool(key string) bool {
	switch strings.ToLower(c.values[key]) {
	case "yes", "y", "1", "true":
		return true
	}
	return false
}

func (c *Config) Int(key string) (int, error) {
	v, err := strconv.Atoi(c.values[key])
	if err != nil {
		return 0, errors.Wrapf(err, "%s", key)
	}
	return v, nil
}

// Size 解析 256M、1G 这类大小，按 1024 进制
func (c *Config) Size(key string) (int64, error) {
	v, err := units.RAMInBytes(c.values[key])
	if err != nil {
		return 0, errors.Wrapf(err, "%s", key)
	}
	return v, nil
}
