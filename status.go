package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	log "github.com/sirupsen/logrus"

	"systemd-swap/constant"
)

var (
	// swapD 只管理真实分区
	notSwapD = regexp.MustCompile(`zram|file|loop`)
	swapFC   = regexp.MustCompile(`file|loop`)
)

func Status() error {
	if os.Geteuid() != 0 {
		log.Warn("Not root! Some output might be missing.")
	}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return errors.Wrap(err, "open procfs")
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return errors.Wrap(err, "read meminfo")
	}
	var swapUsed uint64
	if mi.SwapTotal != nil && mi.SwapFree != nil {
		swapUsed = (*mi.SwapTotal - *mi.SwapFree) * 1024
	}

	// 使用 tabwriter 对齐输出，每一段单独 flush
	w := tabwriter.NewWriter(os.Stdout, 12, 1, 3, ' ', 0)
	if fi, err := os.Stat(constant.ZswapModule); err == nil && fi.IsDir() {
		if err = printZswap(w, constant.ZswapParameters, constant.ZswapDebugFS, swapUsed, os.Getpagesize()); err != nil {
			log.Warnf("Zswap info inaccessible: %v", err)
		}
	}
	if out, err := exec.Command("zramctl").Output(); err == nil {
		if lines := zramSwapLines(string(out)); len(lines) > 0 {
			fmt.Fprintln(w, "Zram:")
			for _, line := range lines {
				fmt.Fprintf(w, ".\t%s\n", line)
			}
			flush(w)
		}
	}

	swaps, err := fs.Swaps()
	if err != nil {
		return errors.Wrap(err, "read /proc/swaps")
	}
	if fi, err := os.Stat(filepath.Join(constant.WorkDir, "swapd")); err == nil && fi.IsDir() {
		fmt.Fprintln(w, "swapD:")
		printSwaps(w, filterSwaps(swaps, func(line string) bool { return !notSwapD.MatchString(line) }))
	}
	if fi, err := os.Stat(filepath.Join(constant.WorkDir, "swapfc")); err == nil && fi.IsDir() {
		fmt.Fprintln(w, "swapFC:")
		printSwaps(w, filterSwaps(swaps, swapFC.MatchString))
	}
	return nil
}

func flush(w *tabwriter.Writer) {
	if err := w.Flush(); err != nil {
		log.Errorf("Flush error %v", err)
	}
}

// printZswap 输出 zswap 参数以及 debugfs 中的统计信息
func printZswap(w *tabwriter.Writer, paramDir, debugDir string, swapUsed uint64, pageSize int) error {
	params, err := readDir(paramDir)
	if err != nil {
		return err
	}
	stats, err := readDir(debugDir)
	if err != nil {
		return err
	}
	usedBytes, err := strconv.ParseUint(stats["pool_total_size"], 10, 64)
	if err != nil {
		return errors.Wrap(err, "pool_total_size")
	}
	storedPages, err := strconv.ParseUint(stats["stored_pages"], 10, 64)
	if err != nil {
		return errors.Wrap(err, "stored_pages")
	}
	storedBytes := storedPages * uint64(pageSize)

	fmt.Fprintln(w, "Zswap:")
	for _, k := range sortedKeys(params) {
		fmt.Fprintf(w, ".\t%s\t%s\n", k, params[k])
	}
	for _, k := range sortedKeys(stats) {
		fmt.Fprintf(w, ".\t.\t%s\t%s\n", k, stats[k])
	}
	fmt.Fprintf(w, ".\t.\tcompress_ratio\t%d%%\n", compressRatio(usedBytes, storedPages, pageSize))
	if swapUsed > 0 {
		fmt.Fprintf(w, ".\t.\tzswap_store/swap_store\t%d/%d\t%d%%\n",
			storedBytes, swapUsed, storedBytes*100/swapUsed)
	}
	flush(w)
	return nil
}

// compressRatio 压缩池占用的页数与存入页数之比
func compressRatio(usedBytes, storedPages uint64, pageSize int) int {
	if storedPages == 0 {
		return 0
	}
	usedPages := float64(usedBytes) / float64(pageSize)
	return int(usedPages*100/float64(storedPages) + 0.5)
}

// readDir 读取目录下每个普通文件的内容
func readDir(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read dir %s", dir)
	}
	res := make(map[string]string, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			log.Debugf("read %s error %v", e.Name(), err)
			continue
		}
		res[e.Name()] = strings.TrimSpace(string(data))
	}
	return res, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// zramSwapLines 从 zramctl 的输出中挑出表头和用作 swap 的设备，去掉最后的挂载点一列
func zramSwapLines(out string) []string {
	if !strings.Contains(out, "[SWAP]") {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "NAME") && !strings.Contains(line, "[SWAP]") {
			continue
		}
		line = strings.TrimSpace(line)
		line = strings.TrimSuffix(line, "MOUNTPOINT")
		line = strings.TrimSuffix(line, "[SWAP]")
		lines = append(lines, strings.Join(strings.Fields(line), "\t"))
	}
	return lines
}

func filterSwaps(swaps []*procfs.Swap, match func(line string) bool) []*procfs.Swap {
	var res []*procfs.Swap
	for _, s := range swaps {
		if match(s.Filename + " " + s.Type) {
			res = append(res, s)
		}
	}
	return res
}

func printSwaps(w *tabwriter.Writer, swaps []*procfs.Swap) {
	fmt.Fprint(w, ".\tNAME\tTYPE\tSIZE\tUSED\tPRIO\n")
	for _, s := range swaps {
		fmt.Fprintf(w, ".\t%s\t%s\t%s\t%s\t%d\n",
			s.Filename,
			s.Type,
			units.BytesSize(float64(s.Size)*1024),
			units.BytesSize(float64(s.Used)*1024),
			s.Priority)
	}
	flush(w)
}
