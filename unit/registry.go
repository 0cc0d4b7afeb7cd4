// Package unit 负责生成、发现和删除 systemd 的临时 .swap unit。
//
// 每个 unit 都带有一行 "# Tag=<tag>" 注释，stop 时依靠它只清理属于某个子系统的 unit。
package unit

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"systemd-swap/constant"
	"systemd-swap/driver"
)

// Kind 后端资源类型
type Kind string

const (
	KindFile  Kind = "File"
	KindBlock Kind = "Block/Partition"
)

const (
	// TimeoutSec 防止单个卡住的 swap 一直阻塞 swap.target
	TimeoutSec    = "1h"
	Documentation = "https://github.com/Nefelim4ag/systemd-swap"
	tagPrefix     = "# Tag="
	whatPrefix    = "What="
)

// Descriptor 一个 .swap unit 文件的内容
type Descriptor struct {
	Path     string // unit 文件路径
	Name     string
	What     string
	Kind     Kind
	Tag      string
	Priority *int
	Options  string
}

// ActivationError unit 启动失败
type ActivationError struct {
	Unit string
	Err  error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activate %s: %v", e.Unit, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

type Registry struct {
	drv       driver.Driver
	systemDir string
	scanDirs  []string
}

func NewRegistry(drv driver.Driver, systemDir string, scanDirs ...string) *Registry {
	if len(scanDirs) == 0 {
		scanDirs = []string{systemDir}
	}
	return &Registry{drv: drv, systemDir: systemDir, scanDirs: scanDirs}
}

func DefaultRegistry(drv driver.Driver) *Registry {
	return NewRegistry(drv, constant.SystemUnitDir, constant.SystemUnitDir, constant.GeneratorUnitDir)
}

// Init 创建 unit 目录以及两个 wants 目录
func (r *Registry) Init() error {
	for _, dir := range []string{
		r.systemDir,
		filepath.Join(r.systemDir, constant.SwapTargetWants),
		filepath.Join(r.systemDir, constant.LocalFSWants),
	} {
		if err := os.MkdirAll(dir, constant.Perm0755); err != nil {
			return errors.Wrapf(err, "mkdir %s", dir)
		}
	}
	return nil
}

// Classify 判断后端资源类型，loop 设备只是 swap 文件的中转，仍然按文件处理
func Classify(what string, mode os.FileMode) Kind {
	if mode&os.ModeDevice != 0 && mode&os.ModeCharDevice == 0 {
		if strings.Contains(what, "loop") {
			return KindFile
		}
		return KindBlock
	}
	return KindFile
}

// Render 生成 unit 文件内容
func (d *Descriptor) Render() string {
	var b strings.Builder
	b.WriteString("[Unit]\n")
	fmt.Fprintf(&b, "Description=Swap %s\n", d.Kind)
	fmt.Fprintf(&b, "Documentation=%s\n", Documentation)
	b.WriteString("\n# Generated by systemd-swap\n")
	fmt.Fprintf(&b, "%s%s\n", tagPrefix, d.Tag)
	b.WriteString("\n[Swap]\n")
	fmt.Fprintf(&b, "%s%s\n", whatPrefix, d.What)
	fmt.Fprintf(&b, "TimeoutSec=%s\n", TimeoutSec)
	if d.Priority != nil {
		fmt.Fprintf(&b, "Priority=%d\n", *d.Priority)
	}
	if d.Options != "" {
		fmt.Fprintf(&b, "Options=%s\n", d.Options)
	}
	return b.String()
}

// Synthesize 为 what 生成 unit，挂到 swap.target（文件类型还要挂到 local-fs.target）并启动
func (r *Registry) Synthesize(what, tag string, priority *int, options string) (string, error) {
	canonical, err := filepath.EvalSymlinks(what)
	if err != nil {
		return "", errors.Wrapf(err, "resolve %s", what)
	}
	canonical, err = filepath.Abs(canonical)
	if err != nil {
		return "", errors.Wrapf(err, "abs %s", what)
	}
	fi, err := os.Stat(canonical)
	if err != nil {
		return "", errors.Wrapf(err, "stat %s", canonical)
	}
	name, err := r.drv.EscapePath(canonical)
	if err != nil {
		return "", errors.Wrapf(err, "escape %s", canonical)
	}
	d := &Descriptor{
		Path:     filepath.Join(r.systemDir, name),
		Name:     name,
		What:     canonical,
		Kind:     Classify(canonical, fi.Mode()),
		Tag:      tag,
		Priority: priority,
		Options:  options,
	}
	if err = os.WriteFile(d.Path, []byte(d.Render()), constant.Perm0644); err != nil {
		return "", errors.Wrapf(err, "write unit %s", d.Path)
	}
	// 任何一步失败都不留下半成品 unit
	committed := false
	defer func() {
		if !committed {
			removeDescriptor(d)
		}
	}()
	if err = relativeSymlink(d.Path, filepath.Join(r.systemDir, constant.SwapTargetWants, name)); err != nil {
		return "", err
	}
	// 文件类型的 swap 需要先挂载文件系统
	if d.Kind == KindFile {
		if err = relativeSymlink(d.Path, filepath.Join(r.systemDir, constant.LocalFSWants, name)); err != nil {
			return "", err
		}
	}
	if err = r.drv.DaemonReload(); err != nil {
		return "", errors.Wrap(err, "daemon-reload")
	}
	if err = r.drv.StartUnit(name); err != nil {
		removeDescriptor(d)
		if rerr := r.drv.DaemonReload(); rerr != nil {
			log.Warnf("daemon-reload after failed start of %s: %v", name, rerr)
		}
		return name, &ActivationError{Unit: name, Err: err}
	}
	committed = true
	log.Debugf("started %s for %s (tag %s)", name, canonical, tag)
	return name, nil
}

func relativeSymlink(target, link string) error {
	if err := os.MkdirAll(filepath.Dir(link), constant.Perm0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(link))
	}
	if _, err := os.Lstat(link); err == nil {
		_ = os.Remove(link)
	}
	rel, err := filepath.Rel(filepath.Dir(link), target)
	if err != nil {
		return errors.Wrapf(err, "relative path of %s", target)
	}
	if err = os.Symlink(rel, link); err != nil {
		return errors.Wrapf(err, "symlink %s", link)
	}
	return nil
}

// Discover 递归扫描 unit 目录，只返回真实的 .swap 文件，wants 目录里的链接跳过
func (r *Registry) Discover() ([]string, error) {
	var units []string
	for _, dir := range r.scanDirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		err := godirwalk.Walk(dir, &godirwalk.Options{
			Callback: func(path string, de *godirwalk.Dirent) error {
				if de.IsSymlink() || !de.IsRegular() {
					return nil
				}
				if strings.HasSuffix(path, ".swap") {
					units = append(units, path)
				}
				return nil
			},
			ErrorCallback: func(path string, err error) godirwalk.ErrorAction {
				log.Debugf("walk %s error: %v", path, err)
				return godirwalk.SkipNode
			},
			Unsorted: false,
		})
		if err != nil {
			return units, errors.Wrapf(err, "walk %s", dir)
		}
	}
	return units, nil
}

// Load 解析 unit 文件
func Load(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open unit %s", path)
	}
	defer f.Close()
	d := &Descriptor{Path: path, Name: filepath.Base(path), Kind: KindFile}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, tagPrefix):
			d.Tag = strings.TrimPrefix(line, tagPrefix)
		case strings.HasPrefix(line, whatPrefix):
			d.What = strings.TrimPrefix(line, whatPrefix)
		case strings.HasPrefix(line, "Description=Swap "):
			d.Kind = Kind(strings.TrimPrefix(line, "Description=Swap "))
		case strings.HasPrefix(line, "Priority="):
			var p int
			if _, err := fmt.Sscanf(line, "Priority=%d", &p); err == nil {
				d.Priority = &p
			}
		case strings.HasPrefix(line, "Options="):
			d.Options = strings.TrimPrefix(line, "Options=")
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read unit %s", path)
	}
	return d, nil
}

// ResolveBacking 返回 unit 的 What= 字段
func ResolveBacking(path string) (string, error) {
	d, err := Load(path)
	if err != nil {
		return "", err
	}
	if d.What == "" {
		return "", errors.Errorf("unit %s has no What=", path)
	}
	return d.What, nil
}

// FindTagged 返回 tag 完全匹配的 unit，例如 swapfc_3
func (r *Registry) FindTagged(tag string) ([]*Descriptor, error) {
	return r.find(func(t string) bool { return t == tag })
}

// FindSubsystem 返回属于某个子系统的 unit，例如 "swapfc" 匹配 swapfc 和 swapfc_3
func (r *Registry) FindSubsystem(subsystem string) ([]*Descriptor, error) {
	subsystem = strings.ToLower(subsystem)
	return r.find(func(t string) bool {
		t = strings.ToLower(t)
		return t == subsystem || strings.HasPrefix(t, subsystem+"_")
	})
}

// FindContaining 返回内容包含 marker 的 unit，用于识别其他生成器产生的 unit
func (r *Registry) FindContaining(marker string) ([]*Descriptor, error) {
	paths, err := r.Discover()
	if err != nil {
		return nil, err
	}
	var res []*Descriptor
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil || !strings.Contains(string(data), marker) {
			continue
		}
		d, err := Load(p)
		if err != nil {
			continue
		}
		res = append(res, d)
	}
	return res, nil
}

func (r *Registry) find(match func(tag string) bool) ([]*Descriptor, error) {
	paths, err := r.Discover()
	if err != nil {
		return nil, err
	}
	var res []*Descriptor
	for _, p := range paths {
		d, err := Load(p)
		if err != nil {
			log.Warnf("skip unit %s: %v", p, err)
			continue
		}
		if d.Tag != "" && match(d.Tag) {
			res = append(res, d)
		}
	}
	return res, nil
}

// Deregister 停止 unit（失败时直接 swapoff），删除 unit 文件和链接，
// 后端是仍然存在的普通文件时一并删除
func (r *Registry) Deregister(d *Descriptor) error {
	if err := r.drv.StopUnit(d.Name); err != nil {
		log.Warnf("stop %s error: %v, fall back to swapoff", d.Name, err)
		if err = r.drv.Swapoff(d.What); err != nil {
			return &ActivationError{Unit: d.Name, Err: errors.Wrapf(err, "swapoff %s", d.What)}
		}
	}
	removeDescriptor(d)
	if fi, err := os.Lstat(d.What); err == nil && fi.Mode().IsRegular() {
		if err = os.Remove(d.What); err != nil {
			log.Warnf("Cannot remove %s: %v", d.What, err)
		}
	}
	return nil
}

func removeDescriptor(d *Descriptor) {
	switch err := os.Remove(d.Path); {
	case err == nil:
		log.Infof("Removed %s", d.Path)
	case !os.IsNotExist(err):
		log.Warnf("Cannot remove %s: %v", d.Path, err)
	}
	dir := filepath.Dir(d.Path)
	for _, wants := range []string{constant.SwapTargetWants, constant.LocalFSWants} {
		_ = os.Remove(filepath.Join(dir, wants, d.Name))
	}
}
