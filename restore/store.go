// Package restore 在修改内核参数之前保存原值，并在 stop 时写回。
package restore

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"systemd-swap/constant"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Param 一个可调参数的路径以及修改前的值
type Param struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

// Snapshot 按采集顺序保存参数原值
type Snapshot struct {
	Params []Param `json:"params"`
}

// Capture 依次读取每个参数，必须在任何修改之前调用
func Capture(paths []string) (*Snapshot, error) {
	snap := &Snapshot{Params: make([]Param, 0, len(paths))}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", p)
		}
		snap.Params = append(snap.Params, Param{Path: p, Value: string(data)})
	}
	return snap, nil
}

// CaptureDir 采集目录下所有普通文件，例如 /sys/module/zswap/parameters
func CaptureDir(dir string) (*Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read dir %s", dir)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return Capture(paths)
}

// Merge 把 other 中还没有出现过的参数追加进来，已有的保持第一次采集的值
func (s *Snapshot) Merge(other *Snapshot) {
	if other == nil {
		return
	}
	seen := make(map[string]bool, len(s.Params))
	for _, p := range s.Params {
		seen[p.Path] = true
	}
	for _, p := range other.Params {
		if !seen[p.Path] {
			s.Params = append(s.Params, p)
			seen[p.Path] = true
		}
	}
}

func (s *Snapshot) Get(path string) (string, bool) {
	for _, p := range s.Params {
		if p.Path == path {
			return p.Value, true
		}
	}
	return "", false
}

// Restore 把每个参数写回原值，单个参数失败不影响其余参数
func (s *Snapshot) Restore() error {
	var errs error
	for _, p := range s.Params {
		if err := os.WriteFile(p.Path, []byte(p.Value), constant.Perm0644); err != nil {
			log.Warnf("restore %s error: %v", p.Path, err)
			errs = multierr.Append(errs, errors.Wrapf(err, "restore %s", p.Path))
		}
	}
	return errs
}

// Store 负责快照的持久化以及 "本次运行确实启用过" 的标记
type Store struct {
	path    string
	workDir string
}

func NewStore(path, workDir string) *Store {
	return &Store{path: path, workDir: workDir}
}

func DefaultStore() *Store {
	return NewStore(constant.DestroyInfoPath, constant.WorkDir)
}

// Persist 覆盖写入，先写临时文件再 rename
func (st *Store) Persist(snap *Snapshot) error {
	if snap == nil {
		snap = &Snapshot{}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	if err = os.MkdirAll(filepath.Dir(st.path), constant.Perm0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(st.path))
	}
	tmp := st.path + ".tmp"
	if err = os.WriteFile(tmp, data, constant.Perm0600); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err = os.Rename(tmp, st.path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return nil
}

// Load 文件不存在、不可读或者内容损坏时都返回 nil
func (st *Store) Load() *Snapshot {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("read destroy info %s error: %v", st.path, err)
		}
		return nil
	}
	snap := new(Snapshot)
	if err = json.Unmarshal(data, snap); err != nil {
		log.Warnf("destroy info %s is corrupt: %v", st.path, err)
		return nil
	}
	return snap
}

// Discard 恢复完成后删除快照文件
func (st *Store) Discard() error {
	if err := os.Remove(st.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", st.path)
	}
	return nil
}

func (st *Store) markerPath(feature string) string {
	return filepath.Join(st.workDir, strings.ToLower(feature))
}

// MarkEngaged 在运行时目录下创建子目录，表示该功能本次运行已经修改过参数
func (st *Store) MarkEngaged(feature string) error {
	return os.MkdirAll(st.markerPath(feature), constant.Perm0755)
}

func (st *Store) Engaged(feature string) bool {
	fi, err := os.Stat(st.markerPath(feature))
	return err == nil && fi.IsDir()
}
