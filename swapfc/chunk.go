package swapfc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"systemd-swap/constant"
)

// 每次写入 1MiB 的零
var zeroBurst = make([]byte, mib)

// ChunkPath 第 n 个 chunk 的文件路径
func (c *Controller) ChunkPath(n int) string {
	return filepath.Join(c.cfg.Path, strconv.Itoa(n))
}

// createChunk 准备文件、格式化为 swap 并注册 unit，任何一步失败都会清理掉已经创建的资源
func (c *Controller) createChunk(n int) error {
	what, err := c.prepareFile(c.ChunkPath(n))
	if err != nil {
		return err
	}
	block := isBlockDevice(what)
	rollback := func() {
		if block {
			if err := c.drv.LoopDetach(what); err != nil {
				log.Warnf("swapFC: detach %s error: %v", what, err)
			}
			return
		}
		if err := os.Remove(what); err != nil && !os.IsNotExist(err) {
			log.Warnf("swapFC: remove %s error: %v", what, err)
		}
	}

	if err = c.drv.MakeSwap(what, fmt.Sprintf("SWAP_%s_%d", c.fsType, n)); err != nil {
		rollback()
		return err
	}
	options := "discard"
	if c.cfg.ForcePreallocated {
		options = ""
	}
	prio := c.priority
	if _, err = c.units.Synthesize(what, ChunkTag(n), &prio, options); err != nil {
		rollback()
		return err
	}
	c.priority--

	// 设备已被 swap 占用，detach 只是设置 autoclear，swapoff 之后内核自动释放
	if block {
		if err = c.drv.LoopDetach(what); err != nil {
			log.Warnf("swapFC: detach %s error: %v", what, err)
		}
	}
	return nil
}

// prepareFile 写出 chunk 文件，需要 loop 时返回 loop 设备路径并删除原文件
func (c *Controller) prepareFile(path string) (string, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "remove stale %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, constant.Perm0600)
	if err != nil {
		return "", errors.Wrapf(err, "create %s", path)
	}
	if c.noCOW {
		// 必须在写入数据之前设置
		if err = c.drv.SetNoCOW(path); err != nil {
			f.Close()
			os.Remove(path)
			return "", errors.Wrapf(err, "nocow %s", path)
		}
	}
	if err = fill(f, c.cfg.ChunkSize); err != nil {
		f.Close()
		os.Remove(path)
		return "", errors.Wrapf(err, "fill %s", path)
	}
	if err = f.Close(); err != nil {
		os.Remove(path)
		return "", errors.Wrapf(err, "close %s", path)
	}

	if !c.useLoop {
		return path, nil
	}
	dev, err := c.drv.LoopSetup(path, c.cfg.DirectIO)
	// loop 设备持有文件引用，原路径可以直接删掉
	if rmErr := os.Remove(path); rmErr != nil {
		log.Warnf("swapFC: remove %s error: %v", path, rmErr)
	}
	if err != nil {
		return "", errors.Wrapf(err, "losetup %s", path)
	}
	return dev, nil
}

// fill 以 1MiB 为单位写满 size 字节的零，避免产生稀疏文件
func fill(f *os.File, size int64) error {
	for size > 0 {
		n := min(size, int64(len(zeroBurst)))
		if _, err := f.Write(zeroBurst[:n]); err != nil {
			return err
		}
		size -= n
	}
	return f.Sync()
}

func isBlockDevice(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0
}
