// Package singleton 保证同一时刻只有一个 systemd-swap 实例在管理 swap。
//
// token 是运行时目录下的一个锁文件：文件是否存在表示 "已创建"，文件里记录创建者的 PID，
// 文件上的 flock 则作为接力棒，swapFC 循环在空闲等待前放下它，等待结束后再尝试拿回。
// stop 拿走接力棒之后，循环的下一次尝试就会失败并退出。
package singleton

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"systemd-swap/constant"
)

var ErrAlreadyRunning = errors.New("already running")

const retryDelay = 100 * time.Millisecond

type Token struct {
	path string
	lock *flock.Flock
}

// Create 原子地创建 token，创建者直接持有接力棒
func Create(path string) (*Token, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, constant.Perm0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrapf(ErrAlreadyRunning, "token %s exists", path)
		}
		return nil, errors.Wrapf(err, "create token %s", path)
	}
	_, err = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, errors.Wrapf(err, "write token %s", path)
	}
	t := newToken(path)
	ok, err := t.lock.TryLock()
	if err != nil || !ok {
		_ = os.Remove(path)
		if err == nil {
			err = ErrAlreadyRunning
		}
		return nil, errors.Wrapf(err, "lock token %s", path)
	}
	return t, nil
}

// Open 打开已存在的 token，不存在时返回的错误满足 os.IsNotExist
func Open(path string) (*Token, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return newToken(path), nil
}

// 不带 O_CREATE 打开，token 被删除后不会被加锁操作重新创建出来
func newToken(path string) *Token {
	return &Token{path: path, lock: flock.New(path, flock.SetFlag(os.O_RDONLY))}
}

func (t *Token) Path() string {
	return t.path
}

// TryAcquire 非阻塞地拿接力棒
func (t *Token) TryAcquire() (bool, error) {
	if t.lock.Locked() {
		return true, nil
	}
	ok, err := t.lock.TryLock()
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return ok, err
}

// Acquire 最多等待 timeout，超时返回 false 和 nil
func (t *Token) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	if t.lock.Locked() {
		return true, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := t.lock.TryLockContext(ctx, retryDelay)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return false, nil
	}
	return ok, err
}

func (t *Token) Release() error {
	if !t.lock.Locked() {
		return nil
	}
	return t.lock.Unlock()
}

// Remove 释放锁并删除 token 文件
func (t *Token) Remove() error {
	if err := t.lock.Close(); err != nil {
		return errors.Wrapf(err, "close token %s", t.path)
	}
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove token %s", t.path)
	}
	return nil
}

// Owner 返回 token 记录的 PID 以及该进程是否仍然存活（并且还是同一个程序），token 不存在或内容损坏时 pid 为 0
func Owner(path string) (pid int, alive bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if err = unix.Kill(pid, 0); err != nil && err != unix.EPERM {
		return pid, false
	}
	return pid, sameProgram(pid)
}

// sameProgram PID 可能已被其它程序复用，比较进程名；读不到时按存活处理
func sameProgram(pid int) bool {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return true
	}
	self, err := fs.Self()
	if err != nil {
		return true
	}
	want, err := self.Comm()
	if err != nil {
		return true
	}
	p, err := fs.Proc(pid)
	if err != nil {
		return true
	}
	got, err := p.Comm()
	if err != nil {
		return true
	}
	return got == want
}

// HeldByOther 判断是否有另一个存活的进程持有 token
func HeldByOther(path string) (int, bool) {
	pid, alive := Owner(path)
	return pid, alive && pid != os.Getpid()
}
