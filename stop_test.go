package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"systemd-swap/config"
	"systemd-swap/driver"
	"systemd-swap/driver/drivertest"
	"systemd-swap/restore"
	"systemd-swap/singleton"
	"systemd-swap/subsystems"
	"systemd-swap/unit"
)

type stopEnv struct {
	env     *subsystems.Env
	drv     *drivertest.Fake
	work    string
	token   string
	swapDir string
}

func newStopEnv(t *testing.T) *stopEnv {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	drv := drivertest.New()
	systemDir := filepath.Join(root, "system")
	reg := unit.NewRegistry(drv, systemDir)
	require.NoError(t, reg.Init())
	work := filepath.Join(root, "run", "swap")
	swapDir := filepath.Join(root, "swapfc")
	require.NoError(t, os.MkdirAll(swapDir, 0755))
	return &stopEnv{
		env: &subsystems.Env{
			Config: config.FromMap(map[string]string{"swapfc_path": swapDir}),
			Driver: drv,
			Units:  reg,
			Store:  restore.NewStore(filepath.Join(work, "destroy_info.json"), work),
		},
		drv:     drv,
		work:    work,
		token:   filepath.Join(work, ".lock"),
		swapDir: swapDir,
	}
}

func (s *stopEnv) activate(t *testing.T, name, tag string) string {
	t.Helper()
	p := filepath.Join(s.swapDir, name)
	require.NoError(t, os.WriteFile(p, make([]byte, 4096), 0600))
	_, err := s.env.Units.Synthesize(p, tag, nil, "")
	require.NoError(t, err)
	return p
}

func TestStopWithoutToken(t *testing.T) {
	s := newStopEnv(t)
	chunk := s.activate(t, "1", "swapfc_1")

	require.NoError(t, stopAt(s.env, s.token, s.work, false))
	assert.NoFileExists(t, chunk)
	assert.NoFileExists(t, s.token)
	assert.NoDirExists(t, s.work)
	assert.NotContains(t, s.drv.Notified, driver.NotifyStopping)

	found, err := s.env.Units.FindSubsystem("swapfc")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestStopTakesBaton(t *testing.T) {
	s := newStopEnv(t)
	require.NoError(t, os.MkdirAll(s.work, 0755))
	running, err := singleton.Create(s.token)
	require.NoError(t, err)
	// 模拟 swapFC 处于空闲等待
	require.NoError(t, running.Release())
	require.NoError(t, s.env.Store.MarkEngaged("swapfc"))
	s.activate(t, "1", "swapfc_1")
	s.activate(t, "sda2", "swapd")

	require.NoError(t, stopAt(s.env, s.token, s.work, false))
	assert.Contains(t, s.drv.Notified, driver.NotifyStopping)
	assert.Len(t, s.drv.Stopped, 2)
	assert.NoFileExists(t, s.token)
	assert.NoDirExists(t, s.work)

	// 被拿走 baton 的一方再也拿不回来
	ok, err := running.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStopOnInitRemovesStaleToken(t *testing.T) {
	s := newStopEnv(t)
	require.NoError(t, os.MkdirAll(s.work, 0755))
	stale, err := singleton.Create(s.token)
	require.NoError(t, err)
	require.NoError(t, stale.Release())
	leftover := filepath.Join(s.swapDir, "3")
	require.NoError(t, os.WriteFile(leftover, nil, 0600))

	require.NoError(t, stopAt(s.env, s.token, s.work, true))
	assert.NotContains(t, s.drv.Notified, driver.NotifyStopping)
	assert.NoFileExists(t, s.token)
	assert.NoFileExists(t, leftover)

	_, err = singleton.Create(s.token)
	assert.Error(t, err, "work dir is gone, start recreates it before creating the token")
	require.NoError(t, os.MkdirAll(s.work, 0755))
	_, err = singleton.Create(s.token)
	assert.NoError(t, err)
}

func (s *stopEnv) stuck(t *testing.T, path string) {
	t.Helper()
	name, err := s.drv.EscapePath(path)
	require.NoError(t, err)
	s.drv.StopErr[name] = errors.New("unit busy")
	s.drv.SwapoffErr = errors.New("device busy")
}

func TestStopReportsIncompleteTeardown(t *testing.T) {
	s := newStopEnv(t)
	s.stuck(t, s.activate(t, "sda2", "swapd"))
	chunk := s.activate(t, "1", "swapfc_1")

	err := stopAt(s.env, s.token, s.work, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop incomplete")

	// 失败之后的步骤照常执行
	assert.NoFileExists(t, chunk)
	assert.NoFileExists(t, s.token)
	assert.NoDirExists(t, s.work)
}

func TestStopOnInitToleratesIncompleteTeardown(t *testing.T) {
	s := newStopEnv(t)
	s.stuck(t, s.activate(t, "sda2", "swapd"))

	require.NoError(t, stopAt(s.env, s.token, s.work, true))
	assert.NoFileExists(t, s.token)
}
