package unit

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"systemd-swap/constant"
	"systemd-swap/driver/drivertest"
)

func newTestRegistry(t *testing.T) (*Registry, *drivertest.Fake, string) {
	t.Helper()
	root := t.TempDir()
	systemDir := filepath.Join(root, "system")
	generatorDir := filepath.Join(root, "generator")
	drv := drivertest.New()
	r := NewRegistry(drv, systemDir, systemDir, generatorDir)
	require.NoError(t, r.Init())
	return r, drv, root
}

func backingFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, make([]byte, 4096), 0600))
	canonical, err := filepath.EvalSymlinks(p)
	require.NoError(t, err)
	return canonical
}

func intp(v int) *int { return &v }

func TestSynthesizeFile(t *testing.T) {
	r, drv, root := newTestRegistry(t)
	what := backingFile(t, root, "1")

	name, err := r.Synthesize(what, "swapfc_1", intp(50), "discard")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(name, ".swap"))
	assert.Equal(t, []string{name}, drv.Started)
	assert.Equal(t, 1, drv.Reloads)

	unitPath := filepath.Join(r.systemDir, name)
	data, err := os.ReadFile(unitPath)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "Description=Swap File\n")
	assert.Contains(t, content, "# Tag=swapfc_1\n")
	assert.Contains(t, content, "What="+what+"\n")
	assert.Contains(t, content, "TimeoutSec=1h\n")
	assert.Contains(t, content, "Priority=50\n")
	assert.Contains(t, content, "Options=discard\n")

	for _, wants := range []string{constant.SwapTargetWants, constant.LocalFSWants} {
		link := filepath.Join(r.systemDir, wants, name)
		target, err := os.Readlink(link)
		require.NoError(t, err, wants)
		assert.False(t, filepath.IsAbs(target), "link must be relative")
		assert.Equal(t, filepath.Join("..", name), target)
	}
}

func TestSynthesizeOptionalFields(t *testing.T) {
	r, _, root := newTestRegistry(t)
	what := backingFile(t, root, "dev")

	name, err := r.Synthesize(what, "swapd", nil, "")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(r.systemDir, name))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Priority=")
	assert.NotContains(t, string(data), "Options=")
}

func TestSynthesizeResolvesSymlink(t *testing.T) {
	r, _, root := newTestRegistry(t)
	what := backingFile(t, root, "real")
	link := filepath.Join(root, "alias")
	require.NoError(t, os.Symlink(what, link))

	name, err := r.Synthesize(link, "swapd", nil, "")
	require.NoError(t, err)
	backing, err := ResolveBacking(filepath.Join(r.systemDir, name))
	require.NoError(t, err)
	assert.Equal(t, what, backing)
}

func TestSynthesizeActivationFailure(t *testing.T) {
	r, drv, root := newTestRegistry(t)
	what := backingFile(t, root, "1")
	name, _ := drv.EscapePath(what)
	drv.StartErr[name] = errors.New("unit failed")

	_, err := r.Synthesize(what, "swapfc_1", nil, "")
	require.Error(t, err)
	var actErr *ActivationError
	require.True(t, errors.As(err, &actErr))
	assert.Equal(t, name, actErr.Unit)

	units, err := r.Discover()
	require.NoError(t, err)
	assert.Empty(t, units, "failed unit must not be left behind")
	_, err = os.Lstat(filepath.Join(r.systemDir, constant.SwapTargetWants, name))
	assert.True(t, os.IsNotExist(err))
}

func TestSynthesizeReloadFailureLeavesNothing(t *testing.T) {
	r, drv, root := newTestRegistry(t)
	what := backingFile(t, root, "1")
	name, _ := drv.EscapePath(what)
	drv.ReloadErr = errors.New("bus unavailable")

	_, err := r.Synthesize(what, "swapfc_1", intp(50), "discard")
	require.Error(t, err)
	var actErr *ActivationError
	assert.False(t, errors.As(err, &actErr))
	assert.Empty(t, drv.Started)

	units, err := r.Discover()
	require.NoError(t, err)
	assert.Empty(t, units)
	for _, wants := range []string{constant.SwapTargetWants, constant.LocalFSWants} {
		_, err = os.Lstat(filepath.Join(r.systemDir, wants, name))
		assert.True(t, os.IsNotExist(err), wants)
	}
	found, err := r.FindTagged("swapfc_1")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindFile, Classify("/var/lib/swap/1", 0600))
	assert.Equal(t, KindBlock, Classify("/dev/sda2", os.ModeDevice|0660))
	assert.Equal(t, KindFile, Classify("/dev/loop0", os.ModeDevice|0660))
	assert.Equal(t, KindFile, Classify("/dev/tty0", os.ModeDevice|os.ModeCharDevice|0620))
}

func TestDiscoverSkipsSymlinks(t *testing.T) {
	r, _, root := newTestRegistry(t)
	for i, tag := range []string{"swapfc_1", "swapfc_2"} {
		_, err := r.Synthesize(backingFile(t, root, string(rune('a'+i))), tag, nil, "")
		require.NoError(t, err)
	}
	// 生成器目录下的 unit 也要被发现
	gen := filepath.Join(root, "generator", "nested")
	require.NoError(t, os.MkdirAll(gen, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(gen, "dev-sdb1.swap"),
		[]byte("# Automatically generated by systemd-gpt-auto-generator\n[Swap]\nWhat=/dev/sdb1\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(gen, "other.mount"), []byte(""), 0644))

	units, err := r.Discover()
	require.NoError(t, err)
	assert.Len(t, units, 3)
	for _, u := range units {
		fi, err := os.Lstat(u)
		require.NoError(t, err)
		assert.True(t, fi.Mode().IsRegular(), u)
	}

	gpt, err := r.FindContaining("systemd-gpt-auto-generator")
	require.NoError(t, err)
	require.Len(t, gpt, 1)
	assert.Equal(t, "/dev/sdb1", gpt[0].What)
}

func TestFindTaggedExact(t *testing.T) {
	r, _, root := newTestRegistry(t)
	for i := 1; i <= 11; i++ {
		_, err := r.Synthesize(backingFile(t, root, "chunk"+strconv.Itoa(i)), "swapfc_"+strconv.Itoa(i), nil, "")
		require.NoError(t, err)
	}
	_, err := r.Synthesize(backingFile(t, root, "z"), "zram", nil, "")
	require.NoError(t, err)

	found, err := r.FindTagged("swapfc_1")
	require.NoError(t, err)
	require.Len(t, found, 1, "swapfc_1 must not match swapfc_10 or swapfc_11")
	assert.Equal(t, "swapfc_1", found[0].Tag)

	all, err := r.FindSubsystem("swapFC")
	require.NoError(t, err)
	assert.Len(t, all, 11)

	zram, err := r.FindSubsystem("Zram")
	require.NoError(t, err)
	assert.Len(t, zram, 1)
}

func TestLoad(t *testing.T) {
	d := &Descriptor{What: "/dev/sda2", Kind: KindBlock, Tag: "swapd", Priority: intp(-3), Options: "discard"}
	path := filepath.Join(t.TempDir(), "dev-sda2.swap")
	require.NoError(t, os.WriteFile(path, []byte(d.Render()), 0644))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dev-sda2.swap", got.Name)
	assert.Equal(t, KindBlock, got.Kind)
	assert.Equal(t, "swapd", got.Tag)
	assert.Equal(t, "/dev/sda2", got.What)
	require.NotNil(t, got.Priority)
	assert.Equal(t, -3, *got.Priority)
	assert.Equal(t, "discard", got.Options)

	_, err = ResolveBacking(filepath.Join(t.TempDir(), "missing.swap"))
	assert.Error(t, err)
}

func TestDeregister(t *testing.T) {
	r, drv, root := newTestRegistry(t)
	what := backingFile(t, root, "1")
	name, err := r.Synthesize(what, "swapfc_1", nil, "")
	require.NoError(t, err)

	found, err := r.FindTagged("swapfc_1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.NoError(t, r.Deregister(found[0]))

	assert.Equal(t, []string{name}, drv.Stopped)
	assert.Empty(t, drv.Swapoffs)
	_, err = os.Stat(what)
	assert.True(t, os.IsNotExist(err), "backing file removed")
	units, err := r.Discover()
	require.NoError(t, err)
	assert.Empty(t, units)
	_, err = os.Lstat(filepath.Join(r.systemDir, constant.LocalFSWants, name))
	assert.True(t, os.IsNotExist(err))
}

func TestDeregisterFallsBackToSwapoff(t *testing.T) {
	r, drv, root := newTestRegistry(t)
	what := backingFile(t, root, "1")
	name, err := r.Synthesize(what, "swapfc_1", nil, "")
	require.NoError(t, err)
	drv.StopErr[name] = errors.New("stop failed")

	d, err := Load(filepath.Join(r.systemDir, name))
	require.NoError(t, err)
	require.NoError(t, r.Deregister(d))
	assert.Equal(t, []string{what}, drv.Swapoffs)

	drv.SwapoffErr = errors.New("swapoff failed")
	what2 := backingFile(t, root, "2")
	name2, err := r.Synthesize(what2, "swapfc_2", nil, "")
	require.NoError(t, err)
	drv.StopErr[name2] = errors.New("stop failed")
	d2, err := Load(filepath.Join(r.systemDir, name2))
	require.NoError(t, err)
	err = r.Deregister(d2)
	var actErr *ActivationError
	assert.True(t, errors.As(err, &actErr))
	_, err = os.Stat(what2)
	assert.NoError(t, err, "backing file kept when deactivation failed")
}
