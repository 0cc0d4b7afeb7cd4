package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestParse(t *testing.T) {
	in := `
# comment
zswap_enabled=0
  swapfc_chunk_size = 512M
not a pair
swapfc_path=/var/lib/a=b
`
	values, err := Parse(bufio.NewScanner(strings.NewReader(in)))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"zswap_enabled":     "0",
		"swapfc_chunk_size": "512M",
		"swapfc_path":       "/var/lib/a=b",
	}, values)
}

func TestLoadPrecedence(t *testing.T) {
	root := t.TempDir()
	src := Sources{
		DefaultFile: filepath.Join(root, "usr/share/swap-default.conf"),
		MainFile:    filepath.Join(root, "etc/swap.conf"),
		DropInDirs: []string{
			filepath.Join(root, "usr/lib/swap.conf.d"),
			filepath.Join(root, "run/swap.conf.d"),
			filepath.Join(root, "etc/swap.conf.d"),
		},
	}
	writeFile(t, src.DefaultFile, "swapfc_frequency=2\nswapfc_max_count=8\nswapfc_min_count=1\n")
	writeFile(t, src.MainFile, "swapfc_frequency=3\n")
	writeFile(t, filepath.Join(src.DropInDirs[0], "10-a.conf"), "swapfc_max_count=9\nswapfc_priority=7\n")
	// 同名片段以 /etc 为准，/usr/lib 中的版本被忽略
	writeFile(t, filepath.Join(src.DropInDirs[2], "10-a.conf"), "swapfc_max_count=10\n")
	writeFile(t, filepath.Join(src.DropInDirs[1], "20-b.conf"), "swapfc_max_count=11\n")
	writeFile(t, filepath.Join(src.DropInDirs[1], "ignored.txt"), "swapfc_max_count=99\n")

	cfg, err := Load(src, 8<<30)
	require.NoError(t, err)

	fc, err := cfg.SwapFc()
	require.NoError(t, err)
	assert.Equal(t, 3, fc.Frequency)
	assert.Equal(t, 11, fc.MaxCount, "20-b.conf applied after 10-a.conf")
	assert.Equal(t, 1, fc.MinCount)
	assert.Equal(t, 50, fc.Priority, "overridden 10-a.conf from /usr/lib is dropped")
	assert.Equal(t, int64(256<<20), fc.ChunkSize)
	assert.Equal(t, "/var/lib/systemd-swap/swapfc", fc.Path)
}

func TestLoadExpandsShell(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	cfg, err := Load(Sources{}, 4<<30)
	require.NoError(t, err)
	zram, err := cfg.Zram()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), zram.Size)
	assert.GreaterOrEqual(t, zram.Count, 1)
}

func TestBool(t *testing.T) {
	cfg := FromMap(map[string]string{"a": "Yes", "b": "1", "c": "true", "d": "0", "e": "no", "f": ""})
	for key, want := range map[string]bool{"a": true, "b": true, "c": true, "d": false, "e": false, "f": false} {
		assert.Equal(t, want, cfg.Bool(key), key)
	}
}

func TestSwapFcErrors(t *testing.T) {
	_, err := FromMap(map[string]string{"swapfc_frequency": "often"}).SwapFc()
	assert.Error(t, err)

	_, err = FromMap(map[string]string{"swapfc_chunk_size": "lots"}).SwapFc()
	assert.Error(t, err)

	_, err = FromMap(map[string]string{"swapfc_path": "/"}).SwapFc()
	assert.Error(t, err)
}

func TestTypedViews(t *testing.T) {
	cfg := FromMap(map[string]string{
		"zram_size":  "1G",
		"zram_count": "0",
		"swapd_prio": "100",
	})
	zram, err := cfg.Zram()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), zram.Size)
	assert.Equal(t, 1, zram.Count)
	assert.Equal(t, 32767, zram.Prio)

	sd, err := cfg.SwapD()
	require.NoError(t, err)
	assert.True(t, sd.AutoSwapon)
	assert.Equal(t, 100, sd.Prio)

	zs := cfg.Zswap()
	assert.True(t, zs.Enabled)
	assert.Equal(t, "lz4", zs.Compressor)
	assert.Equal(t, "25", zs.MaxPoolPercent)
	assert.Equal(t, "z3fold", zs.Zpool)
}
