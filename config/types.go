package config

import (
	"strings"

	"github.com/pkg/errors"
)

// SwapFc swapFC 的配置，范围校验由控制器在构造时完成
type SwapFc struct {
	Enabled            bool
	Path               string
	ChunkSize          int64
	Frequency          int
	MaxCount           int
	MinCount           int
	FreeRAMPerc        int
	FreeSwapPerc       int
	RemoveFreeSwapPerc int
	Priority           int
	ForceUseLoop       bool
	NoCOW              bool
	DirectIO           bool
	ForcePreallocated  bool
	MetricsFile        string
}

type Zswap struct {
	Enabled        bool
	Compressor     string
	MaxPoolPercent string
	Zpool          string
}

type Zram struct {
	Enabled bool
	Size    int64
	Count   int
	Alg     string
	Prio    int
}

type SwapD struct {
	AutoSwapon bool
	Prio       int
}

// ints 依次解析多个整数键，遇到第一个错误就返回
type ints struct {
	c   *Config
	err error
}

func (p *ints) get(key string) int {
	if p.err != nil {
		return 0
	}
	v, err := p.c.Int(key)
	p.err = err
	return v
}

func (c *Config) SwapFc() (SwapFc, error) {
	p := &ints{c: c}
	cfg := SwapFc{
		Enabled:            c.Bool("swapfc_enabled"),
		Path:               strings.TrimRight(c.String("swapfc_path"), "/"),
		Frequency:          p.get("swapfc_frequency"),
		MaxCount:           p.get("swapfc_max_count"),
		MinCount:           p.get("swapfc_min_count"),
		FreeRAMPerc:        p.get("swapfc_free_ram_perc"),
		FreeSwapPerc:       p.get("swapfc_free_swap_perc"),
		RemoveFreeSwapPerc: p.get("swapfc_remove_free_swap_perc"),
		Priority:           p.get("swapfc_priority"),
		ForceUseLoop:       c.Bool("swapfc_force_use_loop"),
		NoCOW:              c.Bool("swapfc_nocow"),
		DirectIO:           c.Bool("swapfc_directio"),
		ForcePreallocated:  c.Bool("swapfc_force_preallocated"),
		MetricsFile:        c.String("swapfc_metrics_file"),
	}
	if p.err != nil {
		return cfg, p.err
	}
	if cfg.Path == "" {
		return cfg, errors.New("swapfc_path is empty")
	}
	size, err := c.Size("swapfc_chunk_size")
	if err != nil {
		return cfg, err
	}
	cfg.ChunkSize = size
	return cfg, nil
}

func (c *Config) Zswap() Zswap {
	return Zswap{
		Enabled:        c.Bool("zswap_enabled"),
		Compressor:     c.String("zswap_compressor"),
		MaxPoolPercent: c.String("zswap_max_pool_percent"),
		Zpool:          c.String("zswap_zpool"),
	}
}

func (c *Config) Zram() (Zram, error) {
	p := &ints{c: c}
	cfg := Zram{
		Enabled: c.Bool("zram_enabled"),
		Alg:     c.String("zram_alg"),
		Count:   p.get("zram_count"),
		Prio:    p.get("zram_prio"),
	}
	if p.err != nil {
		return cfg, p.err
	}
	size, err := c.Size("zram_size")
	if err != nil {
		return cfg, err
	}
	cfg.Size = size
	if cfg.Count < 1 {
		cfg.Count = 1
	}
	return cfg, nil
}

func (c *Config) SwapD() (SwapD, error) {
	prio, err := c.Int("swapd_prio")
	return SwapD{AutoSwapon: c.Bool("swapd_auto_swapon"), Prio: prio}, err
}
