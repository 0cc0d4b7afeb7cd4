package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

func Compression() error {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return errors.Wrap(err, "open procfs")
	}
	algs, err := compressionAlgorithms(fs)
	if err != nil {
		return err
	}
	fmt.Printf("Found loaded compression algorithms: %s\n", strings.Join(algs, ", "))
	return nil
}

// compressionAlgorithms 从 /proc/crypto 中找出压缩算法，同名的不同实现只保留一个
func compressionAlgorithms(fs procfs.FS) ([]string, error) {
	list, err := fs.Crypto()
	if err != nil {
		return nil, errors.Wrap(err, "read /proc/crypto")
	}
	var algs []string
	seen := make(map[string]bool)
	for _, c := range list {
		if c.Type != "compression" && c.Type != "scomp" {
			continue
		}
		if !seen[c.Name] {
			seen[c.Name] = true
			algs = append(algs, c.Name)
		}
	}
	return algs, nil
}
