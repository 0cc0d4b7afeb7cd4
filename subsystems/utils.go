package subsystems

import (
	"os"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"systemd-swap/unit"
)

// isBlockDevice 测试中会被替换
var isBlockDevice = func(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// deregister 停掉某个子系统创建的全部 unit，单个失败不影响其余 unit，返回找到的 unit 和汇总的错误
func deregister(units *unit.Registry, subsystem string) ([]*unit.Descriptor, error) {
	found, err := units.FindSubsystem(subsystem)
	if err != nil {
		return nil, err
	}
	var errs error
	for _, d := range found {
		if err = units.Deregister(d); err != nil {
			log.Errorf("%s: %v", subsystem, err)
			errs = multierr.Append(errs, err)
		}
	}
	return found, errs
}
