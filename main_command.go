package main

import (
	"github.com/urfave/cli"
)

var startCommand = cli.Command{
	Name: "start",
	Usage: `Start the daemon: set up zswap/zram, activate swap devices and run swapFC
			systemd-swap start`,
	/*
		1. 检查是否已有实例在运行，并清理上一次没有正常退出留下的资源
		2. 创建 token，依次启动各个子系统
		3. swapFC 启用时一直运行，直到收到 SIGTERM 或者 stop 拿走 baton
	*/
	Action: func(context *cli.Context) error {
		return Start()
	},
}

var stopCommand = cli.Command{
	Name:  "stop",
	Usage: "Stop the daemon and remove every swap unit it created",
	Action: func(context *cli.Context) error {
		if err := requireRoot(); err != nil {
			return err
		}
		env, err := newEnv()
		if err != nil {
			return err
		}
		return Stop(env, false)
	},
}

var statusCommand = cli.Command{
	Name:  "status",
	Usage: "Show zswap, zram, swapD and swapFC status",
	Action: func(context *cli.Context) error {
		return Status()
	},
}

var compressionCommand = cli.Command{
	Name:  "compression",
	Usage: "List the compression algorithms loaded in the kernel",
	Action: func(context *cli.Context) error {
		return Compression()
	},
}
