//go:build unix

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonProcess puts picalad in its own process group so it
// outlives the shell that ran 'picala start'
func configureDaemonProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
