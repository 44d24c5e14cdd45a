//go:build !windows

package manager

import (
	"bufio"
	"bytes"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/matplo/procorg/internal/principal"
)

// configureSysProcAttr places the child in its own process group so stop
// can signal the whole group (the script plus anything it forked).
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// demote switches the child process image to the owner's identity before
// exec: kernel credentials via SysProcAttr (setgid then setuid ordering is
// handled by the runtime) and the owner's standard login environment.
// The supervising engine keeps its own privileges.
func demote(cmd *exec.Cmd, owner principal.Principal) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{
		Uid: uint32(owner.UID),
		Gid: uint32(owner.GID),
	}
	home := owner.HomeDir
	if home == "" {
		home = "/"
	}
	env := make([]string, 0, len(cmd.Env)+4)
	for _, kv := range cmd.Env {
		k := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k = kv[:i]
		}
		switch k {
		case "HOME", "USER", "LOGNAME", "SHELL":
			continue
		}
		env = append(env, kv)
	}
	env = append(env,
		"HOME="+home,
		"USER="+owner.Username,
		"LOGNAME="+owner.Username,
		"SHELL="+loginShell(owner.Username),
	)
	cmd.Env = env
}

// loginShell reads the user's shell from the system account database.
func loginShell(username string) string {
	if line, ok := passwdEntry(username); ok && len(line) > 6 && line[6] != "" {
		return line[6]
	}
	return "/bin/sh"
}

// passwdEntry returns the colon-split /etc/passwd line for username.
func passwdEntry(username string) ([]string, bool) {
	b, err := os.ReadFile("/etc/passwd")
	if err != nil {
		return nil, false
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		fields := strings.Split(sc.Text(), ":")
		if len(fields) >= 7 && fields[0] == username {
			return fields, true
		}
	}
	return nil, false
}

// diedBySignal reports whether the reaped child was killed by one of the
// termination signals the stop path sends. A sibling engine instance may
// have issued the stop, so this is checked even when no local stop request
// was recorded.
func diedBySignal(cmd *exec.Cmd) bool {
	if cmd.ProcessState == nil {
		return false
	}
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}
	return ws.Signaled() && (ws.Signal() == syscall.SIGTERM || ws.Signal() == syscall.SIGKILL)
}

// signalGroup sends sig to the child's process group.
func signalGroup(pid int, sig syscall.Signal) error {
	return unix.Kill(-pid, sig)
}

// pidAlive probes whether pid refers to a live, non-zombie process.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil {
		return false
	}
	return !isZombie(pid)
}

// isZombie reports whether /proc/<pid>/status shows a zombie state. On
// systems without procfs the check degrades to "not a zombie".
func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
