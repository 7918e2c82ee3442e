//go:build windows

package runner

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modshell32         = windows.NewLazySystemDLL("shell32.dll")
	procShellExecuteEx = modshell32.NewProc("ShellExecuteExW")
)

const (
	seeMaskNoCloseProcess = 0x00000040
	seeMaskNoAsync        = 0x00000100
	seeMaskFlagNoUI       = 0x00000400
)

type shellExecuteInfo struct {
	cbSize         uint32
	fMask          uint32
	hwnd           windows.Handle
	lpVerb         *uint16
	lpFile         *uint16
	lpParameters   *uint16
	lpDirectory    *uint16
	nShow          int32
	hInstApp       windows.Handle
	lpIDList       uintptr
	lpClass        *uint16
	hkeyClass      windows.Handle
	dwHotKey       uint32
	hIconOrMonitor windows.Handle
	hProcess       windows.Handle
}

// start runs the installer directly when the process already holds an
// elevated token. Otherwise it goes through ShellExecuteEx with the "runas"
// verb so UAC prompts the user, keeping the installer's own process handle
// so it can be waited on and terminated.
func (r *Runner) start(path string, args []string) (child, bool, error) {
	if windows.GetCurrentProcessToken().IsElevated() {
		cmd := exec.Command(path, args...)
		if err := cmd.Start(); err != nil {
			return nil, false, err
		}
		return &killChild{execChild{cmd: cmd}}, false, nil
	}

	h, err := shellExecuteRunAs(path, args)
	if err != nil {
		return nil, false, err
	}
	return &handleChild{h: h}, true, nil
}

func shellExecuteRunAs(path string, args []string) (windows.Handle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return 0, err
	}

	info := &shellExecuteInfo{
		fMask:        seeMaskNoCloseProcess | seeMaskNoAsync | seeMaskFlagNoUI,
		lpVerb:       windows.StringToUTF16Ptr("runas"),
		lpFile:       windows.StringToUTF16Ptr(abs),
		lpParameters: windows.StringToUTF16Ptr(cmdLine(args)),
		lpDirectory:  windows.StringToUTF16Ptr(wd),
		nShow:        windows.SW_HIDE,
	}
	info.cbSize = uint32(unsafe.Sizeof(*info))

	ret, _, callErr := procShellExecuteEx.Call(uintptr(unsafe.Pointer(info)))
	if ret == 0 {
		return 0, fmt.Errorf("ShellExecuteEx runas %s: %w", abs, callErr)
	}
	if info.hProcess == 0 {
		return 0, fmt.Errorf("ShellExecuteEx runas %s: no process handle", abs)
	}
	return info.hProcess, nil
}

func cmdLine(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = syscall.EscapeArg(a)
	}
	return strings.Join(quoted, " ")
}

// killChild is a directly started installer; Windows has no polite stop
// for it, so both requests terminate.
type killChild struct {
	execChild
}

func (c *killChild) Interrupt() error { return c.cmd.Process.Kill() }
func (c *killChild) Kill() error      { return c.cmd.Process.Kill() }

// handleChild is an installer started through UAC, tracked by its process
// handle.
type handleChild struct {
	h windows.Handle
}

func (c *handleChild) Pid() int {
	pid, err := windows.GetProcessId(c.h)
	if err != nil {
		return 0
	}
	return int(pid)
}

func (c *handleChild) Wait() (int, error) {
	defer windows.CloseHandle(c.h)

	event, err := windows.WaitForSingleObject(c.h, windows.INFINITE)
	if event != windows.WAIT_OBJECT_0 {
		return -1, fmt.Errorf("WaitForSingleObject: %v", err)
	}
	var code uint32
	if err := windows.GetExitCodeProcess(c.h, &code); err != nil {
		return -1, err
	}
	return int(code), nil
}

func (c *handleChild) Interrupt() error { return c.terminate() }
func (c *handleChild) Kill() error      { return c.terminate() }

func (c *handleChild) terminate() error {
	return windows.TerminateProcess(c.h, 1)
}
