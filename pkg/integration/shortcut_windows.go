//go:build windows

package integration

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
)

func desktopFolder() (string, error) {
	return specialFolder("Desktop")
}

func startMenuFolder() (string, error) {
	return specialFolder("Programs")
}

// withShell runs fn against a WScript.Shell instance on a COM-initialised
// thread.
func withShell(fn func(shell *ole.IDispatch) error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		if oleErr, ok := err.(*ole.OleError); !ok || oleErr.Code() != 1 { // S_FALSE: already initialised
			return err
		}
	}
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject("WScript.Shell")
	if err != nil {
		return err
	}
	defer unknown.Release()

	shell, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return err
	}
	defer shell.Release()

	return fn(shell)
}

func specialFolder(name string) (string, error) {
	var dir string
	err := withShell(func(shell *ole.IDispatch) error {
		folders, err := oleutil.GetProperty(shell, "SpecialFolders")
		if err != nil {
			return err
		}
		defer folders.Clear()

		v, err := oleutil.CallMethod(folders.ToIDispatch(), "Item", name)
		if err != nil {
			return err
		}
		defer v.Clear()
		dir = v.ToString()
		return nil
	})
	if err != nil {
		return "", err
	}
	if dir == "" {
		return "", fmt.Errorf("special folder %s not available", name)
	}
	return dir, nil
}

// writeShortcut writes a .lnk through the shell's CreateShortcut.
func writeShortcut(dir string, params Params, installPath, target string) (string, error) {
	path := filepath.Join(dir, sanitizeFileName(params.AppName)+".lnk")
	_ = os.Remove(path)

	err := withShell(func(shell *ole.IDispatch) error {
		cs, err := oleutil.CallMethod(shell, "CreateShortcut", path)
		if err != nil {
			return err
		}
		link := cs.ToIDispatch()
		defer link.Release()

		if _, err := oleutil.PutProperty(link, "TargetPath", target); err != nil {
			return err
		}
		if _, err := oleutil.PutProperty(link, "WorkingDirectory", installPath); err != nil {
			return err
		}
		if _, err := oleutil.PutProperty(link, "IconLocation", target+",0"); err != nil {
			return err
		}
		if params.Description != "" {
			if _, err := oleutil.PutProperty(link, "Description", params.Description); err != nil {
				return err
			}
		}
		_, err = oleutil.CallMethod(link, "Save")
		return err
	})
	if err != nil {
		return "", err
	}
	return path, nil
}
