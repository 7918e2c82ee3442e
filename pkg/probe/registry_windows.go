//go:build windows

package probe

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/windows/registry"
)

var sdkKeys = []string{
	`SOFTWARE\dotnet\Setup\InstalledVersions\x64\sdk`,
	`SOFTWARE\dotnet\Setup\InstalledVersions\x86\sdk`,
}

// registryVersions reads the SDK versions recorded by the installer. Each
// value name under the key is an installed version.
func registryVersions() []string {
	var versions []string
	for _, path := range sdkKeys {
		k, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE|registry.WOW64_32KEY)
		if err != nil {
			k, err = registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE)
			if err != nil {
				continue
			}
		}
		names, err := k.ReadValueNames(0)
		k.Close()
		if err != nil {
			continue
		}
		versions = append(versions, names...)
	}
	return versions
}

// persistPath adds dir to the user's PATH so shells started later see it.
func persistPath(dir string) error {
	k, err := registry.OpenKey(registry.CURRENT_USER, `Environment`, registry.QUERY_VALUE|registry.SET_VALUE)
	if err != nil {
		return err
	}
	defer k.Close()

	current, _, err := k.GetStringValue("Path")
	if err != nil && err != registry.ErrNotExist {
		return err
	}
	for _, entry := range filepath.SplitList(current) {
		if strings.EqualFold(filepath.Clean(os.ExpandEnv(entry)), filepath.Clean(dir)) {
			return nil
		}
	}
	updated := dir
	if current != "" {
		updated = current + string(os.PathListSeparator) + dir
	}
	if err := k.SetExpandStringValue("Path", updated); err != nil {
		return err
	}
	slog.Info("user_path_updated", "dir", dir)
	return nil
}
