//go:build !windows

package probe

func registryVersions() []string {
	return nil
}

func persistPath(string) error {
	return nil
}
