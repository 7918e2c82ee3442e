// Package probe detects whether the runtime prerequisite is installed,
// repairs PATH after a fresh install, and picks the download for the host
// architecture.
package probe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
)

// DefaultTimeout bounds a single probe command.
const DefaultTimeout = 15 * time.Second

// Config describes the prerequisite to look for.
type Config struct {
	Name        string
	Command     string
	ListArgs    []string
	Constraint  string
	URLs        map[string]string
	DefaultArch string
	SearchDirs  []string
	Timeout     time.Duration
}

// Probe answers prerequisite queries. It is safe for concurrent use once
// built.
type Probe struct {
	cfg        Config
	constraint version.Constraints

	run      func(ctx context.Context, name string, args ...string) ([]byte, error)
	lookPath func(file string) (string, error)
	registry func() []string
	setPath  func(dir string) error
}

// New validates cfg and builds a Probe.
func New(cfg Config) (*Probe, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("prerequisite command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DefaultArch == "" {
		cfg.DefaultArch = "x64"
	}
	c, err := version.NewConstraint(cfg.Constraint)
	if err != nil {
		return nil, fmt.Errorf("invalid version constraint %q: %w", cfg.Constraint, err)
	}
	if _, ok := cfg.URLs[cfg.DefaultArch]; !ok {
		return nil, fmt.Errorf("no download url for default architecture %q", cfg.DefaultArch)
	}

	return &Probe{
		cfg:        cfg,
		constraint: c,
		run:        runCommand,
		lookPath:   exec.LookPath,
		registry:   registryVersions,
		setPath:    prependPath,
	}, nil
}

// Name returns the prerequisite's display name.
func (p *Probe) Name() string {
	return p.cfg.Name
}

// IsPresent reports whether an installed version satisfies the constraint.
// Every failure mode (missing command, timeout, unparseable output) answers
// false rather than erroring.
func (p *Probe) IsPresent(ctx context.Context) bool {
	versions := p.InstalledVersions(ctx)
	for _, v := range versions {
		if p.constraint.Check(v) {
			slog.Info("prerequisite_present", "name", p.cfg.Name, "version", v.String())
			return true
		}
	}
	slog.Info("prerequisite_missing", "name", p.cfg.Name, "found", len(versions))
	return false
}

// InstalledVersions lists every version the host reports, from the command
// first and the platform registry second.
func (p *Probe) InstalledVersions(ctx context.Context) []*version.Version {
	var found []*version.Version

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	out, err := p.run(ctx, p.cfg.Command, p.cfg.ListArgs...)
	if err != nil {
		slog.Debug("prerequisite_probe_failed", "command", p.cfg.Command, "error", err)
	} else {
		found = append(found, parseListing(out)...)
	}

	for _, raw := range p.registry() {
		if v, err := version.NewVersion(raw); err == nil {
			found = append(found, v)
		}
	}
	return found
}

// parseListing reads the first field of every line, e.g.
// "10.0.100 [C:\Program Files\dotnet\sdk]".
func parseListing(out []byte) []*version.Version {
	var found []*version.Version
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		v, err := version.NewVersion(fields[0])
		if err != nil {
			continue
		}
		found = append(found, v)
	}
	return found
}

// SelectDownloadTarget returns the download URL for hostArch. Unknown or
// unsupported architectures fall back to the default.
func (p *Probe) SelectDownloadTarget(hostArch string) string {
	if u, ok := p.cfg.URLs[NormalizeArch(hostArch)]; ok {
		return u
	}
	slog.Warn("arch_fallback", "host_arch", hostArch, "using", p.cfg.DefaultArch)
	return p.cfg.URLs[p.cfg.DefaultArch]
}

// VerifyAndRepair makes a freshly installed prerequisite reachable from this
// process. It returns false only when the command cannot be found anywhere.
func (p *Probe) VerifyAndRepair(ctx context.Context) bool {
	if _, err := p.lookPath(p.cfg.Command); err == nil {
		return true
	}

	for _, dir := range p.cfg.SearchDirs {
		if err := ctx.Err(); err != nil {
			return false
		}
		candidate := filepath.Join(os.ExpandEnv(dir), executableName(p.cfg.Command))
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if err := p.setPath(filepath.Dir(candidate)); err != nil {
			slog.Error("path_repair_failed", "dir", filepath.Dir(candidate), "error", err)
			return false
		}
		slog.Info("path_repaired", "dir", filepath.Dir(candidate))
		return true
	}

	slog.Error("prerequisite_not_on_path", "command", p.cfg.Command)
	return false
}

// HostArch reports the running machine's architecture in download terms.
func HostArch() string {
	return NormalizeArch(runtime.GOARCH)
}

// NormalizeArch maps Go and vendor architecture names to the names used by
// download URLs.
func NormalizeArch(arch string) string {
	switch strings.ToLower(arch) {
	case "amd64", "x86_64", "x64":
		return "x64"
	case "386", "i386", "i686", "x86":
		return "x86"
	case "arm64", "aarch64":
		return "arm64"
	default:
		return strings.ToLower(arch)
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func executableName(cmd string) string {
	if runtime.GOOS == "windows" && filepath.Ext(cmd) == "" {
		return cmd + ".exe"
	}
	return cmd
}

func prependPath(dir string) error {
	current := os.Getenv("PATH")
	for _, entry := range filepath.SplitList(current) {
		if strings.EqualFold(filepath.Clean(entry), filepath.Clean(dir)) {
			return nil
		}
	}
	if err := os.Setenv("PATH", dir+string(os.PathListSeparator)+current); err != nil {
		return err
	}
	return persistPath(dir)
}
