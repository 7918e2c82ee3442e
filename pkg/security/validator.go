// Package security validates archive entries before they are written into an
// install directory.
package security

import (
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
)

// Limits bounds what a single archive may expand to.
type Limits struct {
	MaxFileSize         int64
	MaxTotalSize        int64
	MaxCompressionRatio float64
}

// DefaultLimits are sized for a desktop application bundle.
var DefaultLimits = Limits{
	MaxFileSize:         1 << 30,
	MaxTotalSize:        4 << 30,
	MaxCompressionRatio: 100,
}

// reserved device names refused on every platform so that an archive built
// on one host never produces unopenable paths on Windows.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true,
	"LPT1": true, "LPT2": true, "LPT3": true,
}

// Validator tracks one extraction. Create a new one per archive.
type Validator struct {
	limits Limits

	mu               sync.Mutex
	currentTotalSize int64
}

// NewValidator creates a validator for a single extraction.
func NewValidator(limits Limits) *Validator {
	slog.Debug("security_validator_init",
		"max_file_size_mb", limits.MaxFileSize/1024/1024,
		"max_total_size_mb", limits.MaxTotalSize/1024/1024,
		"max_compression_ratio", limits.MaxCompressionRatio)

	return &Validator{limits: limits}
}

// ValidatePath rejects entry names that would land outside the destination.
// Names are archive names: forward slashes, relative.
func (v *Validator) ValidatePath(name string) error {
	normalized := strings.ReplaceAll(name, `\`, "/")

	if strings.HasPrefix(normalized, "/") || hasDriveLetter(normalized) {
		slog.Error("security_path_validation_failed", "path", name, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", name)
	}

	clean := path.Clean(normalized)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		slog.Error("security_path_validation_failed", "path", name, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", name)
	}

	for _, part := range strings.Split(clean, "/") {
		base := strings.ToUpper(strings.SplitN(part, ".", 2)[0])
		if reservedNames[base] {
			slog.Error("security_path_validation_failed", "path", name, "reason", "reserved_name")
			return fmt.Errorf("security: reserved file name: %s", name)
		}
	}

	return nil
}

// ValidateSymlink checks that a relative link target stays inside the
// destination when resolved from the link's own directory. Absolute targets
// are refused: an installed application must be relocatable.
func (v *Validator) ValidateSymlink(linkName, target string) error {
	normalized := strings.ReplaceAll(target, `\`, "/")
	if strings.HasPrefix(normalized, "/") || hasDriveLetter(normalized) {
		slog.Error("security_symlink_validation_failed", "symlink", linkName, "target", target, "reason", "absolute_target")
		return fmt.Errorf("security: absolute symlink target not allowed: %s -> %s", linkName, target)
	}

	resolved := path.Clean(path.Join(path.Dir(strings.ReplaceAll(linkName, `\`, "/")), normalized))
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		slog.Error("security_symlink_validation_failed",
			"symlink", linkName,
			"target", target,
			"resolved", resolved)
		return fmt.Errorf("security: path traversal detected: symlink %s -> %s resolves to %s",
			linkName, target, resolved)
	}

	return nil
}

// ValidateFileSize checks a single entry against the per-file limit.
func (v *Validator) ValidateFileSize(size int64) error {
	if size < 0 {
		return fmt.Errorf("security: negative file size %d", size)
	}
	if size > v.limits.MaxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.limits.MaxFileSize/1024/1024)
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.limits.MaxFileSize)
	}
	return nil
}

// AddExtractedSize tracks total extracted size and checks against limit.
func (v *Validator) AddExtractedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentTotalSize += size

	if v.currentTotalSize > v.limits.MaxTotalSize {
		slog.Error("security_total_size_exceeded",
			"current_total_mb", v.currentTotalSize/1024/1024,
			"max_total_mb", v.limits.MaxTotalSize/1024/1024)
		return fmt.Errorf("security: total extracted size %d exceeds max %d",
			v.currentTotalSize, v.limits.MaxTotalSize)
	}

	return nil
}

// ValidateCompressionRatio checks the finished extraction for compression bombs.
func (v *Validator) ValidateCompressionRatio(compressedSize int64) error {
	if compressedSize <= 0 {
		return fmt.Errorf("security: compressed size must be positive")
	}

	total := v.TotalSize()
	ratio := float64(total) / float64(compressedSize)
	if ratio > v.limits.MaxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.limits.MaxCompressionRatio,
			"compressed_mb", compressedSize/1024/1024,
			"uncompressed_mb", total/1024/1024)
		return fmt.Errorf("security: compression ratio %.2f exceeds max %.2f", ratio, v.limits.MaxCompressionRatio)
	}

	return nil
}

// TotalSize returns the bytes accounted so far.
func (v *Validator) TotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTotalSize
}

func hasDriveLetter(p string) bool {
	return len(p) >= 2 && p[1] == ':' &&
		((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}
