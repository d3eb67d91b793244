// Package export writes a finished set artifact in the format the DJ asked
// for, converting remotely first and locally as a fallback.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Converter transcodes audio. The backend client satisfies it.
type Converter interface {
	Convert(ctx context.Context, audio []byte, format string) ([]byte, error)
}

type Result struct {
	Path      string `json:"path"`
	Format    string `json:"format"`
	Converted bool   `json:"converted"`
	Via       string `json:"via"`
}

type Exporter struct {
	remote Converter
	dir    string

	run func(ctx context.Context, name string, args ...string) error
}

// New builds an exporter. remote may be nil to convert locally only.
func New(remote Converter, dir string) *Exporter {
	if dir == "" {
		dir = filepath.Join("data", "exports")
	}
	return &Exporter{remote: remote, dir: dir, run: runCommand}
}

// Export writes src as name.format under the export directory. When every
// conversion path fails the unconverted artifact is copied instead and
// Converted is false.
func (e *Exporter) Export(ctx context.Context, src, name, format string) (Result, error) {
	format = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
	srcFormat := strings.TrimPrefix(strings.ToLower(filepath.Ext(src)), ".")
	if format == "" {
		format = srcFormat
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create export directory: %w", err)
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return Result{}, fmt.Errorf("read artifact: %w", err)
	}

	out := filepath.Join(e.dir, name+"."+format)
	if format == srcFormat {
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return Result{}, fmt.Errorf("write export: %w", err)
		}
		return Result{Path: out, Format: format, Converted: true, Via: "copy"}, nil
	}

	if e.remote != nil {
		converted, err := e.remote.Convert(ctx, data, format)
		if err == nil && len(converted) > 0 {
			if err := os.WriteFile(out, converted, 0o644); err != nil {
				return Result{}, fmt.Errorf("write export: %w", err)
			}
			return Result{Path: out, Format: format, Converted: true, Via: "remote"}, nil
		}
		slog.Warn("export: remote conversion failed, trying local tools", "format", format, "error", err)
	}

	if err := e.run(ctx, "ffmpeg", "-y", "-i", src, out); err == nil {
		return Result{Path: out, Format: format, Converted: true, Via: "ffmpeg"}, nil
	}

	if format == "mp3" && srcFormat == "wav" {
		if err := e.run(ctx, "lame", src, out); err == nil {
			return Result{Path: out, Format: format, Converted: true, Via: "lame"}, nil
		}
	}

	fallback := filepath.Join(e.dir, name+"."+srcFormat)
	if err := os.WriteFile(fallback, data, 0o644); err != nil {
		return Result{}, fmt.Errorf("write unconverted export: %w", err)
	}
	slog.Warn("export: no converter available, kept original format", "wanted", format, "kept", srcFormat)
	return Result{Path: fallback, Format: srcFormat, Converted: false, Via: "copy"}, nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	if _, err := exec.LookPath(name); err != nil {
		return errors.Join(fmt.Errorf("%s not installed", name), err)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}
