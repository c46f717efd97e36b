package preflight

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/Aman-CERP/freshness/internal/config"
)

// MinFileDescriptors is the minimum file descriptor limit for watching.
const MinFileDescriptors = 1024

// CheckFileDescriptors checks if the file descriptor limit is sufficient.
func (c *Checker) CheckFileDescriptors() CheckResult {
	result := CheckResult{Name: "file_descriptors", Required: true}

	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("failed to check file descriptor limit: %v", err)
		return result
	}

	result.Message = fmt.Sprintf("%d (minimum: %d)", rLimit.Cur, MinFileDescriptors)
	if rLimit.Cur < MinFileDescriptors {
		result.Status = StatusFail
		result.Details = "Run 'ulimit -n 10240' to increase the limit"
		return result
	}
	result.Status = StatusPass
	return result
}

// CheckWatchLimit compares the workspace's directory count with the
// inotify watch limit. The watcher needs one watch per directory; when
// watches run out it degrades to periodic sweeps.
func (c *Checker) CheckWatchLimit(ctx context.Context) CheckResult {
	result := CheckResult{Name: "watch_limit", Required: false}

	limit, err := readInt(filepath.Join(c.procDir, "sys", "fs", "inotify", "max_user_watches"))
	if err != nil {
		result.Status = StatusPass
		result.Message = "no inotify limit to check"
		return result
	}

	dirs, err := c.countDirs(ctx)
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("failed to count directories: %v", err)
		return result
	}

	result.Message = fmt.Sprintf("%d directories, limit %d", dirs, limit)
	switch {
	case dirs > limit:
		result.Status = StatusWarn
		result.Details = "Raise fs.inotify.max_user_watches; the watcher will fall back to sweeps"
	case dirs*5 > limit*4:
		result.Status = StatusWarn
		result.Details = "Close to the inotify limit; other watchers share it"
	default:
		result.Status = StatusPass
	}
	return result
}

func (c *Checker) countDirs(ctx context.Context) (int, error) {
	stateDir := c.cfg.ResolveDataDir(c.root)
	n := 0
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == c.root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Name() == ".git" || path == stateDir || d.Name() == config.DataDirName {
			return filepath.SkipDir
		}
		n++
		return nil
	})
	return n, err
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
