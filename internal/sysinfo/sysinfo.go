// Package sysinfo provides host, process and disk facts used by detection,
// verification and prerequisite checks.
package sysinfo

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/mod/semver"
)

// HostSummary is a point-in-time description of the device.
type HostSummary struct {
	Hostname      string  `json:"hostname"`
	Platform      string  `json:"platform"`
	OSVersion     string  `json:"os_version"`
	KernelArch    string  `json:"kernel_arch"`
	Uptime        uint64  `json:"uptime"` // seconds
	DiskFree      uint64  `json:"disk_free"`
	DiskUsedRatio float64 `json:"disk_used_percent"`
}

// Inspector reads host facts through gopsutil. The function fields are
// replaced in tests.
type Inspector struct {
	hostInfo     func(ctx context.Context) (*host.InfoStat, error)
	processNames func(ctx context.Context) ([]string, error)
	diskUsage    func(ctx context.Context, path string) (*disk.UsageStat, error)
}

// New returns an Inspector backed by the running system.
func New() *Inspector {
	return &Inspector{
		hostInfo:     host.InfoWithContext,
		processNames: runningProcessNames,
		diskUsage:    disk.UsageWithContext,
	}
}

// OSVersion returns the operating system version, e.g. "14.4.1".
func (i *Inspector) OSVersion(ctx context.Context) (string, error) {
	info, err := i.hostInfo(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read host info: %w", err)
	}
	return info.PlatformVersion, nil
}

// IsCompatible reports whether the running OS is at least minimum.
func (i *Inspector) IsCompatible(ctx context.Context, minimum string) (bool, error) {
	current, err := i.OSVersion(ctx)
	if err != nil {
		return false, err
	}
	return AtLeast(current, minimum), nil
}

// ProcessRunning reports whether any process name equals one of names,
// ignoring case.
func (i *Inspector) ProcessRunning(ctx context.Context, names []string) (bool, error) {
	if len(names) == 0 {
		return false, nil
	}

	running, err := i.processNames(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list processes: %w", err)
	}

	for _, r := range running {
		for _, n := range names {
			if strings.EqualFold(r, n) {
				return true, nil
			}
		}
	}
	return false, nil
}

// Summary collects host facts and the free space of the volume holding path.
func (i *Inspector) Summary(ctx context.Context, path string) (*HostSummary, error) {
	info, err := i.hostInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read host info: %w", err)
	}

	summary := &HostSummary{
		Hostname:   info.Hostname,
		Platform:   info.Platform,
		OSVersion:  info.PlatformVersion,
		KernelArch: info.KernelArch,
		Uptime:     info.Uptime,
	}

	if path != "" {
		if usage, err := i.diskUsage(ctx, path); err == nil {
			summary.DiskFree = usage.Free
			summary.DiskUsedRatio = usage.UsedPercent
		}
	}

	return summary, nil
}

// AtLeast compares dotted OS versions. Unparseable versions are never
// compatible.
func AtLeast(current, minimum string) bool {
	cur := canonical(current)
	floor := canonical(minimum)
	if !semver.IsValid(cur) || !semver.IsValid(floor) {
		return false
	}
	return semver.Compare(cur, floor) >= 0
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

func runningProcessNames(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(procs))
	for _, p := range procs {
		// Processes may exit between listing and inspection.
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}
