package nginxctl

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const clockTicksPerSecond = 100

// System reads process and network facts from procfs. The file paths are
// fields so tests can point it at fixtures.
type System struct {
	PIDFile    string
	UptimeFile string
	NetDevFile string
	ProcDir    string
}

// NewSystem returns a System over the real procfs.
func NewSystem(pidFile string) *System {
	return &System{
		PIDFile:    pidFile,
		UptimeFile: "/proc/uptime",
		NetDevFile: "/proc/net/dev",
		ProcDir:    "/proc",
	}
}

// ProcessUptime returns how long the nginx master has been running, derived
// from the process start time in /proc/<pid>/stat and the system uptime.
// Any failure degrades to zero rather than erroring: uptime is telemetry.
func (s *System) ProcessUptime() time.Duration {
	pidData, err := os.ReadFile(s.PIDFile)
	if err != nil {
		return 0
	}
	pid := strings.TrimSpace(string(pidData))
	if pid == "" {
		return 0
	}

	statData, err := os.ReadFile(fmt.Sprintf("%s/%s/stat", s.ProcDir, pid))
	if err != nil {
		return 0
	}
	// The comm field is parenthesized and may contain spaces, so split after
	// the closing paren. starttime is field 22 overall, field 20 after comm.
	stat := string(statData)
	idx := strings.LastIndex(stat, ")")
	if idx < 0 {
		return 0
	}
	fields := strings.Fields(stat[idx+1:])
	if len(fields) < 20 {
		return 0
	}
	startTicks, err := strconv.ParseFloat(fields[19], 64)
	if err != nil {
		return 0
	}

	uptimeData, err := os.ReadFile(s.UptimeFile)
	if err != nil {
		return 0
	}
	uptimeFields := strings.Fields(string(uptimeData))
	if len(uptimeFields) < 1 {
		return 0
	}
	systemUptime, err := strconv.ParseFloat(uptimeFields[0], 64)
	if err != nil {
		return 0
	}

	seconds := systemUptime - startTicks/clockTicksPerSecond
	if seconds < 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// FormatUptime renders a duration as "2d 3h 15m" style text, or "unknown"
// for a zero duration.
func FormatUptime(d time.Duration) string {
	if d <= 0 {
		return "unknown"
	}
	total := int(d.Seconds())
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

// NetworkCounters holds cumulative interface byte and packet counts.
type NetworkCounters struct {
	RxBytes   uint64 `json:"rxBytes"`
	TxBytes   uint64 `json:"txBytes"`
	RxPackets uint64 `json:"rxPackets"`
	TxPackets uint64 `json:"txPackets"`
}

// Network reads rx/tx byte and packet counters for the named interface from
// /proc/net/dev. Missing interface or unreadable file degrades to zeros.
func (s *System) Network(iface string) NetworkCounters {
	var counters NetworkCounters
	data, err := os.ReadFile(s.NetDevFile)
	if err != nil {
		return counters
	}

	for _, line := range strings.Split(string(data), "\n") {
		name, rest, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) != iface {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 10 {
			return counters
		}
		counters.RxBytes, _ = strconv.ParseUint(fields[0], 10, 64)
		counters.RxPackets, _ = strconv.ParseUint(fields[1], 10, 64)
		counters.TxBytes, _ = strconv.ParseUint(fields[8], 10, 64)
		counters.TxPackets, _ = strconv.ParseUint(fields[9], 10, 64)
		return counters
	}
	return counters
}
