// Package accesslog follows the nginx access log, parses combined-format
// entries and aggregates request statistics for the API.
package accesslog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Record is one parsed access-log entry.
type Record struct {
	RemoteAddr string    `json:"remoteAddr"`
	RemoteUser string    `json:"remoteUser,omitempty"`
	Time       time.Time `json:"time"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Protocol   string    `json:"protocol"`
	Status     int       `json:"status"`
	BodyBytes  int64     `json:"bodyBytes"`
	Referer    string    `json:"referer,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
}

// Combined log format:
// $remote_addr - $remote_user [$time_local] "$request" $status $body_bytes_sent "$http_referer" "$http_user_agent"
var linePattern = regexp.MustCompile(`^(\S+) - (\S+) \[([^\]]+)\] "([^"]*)" (\d{3}) (\d+|-) "([^"]*)" "([^"]*)"`)

const timeLayout = "02/Jan/2006:15:04:05 -0700"

// ParseLine parses one combined-format line.
func ParseLine(line string) (*Record, error) {
	m := linePattern.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("line does not match combined format")
	}

	rec := &Record{RemoteAddr: m[1]}
	if m[2] != "-" {
		rec.RemoteUser = m[2]
	}

	ts, err := time.Parse(timeLayout, m[3])
	if err != nil {
		return nil, fmt.Errorf("bad timestamp %q: %w", m[3], err)
	}
	rec.Time = ts

	// "$request" is method, path and protocol, but can be arbitrary bytes
	// for malformed requests.
	parts := strings.SplitN(m[4], " ", 3)
	if len(parts) == 3 {
		rec.Method = parts[0]
		rec.Path = parts[1]
		rec.Protocol = parts[2]
	} else {
		rec.Path = m[4]
	}

	rec.Status, _ = strconv.Atoi(m[5])
	if m[6] != "-" {
		rec.BodyBytes, _ = strconv.ParseInt(m[6], 10, 64)
	}
	if m[7] != "-" {
		rec.Referer = m[7]
	}
	if m[8] != "-" {
		rec.UserAgent = m[8]
	}
	return rec, nil
}
