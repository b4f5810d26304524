// Package hosts opportunistically maps dev store hostnames to loopback in
// /etc/hosts. Every failure is swallowed; a missing hosts entry never blocks
// provisioning.
package hosts

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
)

const hostsPath = "/etc/hosts"

// devSuffixes are domain suffixes that resolve locally and benefit from a
// hosts entry.
var devSuffixes = []string{".localhost", ".local", ".test"}

// Writer appends store hostnames to the hosts file.
type Writer struct {
	path string
	log  logr.Logger
}

// NewWriter builds a Writer against /etc/hosts.
func NewWriter(log logr.Logger) *Writer {
	return &Writer{path: hostsPath, log: log.WithName("hosts")}
}

// AddEntry maps hostname to 127.0.0.1 when the suffix is a local dev domain.
// Best effort: permission errors and read-only filesystems are logged at
// debug level and ignored.
func (w *Writer) AddEntry(hostname string) {
	if !isDevHostname(hostname) {
		return
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.V(1).Info("skipping hosts entry", "hostname", hostname, "error", err.Error())
		return
	}
	if hasEntry(string(data), hostname) {
		return
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		w.log.V(1).Info("skipping hosts entry", "hostname", hostname, "error", err.Error())
		return
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "127.0.0.1\t%s\n", hostname); err != nil {
		w.log.V(1).Info("hosts entry write failed", "hostname", hostname, "error", err.Error())
		return
	}
	w.log.Info("added hosts entry", "hostname", hostname)
}

func isDevHostname(hostname string) bool {
	for _, suffix := range devSuffixes {
		if strings.HasSuffix(hostname, suffix) {
			return true
		}
	}
	return false
}

func hasEntry(contents, hostname string) bool {
	for _, line := range strings.Split(contents, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		for _, field := range fields[1:] {
			if field == hostname {
				return true
			}
		}
	}
	return false
}
