// Package openmetrics sums the vLLM scheduler load metrics out of a
// backend's GET /metrics body. It does not attempt to be a general
// OpenMetrics/Prometheus text parser: it extracts exactly the two metric
// families this fleet cares about, the way a hand-rolled scraper would.
package openmetrics

import (
	"strconv"
	"strings"
)

// Target metric family names, summed across every sample regardless of
// label set.
//
// This is correct as long as each backend exports exactly one sample per
// metric, which is the vLLM convention (one scheduler per process). It
// over-counts if a backend starts emitting per-finish-reason labels for
// these families. That is a known, deliberate open question; do not
// silently "fix" it by taking the last sample instead of summing.
const (
	metricRunning = "vllm:num_requests_running"
	metricPending = "vllm:num_requests_waiting"
)

// Sums holds the summed running/pending values. A nil pointer means the
// metric family was not present in the body at all (as opposed to present
// with value zero).
type Sums struct {
	Running *uint64
	Pending *uint64
}

// Parse sums every sample of vllm:num_requests_running and
// vllm:num_requests_waiting in an OpenMetrics/Prometheus exposition body.
//
// The body is normalized first: CRLF line endings are folded to LF and a
// synthetic "# EOF\n" terminator is appended on a line of its own, mirroring what a compliant
// OpenMetrics client does before treating the stream as complete. Malformed
// lines and samples with a non-numeric value are skipped rather than
// failing the whole parse — a single bad line must not poison the rest of
// the scrape.
func Parse(body []byte) Sums {
	normalized := strings.ReplaceAll(string(body), "\r\n", "\n")
	if normalized != "" && !strings.HasSuffix(normalized, "\n") {
		normalized += "\n"
	}
	normalized += "# EOF\n"

	var sums Sums
	for _, line := range strings.Split(normalized, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}

		name, value, ok := parseSample(line)
		if !ok {
			continue
		}

		switch name {
		case metricRunning:
			addTo(&sums.Running, value)
		case metricPending:
			addTo(&sums.Pending, value)
		}
	}
	return sums
}

// parseSample splits one exposition line into its metric name (labels
// dropped) and its floating-point sample value. The OpenMetrics/Prometheus
// text line shape is:
//
//	metric_name[{label="value",...}] sample_value [timestamp]
//
// so the value is always the field immediately following the name/labels,
// never the last field (a trailing timestamp may follow it).
func parseSample(line string) (name string, value float64, ok bool) {
	name = line
	if idx := strings.IndexByte(line, '{'); idx > 0 {
		name = line[:idx]
	} else if idx := strings.IndexByte(line, ' '); idx > 0 {
		name = line[:idx]
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// addTo accumulates a float sample into a *uint64, truncating toward zero,
// initializing the pointer on first use.
func addTo(dst **uint64, v float64) {
	if v < 0 {
		v = 0
	}
	if *dst == nil {
		zero := uint64(0)
		*dst = &zero
	}
	**dst += uint64(v)
}
