package tiernet

// analysis.go turns a trace into per-packet latencies and per-class summaries.
// A sent record and a recv record with the same name are the two ends of one
// delivery; names that repeat (demand-response chunks) pair in time order.

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode"

	"gonum.org/v1/gonum/stat"
)

// LatencyRecord is one delivered packet
type LatencyRecord struct {
	Name    string
	Class   string
	SrcNode int
	DstNode int
	SentAt  float64
	RecvAt  float64
	Latency float64
	Payload int
}

// ClassStats summarizes the traffic of one class
type ClassStats struct {
	Class       string
	Sent        int
	Received    int
	Lost        int
	Bytes       int
	MeanLatency float64
	StdLatency  float64
	P50         float64
	P95         float64
}

// Analysis is the result of pairing a trace
type Analysis struct {
	Latencies []LatencyRecord
	Classes   []ClassStats

	// recv records with no earlier sent record of the same name
	Unmatched int
}

// ClassOf strips the per-packet parts off a trace name: everything from the
// first per-node segment (phy<id> or agg<id>) on, or just the trailing segment
// when there is none.
func ClassOf(name string) string {
	segs := strings.Split(strings.Trim(name, "/"), "/")
	for idx, seg := range segs {
		if perNode(seg) {
			return "/" + strings.Join(segs[:idx], "/")
		}
	}
	if len(segs) > 1 {
		segs = segs[:len(segs)-1]
	}
	return "/" + strings.Join(segs, "/")
}

func perNode(seg string) bool {
	for _, prefix := range []string{"phy", "agg"} {
		rest, found := strings.CutPrefix(seg, prefix)
		if found && len(rest) > 0 && strings.IndexFunc(rest, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 {
			return true
		}
	}
	return false
}

// Analyze pairs the records of a trace and computes per-class statistics.
// Records are taken in time order whatever order they are given in.
func Analyze(records []TraceRecord) *Analysis {
	ordered := make([]TraceRecord, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Time < ordered[j].Time })

	pending := make(map[string][]TraceRecord)
	counts := make(map[string]*ClassStats)
	lats := make(map[string][]float64)
	an := new(Analysis)

	classStats := func(class string) *ClassStats {
		cs, present := counts[class]
		if !present {
			cs = &ClassStats{Class: class}
			counts[class] = cs
		}
		return cs
	}

	for _, rec := range ordered {
		class := ClassOf(rec.Name)
		cs := classStats(class)
		switch rec.Event {
		case SentEvt:
			cs.Sent += 1
			pending[rec.Name] = append(pending[rec.Name], rec)
		case RecvEvt:
			queue := pending[rec.Name]
			if len(queue) == 0 {
				an.Unmatched += 1
				continue
			}
			sent := queue[0]
			pending[rec.Name] = queue[1:]
			cs.Received += 1
			cs.Bytes += rec.PayloadSize
			lat := rec.Time - sent.Time
			lats[class] = append(lats[class], lat)
			an.Latencies = append(an.Latencies, LatencyRecord{Name: rec.Name, Class: class,
				SrcNode: sent.NodeID, DstNode: rec.NodeID, SentAt: sent.Time, RecvAt: rec.Time,
				Latency: lat, Payload: rec.PayloadSize})
		}
	}

	for class, cs := range counts {
		cs.Lost = cs.Sent - cs.Received
		if obs := lats[class]; len(obs) > 0 {
			cs.MeanLatency, cs.StdLatency = stat.MeanStdDev(obs, nil)
			if len(obs) == 1 {
				cs.StdLatency = 0
			}
			sort.Float64s(obs)
			cs.P50 = stat.Quantile(0.5, stat.Empirical, obs, nil)
			cs.P95 = stat.Quantile(0.95, stat.Empirical, obs, nil)
		}
		an.Classes = append(an.Classes, *cs)
	}
	sort.Slice(an.Classes, func(i, j int) bool { return an.Classes[i].Class < an.Classes[j].Class })
	return an
}

// Class returns the statistics of the named class
func (an *Analysis) Class(class string) (ClassStats, bool) {
	for _, cs := range an.Classes {
		if cs.Class == class {
			return cs, true
		}
	}
	return ClassStats{}, false
}

// WriteLatencyLog writes one line per delivered packet
func (an *Analysis) WriteLatencyLog(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "name, srcnode, dstnode, sent, recv, latency, payloadsize"); err != nil {
		return err
	}
	for _, lr := range an.Latencies {
		if _, err := fmt.Fprintf(w, "%s, %d, %d, %.9f, %.9f, %.9f, %d\n",
			lr.Name, lr.SrcNode, lr.DstNode, lr.SentAt, lr.RecvAt, lr.Latency, lr.Payload); err != nil {
			return err
		}
	}
	return nil
}

// WriteSummary writes one line per class
func (an *Analysis) WriteSummary(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%-28s %9s %9s %7s %12s %12s %12s %12s %12s\n",
		"class", "sent", "received", "lost", "bytes", "mean", "stddev", "p50", "p95"); err != nil {
		return err
	}
	for _, cs := range an.Classes {
		if _, err := fmt.Fprintf(w, "%-28s %9d %9d %7d %12d %12.9f %12.9f %12.9f %12.9f\n",
			cs.Class, cs.Sent, cs.Received, cs.Lost, cs.Bytes,
			cs.MeanLatency, cs.StdLatency, cs.P50, cs.P95); err != nil {
			return err
		}
	}
	if an.Unmatched > 0 {
		if _, err := fmt.Fprintf(w, "unmatched receives: %d\n", an.Unmatched); err != nil {
			return err
		}
	}
	return nil
}
