//go:build ignore

// Package main compares two `evermem batch` result files for retrieval regressions.
// Usage: go run scripts/bench-compare.go [-gold gold.json] <current.json> <baseline.json>
//
// Each run is summarised by recall@k against the gold file (when given),
// mean and p95 latency from retrieval_metadata.total_latency_ms, and the
// top-k overlap between the two runs per question. A recall drop or a p95
// latency increase beyond the threshold fails the comparison.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/zhisenyang/EverMemOS-sub003/internal/batch"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

const (
	// RegressionThreshold is the maximum allowed p95 latency increase (20%)
	RegressionThreshold = 0.20

	// RecallTolerance is the maximum allowed absolute recall@k drop
	RecallTolerance = 0.02
)

// RunSummary describes one result file.
type RunSummary struct {
	Questions    int     `json:"questions"`
	RecallAtK    float64 `json:"recall_at_k,omitempty"`
	MeanLatency  float64 `json:"mean_latency_ms"`
	P95Latency   float64 `json:"p95_latency_ms"`
	SecondRounds int     `json:"second_rounds"`
	Empty        int     `json:"empty_results"`
}

// Report contains the comparison of both runs.
type Report struct {
	K                int        `json:"k"`
	Current          RunSummary `json:"current"`
	Baseline         RunSummary `json:"baseline"`
	MeanOverlap      float64    `json:"mean_top_k_overlap"`
	Changed          []string   `json:"changed_questions,omitempty"`
	RecallRegressed  bool       `json:"recall_regressed"`
	LatencyRegressed bool       `json:"latency_regressed"`
	RegressionFailed bool       `json:"regression_failed"`
}

type goldEntry struct {
	QuestionID string `json:"question_id"`
	EpisodeID  string `json:"episode_id"`
}

var (
	outputJSON    = flag.Bool("json", false, "Output results as JSON")
	threshold     = flag.Float64("threshold", RegressionThreshold, "Latency regression threshold (0.0-1.0)")
	topK          = flag.Int("k", 5, "Cutoff for recall and overlap")
	goldFile      = flag.String("gold", "", "Gold answers written by generate-test-corpus.go")
	verbose       = flag.Bool("verbose", false, "List every question whose top-k changed")
	failOnRegress = flag.Bool("fail", true, "Exit with code 1 on regression")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <current.json> <baseline.json>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Compares batch retrieval results and detects regressions.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 2 || *topK <= 0 {
		flag.Usage()
		os.Exit(1)
	}

	current, err := readResults(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading current file %s: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}
	baseline, err := readResults(flag.Arg(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading baseline file %s: %v\n", flag.Arg(1), err)
		os.Exit(1)
	}

	var gold map[string]string
	if *goldFile != "" {
		if gold, err = readGold(*goldFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading gold file %s: %v\n", *goldFile, err)
			os.Exit(1)
		}
	}

	report := compare(current, baseline, gold, *topK, *threshold)

	if *outputJSON {
		outputJSONReport(report)
	} else {
		outputTextReport(report)
	}

	if *failOnRegress && report.RegressionFailed {
		os.Exit(1)
	}
}

// readResults flattens a batch output file into results keyed by question_id.
func readResults(path string) (map[string]memory.SearchResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var convs []batch.ConversationResults
	if err := json.Unmarshal(data, &convs); err != nil {
		return nil, err
	}
	out := make(map[string]memory.SearchResult)
	for _, c := range convs {
		for _, r := range c.Results {
			out[r.QuestionID] = r
		}
	}
	return out, nil
}

func readGold(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []goldEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	gold := make(map[string]string, len(entries))
	for _, e := range entries {
		gold[e.QuestionID] = e.EpisodeID
	}
	return gold, nil
}

// topIDs returns the first k item ids. Event-log hits count as their
// parent episode so recall is measured per episode.
func topIDs(r memory.SearchResult, k int) []string {
	ids := make([]string, 0, k)
	for _, s := range r.Results {
		if len(ids) == k {
			break
		}
		id := s.Item.ID
		if s.Item.EventLog != nil && s.Item.EventLog.ParentEpisodeID != "" {
			id = s.Item.EventLog.ParentEpisodeID
		}
		ids = append(ids, id)
	}
	return ids
}

func summarize(results map[string]memory.SearchResult, gold map[string]string, k int) RunSummary {
	s := RunSummary{Questions: len(results)}
	latencies := make([]float64, 0, len(results))
	hits, judged := 0, 0

	for qid, r := range results {
		if ms, ok := r.Metadata[memory.MetaTotalLatencyMs].(float64); ok {
			latencies = append(latencies, ms)
		}
		if rounds, ok := r.Metadata[memory.MetaRoundsUsed].(float64); ok && rounds >= 2 {
			s.SecondRounds++
		}
		if len(r.Results) == 0 {
			s.Empty++
		}
		want, ok := gold[qid]
		if !ok {
			continue
		}
		judged++
		for _, id := range topIDs(r, k) {
			if id == want {
				hits++
				break
			}
		}
	}

	if judged > 0 {
		s.RecallAtK = float64(hits) / float64(judged)
	}
	if len(latencies) > 0 {
		sort.Float64s(latencies)
		total := 0.0
		for _, l := range latencies {
			total += l
		}
		s.MeanLatency = total / float64(len(latencies))
		s.P95Latency = latencies[(len(latencies)*95-1)/100]
	}
	return s
}

// overlap is |a ∩ b| / max(|a|, |b|).
func overlap(a, b []string) float64 {
	n := max(len(a), len(b))
	if n == 0 {
		return 1
	}
	seen := make(map[string]bool, len(a))
	for _, id := range a {
		seen[id] = true
	}
	common := 0
	for _, id := range b {
		if seen[id] {
			common++
		}
	}
	return float64(common) / float64(n)
}

// compare compares current results against baseline.
func compare(current, baseline map[string]memory.SearchResult, gold map[string]string, k int, threshold float64) *Report {
	report := &Report{
		K:        k,
		Current:  summarize(current, gold, k),
		Baseline: summarize(baseline, gold, k),
	}

	total, n := 0.0, 0
	for qid, cur := range current {
		base, ok := baseline[qid]
		if !ok {
			continue
		}
		o := overlap(topIDs(cur, k), topIDs(base, k))
		total += o
		n++
		if o < 1 {
			report.Changed = append(report.Changed, qid)
		}
	}
	if n > 0 {
		report.MeanOverlap = total / float64(n)
	}
	sort.Strings(report.Changed)

	if gold != nil && report.Baseline.RecallAtK-report.Current.RecallAtK > RecallTolerance {
		report.RecallRegressed = true
	}
	if report.Baseline.P95Latency > 0 {
		delta := (report.Current.P95Latency - report.Baseline.P95Latency) / report.Baseline.P95Latency
		report.LatencyRegressed = delta > threshold
	}
	report.RegressionFailed = report.RecallRegressed || report.LatencyRegressed
	return report
}

// outputTextReport prints a human-readable report.
func outputTextReport(report *Report) {
	fmt.Println("=" + strings.Repeat("=", 79))
	fmt.Println("RETRIEVAL COMPARISON REPORT")
	fmt.Println("=" + strings.Repeat("=", 79))
	fmt.Println()

	fmt.Printf("%-24s %14s %14s\n", "", "CURRENT", "BASELINE")
	fmt.Printf("%-24s %14d %14d\n", "Questions", report.Current.Questions, report.Baseline.Questions)
	if *goldFile != "" {
		fmt.Printf("%-24s %14.3f %14.3f\n", fmt.Sprintf("Recall@%d", report.K), report.Current.RecallAtK, report.Baseline.RecallAtK)
	}
	fmt.Printf("%-24s %11.0f ms %11.0f ms\n", "Mean latency", report.Current.MeanLatency, report.Baseline.MeanLatency)
	fmt.Printf("%-24s %11.0f ms %11.0f ms\n", "P95 latency", report.Current.P95Latency, report.Baseline.P95Latency)
	fmt.Printf("%-24s %14d %14d\n", "Second rounds", report.Current.SecondRounds, report.Baseline.SecondRounds)
	fmt.Printf("%-24s %14d %14d\n", "Empty results", report.Current.Empty, report.Baseline.Empty)
	fmt.Println()
	fmt.Printf("Mean top-%d overlap: %.3f (%d question(s) changed)\n", report.K, report.MeanOverlap, len(report.Changed))

	if *verbose && len(report.Changed) > 0 {
		fmt.Println("-" + strings.Repeat("-", 79))
		for _, qid := range report.Changed {
			fmt.Printf("  %s\n", qid)
		}
		fmt.Println("-" + strings.Repeat("-", 79))
	}

	fmt.Println()
	switch {
	case report.RecallRegressed:
		fmt.Printf("FAILED: recall@%d dropped by more than %.2f\n", report.K, RecallTolerance)
	case report.LatencyRegressed:
		fmt.Printf("FAILED: p95 latency regressed by more than %.0f%%\n", *threshold*100)
	default:
		fmt.Println("PASSED: No significant regressions detected.")
	}
	fmt.Println()
}

// outputJSONReport outputs the report as JSON.
func outputJSONReport(report *Report) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}
