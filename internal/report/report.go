package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/signalnine/routebench/internal/result"
)

// TrialReport is one persisted summary, flattened for rendering.
type TrialReport struct {
	File               string      `json:"file"`
	Label              string      `json:"label,omitempty"`
	Clients            int         `json:"clients"`
	CachePolicy        string      `json:"cache_policy"`
	BypassServerCache  bool        `json:"bypass_server_cache"`
	TimeoutMs          int         `json:"timeout_ms"`
	Queries            int         `json:"queries"`
	Skipped            int         `json:"skipped"`
	TotalTimeouts      float64     `json:"total_timeouts"`
	AvgExecutionTimeMs *float64    `json:"avg_execution_time_ms,omitempty"`
	AvgByteCount       *float64    `json:"avg_byte_count,omitempty"`
	Ranks              []RankStats `json:"ranks"`
}

type RankStats struct {
	Rank            int      `json:"rank"`
	Count           int      `json:"count"`
	Timeouts        int      `json:"timeouts"`
	AvgResTime      *float64 `json:"avg_res_time,omitempty"`
	AvgByteCount    *float64 `json:"avg_byte_count,omitempty"`
	AvgRequestCount *float64 `json:"avg_request_count,omitempty"`
	AvgCacheHits    *float64 `json:"avg_cache_hits,omitempty"`
}

// Generate reads every summary under dir and renders it per Dijkstra rank.
func Generate(dir, format string, w io.Writer) error {
	reports, err := Collect(dir)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		return fmt.Errorf("no summaries found in %s", dir)
	}
	switch format {
	case "markdown":
		return writeMarkdown(reports, w)
	case "json":
		return writeJSON(reports, w)
	default:
		return writeTable(reports, w)
	}
}

// Collect loads the summaries under dir ordered by file and concurrency.
func Collect(dir string) ([]TrialReport, error) {
	var reports []TrialReport
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !result.IsSummaryFile(info.Name()) {
			return nil
		}
		s, err := result.ReadSummary(path)
		if err != nil {
			// Not every JSON file under a results dir is a summary.
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		reports = append(reports, fromSummary(rel, s))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(reports, func(i, j int) bool {
		if reports[i].Clients != reports[j].Clients {
			return reports[i].Clients < reports[j].Clients
		}
		return reports[i].File < reports[j].File
	})
	return reports, nil
}

func fromSummary(file string, s *result.Summary) TrialReport {
	r := TrialReport{
		File:               file,
		Label:              s.Label,
		Clients:            s.Trial.Concurrency,
		CachePolicy:        string(s.Trial.CachePolicy),
		BypassServerCache:  s.Trial.BypassServerCache,
		TimeoutMs:          s.Trial.TimeoutMs,
		Queries:            s.Queries,
		Skipped:            s.Skipped,
		TotalTimeouts:      s.Globals.TotalTimeouts,
		AvgExecutionTimeMs: s.Globals.AvgExecutionTimeMs,
		AvgByteCount:       s.Globals.AvgByteCount,
	}
	for _, rank := range s.SortedRanks() {
		b := s.Globals.Ranks[rank]
		r.Ranks = append(r.Ranks, RankStats{
			Rank:            rank,
			Count:           b.Count,
			Timeouts:        b.Timeouts,
			AvgResTime:      b.AvgResTime,
			AvgByteCount:    b.AvgByteCount,
			AvgRequestCount: b.AvgRequestCount,
			AvgCacheHits:    b.AvgCacheHits,
		})
	}
	return r
}

func ms(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1fms", *v)
}

func bytesOf(v *float64) string {
	if v == nil {
		return "-"
	}
	return humanize.Bytes(uint64(*v))
}

func num(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func writeTable(reports []TrialReport, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, r := range reports {
		if i > 0 {
			fmt.Fprintln(tw)
		}
		fmt.Fprintf(tw, "%s (clients: %d, measured: %d, skipped: %d, timeouts: %.2f)\n",
			r.File, r.Clients, r.Queries, r.Skipped, r.TotalTimeouts)
		fmt.Fprintln(tw, "RANK\tCOUNT\tTIMEOUTS\tAVG TIME\tAVG BYTES\tAVG REQUESTS\tAVG CACHE HITS")
		fmt.Fprintln(tw, strings.Repeat("-", 80))
		for _, b := range r.Ranks {
			fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
				b.Rank, b.Count, b.Timeouts, ms(b.AvgResTime), bytesOf(b.AvgByteCount), num(b.AvgRequestCount), num(b.AvgCacheHits))
		}
		fmt.Fprintf(tw, "all\t\t\t%s\t%s\t\t\n", ms(r.AvgExecutionTimeMs), bytesOf(r.AvgByteCount))
	}
	return tw.Flush()
}

func writeMarkdown(reports []TrialReport, w io.Writer) error {
	for i, r := range reports {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "### %s\n\n", r.File)
		fmt.Fprintf(w, "Clients: %d, measured: %d, skipped: %d, timeouts: %.2f, avg time: %s, avg bytes: %s\n\n",
			r.Clients, r.Queries, r.Skipped, r.TotalTimeouts, ms(r.AvgExecutionTimeMs), bytesOf(r.AvgByteCount))
		fmt.Fprintln(w, "| Rank | Count | Timeouts | Avg Time | Avg Bytes | Avg Requests | Avg Cache Hits |")
		fmt.Fprintln(w, "|---|---|---|---|---|---|---|")
		for _, b := range r.Ranks {
			fmt.Fprintf(w, "| %d | %d | %d | %s | %s | %s | %s |\n",
				b.Rank, b.Count, b.Timeouts, ms(b.AvgResTime), bytesOf(b.AvgByteCount), num(b.AvgRequestCount), num(b.AvgCacheHits))
		}
	}
	return nil
}

func writeJSON(reports []TrialReport, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(reports)
}
