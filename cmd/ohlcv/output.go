package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/ohlcv-aggregator/internal/collector"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
	"github.com/johnayoung/ohlcv-aggregator/internal/storage"
)

const timeLayout = "2006-01-02 15:04"

func outputJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func outputCSV(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

func formatTS(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(timeLayout)
}

// outputCandles prints a stored tail
func outputCandles(w io.Writer, key models.SeriesKey, candles []models.Candle, format string) error {
	switch format {
	case "json":
		return outputJSON(w, struct {
			Key     models.SeriesKey `json:"key"`
			Candles []models.Candle  `json:"candles"`
		}{key, candles})
	case "csv":
		rows := make([][]string, len(candles))
		for i, c := range candles {
			rows[i] = []string{
				strconv.FormatInt(c.Timestamp, 10),
				c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(),
			}
		}
		return outputCSV(w, []string{"timestamp", "open", "high", "low", "close", "volume"}, rows)
	}

	fmt.Fprintf(w, "%s: %d candles\n\n", key, len(candles))
	if len(candles) == 0 {
		fmt.Fprintln(w, "No data found for the specified series.")
		return nil
	}

	fmt.Fprintf(w, "%-18s %-14s %-14s %-14s %-14s %-16s\n", "Time (UTC)", "Open", "High", "Low", "Close", "Volume")
	fmt.Fprintln(w, strings.Repeat("-", 94))
	for _, c := range candles {
		fmt.Fprintf(w, "%-18s %-14s %-14s %-14s %-14s %-16s\n",
			formatTS(c.Timestamp),
			truncateDecimal(c.Open.String(), 14),
			truncateDecimal(c.High.String(), 14),
			truncateDecimal(c.Low.String(), 14),
			truncateDecimal(c.Close.String(), 14),
			truncateDecimal(c.Volume.String(), 16))
	}
	return nil
}

// outputReports prints consistency reports
func outputReports(w io.Writer, reports []models.ConsistencyReport, format string) error {
	switch format {
	case "json":
		if reports == nil {
			reports = []models.ConsistencyReport{}
		}
		return outputJSON(w, reports)
	case "csv":
		var rows [][]string
		for _, r := range reports {
			for _, g := range r.Gaps {
				rows = append(rows, []string{r.Key.Exchange, r.Key.Pair, r.Key.Period.String(), "gap",
					strconv.FormatInt(g.Prev, 10), strconv.FormatInt(g.Next, 10), strconv.FormatInt(g.Missing, 10)})
			}
			for _, ts := range r.Duplicates {
				rows = append(rows, []string{r.Key.Exchange, r.Key.Pair, r.Key.Period.String(), "duplicate",
					strconv.FormatInt(ts, 10), "", ""})
			}
			for _, ts := range r.Misaligned {
				rows = append(rows, []string{r.Key.Exchange, r.Key.Pair, r.Key.Period.String(), "misaligned",
					strconv.FormatInt(ts, 10), "", ""})
			}
		}
		return outputCSV(w, []string{"exchange", "pair", "period", "kind", "ts", "next_ts", "missing"}, rows)
	}

	fmt.Fprintf(w, "%-30s %-10s %-6s %-10s %-10s %-10s\n", "Series", "Checked", "Gaps", "Missing", "Dupes", "Misaligned")
	fmt.Fprintln(w, strings.Repeat("-", 82))
	for _, r := range reports {
		fmt.Fprintf(w, "%-30s %-10d %-6d %-10d %-10d %-10d\n",
			r.Key.String(), r.Checked, len(r.Gaps), r.MissingTotal(), len(r.Duplicates), len(r.Misaligned))
		for _, g := range r.Gaps {
			fmt.Fprintf(w, "    gap %s -> %s, %d missing\n", formatTS(g.Prev), formatTS(g.Next), g.Missing)
		}
	}
	return nil
}

// outputTick prints the outcome of one tick
func outputTick(w io.Writer, result collector.TickResult, format string) error {
	switch format {
	case "json":
		return outputJSON(w, result)
	case "csv":
		rows := make([][]string, 0, len(result.Keys))
		for _, k := range result.Keys {
			errMsg := ""
			if k.Err != nil {
				errMsg = k.Err.Error()
			}
			rows = append(rows, []string{k.Key.Exchange, k.Key.Pair, k.Key.Period.String(),
				strconv.Itoa(k.Fetched), strconv.Itoa(k.Appended), strconv.Itoa(len(k.Report.Anomalies)), errMsg})
		}
		return outputCSV(w, []string{"exchange", "pair", "period", "fetched", "appended", "anomalies", "error"}, rows)
	}

	mode := ""
	if result.DryRun {
		mode = " (dry run, nothing written)"
	}
	fmt.Fprintf(w, "Tick %s%s: %d ok, %d failed, %d appended in %s\n\n",
		result.TickID, mode, result.Succeeded(), result.Failed(), result.Appended(), result.Duration.Round(time.Millisecond))

	fmt.Fprintf(w, "%-30s %-8s %-9s %-6s %-10s %s\n", "Series", "Fetched", "Appended", "Gaps", "Anomalies", "Error")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, k := range result.Keys {
		errMsg := ""
		if k.Err != nil {
			errMsg = k.Err.Error()
		}
		fmt.Fprintf(w, "%-30s %-8d %-9d %-6d %-10d %s\n",
			k.Key.String(), k.Fetched, k.Appended, len(k.Report.Gaps()), len(k.Report.Anomalies), errMsg)
	}
	for _, e := range result.Expansion {
		fmt.Fprintf(w, "%-30s could not list pairs: %v\n", e.Exchange+":*", e.Err)
	}
	return nil
}

// outputPairs prints the pairs of an exchange
func outputPairs(w io.Writer, exchange string, pairs []string, format string) error {
	switch format {
	case "json":
		return outputJSON(w, map[string]any{"exchange": exchange, "pairs": pairs})
	case "csv":
		rows := make([][]string, len(pairs))
		for i, p := range pairs {
			rows[i] = []string{exchange, p}
		}
		return outputCSV(w, []string{"exchange", "pair"}, rows)
	}

	for _, p := range pairs {
		fmt.Fprintln(w, p)
	}
	fmt.Fprintf(w, "\n%d pairs on %s\n", len(pairs), exchange)
	return nil
}

// outputStats prints per-series row counts
func outputStats(w io.Writer, stats []storage.SeriesStats, format string) error {
	switch format {
	case "json":
		if stats == nil {
			stats = []storage.SeriesStats{}
		}
		return outputJSON(w, stats)
	case "csv":
		rows := make([][]string, len(stats))
		for i, s := range stats {
			rows[i] = []string{s.Key.Exchange, s.Key.Pair, s.Key.Period.String(),
				strconv.FormatInt(s.Count, 10), strconv.FormatInt(s.First, 10), strconv.FormatInt(s.Last, 10)}
		}
		return outputCSV(w, []string{"exchange", "pair", "period", "count", "first", "last"}, rows)
	}

	fmt.Fprintf(w, "%-30s %-10s %-18s %-18s\n", "Series", "Count", "First (UTC)", "Last (UTC)")
	fmt.Fprintln(w, strings.Repeat("-", 78))
	for _, s := range stats {
		fmt.Fprintf(w, "%-30s %-10d %-18s %-18s\n", s.Key.String(), s.Count, formatTS(s.First), formatTS(s.Last))
	}
	return nil
}

// truncateDecimal truncates decimal string to specified length
func truncateDecimal(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
