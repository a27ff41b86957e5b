package main

import (
	"fmt"
	"strconv"
)

// UpdateFlags holds the flags of the update command
type UpdateFlags struct {
	DryRun bool
	Track  string
	Format string
}

// AuditFlags holds the flags of the audit command
type AuditFlags struct {
	Exchange string
	Pair     string
	Period   string
	Format   string
}

// QueryFlags holds the flags of the query command
type QueryFlags struct {
	Exchange string
	Pair     string
	Period   string
	Limit    int
	Format   string
}

// ScheduleFlags holds the flags of the schedule command
type ScheduleFlags struct {
	Interval string
	NoAlign  bool
	RunNow   bool
	DryRun   bool
	OpsAddr  string
}

// PairsFlags holds the flags of the pairs command
type PairsFlags struct {
	Exchange string
	Format   string
}

// StatsFlags holds the flags of the stats command
type StatsFlags struct {
	Format string
}

// flagReader walks an argument list the way every command parser needs.
type flagReader struct {
	args []string
	i    int
}

func (r *flagReader) value(name string) (string, error) {
	if r.i+1 >= len(r.args) {
		return "", fmt.Errorf("%s requires a value", name)
	}
	r.i++
	return r.args[r.i], nil
}

func validateFormat(format string) (string, error) {
	switch format {
	case "json", "csv", "table":
		return format, nil
	default:
		return "", fmt.Errorf("invalid format %q, must be: json, csv, or table", format)
	}
}

// parseUpdateFlags parses command line arguments for the update command
func parseUpdateFlags(args []string) (*UpdateFlags, error) {
	flags := &UpdateFlags{Format: "table"}

	r := &flagReader{args: args}
	for ; r.i < len(args); r.i++ {
		var err error
		switch args[r.i] {
		case "--dry-run", "-n":
			flags.DryRun = true
		case "--track", "-t":
			flags.Track, err = r.value("--track")
		case "--format", "-f":
			var v string
			if v, err = r.value("--format"); err == nil {
				flags.Format, err = validateFormat(v)
			}
		default:
			err = fmt.Errorf("unknown flag: %s", args[r.i])
		}
		if err != nil {
			return nil, err
		}
	}
	return flags, nil
}

// parseAuditFlags parses command line arguments for the audit command
func parseAuditFlags(args []string) (*AuditFlags, error) {
	flags := &AuditFlags{Format: "json"}

	r := &flagReader{args: args}
	for ; r.i < len(args); r.i++ {
		var err error
		switch args[r.i] {
		case "--exchange", "-e":
			flags.Exchange, err = r.value("--exchange")
		case "--pair", "-p":
			flags.Pair, err = r.value("--pair")
		case "--period", "-i":
			flags.Period, err = r.value("--period")
		case "--format", "-f":
			var v string
			if v, err = r.value("--format"); err == nil {
				flags.Format, err = validateFormat(v)
			}
		default:
			err = fmt.Errorf("unknown flag: %s", args[r.i])
		}
		if err != nil {
			return nil, err
		}
	}
	return flags, nil
}

// parseQueryFlags parses command line arguments for the query command
func parseQueryFlags(args []string) (*QueryFlags, error) {
	flags := &QueryFlags{
		Limit:  100,
		Format: "table",
	}

	r := &flagReader{args: args}
	for ; r.i < len(args); r.i++ {
		var err error
		switch args[r.i] {
		case "--exchange", "-e":
			flags.Exchange, err = r.value("--exchange")
		case "--pair", "-p":
			flags.Pair, err = r.value("--pair")
		case "--period", "-i":
			flags.Period, err = r.value("--period")
		case "--limit", "-l":
			var v string
			if v, err = r.value("--limit"); err == nil {
				flags.Limit, err = strconv.Atoi(v)
				if err != nil {
					err = fmt.Errorf("invalid limit value: %w", err)
				} else if flags.Limit <= 0 {
					err = fmt.Errorf("--limit must be positive")
				}
			}
		case "--format", "-f":
			var v string
			if v, err = r.value("--format"); err == nil {
				flags.Format, err = validateFormat(v)
			}
		default:
			err = fmt.Errorf("unknown flag: %s", args[r.i])
		}
		if err != nil {
			return nil, err
		}
	}
	return flags, nil
}

// parseScheduleFlags parses command line arguments for the schedule command
func parseScheduleFlags(args []string) (*ScheduleFlags, error) {
	flags := &ScheduleFlags{}

	r := &flagReader{args: args}
	for ; r.i < len(args); r.i++ {
		var err error
		switch args[r.i] {
		case "--interval", "-i":
			flags.Interval, err = r.value("--interval")
		case "--no-align":
			flags.NoAlign = true
		case "--run-now":
			flags.RunNow = true
		case "--dry-run", "-n":
			flags.DryRun = true
		case "--ops-addr":
			flags.OpsAddr, err = r.value("--ops-addr")
		default:
			err = fmt.Errorf("unknown flag: %s", args[r.i])
		}
		if err != nil {
			return nil, err
		}
	}
	return flags, nil
}

// parsePairsFlags parses command line arguments for the pairs command
func parsePairsFlags(args []string) (*PairsFlags, error) {
	flags := &PairsFlags{Format: "table"}

	r := &flagReader{args: args}
	for ; r.i < len(args); r.i++ {
		var err error
		switch args[r.i] {
		case "--exchange", "-e":
			flags.Exchange, err = r.value("--exchange")
		case "--format", "-f":
			var v string
			if v, err = r.value("--format"); err == nil {
				flags.Format, err = validateFormat(v)
			}
		default:
			err = fmt.Errorf("unknown flag: %s", args[r.i])
		}
		if err != nil {
			return nil, err
		}
	}
	return flags, nil
}

// parseStatsFlags parses command line arguments for the stats command
func parseStatsFlags(args []string) (*StatsFlags, error) {
	flags := &StatsFlags{Format: "table"}

	r := &flagReader{args: args}
	for ; r.i < len(args); r.i++ {
		var err error
		switch args[r.i] {
		case "--format", "-f":
			var v string
			if v, err = r.value("--format"); err == nil {
				flags.Format, err = validateFormat(v)
			}
		default:
			err = fmt.Errorf("unknown flag: %s", args[r.i])
		}
		if err != nil {
			return nil, err
		}
	}
	return flags, nil
}
