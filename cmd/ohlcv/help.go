package main

import (
	"fmt"
	"io"
)

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s - OHLCV aggregator CLI v%s

USAGE:
    %s [--config FILE] [--env-file FILE] <command> [options]

COMMANDS:
    update      Run one polling tick over every tracked series
    audit       Check stored series for gaps, duplicates and misaligned rows
    query       Print the most recent stored candles of a series
    schedule    Run ticks on an interval, with optional health/metrics endpoints
    pairs       List the pairs an exchange offers
    stats       Show row counts and time ranges of stored series

GLOBAL OPTIONS:
    --config, -c   Configuration file, JSON or YAML (default: %s or $OHLCV_CONFIG)
    --env-file     Dotenv file loaded before OHLCV_* variables (default: .env)
    --help, -h     Show help information
    --version, -v  Show version information

EXAMPLES:
    # Fetch and append new candles for the configured pairs
    %s update

    # Preview what the next tick would append without writing
    %s update --dry-run --track "binance=BTCUSDT,ETHUSDT;kraken="

    # Audit one series and print a table
    %s audit --exchange binance --pair BTCUSDT --format table

    # Poll every full hour and serve /health and /metrics on :9090
    %s schedule --interval 1h --ops-addr :9090

EXIT CODES:
    0 success, 1 usage, 2 configuration, 3 connection, 4 data, 130 interrupted

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, DefaultConfig, AppName, AppName, AppName, AppName, AppName)
}

// printCommandHelp prints detailed help for a specific command
func printCommandHelp(w io.Writer, command string) {
	switch command {
	case "update":
		fmt.Fprintf(w, `%s update - Run one polling tick

USAGE:
    %s update [options]

OPTIONS:
    --dry-run, -n    Fetch and reconcile, report what would be appended, write nothing
    --track, -t      Override tracked pairs: "exchange=pair1,pair2;other="
                     An exchange with no pairs tracks every pair it lists
    --format, -f     Output format: table, json, csv (default: table)

Exits 4 when any series failed.
`, AppName, AppName)
	case "audit":
		fmt.Fprintf(w, `%s audit - Check stored series for consistency

USAGE:
    %s audit [options]

OPTIONS:
    --exchange, -e   Only series of this exchange
    --pair, -p       Only series of this pair
    --period, -i     Period to audit (default: tracking period)
    --format, -f     Output format: json, table, csv (default: json)

Reading is read-only; nothing is repaired. Exits 4 when any series is inconsistent.
`, AppName, AppName)
	case "query":
		fmt.Fprintf(w, `%s query - Print stored candles

USAGE:
    %s query --exchange EXCHANGE --pair PAIR [options]

OPTIONS:
    --exchange, -e   Exchange id (required)
    --pair, -p       Pair as tracked (required)
    --period, -i     Period (default: tracking period)
    --limit, -l      Number of most recent candles (default: 100)
    --format, -f     Output format: table, json, csv (default: table)
`, AppName, AppName)
	case "schedule":
		fmt.Fprintf(w, `%s schedule - Run ticks on an interval

USAGE:
    %s schedule [options]

OPTIONS:
    --interval, -i   Tick interval (default: scheduler.interval)
    --no-align       Tick every interval from start instead of on boundaries
    --run-now        Run one tick immediately
    --dry-run, -n    Never write
    --ops-addr       Serve /health, /metrics and /ticks/last on this address

Ticks never overlap. A whitelist file (tracking.whitelist_path) is watched
and changes apply from the next tick.
`, AppName, AppName)
	case "pairs":
		fmt.Fprintf(w, `%s pairs - List the pairs an exchange offers

USAGE:
    %s pairs --exchange EXCHANGE [--format table|json|csv]
`, AppName, AppName)
	case "stats":
		fmt.Fprintf(w, `%s stats - Show stored series

USAGE:
    %s stats [--format table|json|csv]
`, AppName, AppName)
	default:
		fmt.Fprintf(w, "Unknown command: %s\n\n", command)
		printUsage(w)
	}
}
