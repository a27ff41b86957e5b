// Memory profiling script for reconcile and audit over a large series.
package main

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/johnayoung/ohlcv-aggregator/internal/audit"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
	"github.com/johnayoung/ohlcv-aggregator/internal/reconcile"
	"github.com/johnayoung/ohlcv-aggregator/internal/storage"
)

const candleCount = 50000

func heapMB(m runtime.MemStats) float64 {
	return float64(m.HeapAlloc) / (1024 * 1024)
}

func main() {
	fmt.Println("OHLCV Aggregator Memory Profiling")
	fmt.Println("=================================")

	runtime.GC()
	runtime.GC()
	var baseline runtime.MemStats
	runtime.ReadMemStats(&baseline)
	fmt.Printf("Baseline heap: %.2f MB, goroutines: %d\n", heapMB(baseline), runtime.NumGoroutine())

	ctx := context.Background()
	key := models.SeriesKey{Exchange: "binance", Pair: "BTCUSDT", Period: models.Hour}
	store := storage.NewMemoryStore()
	all := generateCandles(candleCount)

	// Ten reconcile+append rounds, each overlapping the stored tail.
	fmt.Printf("\nReconciling %d candles in 10 batches...\n", candleCount)
	start := time.Now()
	chunk := candleCount / 10
	for i := 0; i < 10; i++ {
		tail, err := store.ReadTail(ctx, key, 10)
		if err != nil {
			log.Fatal(err)
		}
		lo := i * chunk
		if lo > 5 {
			lo -= 5
		}
		merged, report, err := reconcile.Reconcile(tail, all[lo:(i+1)*chunk], key)
		if err != nil {
			log.Fatal(err)
		}
		if len(report.Anomalies) > 0 {
			fmt.Printf("  batch %d: %d anomalies\n", i, len(report.Anomalies))
		}
		if err := store.Append(ctx, key, merged); err != nil {
			log.Fatal(err)
		}
	}
	elapsed := time.Since(start)

	runtime.GC()
	runtime.GC()
	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	increase := heapMB(after) - heapMB(baseline)
	throughput := float64(candleCount) / elapsed.Seconds()
	fmt.Printf("  Duration: %v\n", elapsed)
	fmt.Printf("  Heap increase: %.2f MB (%.2f bytes/candle)\n", increase, increase*1024*1024/candleCount)
	fmt.Printf("  Throughput: %.2f candles/sec\n", throughput)

	fmt.Printf("\nAuditing stored series...\n")
	auditStart := time.Now()
	report, err := audit.Audit(ctx, key, store)
	if err != nil {
		log.Fatal(err)
	}
	auditElapsed := time.Since(auditStart)
	fmt.Printf("  Checked %d candles in %v, %d gaps, %d duplicates, %d misaligned\n",
		report.Checked, auditElapsed, len(report.Gaps), len(report.Duplicates), len(report.Misaligned))

	fmt.Printf("\nPerformance Validation:\n")
	check("heap increase under 50MB", increase < 50)
	check("throughput above 1000 candles/sec", throughput > 1000)
	check("audit under 100ms", auditElapsed < 100*time.Millisecond)
	check("stored series is consistent", report.Empty() && report.Checked == candleCount)
}

func check(name string, ok bool) {
	if ok {
		fmt.Printf("  PASS: %s\n", name)
		return
	}
	fmt.Printf("  FAIL: %s\n", name)
}

func generateCandles(count int) []models.Candle {
	base := time.Now().Add(-time.Duration(count+1) * time.Hour).Truncate(time.Hour).Unix()
	out := make([]models.Candle, count)
	for i := range out {
		c, err := models.NewCandle(base+int64(i)*3600, "50000.00", "50100.00", "49900.00", "50050.00", "1000.00")
		if err != nil {
			log.Fatal(err)
		}
		out[i] = c
	}
	return out
}
