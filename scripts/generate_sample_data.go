//go:build ignore

// generate_sample_data writes synthetic per-instrument indicator tables so
// the training and scoring runs can be tried without real market data.
//
//	go run scripts/generate_sample_data.go -out Data/IndicatorData -symbols 20
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"path/filepath"
	"time"

	"trendcast/internal/common"
	"trendcast/internal/table"
)

func main() {
	var (
		outDir     = flag.String("out", common.DefaultInputDirectory, "Directory the indicator tables are written to")
		symbols    = flag.Int("symbols", 10, "Number of instruments to generate")
		days       = flag.Int("days", 400, "Trading days per instrument")
		startPrice = flag.Float64("start-price", 100, "Starting price")
		format     = flag.String("format", "parquet", "Output format: parquet or csv")
		seed       = flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	)
	flag.Parse()

	fmt.Printf("Generating %d instruments x %d days into %s\n", *symbols, *days, *outDir)

	rng := rand.New(rand.NewSource(*seed))
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < *symbols; i++ {
		name := fmt.Sprintf("SYM%03d.%s", i, *format)
		t := generateInstrument(rng, start, *days, *startPrice)
		if err := table.Write(filepath.Join(*outDir, name), t); err != nil {
			log.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	fmt.Printf("✓ Generated %d indicator tables\n", *symbols)
}

// generateInstrument simulates a geometric random walk with mild momentum
// and derives a handful of indicator columns from it.
func generateInstrument(rng *rand.Rand, start time.Time, days int, startPrice float64) *table.Table {
	const (
		volatility = 0.02
		momentum   = 0.15
		window     = 14
	)

	closes := make([]float64, days)
	price, prevRet := startPrice, 0.0
	for i := range closes {
		ret := momentum*prevRet + volatility*rng.NormFloat64()
		price *= math.Exp(ret)
		closes[i] = price
		prevRet = ret
	}

	dates := make([]time.Time, days)
	change := make([]float64, days)
	smaRatio := make([]float64, days)
	rsi := make([]float64, days)
	volume := make([]int64, days)
	for i := range closes {
		dates[i] = start.AddDate(0, 0, i)
		volume[i] = int64(1e5 * (0.5 + rng.Float64()))
		if i == 0 {
			change[i] = math.NaN()
			smaRatio[i] = math.NaN()
			rsi[i] = math.NaN()
			continue
		}
		change[i] = (closes[i]/closes[i-1] - 1) * 100

		if i < window {
			smaRatio[i] = math.NaN()
			rsi[i] = math.NaN()
			continue
		}
		var sum, gain, loss float64
		for j := i - window + 1; j <= i; j++ {
			sum += closes[j]
			d := closes[j] - closes[j-1]
			if d > 0 {
				gain += d
			} else {
				loss -= d
			}
		}
		smaRatio[i] = closes[i] / (sum / window)
		if gain+loss == 0 {
			rsi[i] = 50
		} else {
			rsi[i] = 100 * gain / (gain + loss)
		}
	}

	return table.MustNew(
		table.TimeColumn(common.DefaultDateColumn, dates),
		table.FloatColumn("Close", closes),
		table.IntColumn("Volume", volume),
		table.FloatColumn("SMA_Ratio_14", smaRatio),
		table.FloatColumn("RSI_14", rsi),
		table.FloatColumn(common.DefaultTargetColumn, change),
	)
}
