package main

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-quiver/internal/cam"
)

// runSoak dispatches the same inputs/CAM pairing in a loop for the given
// duration and reports latency quantiles and throughput.
func runSoak(ctx context.Context, matcher MatcherInterface, inputs *cam.Stack, op cam.Op, dtype cam.DType, d time.Duration) {
	log.Info().Str("duration", d.String()).Msg("Starting soak test")

	startTime := time.Now()
	endTime := startTime.Add(d)
	var totalMatches int64
	var iter int
	var latencies []float64

	camShape := matcher.CamShape()
	matchesPerIter := int64(cam.Shape(inputs.Shape()[:inputs.Rank()-2]).Product()) * int64(camShape[len(camShape)-2])

	for time.Now().Before(endTime) {
		iterStart := time.Now()
		if _, err := matcher.Match(ctx, inputs, op, dtype, nil); err != nil {
			log.Fatal().Err(err).Msg("Soak dispatch failed")
		}
		latencies = append(latencies, time.Since(iterStart).Seconds())

		totalMatches += matchesPerIter
		iter++

		if iter%100 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_matches", totalMatches).
				Float64("mps", float64(totalMatches)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	sort.Float64s(latencies)
	mean := stat.Mean(latencies, nil)
	p50 := stat.Quantile(0.50, stat.Empirical, latencies, nil)
	p99 := stat.Quantile(0.99, stat.Empirical, latencies, nil)

	p := message.NewPrinter(language.English)
	log.Info().
		Int("iterations", iter).
		Str("total_matches", p.Sprintf("%d", totalMatches)).
		Dur("total_time", totalElapsed).
		Str("matches_per_sec", p.Sprintf("%.0f", float64(totalMatches)/totalElapsed.Seconds())).
		Float64("mean_ms", mean*1000).
		Float64("p50_ms", p50*1000).
		Float64("p99_ms", p99*1000).
		Msg("Soak test complete")
}

// demoStacks builds a small TCAM pairing for default and soak modes: a
// stack of CAM cores with a sprinkling of wildcard cells, and a batch of
// inputs drawn from the same value range.
func demoStacks(cores, camRows, inputRows, columns int) (*cam.Stack, *cam.Stack) {
	rng := rand.New(rand.NewSource(42))

	camData := make([]float32, cores*camRows*columns)
	for i := range camData {
		if rng.Float64() < 0.1 {
			camData[i] = float32(math.NaN())
		} else {
			camData[i] = float32(rng.Intn(2))
		}
	}
	camStack, err := cam.FromFloat32(cam.Shape{cores, camRows, columns}, camData)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build demo CAM stack")
	}

	inputData := make([]float32, cores*inputRows*columns)
	for i := range inputData {
		inputData[i] = float32(rng.Intn(2))
	}
	inputs, err := cam.FromFloat32(cam.Shape{cores, inputRows, columns}, inputData)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build demo input stack")
	}

	return inputs, camStack
}
