package main

import (
	"context"
	"flag"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-quiver/internal/cam"
	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/stackio"
)

var (
	camPath       = flag.String("cam", "", "Path to Arrow IPC file holding the CAM stack")
	inputsPath    = flag.String("inputs", "", "Path to Arrow IPC file holding the input stack")
	variantFlag   = flag.String("variant", "tcam", "CAM variant (tcam, acam)")
	opFlag        = flag.String("op", "match", "Operation (match, count_mismatches, reduce_sum)")
	dtypeFlag     = flag.String("dtype", "", "Result element type (float32, int32, uint8); default depends on op")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	useGPU        = flag.Bool("gpu", false, "Use CUDA GPU acceleration")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	serverAddr    = flag.String("server", "", "Longbow server address (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "quiver_results", "Target dataset name on server")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 256, "Maximum number of concurrent match dispatches")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	demoCores     = flag.Int("demo-cores", 8, "Demo mode: number of CAM cores")
	demoCamRows   = flag.Int("demo-cam-rows", 64, "Demo mode: rows per CAM core")
	demoInputRows = flag.Int("demo-input-rows", 32, "Demo mode: input rows per core")
	demoColumns   = flag.Int("demo-columns", 16, "Demo mode: columns")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	variant, err := parseVariant(*variantFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Bad -variant")
	}
	op, err := parseOp(*opFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Bad -op")
	}
	dtype, err := parseDType(*dtypeFlag, op)
	if err != nil {
		log.Fatal().Err(err).Msg("Bad -dtype")
	}

	var dev cam.Device
	if *useGPU {
		dev = device.NewCuda()
	} else {
		dev = device.NewCPU()
	}
	log.Info().Str("device", dev.Name()).Str("variant", variant.String()).Msg("Device ready")

	var camStack *cam.Stack
	if *camPath != "" {
		camStack, err = stackio.ReadFile(*camPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *camPath).Msg("Failed to load CAM stack")
		}
		log.Info().Str("shape", camStack.Shape().String()).Msg("Loaded CAM stack")
	}

	var inputs *cam.Stack
	if *inputsPath != "" {
		inputs, err = stackio.ReadFile(*inputsPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *inputsPath).Msg("Failed to load input stack")
		}
		log.Info().Str("shape", inputs.Shape().String()).Msg("Loaded input stack")
	}

	if camStack == nil {
		demoInputs, demoCam := demoStacks(*demoCores, *demoCamRows, *demoInputRows, *demoColumns)
		camStack = demoCam
		if inputs == nil {
			inputs = demoInputs
		}
		log.Info().
			Str("cam_shape", camStack.Shape().String()).
			Str("inputs_shape", inputs.Shape().String()).
			Msg("Generated demo stacks")
	}

	matcher := NewMatcher(dev, camStack, variant)

	// Server Mode
	if *listenAddr != "" || *flightAddr != "" {
		var fcInterface FlightClientInterface
		if *serverAddr != "" {
			fc, err := client.NewFlightClient(*serverAddr)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to create flight client")
			}
			log.Info().Str("addr", *serverAddr).Msg("Connected to Flight Server")
			fcInterface = fc
		}

		if *listenAddr != "" {
			go startServer(*listenAddr, matcher, fcInterface, *datasetName, *maxConcurrent)
		}
		if *flightAddr != "" {
			StartFlightServer(*flightAddr, matcher, fcInterface, *datasetName)
			return
		}
		select {}
	}

	if *duration > 0 {
		runSoak(context.Background(), matcher, inputs, op, dtype, *duration)
		return
	}

	start := time.Now()
	results, err := matcher.Match(context.Background(), inputs, op, dtype, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Match dispatch failed")
	}
	elapsed := time.Since(start)

	log.Info().
		Str("inputs_shape", inputs.Shape().String()).
		Str("cam_shape", camStack.Shape().String()).
		Str("results_shape", results.Shape().String()).
		Str("op", op.String()).
		Dur("elapsed", elapsed).
		Msg("Matched input stack")

	pool := memory.NewGoAllocator()
	rec, err := stackio.RecordFromStack(pool, results)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build result record")
	}
	defer rec.Release()

	// If server is provided, send via Flight
	if *serverAddr != "" {
		log.Info().Str("server", *serverAddr).Str("dataset", *datasetName).Msg("Sending results to Longbow")
		flightClient, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Longbow")
		}
		defer func() {
			if err := flightClient.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := flightClient.DoPut(ctx, *datasetName, rec); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Msg("Successfully sent results to Longbow")
	} else {
		// Write result record to stdout as an Arrow IPC stream
		if err := writeArrowStream(os.Stdout, rec); err != nil {
			log.Warn().Err(err).Msg("Failed to write arrow stream")
		}
	}
}

func writeArrowStream(w *os.File, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("quiver"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
