package main

import (
	"context"
	"flag"
	"os"
	"runtime/pprof"
	"time"

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

	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/ops"
)

var (
	backendName = flag.String("backend", "auto", "Compute backend (cpu, webgpu, auto)")
	listenAddr  = flag.String("listen", "", "Address to listen on for HTTP server (e.g. :8080)")
	flightAddr  = flag.String("flight", "", "Address to listen on for Flight server (e.g. :9090)")
	serverAddr  = flag.String("server", "", "Longbow server address to forward results to (e.g. localhost:3000)")
	datasetName = flag.String("dataset", "quiver_results", "Target dataset name on the Longbow server")
	maxElements = flag.Int64("max-elements", 1<<24, "Maximum tensor elements admitted concurrently")
	cpuProfile  = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel  = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
)

func main() {
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

	backend := selectBackend(*backendName)
	log.Info().Str("backend", backend.Name()).Msg("Compute backend ready")

	var pusher *client.ResultPusher
	if *serverAddr != "" {
		var err error
		pusher, err = client.NewResultPusher(*serverAddr, *datasetName)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Longbow")
		}
		defer pusher.Close()
		log.Info().Str("addr", *serverAddr).Str("dataset", *datasetName).Msg("Forwarding results to Longbow")
	}

	if *listenAddr != "" {
		// Assign through the interface only when set: a typed nil pointer
		// would defeat the pusher == nil check in the handlers.
		var p resultPusher
		if pusher != nil {
			p = pusher
		}
		go startServer(*listenAddr, backend, p, *maxElements)
	}
	if *flightAddr != "" {
		go startFlightServer(*flightAddr, backend)
	}
	if *listenAddr != "" || *flightAddr != "" {
		select {}
	}

	// No server flags: run a quick self-check and emit the result as an
	// Arrow IPC stream on stdout.
	selfCheck(backend)
}

// selectBackend resolves the -backend flag. "auto" prefers the GPU and
// falls back to the host when no adapter is available.
func selectBackend(name string) device.Backend {
	switch name {
	case "cpu":
		return device.Host()
	case "webgpu":
		b, err := device.NewWebGPUBackend()
		if err != nil {
			log.Fatal().Err(err).Msg("WebGPU backend requested but unavailable")
		}
		return b
	case "auto":
		if device.WebGPUAvailable() {
			if b, err := device.NewWebGPUBackend(); err == nil {
				return b
			}
		}
		log.Info().Msg("No GPU adapter found, using host backend")
		return device.Host()
	default:
		log.Fatal().Str("backend", name).Msg("Unknown backend")
		return nil
	}
}

// selfCheck multiplies a pair of complex matrices through the fallback
// path and streams the result to stdout.
func selfCheck(backend device.Backend) {
	a := backend.NewComplex(device.Shape{2, 2}, device.Complex128,
		[]complex128{1 + 1i, 2, 3, 4 - 1i})
	b := backend.NewComplex(device.Shape{2, 2}, device.Complex128,
		[]complex128{1, 0, 0, 1})

	start := time.Now()
	res, err := ops.MatMul(a, b)
	if err != nil {
		log.Fatal().Err(err).Msg("Self-check matmul failed")
	}
	log.Info().
		Str("backend", backend.Name()).
		Str("shape", res.Shape().String()).
		Dur("elapsed", time.Since(start)).
		Msg("Self-check complete")

	codec := client.NewTensorCodec(memory.NewGoAllocator())
	rec, err := codec.Encode(res)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encode result")
	}
	defer rec.Release()

	writer := ipc.NewWriter(os.Stdout, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		log.Fatal().Err(err).Msg("Failed to write arrow stream")
	}
	if err := writer.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close arrow stream")
	}
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
