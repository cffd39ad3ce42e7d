package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/cam"
	"github.com/23skdu/longbow-quiver/internal/stackio"
)

// QuiverFlightServer accepts input stacks over Arrow Flight DoPut and
// matches each against the resident CAM stack. Results are forwarded to the
// configured Longbow store rather than echoed on the stream.
type QuiverFlightServer struct {
	flight.BaseFlightServer
	matcher      MatcherInterface
	flightClient FlightClientInterface
	datasetName  string
	alloc        memory.Allocator
}

func NewQuiverFlightServer(matcher MatcherInterface, fc FlightClientInterface, dataset string) *QuiverFlightServer {
	return &QuiverFlightServer{
		matcher:      matcher,
		flightClient: fc,
		datasetName:  dataset,
		alloc:        memory.NewGoAllocator(),
	}
}

func (s *QuiverFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	return fmt.Errorf("DoExchange not implemented")
}

func (s *QuiverFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	ctx := stream.Context()
	for reader.Next() {
		rec := reader.Record()
		inputs, err := stackio.StackFromRecord(rec)
		if err != nil {
			return err
		}
		log.Info().
			Str("shape", inputs.Shape().String()).
			Msg("DoPut received input stack")

		results, err := s.matcher.Match(ctx, inputs, cam.OpMatch, cam.Uint8, nil)
		if err != nil {
			return err
		}
		log.Info().
			Str("results_shape", results.Shape().String()).
			Msg("Matched input stack")

		if s.flightClient != nil {
			out, err := stackio.RecordFromStack(s.alloc, results)
			if err != nil {
				return err
			}
			pushErr := s.flightClient.DoPut(ctx, s.datasetName, out)
			out.Release()
			if pushErr != nil {
				log.Warn().Err(pushErr).Msg("Failed to forward results to Longbow")
			}
		}
	}
	return reader.Err()
}

func StartFlightServer(addr string, matcher MatcherInterface, fc FlightClientInterface, dataset string) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewQuiverFlightServer(matcher, fc, dataset))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Quiver Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
