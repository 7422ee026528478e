// Package flightsvc exposes an engine.Session as an Arrow Flight service.
// Operations are Flight actions with JSON bodies. The remaining stream
// buffer can be fetched as one Arrow record with DoGet.
package flightsvc

import (
	"context"
	"fmt"
	"net/http"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-sessiond/internal/api"
	"github.com/23skdu/longbow-sessiond/internal/config"
	"github.com/23skdu/longbow-sessiond/internal/engine"
	"github.com/23skdu/longbow-sessiond/internal/logger"
	"github.com/23skdu/longbow-sessiond/internal/metrics"
	"github.com/23skdu/longbow-sessiond/internal/monitoring"
)

const (
	ActionLoadModel      = "load_model"
	ActionUnloadModel    = "unload_model"
	ActionModelInfo      = "model_info"
	ActionGenerate       = "generate"
	ActionStreamStart    = "stream_start"
	ActionStreamNext     = "stream_next"
	ActionStreamEnd      = "stream_end"
	ActionStreamState    = "stream_state"
	ActionStopGeneration = "stop_generation"
	ActionHealth         = "health"

	// TicketStream drains the stream buffer through DoGet.
	TicketStream = "stream"
)

var actionTypes = []flight.ActionType{
	{Type: ActionLoadModel, Description: "Load a GGUF model, replacing any loaded one"},
	{Type: ActionUnloadModel, Description: "Release the loaded model"},
	{Type: ActionModelInfo, Description: "Metadata of the loaded model"},
	{Type: ActionGenerate, Description: "Generate text for a prompt"},
	{Type: ActionStreamStart, Description: "Generate into the stream buffer"},
	{Type: ActionStreamNext, Description: "Next piece from the stream buffer"},
	{Type: ActionStreamEnd, Description: "Discard the stream buffer"},
	{Type: ActionStreamState, Description: "Current stream state"},
	{Type: ActionStopGeneration, Description: "Ask the running generation to stop"},
	{Type: ActionHealth, Description: "Health snapshot"},
}

// StreamSchema is the layout of records returned for TicketStream.
var StreamSchema = arrow.NewSchema([]arrow.Field{
	{Name: "index", Type: arrow.PrimitiveTypes.Int32},
	{Name: "token_id", Type: arrow.PrimitiveTypes.Int32},
	{Name: "piece", Type: arrow.BinaryTypes.String},
}, nil)

type Config struct {
	Model        config.ModelConfig
	Sampling     config.SamplingConfig
	ResolveModel func(string) (string, error)
}

type Service struct {
	flight.BaseFlightServer

	sess   *engine.Session
	health *monitoring.HealthMonitor
	cfg    Config
	mem    memory.Allocator
	log    *logger.Logger
}

func NewService(sess *engine.Session, health *monitoring.HealthMonitor, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Log
	}
	if health == nil {
		health = monitoring.NewHealthMonitor("", log)
	}
	if cfg.ResolveModel == nil {
		cfg.ResolveModel = api.ResolveModelPath
	}
	return &Service{
		sess:   sess,
		health: health,
		cfg:    cfg,
		mem:    memory.NewGoAllocator(),
		log:    log.With("component", "flight"),
	}
}

func (s *Service) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	for i := range actionTypes {
		if err := stream.Send(&actionTypes[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	resp, err := s.dispatch(stream.Context(), action.Type, action.Body)
	metrics.RecordRequest("flight", action.Type, err)
	if err != nil {
		return s.toStatus(action.Type, err)
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return status.Errorf(codes.Internal, "%s: encode result: %v", api.CodeInternal, err)
	}
	return stream.Send(&flight.Result{Body: body})
}

func (s *Service) dispatch(ctx context.Context, typ string, body []byte) (any, error) {
	switch typ {
	case ActionLoadModel:
		req, err := decode[api.LoadRequest](body)
		if err != nil {
			return nil, err
		}
		return s.loadModel(ctx, req)

	case ActionUnloadModel:
		s.sess.UnloadModel()
		return api.LoadResponse{Loaded: false}, nil

	case ActionModelInfo:
		info, ok := s.sess.ModelInfo()
		if !ok {
			return nil, engine.ErrNotLoaded
		}
		return info, nil

	case ActionGenerate:
		req, err := decode[api.GenerateRequest](body)
		if err != nil {
			return nil, err
		}
		cfg, maxTokens := req.Sampling(s.cfg.Sampling)
		res, err := s.sess.Generate(ctx, req.Prompt, cfg, maxTokens)
		s.health.RecordInference(res.TokenCount, res.Duration, err)
		if err != nil {
			return nil, err
		}
		return api.NewGenerateResponse(res), nil

	case ActionStreamStart:
		req, err := decode[api.GenerateRequest](body)
		if err != nil {
			return nil, err
		}
		cfg, maxTokens := req.Sampling(s.cfg.Sampling)
		if err := s.sess.StreamStart(ctx, req.Prompt, cfg, maxTokens); err != nil {
			return nil, err
		}
		res := s.sess.StreamResult()
		s.health.RecordInference(res.TokenCount, res.Duration, nil)
		return s.streamStatus(), nil

	case ActionStreamNext:
		piece, ok := s.sess.StreamNext()
		return api.StreamNextResponse{Token: piece, Done: !ok}, nil

	case ActionStreamEnd:
		s.sess.StreamEnd()
		return s.streamStatus(), nil

	case ActionStreamState:
		return s.streamStatus(), nil

	case ActionStopGeneration:
		s.sess.StopGeneration()
		return struct{}{}, nil

	case ActionHealth:
		return s.health.Snapshot(monitoring.SessionInfo(s.sess)), nil
	}
	return nil, fmt.Errorf("%w: unknown action %q", engine.ErrInvalidArgument, typ)
}

func (s *Service) loadModel(ctx context.Context, req api.LoadRequest) (api.LoadResponse, error) {
	p := req.Params(s.cfg.Model)
	if p.Path == "" {
		return api.LoadResponse{}, fmt.Errorf("%w: path is required", engine.ErrInvalidArgument)
	}
	path, err := s.cfg.ResolveModel(p.Path)
	if err != nil {
		return api.LoadResponse{}, err
	}
	p.Path = path
	if err := s.sess.LoadModel(ctx, p); err != nil {
		s.health.AddAlert("error", "model", err.Error())
		return api.LoadResponse{}, err
	}
	info, _ := s.sess.ModelInfo()
	return api.LoadResponse{Loaded: true, Path: p.Path, Info: info}, nil
}

func (s *Service) streamStatus() api.StreamStatus {
	return api.StreamStatus{State: s.sess.StreamState().String()}
}

// DoGet drains the stream buffer into a single record.
func (s *Service) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	if string(ticket.GetTicket()) != TicketStream {
		err := fmt.Errorf("%w: unknown ticket %q", engine.ErrInvalidArgument, ticket.GetTicket())
		metrics.RecordRequest("flight", "do_get", err)
		return s.toStatus("do_get", err)
	}

	tokens := s.sess.StreamTokens()
	rec := s.tokenRecord(tokens)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(StreamSchema), ipc.WithAllocator(s.mem))
	err := w.Write(rec)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	metrics.RecordRequest("flight", "do_get", err)
	if err != nil {
		return status.Errorf(codes.Internal, "%s: write stream record: %v", api.CodeInternal, err)
	}
	s.log.Debug("Streamed tokens", "count", len(tokens))
	return nil
}

func (s *Service) tokenRecord(tokens []engine.Token) arrow.Record {
	b := array.NewRecordBuilder(s.mem, StreamSchema)
	defer b.Release()

	idx := b.Field(0).(*array.Int32Builder)
	ids := b.Field(1).(*array.Int32Builder)
	pieces := b.Field(2).(*array.StringBuilder)
	idx.Reserve(len(tokens))
	ids.Reserve(len(tokens))
	pieces.Reserve(len(tokens))
	for _, t := range tokens {
		idx.Append(int32(t.Index))
		ids.Append(t.ID)
		pieces.Append(t.Piece)
	}
	return b.NewRecord()
}

// toStatus maps an engine error onto a gRPC status. The message starts with
// the api error code so clients can rebuild the error.
func (s *Service) toStatus(op string, err error) error {
	httpStatus, code := api.Classify(err)
	if httpStatus >= http.StatusInternalServerError {
		s.log.Error("Flight request failed", "op", op, "code", code, "error", err)
	} else {
		s.log.Debug("Flight request rejected", "op", op, "code", code, "error", err)
	}
	return status.Errorf(grpcCode(httpStatus), "%s: %s", code, err.Error())
}

func grpcCode(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return codes.FailedPrecondition
	}
	return codes.Internal
}

func decode[T any](body []byte) (T, error) {
	var v T
	if len(body) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("%w: %v", engine.ErrInvalidArgument, err)
	}
	return v, nil
}
