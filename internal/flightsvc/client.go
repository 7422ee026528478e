package flightsvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-sessiond/internal/api"
	"github.com/23skdu/longbow-sessiond/internal/engine"
	"github.com/23skdu/longbow-sessiond/internal/monitoring"
)

// Client calls a remote Service. Errors returned by its methods match the
// engine sentinels (engine.ErrNotLoaded and so on).
type Client struct {
	fc   flight.Client
	addr string
}

func Dial(addr string) (*Client, error) {
	fc, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &Client{fc: fc, addr: addr}, nil
}

func (c *Client) Close() error {
	return c.fc.Close()
}

func (c *Client) Addr() string { return c.addr }

func (c *Client) LoadModel(ctx context.Context, req api.LoadRequest) (api.LoadResponse, error) {
	var resp api.LoadResponse
	err := c.action(ctx, ActionLoadModel, req, &resp)
	return resp, err
}

func (c *Client) UnloadModel(ctx context.Context) error {
	return c.action(ctx, ActionUnloadModel, nil, nil)
}

func (c *Client) ModelInfo(ctx context.Context) (engine.ModelInfo, error) {
	var info engine.ModelInfo
	err := c.action(ctx, ActionModelInfo, nil, &info)
	return info, err
}

func (c *Client) Generate(ctx context.Context, req api.GenerateRequest) (api.GenerateResponse, error) {
	var resp api.GenerateResponse
	err := c.action(ctx, ActionGenerate, req, &resp)
	return resp, err
}

func (c *Client) StreamStart(ctx context.Context, req api.GenerateRequest) error {
	return c.action(ctx, ActionStreamStart, req, nil)
}

// StreamNext returns the next piece, or false once the stream is exhausted.
func (c *Client) StreamNext(ctx context.Context) (string, bool, error) {
	var resp api.StreamNextResponse
	if err := c.action(ctx, ActionStreamNext, nil, &resp); err != nil {
		return "", false, err
	}
	return resp.Token, !resp.Done, nil
}

func (c *Client) StreamEnd(ctx context.Context) error {
	return c.action(ctx, ActionStreamEnd, nil, nil)
}

func (c *Client) StreamState(ctx context.Context) (string, error) {
	var st api.StreamStatus
	err := c.action(ctx, ActionStreamState, nil, &st)
	return st.State, err
}

func (c *Client) StopGeneration(ctx context.Context) error {
	return c.action(ctx, ActionStopGeneration, nil, nil)
}

func (c *Client) Health(ctx context.Context) (monitoring.HealthStatus, error) {
	var st monitoring.HealthStatus
	err := c.action(ctx, ActionHealth, nil, &st)
	return st, err
}

func (c *Client) ListActions(ctx context.Context) ([]string, error) {
	stream, err := c.fc.ListActions(ctx, &flight.Empty{})
	if err != nil {
		return nil, remoteErr(err)
	}
	var names []string
	for {
		at, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, remoteErr(err)
		}
		names = append(names, at.GetType())
	}
}

// StreamTokens drains the remote stream buffer through DoGet.
func (c *Client) StreamTokens(ctx context.Context) ([]engine.Token, error) {
	stream, err := c.fc.DoGet(ctx, &flight.Ticket{Ticket: []byte(TicketStream)})
	if err != nil {
		return nil, remoteErr(err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, remoteErr(err)
	}
	defer rdr.Release()

	var tokens []engine.Token
	for rdr.Next() {
		rec := rdr.Record()
		idx := rec.Column(0).(*array.Int32)
		ids := rec.Column(1).(*array.Int32)
		pieces := rec.Column(2).(*array.String)
		for i := 0; i < int(rec.NumRows()); i++ {
			tokens = append(tokens, engine.Token{
				Index: int(idx.Value(i)),
				ID:    ids.Value(i),
				Piece: pieces.Value(i),
			})
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, remoteErr(err)
	}
	return tokens, nil
}

func (c *Client) action(ctx context.Context, typ string, req, resp any) error {
	var body []byte
	if req != nil {
		var err error
		if body, err = json.Marshal(req); err != nil {
			return fmt.Errorf("encode %s request: %w", typ, err)
		}
	}

	stream, err := c.fc.DoAction(ctx, &flight.Action{Type: typ, Body: body})
	if err != nil {
		return remoteErr(err)
	}
	res, err := stream.Recv()
	if err != nil {
		return remoteErr(err)
	}
	// drain so the call completes
	for {
		if _, err := stream.Recv(); err != nil {
			if !errors.Is(err, io.EOF) {
				return remoteErr(err)
			}
			break
		}
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(res.GetBody(), resp); err != nil {
		return fmt.Errorf("decode %s result: %w", typ, err)
	}
	return nil
}

// remoteErr rebuilds an engine error from a status message of the form
// "<code>: <message>".
func remoteErr(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	code, msg, found := strings.Cut(st.Message(), ": ")
	if !found {
		return err
	}
	return api.ErrorFromCode(code, msg)
}
