// Package trendlab is a Go client for the trendlab results server.
package trendlab

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service the results server registers. Requests
// and responses are google.protobuf.Struct messages carrying the JSON form
// of this package's types.
const ServiceName = "trendlab.v1.Results"

// Full method names.
const (
	MethodListRuns  = "/" + ServiceName + "/ListRuns"
	MethodGetRun    = "/" + ServiceName + "/GetRun"
	MethodRunRecipe = "/" + ServiceName + "/RunRecipe"
)

// Client talks to a trendlab results server over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient creates a client for addr. Without options the connection is
// insecure.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// ListRuns returns stored runs, newest first. limit of 0 returns all.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]RunInfo, error) {
	var out struct {
		Runs []RunInfo `json:"runs"`
	}
	if err := c.call(ctx, MethodListRuns, map[string]any{"limit": limit}, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// GetRun returns one run with its trades, equity curve and diagnostics.
func (c *Client) GetRun(ctx context.Context, id string) (*Run, error) {
	var out Run
	if err := c.call(ctx, MethodGetRun, map[string]any{"id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunRecipe asks the server to run a stored recipe and returns the new
// run's header.
func (c *Client) RunRecipe(ctx context.Context, recipe string) (*RunInfo, error) {
	var out RunInfo
	if err := c.call(ctx, MethodRunRecipe, map[string]any{"recipe": recipe}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, method string, req map[string]any, out any) error {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	var resp structpb.Struct
	if err := c.conn.Invoke(ctx, method, in, &resp); err != nil {
		return err
	}
	return Decode(&resp, out)
}

// Encode converts a JSON-tagged value to a Struct.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(b, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Decode converts a Struct into the JSON-tagged value v points to.
func Decode(st *structpb.Struct, v any) error {
	b, err := protojson.Marshal(st)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
