package server

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mpepping/rxcache/internal/event"
)

// Client calls rxcache.v1.Cache over a gRPC connection
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) call(ctx context.Context, method string, fields map[string]*structpb.Value, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), newStruct(fields), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the value stored under key. A missing key is a NotFound status.
func (c *Client) Get(ctx context.Context, cache, key string) (string, error) {
	out, err := c.call(ctx, "Get", map[string]*structpb.Value{
		FieldCache: structpb.NewStringValue(cache),
		FieldKey:   structpb.NewStringValue(key),
	})
	if err != nil {
		return "", err
	}
	return stringField(out, FieldValue), nil
}

// Put stores value under key. A zero ttl uses the server's default.
func (c *Client) Put(ctx context.Context, cache, key, value string, ttl time.Duration) error {
	fields := map[string]*structpb.Value{
		FieldCache: structpb.NewStringValue(cache),
		FieldKey:   structpb.NewStringValue(key),
		FieldValue: structpb.NewStringValue(value),
	}
	if ttl != 0 {
		fields[FieldTTL] = structpb.NewStringValue(ttl.String())
	}

	_, err := c.call(ctx, "Put", fields)
	return err
}

// Delete removes key and returns the value it held
func (c *Client) Delete(ctx context.Context, cache, key string) (string, bool, error) {
	out, err := c.call(ctx, "Delete", map[string]*structpb.Value{
		FieldCache: structpb.NewStringValue(cache),
		FieldKey:   structpb.NewStringValue(key),
	})
	if err != nil {
		return "", false, err
	}
	return stringField(out, FieldValue), out.GetFields()[FieldFound].GetBoolValue(), nil
}

// List returns every entry of cache
func (c *Client) List(ctx context.Context, cache string) (map[string]string, error) {
	out, err := c.call(ctx, "List", map[string]*structpb.Value{
		FieldCache: structpb.NewStringValue(cache),
	})
	if err != nil {
		return nil, err
	}

	entries := out.GetFields()[FieldEntries].GetStructValue().GetFields()
	result := make(map[string]string, len(entries))
	for k, v := range entries {
		result[k] = v.GetStringValue()
	}
	return result, nil
}

// WatchEvent is one message of a Watch stream. Synced marks the end of the
// snapshot and carries no event.
type WatchEvent struct {
	Event    event.ChangeEvent[string, string]
	Snapshot bool
	Synced   bool
}

// Watcher reads a Watch stream
type Watcher struct {
	stream grpc.ClientStream
}

// Watch opens a Watch stream for cache. Cancel ctx to close it.
func (c *Client) Watch(ctx context.Context, cache string) (*Watcher, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("Watch"))
	if err != nil {
		return nil, err
	}

	req := newStruct(map[string]*structpb.Value{
		FieldCache: structpb.NewStringValue(cache),
	})
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	return &Watcher{stream: stream}, nil
}

// Recv blocks for the next message. It returns io.EOF when the server ends
// the stream cleanly.
func (w *Watcher) Recv() (WatchEvent, error) {
	m := new(structpb.Struct)
	if err := w.stream.RecvMsg(m); err != nil {
		return WatchEvent{}, err
	}

	if m.GetFields()[FieldSynced].GetBoolValue() {
		return WatchEvent{Synced: true}, nil
	}

	evt, snapshot, err := DecodeEvent(m)
	if err != nil {
		return WatchEvent{}, fmt.Errorf("decode watch event: %w", err)
	}
	return WatchEvent{Event: evt, Snapshot: snapshot}, nil
}
