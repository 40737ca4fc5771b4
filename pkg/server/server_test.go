package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mpepping/rxcache/internal/event"
	"github.com/mpepping/rxcache/internal/limiter"
	"github.com/mpepping/rxcache/internal/state"
	"github.com/mpepping/rxcache/pkg/limits"
)

func newTestServer(t *testing.T, opts ...state.Option) (*CacheServer, *state.State) {
	t.Helper()

	logger := zap.NewNop()
	st := state.NewState(logger, opts...)
	return NewCacheServer(st, limiter.NewIPLimiter(), logger), st
}

func request(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()

	m, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	return m
}

func expectCode(t *testing.T, err error, code codes.Code) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected %v error, got nil", code)
	}
	if got := status.Code(err); got != code {
		t.Errorf("expected %v, got %v (%v)", code, got, err)
	}
}

func TestNewCacheServer(t *testing.T) {
	logger := zap.NewNop()
	st := state.NewState(logger)
	lim := limiter.NewIPLimiter()

	server := NewCacheServer(st, lim, logger)

	if server.state != st {
		t.Error("state not set correctly")
	}

	if server.limiter != lim {
		t.Error("limiter not set correctly")
	}

	if server.requests == nil {
		t.Error("requests metric not initialized")
	}
}

func TestPutGet(t *testing.T) {
	server, st := newTestServer(t)
	ctx := context.Background()

	_, err := server.Put(ctx, request(t, map[string]any{"cache": "users", "key": "alice", "value": "admin"}))
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	resp, err := server.Get(ctx, request(t, map[string]any{"cache": "users", "key": "alice"}))
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}

	if v := stringField(resp, FieldValue); v != "admin" {
		t.Errorf("expected value 'admin', got %q", v)
	}

	if n := st.GetCache("users").Size(); n != 1 {
		t.Errorf("expected 1 entry, got %d", n)
	}
}

func TestGetNotFound(t *testing.T) {
	server, _ := newTestServer(t)

	_, err := server.Get(context.Background(), request(t, map[string]any{"cache": "users", "key": "nobody"}))
	expectCode(t, err, codes.NotFound)
}

func TestValidation(t *testing.T) {
	server, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func(*structpb.Struct) error
		req  map[string]any
	}{
		{
			name: "get without cache",
			call: func(r *structpb.Struct) error { _, err := server.Get(ctx, r); return err },
			req:  map[string]any{"key": "k"},
		},
		{
			name: "get without key",
			call: func(r *structpb.Struct) error { _, err := server.Get(ctx, r); return err },
			req:  map[string]any{"cache": "c"},
		},
		{
			name: "cache name too long",
			call: func(r *structpb.Struct) error { _, err := server.List(ctx, r); return err },
			req:  map[string]any{"cache": strings.Repeat("x", limits.CacheNameLengthMax+1)},
		},
		{
			name: "put without value",
			call: func(r *structpb.Struct) error { _, err := server.Put(ctx, r); return err },
			req:  map[string]any{"cache": "c", "key": "k"},
		},
		{
			name: "put non-string value",
			call: func(r *structpb.Struct) error { _, err := server.Put(ctx, r); return err },
			req:  map[string]any{"cache": "c", "key": "k", "value": 3},
		},
		{
			name: "put negative ttl",
			call: func(r *structpb.Struct) error { _, err := server.Put(ctx, r); return err },
			req:  map[string]any{"cache": "c", "key": "k", "value": "v", "ttl": "-1s"},
		},
		{
			name: "put malformed ttl",
			call: func(r *structpb.Struct) error { _, err := server.Put(ctx, r); return err },
			req:  map[string]any{"cache": "c", "key": "k", "value": "v", "ttl": "soon"},
		},
		{
			name: "put ttl too long",
			call: func(r *structpb.Struct) error { _, err := server.Put(ctx, r); return err },
			req:  map[string]any{"cache": "c", "key": "k", "value": "v", "ttl": "48h"},
		},
		{
			name: "delete without key",
			call: func(r *structpb.Struct) error { _, err := server.Delete(ctx, r); return err },
			req:  map[string]any{"cache": "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectCode(t, tt.call(request(t, tt.req)), codes.InvalidArgument)
		})
	}
}

func TestPutTTLSeconds(t *testing.T) {
	server, st := newTestServer(t)

	_, err := server.Put(context.Background(), request(t, map[string]any{
		"cache": "c", "key": "k", "value": "v", "ttl": 90,
	}))
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	if !st.GetCache("c").ContainsKey("k") {
		t.Error("entry was not stored")
	}
}

func TestPutEntryLimit(t *testing.T) {
	server, _ := newTestServer(t, state.WithMaxEntries(1))
	ctx := context.Background()

	if _, err := server.Put(ctx, request(t, map[string]any{"cache": "c", "key": "a", "value": "1"})); err != nil {
		t.Fatalf("first Put returned error: %v", err)
	}

	_, err := server.Put(ctx, request(t, map[string]any{"cache": "c", "key": "b", "value": "2"}))
	expectCode(t, err, codes.ResourceExhausted)
}

func TestDelete(t *testing.T) {
	server, st := newTestServer(t)
	ctx := context.Background()

	if err := st.GetCache("c").Put("k", "v"); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	resp, err := server.Delete(ctx, request(t, map[string]any{"cache": "c", "key": "k"}))
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}

	if !resp.GetFields()[FieldFound].GetBoolValue() {
		t.Error("expected found=true")
	}
	if v := stringField(resp, FieldValue); v != "v" {
		t.Errorf("expected old value 'v', got %q", v)
	}

	resp, err = server.Delete(ctx, request(t, map[string]any{"cache": "c", "key": "k"}))
	if err != nil {
		t.Fatalf("second Delete returned error: %v", err)
	}
	if resp.GetFields()[FieldFound].GetBoolValue() {
		t.Error("expected found=false for missing key")
	}
}

func TestList(t *testing.T) {
	server, st := newTestServer(t)

	if err := st.GetCache("c").PutAll(map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("PutAll returned error: %v", err)
	}

	resp, err := server.List(context.Background(), request(t, map[string]any{"cache": "c"}))
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}

	entries := resp.GetFields()[FieldEntries].GetStructValue().AsMap()
	if len(entries) != 2 || entries["a"] != "1" || entries["b"] != "2" {
		t.Errorf("unexpected entries %v", entries)
	}
}

func TestRateLimiting(t *testing.T) {
	logger := zap.NewNop()
	server := NewCacheServer(state.NewState(logger), limiter.NewIPLimiter(limiter.WithRate(1, 3)), logger)

	ctx := peer.NewContext(context.Background(), &peer.Peer{
		Addr: &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 12345},
	})
	req := request(t, map[string]any{"cache": "c"})

	for i := 0; i < 3; i++ {
		if _, err := server.List(ctx, req); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}

	_, err := server.List(ctx, req)
	expectCode(t, err, codes.ResourceExhausted)

	if got := testutil.ToFloat64(server.requests.WithLabelValues("List", codes.ResourceExhausted.String())); got != 1 {
		t.Errorf("expected 1 rate limited request recorded, got %v", got)
	}
}

func TestEncodeDecodeEvent(t *testing.T) {
	for _, evt := range []event.ChangeEvent[string, string]{
		event.Insert("k", "v"),
		event.Update("k", "old", "new"),
		event.Delete("k", "old"),
	} {
		m := EncodeEvent(evt, false)

		if evt.Kind == event.Inserted {
			if _, ok := m.GetFields()[FieldOld]; ok {
				t.Error("inserted event should not carry old_value")
			}
		}

		got, snapshot, err := DecodeEvent(m)
		if err != nil {
			t.Fatalf("DecodeEvent returned error: %v", err)
		}
		if got != evt || snapshot {
			t.Errorf("expected %v, got %v (snapshot=%v)", evt, got, snapshot)
		}
	}
}

func TestLevelFor(t *testing.T) {
	if levelFor(codes.OK).String() != "info" {
		t.Error("OK should log at info")
	}
	if levelFor(codes.NotFound).String() != "warn" {
		t.Error("NotFound should log at warn")
	}
	if levelFor(codes.Internal).String() != "error" {
		t.Error("Internal should log at error")
	}
}

func TestCanceledRequest(t *testing.T) {
	server, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := server.Get(ctx, request(t, map[string]any{"cache": "c", "key": "missing"}))
	expectCode(t, err, codes.Canceled)
}

func TestWithWorkers(t *testing.T) {
	logger := zap.NewNop()
	server := NewCacheServer(state.NewState(logger), limiter.NewIPLimiter(), logger, WithWorkers(1))
	ctx := context.Background()

	reqs := make([]*structpb.Struct, 20)
	for i := range reqs {
		reqs[i] = request(t, map[string]any{"cache": "c", "key": fmt.Sprintf("k%d", i), "value": "v"})
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(reqs))
	for _, req := range reqs {
		wg.Add(1)
		go func(req *structpb.Struct) {
			defer wg.Done()
			_, err := server.Put(ctx, req)
			errs <- err
		}(req)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Put returned error: %v", err)
		}
	}

	resp, err := server.List(ctx, request(t, map[string]any{"cache": "c"}))
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if n := len(resp.GetFields()[FieldEntries].GetStructValue().GetFields()); n != 20 {
		t.Errorf("expected 20 entries, got %d", n)
	}
}

func TestPutSurvivesGarbageCollection(t *testing.T) {
	server, st := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		st.GarbageCollect(time.Now())

		if _, err := server.Put(ctx, request(t, map[string]any{"cache": "c", "key": "k", "value": "v"})); err != nil {
			t.Fatalf("Put returned error: %v", err)
		}
		if _, err := server.Get(ctx, request(t, map[string]any{"cache": "c", "key": "k"})); err != nil {
			t.Fatalf("Get after Put returned error: %v", err)
		}
		if _, err := server.Delete(ctx, request(t, map[string]any{"cache": "c", "key": "k"})); err != nil {
			t.Fatalf("Delete returned error: %v", err)
		}
	}
}
