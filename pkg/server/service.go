package server

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mpepping/rxcache/internal/event"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "rxcache.v1.Cache"

// Request and response field names
const (
	FieldCache    = "cache"
	FieldKey      = "key"
	FieldValue    = "value"
	FieldTTL      = "ttl"
	FieldFound    = "found"
	FieldEntries  = "entries"
	FieldKind     = "kind"
	FieldOld      = "old_value"
	FieldNew      = "new_value"
	FieldSnapshot = "snapshot"
	FieldSynced   = "synced"
)

// CacheService is the server side of rxcache.v1.Cache. Every message is a
// structpb.Struct keyed by the Field constants.
type CacheService interface {
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Put(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	List(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, WatchStream) error
}

// WatchStream is the server stream of a Watch call
type WatchStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type watchStream struct {
	grpc.ServerStream
}

func (s *watchStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

func unaryHandler(method string, call func(CacheService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CacheService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(method),
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(CacheService), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CacheService).Watch(in, &watchStream{stream})
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ServiceDesc describes rxcache.v1.Cache for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CacheService)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Get", CacheService.Get),
		unaryHandler("Put", CacheService.Put),
		unaryHandler("Delete", CacheService.Delete),
		unaryHandler("List", CacheService.List),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "rxcache/v1/cache.proto",
}

// RegisterCacheServer registers srv with s
func RegisterCacheServer(s grpc.ServiceRegistrar, srv CacheService) {
	s.RegisterService(&ServiceDesc, srv)
}

func stringField(m *structpb.Struct, name string) string {
	return m.GetFields()[name].GetStringValue()
}

// ttlField reads a TTL given either as a duration string or as seconds
func ttlField(m *structpb.Struct) (time.Duration, bool, error) {
	v, ok := m.GetFields()[FieldTTL]
	if !ok {
		return 0, false, nil
	}

	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		d, err := time.ParseDuration(kind.StringValue)
		if err != nil {
			return 0, true, fmt.Errorf("invalid ttl %q: %w", kind.StringValue, err)
		}
		return d, true, nil
	case *structpb.Value_NumberValue:
		return time.Duration(kind.NumberValue * float64(time.Second)), true, nil
	case *structpb.Value_NullValue:
		return 0, false, nil
	}
	return 0, true, fmt.Errorf("ttl must be a duration string or a number of seconds")
}

func newStruct(fields map[string]*structpb.Value) *structpb.Struct {
	return &structpb.Struct{Fields: fields}
}

// EncodeEvent converts evt into a Watch message
func EncodeEvent(evt event.ChangeEvent[string, string], snapshot bool) *structpb.Struct {
	fields := map[string]*structpb.Value{
		FieldKind:     structpb.NewStringValue(evt.Kind.String()),
		FieldKey:      structpb.NewStringValue(evt.Key),
		FieldSnapshot: structpb.NewBoolValue(snapshot),
	}
	if evt.HasOldValue() {
		fields[FieldOld] = structpb.NewStringValue(evt.OldValue)
	}
	if evt.HasNewValue() {
		fields[FieldNew] = structpb.NewStringValue(evt.NewValue)
	}
	return newStruct(fields)
}

// DecodeEvent is the inverse of EncodeEvent
func DecodeEvent(m *structpb.Struct) (event.ChangeEvent[string, string], bool, error) {
	kind, err := event.ParseKind(stringField(m, FieldKind))
	if err != nil {
		return event.ChangeEvent[string, string]{}, false, err
	}

	evt := event.ChangeEvent[string, string]{
		Kind:     kind,
		Key:      stringField(m, FieldKey),
		OldValue: stringField(m, FieldOld),
		NewValue: stringField(m, FieldNew),
	}
	return evt, m.GetFields()[FieldSnapshot].GetBoolValue(), nil
}
