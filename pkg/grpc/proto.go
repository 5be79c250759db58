package grpc

import (
	"context"
	_ "embed"
	"fmt"
	"maps"
	"slices"

	"github.com/bufbuild/protocompile"
	"github.com/bufbuild/protocompile/linker"
	"go.uber.org/zap"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// EventsMethod is the bidirectional streaming method carrying push traffic.
const EventsMethod = "Events"

// FindMethod returns the first method named methodName declared by any
// service of files, together with its file.
func FindMethod(files linker.Files, methodName string) (protoreflect.FileDescriptor, protoreflect.MethodDescriptor, error) {
	for _, fd := range files {
		services := fd.Services()
		for i := range services.Len() {
			if md := services.Get(i).Methods().ByName(protoreflect.Name(methodName)); md != nil {
				return fd, md, nil
			}
		}
	}
	return nil, nil, fmt.Errorf("method %s not found in push descriptors", methodName)
}

// FullMethodName builds the "/<package>.<Service>/<Method>" path of md.
func FullMethodName(fd protoreflect.FileDescriptor, md protoreflect.MethodDescriptor) string {
	return "/" + string(fd.Package()) + "." + string(md.Parent().Name()) + "/" + string(md.Name())
}

// PushProtoEmbedded contains the text content of push.proto.
//
//go:embed push.proto
var PushProtoEmbedded string

// PushDescriptors compiles the embedded push.proto.
func PushDescriptors() (linker.Files, error) {
	return getProtoDescriptors(map[string]string{"push.proto": PushProtoEmbedded})
}

// getProtoDescriptors compiles sources (filename to content) with the
// well-known imports available.
func getProtoDescriptors(sources map[string]string) (linker.Files, error) {
	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			Accessor: protocompile.SourceAccessorFromMap(sources),
		}),
		SourceInfoMode: protocompile.SourceInfoStandard,
	}
	fds, err := compiler.Compile(context.Background(), slices.Sorted(maps.Keys(sources))...)
	if err != nil {
		zap.L().Error("failed to compile push descriptors", zap.Error(err))
		return nil, fmt.Errorf("compile push descriptors: %w", err)
	}
	return fds, nil
}
