package grpc

import (
	"testing"
)

func TestGetProtoDescriptorsAndFindMethod(t *testing.T) {
	const protoSrc = `
		syntax = "proto3";
		package demo;
		service Greeter {
			rpc SayHello(HelloRequest) returns (HelloReply) {}
		}
		message HelloRequest { string name = 1; }
		message HelloReply { string message = 1; }
	`

	files := map[string]string{"demo.proto": protoSrc}
	fds, err := getProtoDescriptors(files)
	if err != nil {
		t.Fatalf("getProtoDescriptors returned error: %v", err)
	}
	if len(fds) == 0 {
		t.Fatal("expected non-empty descriptor set")
	}

	fd, method, err := FindMethod(fds, "SayHello")
	if err != nil {
		t.Fatalf("FindMethod returned error: %v", err)
	}
	if string(fd.Package()) != "demo" {
		t.Fatalf("unexpected package: %s", fd.Package())
	}
	if string(method.Parent().Name()) != "Greeter" {
		t.Fatalf("unexpected service name: %s", method.Parent().Name())
	}
}

func TestFindMethod_NotFound(t *testing.T) {
	files := map[string]string{"foo.proto": `
		syntax = "proto3";
		package foo;
		service S { rpc Ping(Req) returns (Resp) {} }
		message Req {}
		message Resp {}
	`}
	fds, err := getProtoDescriptors(files)
	if err != nil {
		t.Fatalf("getProtoDescriptors returned error: %v", err)
	}

	if _, _, err := FindMethod(fds, "Unknown"); err == nil {
		t.Fatal("expected error for missing method")
	}
}

func TestGetProtoDescriptors_InvalidSource(t *testing.T) {
	files := map[string]string{"bad.proto": "syntax = \"proto2\"; message X {"}
	if _, err := getProtoDescriptors(files); err == nil {
		t.Fatal("expected compilation error for invalid proto")
	}
}

func TestPushDescriptors(t *testing.T) {
	fds, err := PushDescriptors()
	if err != nil {
		t.Fatalf("PushDescriptors returned error: %v", err)
	}
	fd, md, err := FindMethod(fds, EventsMethod)
	if err != nil {
		t.Fatalf("FindMethod returned error: %v", err)
	}
	if got := FullMethodName(fd, md); got != "/eyepop.push.v1.PushService/Events" {
		t.Fatalf("unexpected method path: %s", got)
	}
	if !md.IsStreamingClient() || !md.IsStreamingServer() {
		t.Fatal("Events must be bidirectional")
	}
}

func TestGrpcCredsFromEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		addr     string
	}{
		{"https://push.eyepop.ai:443", "push.eyepop.ai:443"},
		{"http://localhost:9090", "localhost:9090"},
		{"localhost:9090", "localhost:9090"},
	}
	for _, tt := range tests {
		addr, opt := grpcCredsFromEndpoint(tt.endpoint)
		if addr != tt.addr || opt == nil {
			t.Fatalf("grpcCredsFromEndpoint(%q) = %q, %v", tt.endpoint, addr, opt)
		}
	}
}
