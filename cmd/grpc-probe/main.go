package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	transportgrpc "github.com/lledo-industries/auth-core/internal/transport/grpc"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "gRPC server address")
	token := flag.String("token", "", "bearer token to resolve")
	session := flag.String("session", "", "session id to resolve")
	timeout := flag.Duration("timeout", 10*time.Second, "call timeout")
	flag.Parse()

	fmt.Printf("Connecting to %s...\n", *addr)
	conn, err := grpc.NewClient(*addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		log.Fatalf("did not connect: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	health, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		log.Fatalf("health check failed: %v", err)
	}
	fmt.Printf("Health: %s\n", health.GetStatus())

	if *token == "" && *session == "" {
		return
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		"token":      *token,
		"session_id": *session,
	})
	if err != nil {
		log.Fatalf("build request: %v", err)
	}

	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, transportgrpc.ResolveMethod, req, resp); err != nil {
		log.Fatalf("Resolve failed: %v", err)
	}

	out, err := protojson.MarshalOptions{Multiline: true}.Marshal(resp)
	if err != nil {
		log.Fatalf("encode response: %v", err)
	}
	fmt.Println(string(out))
}
