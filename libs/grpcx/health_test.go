package grpcx

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func TestHealthServerRoundTrip(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hs := NewHealthServer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	hs.SetServing("funnel", true)
	go hs.Serve(ctx, lis)

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer checkCancel()

	status, err := CheckHealth(checkCtx, lis.Addr().String(), "funnel")
	if err != nil {
		t.Fatalf("check health: %v", err)
	}
	if status != "SERVING" {
		t.Fatalf("expected SERVING, got %s", status)
	}

	hs.SetServing("funnel", false)
	status, err = CheckHealth(checkCtx, lis.Addr().String(), "funnel")
	if err != nil {
		t.Fatalf("check health: %v", err)
	}
	if status != "NOT_SERVING" {
		t.Fatalf("expected NOT_SERVING, got %s", status)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	if RequestIDFromContext(ctx) != "" {
		t.Fatal("empty id should not be stored")
	}
	ctx = WithRequestID(ctx, "abc")
	if RequestIDFromContext(ctx) != "abc" {
		t.Fatal("expected stored id")
	}
	if len(NewRequestID()) != 32 {
		t.Fatal("expected 16-byte hex id")
	}
}
