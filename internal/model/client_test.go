package model

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestChunkingClientRoundTrip(t *testing.T) {
	c := NewChunkingClient(5)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	chunks, errc := c.Stream(ctx, "Paris is the capital of France.")

	var got strings.Builder
	for chunk := range chunks {
		got.WriteString(chunk)
	}
	if err := <-errc; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if got.String() != "Paris is the capital of France." {
		t.Fatalf("got %q", got.String())
	}
}

func TestChunkingClientCancellation(t *testing.T) {
	c := NewChunkingClient(1)
	ctx, cancel := context.WithCancel(context.Background())

	chunks, _ := c.Stream(ctx, strings.Repeat("x", 1000))
	<-chunks
	cancel()

	// Draining should stop promptly once the context is cancelled.
	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-chunks:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("stream did not stop after cancellation")
		}
	}
}
