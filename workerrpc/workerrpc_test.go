package workerrpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/jsonview/workerrpc"
)

func startEcho(t *testing.T) (*workerrpc.Client, context.CancelFunc) {
	t.Helper()
	w := workerrpc.NewWorker()
	w.Handle("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
	w.Handle("fail", func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})
	w.Handle("slow", func(_ context.Context, payload []byte) ([]byte, error) {
		time.Sleep(20 * time.Millisecond)
		return payload, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	client := workerrpc.Start(ctx, w)
	t.Cleanup(cancel)
	return client, cancel
}

func TestCallRoundTrip(t *testing.T) {
	client, _ := startEcho(t)

	payload, _ := json.Marshal(map[string]string{"hello": "worker"})
	got, err := client.Call(context.Background(), "echo", payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("echo = %s, want %s", got, payload)
	}
}

func TestCallHandlerError(t *testing.T) {
	client, _ := startEcho(t)

	_, err := client.Call(context.Background(), "fail", nil)
	if err == nil {
		t.Fatal("expected error from failing handler")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("error %q does not carry the serialized handler error", err)
	}
}

func TestCallUnknownMethod(t *testing.T) {
	client, _ := startEcho(t)

	_, err := client.Call(context.Background(), "nope", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown method") {
		t.Fatalf("err = %v, want unknown method failure", err)
	}
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	client, _ := startEcho(t)

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf(`{"i":%d}`, i))
			got, err := client.Call(context.Background(), "echo", payload)
			if err != nil {
				errs <- err
				return
			}
			if string(got) != string(payload) {
				errs <- fmt.Errorf("call %d got foreign response %s", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCallContextCancelled(t *testing.T) {
	client, _ := startEcho(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, "slow", []byte(`1`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	// The abandoned call's late response must not disturb a later call.
	got, err := client.Call(context.Background(), "echo", []byte(`2`))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "2" {
		t.Fatalf("later call got %s, want 2", got)
	}
}

func TestCallAfterShutdown(t *testing.T) {
	client, cancel := startEcho(t)
	cancel()
	time.Sleep(10 * time.Millisecond)

	_, err := client.Call(context.Background(), "echo", []byte(`1`))
	if err == nil {
		t.Fatal("expected error after worker shutdown")
	}
}
