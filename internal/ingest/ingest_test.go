package ingest

import (
	"io"
	"sync"
	"testing"
	"time"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, w := r.Register("test-stream")

	if stream.Key != "test-stream" {
		t.Fatalf("got key %q, want %q", stream.Key, "test-stream")
	}
	if w == nil {
		t.Fatal("writer is nil")
	}

	got, ok := r.Get("test-stream")
	if !ok {
		t.Fatal("Get returned false for registered stream")
	}
	if got != stream {
		t.Fatal("Get returned different stream pointer")
	}
}

func TestRegistryGetMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	_, ok := r.Get("nonexistent")
	if ok {
		t.Fatal("Get returned true for missing stream")
	}
}

func TestRegistryUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.Register("stream1")

	r.Unregister("stream1")

	_, ok := r.Get("stream1")
	if ok {
		t.Fatal("stream still found after Unregister")
	}
}

func TestRegistryUnregisterMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	// Should not panic.
	r.Unregister("nonexistent")
}

func TestRegistryUnregisterEndsReader(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _ := r.Register("stream1")
	r.Unregister("stream1")

	select {
	case <-stream.Done():
	default:
		t.Fatal("Done not closed after Unregister")
	}

	buf := make([]byte, 1)
	_, err := stream.Reader().Read(buf)
	if err != io.EOF {
		t.Fatalf("expected EOF after Unregister, got %v", err)
	}
}

func TestRegistryOnStreamCallback(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var calledKey string

	done := make(chan struct{})
	r := NewRegistry(func(s *Stream) {
		mu.Lock()
		calledKey = s.Key
		mu.Unlock()
		close(done)
	})

	r.Register("cb-stream")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onStream callback not called within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if calledKey != "cb-stream" {
		t.Fatalf("callback got key %q, want %q", calledKey, "cb-stream")
	}
}

func TestStreamPipeCarriesBytes(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, w := r.Register("s1")

	payload := []byte{0x47, 0x1F, 0xFF, 0x10}
	go func() {
		w.Write(payload)
		r.Unregister("s1")
	}()

	got, err := io.ReadAll(stream.Reader())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("read %x, want %x", got, payload)
	}
}

func TestStreamRecordRead(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _ := r.Register("s1")

	stream.RecordRead(100)
	stream.RecordRead(200)

	stats := stream.Stats()
	if stats.BytesReceived != 300 {
		t.Fatalf("BytesReceived = %d, want 300", stats.BytesReceived)
	}
	if stats.ReadCount != 2 {
		t.Fatalf("ReadCount = %d, want 2", stats.ReadCount)
	}
}

func TestStreamSetRemoteAddr(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _ := r.Register("s1")

	stream.SetRemoteAddr("192.168.1.1:5000")

	stats := stream.Stats()
	if stats.RemoteAddr != "192.168.1.1:5000" {
		t.Fatalf("RemoteAddr = %q, want %q", stats.RemoteAddr, "192.168.1.1:5000")
	}
}

func TestStreamStatsUptime(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _ := r.Register("s1")

	// Sleep briefly to ensure uptime is measurable.
	time.Sleep(10 * time.Millisecond)

	stats := stream.Stats()
	if stats.UptimeMs < 10 {
		t.Fatalf("UptimeMs = %d, expected at least 10", stats.UptimeMs)
	}
	if stats.ConnectedAt == 0 {
		t.Fatal("ConnectedAt is zero")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := "stream-" + string(rune('A'+n%26))
			r.Register(key)
			r.Get(key)
			r.Unregister(key)
		}(i)
	}

	wg.Wait()
}
