// Package ingest manages active transport-stream sources, coupling SRT
// byte readers with connection stats, lifecycle signaling, and pipeline
// dispatch.
package ingest

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Stats captures connection-level metrics for an ingest stream.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream is one active transport-stream source. Bytes written to the
// internal pipe by the receiver come out of Reader() as a raw 188-byte
// packet stream for the processing pipeline.
type Stream struct {
	Key       string
	StartedAt time.Time

	input io.ReadCloser
	pw    io.WriteCloser
	done  chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// Reader returns the raw byte stream of the source. It ends with io.EOF
// when the stream is unregistered.
func (s *Stream) Reader() io.Reader { return s.input }

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// RecordRead increments the byte and read counters, called by the receiver
// after each successful socket read.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the connection for
// diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns a snapshot of the connection metrics.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active streams by key and dispatches new streams to the
// onStream callback for pipeline setup. It is the rendezvous point between
// the SRT layer and the packet pipeline.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream func(stream *Stream)
}

// NewRegistry creates a Registry. The onStream callback is invoked on its
// own goroutine whenever a new stream is registered.
func NewRegistry(onStream func(stream *Stream)) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a new stream with the given key, returning the Stream
// and the Writer the receiver should write raw transport bytes into.
func (r *Registry) Register(key string) (*Stream, io.Writer) {
	pr, pw := io.Pipe()

	stream := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.streams[key] = stream
	r.mu.Unlock()

	if r.onStream != nil {
		go r.onStream(stream)
	}

	return stream, pw
}

// Unregister removes a stream by key, closing its pipe and signaling Done.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.pw.Close()
		close(stream.done)
	}
}

// Get returns the Stream for the given key, or false if not found.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}
