// Package buffer decouples subprocess output rate from delivery rate.
//
// A Manager accepts writes at whatever rate the subprocess produces them,
// coalesces small fragments into larger payloads on a fixed cadence, and
// bounds memory by dropping the oldest pending chunks once the configured
// maximum is exceeded. Drops are always reported, never silent.
package buffer

import (
	"errors"
	"sync"
	"time"
)

// Options configure one Manager instance. Defaults are passed explicitly
// by each owner rather than read from global state.
type Options struct {
	// MaxBufferSize is the hard cap on pending bytes.
	MaxBufferSize int

	// MaxChunkSize splits oversized writes so a single giant write cannot
	// defeat the drop accounting.
	MaxChunkSize int

	// MaxChunksPerFlush bounds how many chunks coalesce into one payload.
	MaxChunksPerFlush int

	// FlushInterval is the delivery cadence while chunks are pending.
	FlushInterval time.Duration

	// DropThreshold is the occupancy fraction to unload down to once
	// MaxBufferSize is exceeded.
	DropThreshold float64
}

// DefaultOptions returns the standard terminal-output tuning.
func DefaultOptions() Options {
	return Options{
		MaxBufferSize:     8 * 1024 * 1024,
		MaxChunkSize:      32 * 1024,
		MaxChunksPerFlush: 50,
		FlushInterval:     16 * time.Millisecond,
		DropThreshold:     0.75,
	}
}

func (o Options) validate() error {
	if o.MaxBufferSize <= 0 {
		return errors.New("buffer: MaxBufferSize must be positive")
	}
	if o.MaxChunkSize <= 0 {
		return errors.New("buffer: MaxChunkSize must be positive")
	}
	if o.MaxChunksPerFlush <= 0 {
		return errors.New("buffer: MaxChunksPerFlush must be positive")
	}
	if o.FlushInterval <= 0 {
		return errors.New("buffer: FlushInterval must be positive")
	}
	if o.DropThreshold <= 0 || o.DropThreshold > 1 {
		return errors.New("buffer: DropThreshold must be in (0, 1]")
	}
	return nil
}

// Metrics is a point-in-time snapshot of cumulative counters.
type Metrics struct {
	TotalWrites      int64   `json:"totalWrites"`
	TotalBytes       int64   `json:"totalBytes"`
	ChunksProcessed  int64   `json:"chunksProcessed"`
	AverageChunkSize float64 `json:"averageChunkSize"`
	FlushCount       int64   `json:"flushCount"`
}

// Health reports whether the buffer is keeping up with its producer.
type Health struct {
	IsHealthy         bool     `json:"isHealthy"`
	Backpressure      float64  `json:"backpressure"`
	BufferUtilization float64  `json:"bufferUtilization"`
	LastFlushMs       int64    `json:"lastFlushMs"`
	Warnings          []string `json:"warnings"`
}

type chunk struct {
	data      string
	arrivedAt time.Time
}

// Manager is a backpressure-aware coalescing buffer for one session's
// output. Writes never block and never fail; overload is handled by the
// drop policy. Delivery happens through the dataReady callback, either on
// the flush timer or as soon as the pending queue reaches
// MaxChunksPerFlush. Pause suspends delivery only; ingestion and drops
// continue while paused.
type Manager struct {
	opts Options

	// deliverMu is held across payload extraction and the dataReady
	// callback, so concurrent flushes (eager and timer-driven) deliver
	// payloads in extraction order. Acquired before mu, never under it.
	deliverMu sync.Mutex

	mu           sync.Mutex
	pending      []chunk
	pendingBytes int
	paused       bool
	destroyed    bool
	lastFlush    time.Time
	dropEpisodes int64

	totalWrites     int64
	totalBytes      int64
	chunksProcessed int64
	processedBytes  int64
	flushCount      int64

	onDataReady     func(payload string)
	onChunksDropped func(count int)

	ticker *time.Ticker
	done   chan struct{}
}

// NewManager creates a Manager and starts its flush timer. Construction
// failure (invalid options) is fatal to the owning session.
func NewManager(opts Options) (*Manager, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		opts:      opts,
		lastFlush: time.Now(),
		ticker:    time.NewTicker(opts.FlushInterval),
		done:      make(chan struct{}),
	}
	go m.flushLoop()
	return m, nil
}

// SetOnDataReady registers the delivery callback. Payloads preserve the
// relative order of their constituent chunks.
func (m *Manager) SetOnDataReady(fn func(payload string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDataReady = fn
}

// SetOnChunksDropped registers the drop-report callback. It fires exactly
// once per drop episode with the number of chunks discarded.
func (m *Manager) SetOnChunksDropped(fn func(count int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChunksDropped = fn
}

// Write appends output to the pending queue. It never blocks; if the
// cumulative pending bytes exceed MaxBufferSize, the oldest chunks are
// discarded until occupancy is at or under DropThreshold*MaxBufferSize
// and the discard count is reported through the drop callback.
func (m *Manager) Write(text string) {
	if text == "" {
		return
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	m.totalWrites++
	m.totalBytes += int64(len(text))

	for len(text) > 0 {
		n := len(text)
		if n > m.opts.MaxChunkSize {
			n = m.opts.MaxChunkSize
		}
		m.pending = append(m.pending, chunk{data: text[:n], arrivedAt: now})
		m.pendingBytes += n
		text = text[n:]
	}

	dropped := 0
	if m.pendingBytes > m.opts.MaxBufferSize {
		target := int(float64(m.opts.MaxBufferSize) * m.opts.DropThreshold)
		for m.pendingBytes > target && len(m.pending) > 0 {
			m.pendingBytes -= len(m.pending[0].data)
			m.pending = m.pending[1:]
			dropped++
		}
		m.dropEpisodes++
	}
	onDropped := m.onChunksDropped
	eager := !m.paused && len(m.pending) >= m.opts.MaxChunksPerFlush
	m.mu.Unlock()

	if dropped > 0 && onDropped != nil {
		onDropped(dropped)
	}
	if eager {
		m.Flush()
	}
}

// flushLoop drives the periodic flush cadence.
func (m *Manager) flushLoop() {
	for {
		select {
		case <-m.ticker.C:
			m.Flush()
		case <-m.done:
			return
		}
	}
}

// Flush delivers one coalesced payload if delivery is not paused and
// chunks are pending. It is also called internally on the timer and on
// the max-chunks trigger.
func (m *Manager) Flush() {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	var fn func()
	if !m.destroyed && !m.paused && len(m.pending) > 0 {
		fn = m.flushLocked()
	}
	m.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// flushLocked coalesces up to MaxChunksPerFlush oldest chunks and returns
// a closure that invokes the delivery callback outside the lock.
func (m *Manager) flushLocked() func() {
	n := len(m.pending)
	if n > m.opts.MaxChunksPerFlush {
		n = m.opts.MaxChunksPerFlush
	}
	if n == 0 {
		return nil
	}

	var payload []byte
	for i := 0; i < n; i++ {
		payload = append(payload, m.pending[i].data...)
	}
	m.pending = m.pending[n:]
	m.pendingBytes -= len(payload)

	m.flushCount++
	m.chunksProcessed += int64(n)
	m.processedBytes += int64(len(payload))
	m.lastFlush = time.Now()

	fn := m.onDataReady
	if fn == nil {
		return nil
	}
	out := string(payload)
	return func() { fn(out) }
}

// Pause suspends delivery. Writes and drops continue while paused.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Resume re-enables delivery.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

// Metrics returns a snapshot of the cumulative counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	avg := 0.0
	if m.chunksProcessed > 0 {
		avg = float64(m.processedBytes) / float64(m.chunksProcessed)
	}
	return Metrics{
		TotalWrites:      m.totalWrites,
		TotalBytes:       m.totalBytes,
		ChunksProcessed:  m.chunksProcessed,
		AverageChunkSize: avg,
		FlushCount:       m.flushCount,
	}
}

// Health reports current occupancy and any warning conditions. The buffer
// is unhealthy once backpressure exceeds the drop threshold or any
// warning is present.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	backpressure := float64(m.pendingBytes) / float64(m.opts.MaxBufferSize)
	utilization := float64(len(m.pending)) / float64(m.opts.MaxChunksPerFlush)
	if utilization > 1 {
		utilization = 1
	}

	var warnings []string
	if m.dropEpisodes > 0 {
		warnings = append(warnings, "output chunks have been dropped")
	}
	if m.paused && m.pendingBytes > 0 {
		warnings = append(warnings, "delivery paused with pending output")
	}

	return Health{
		IsHealthy:         backpressure <= m.opts.DropThreshold && len(warnings) == 0,
		Backpressure:      backpressure,
		BufferUtilization: utilization,
		LastFlushMs:       time.Since(m.lastFlush).Milliseconds(),
		Warnings:          warnings,
	}
}

// PendingBytes returns the current pending byte count.
func (m *Manager) PendingBytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingBytes
}

// Destroy clears pending state and stops the flush timer. Idempotent.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.pending = nil
	m.pendingBytes = 0
	m.mu.Unlock()

	m.ticker.Stop()
	close(m.done)
}
