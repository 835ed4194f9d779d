package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/torbobase/torbo/internal/access"
)

// Package audit records every authorization decision. Entries land in a
// bounded in-memory ring and are flushed periodically to a line-delimited
// JSON file; queries page over the ring first and fall back to the file
// for older entries.

const (
	ringCapacity  = 10_000
	flushInterval = 5 * time.Second
)

// Entry is one authorization decision.
type Entry struct {
	Timestamp     time.Time    `json:"ts"`
	ClientIP      string       `json:"client_ip"`
	Method        string       `json:"method"`
	Path          string       `json:"path"`
	RequiredLevel access.Level `json:"required_level"`
	Granted       bool         `json:"granted"`
	DeviceID      string       `json:"device_id,omitempty"`
	Detail        string       `json:"detail,omitempty"`
}

// Query selects entries for the paged audit endpoint.
type Query struct {
	Limit       int
	Offset      int
	PathFilter  string
	GrantedOnly bool
}

// Log is the append-only audit sink.
type Log struct {
	filePath string
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	ring    []Entry // newest last, bounded at ringCapacity
	pending []Entry // appended since last flush

	flushTicker *time.Ticker
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// NewLog creates the audit log writing line-delimited JSON to filePath
// with lumberjack rotation.
func NewLog(filePath string) *Log {
	rotator := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     90, // days
		Compress:   true,
	}
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        zapcore.OmitKey, // entry carries its own ts field
		MessageKey:     zapcore.OmitKey,
		LevelKey:       zapcore.OmitKey,
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	l := &Log{
		filePath:    filePath,
		logger:      zap.New(core),
		now:         time.Now,
		ring:        make([]Entry, 0, 1024),
		flushTicker: time.NewTicker(flushInterval),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	go l.flushLoop()
	return l
}

// Record appends one decision to the ring.
func (l *Log) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring = append(l.ring, e)
	if len(l.ring) > ringCapacity {
		l.ring = l.ring[len(l.ring)-ringCapacity:]
	}
	l.pending = append(l.pending, e)
}

// Flush writes all pending entries to disk.
func (l *Log) Flush() {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, e := range batch {
		l.logger.Info("",
			zap.Time("ts", e.Timestamp),
			zap.String("client_ip", e.ClientIP),
			zap.String("method", e.Method),
			zap.String("path", e.Path),
			zap.Int("required_level", int(e.RequiredLevel)),
			zap.Bool("granted", e.Granted),
			zap.String("device_id", e.DeviceID),
			zap.String("detail", e.Detail),
		)
	}
	_ = l.logger.Sync()
}

func (l *Log) flushLoop() {
	defer close(l.doneCh)
	for {
		select {
		case <-l.flushTicker.C:
			l.Flush()
		case <-l.stopCh:
			l.Flush()
			return
		}
	}
}

// Close flushes and stops the background flusher.
func (l *Log) Close() {
	l.flushTicker.Stop()
	close(l.stopCh)
	<-l.doneCh
}

// Last returns the most recent entry, if any.
func (l *Log) Last() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ring) == 0 {
		return Entry{}, false
	}
	return l.ring[len(l.ring)-1], true
}

// Select pages entries newest-first. The ring serves the front of the
// result set; once the offset runs past the ring, older entries are read
// back from the file.
func (l *Log) Select(q Query) []Entry {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	l.mu.Lock()
	matched := make([]Entry, 0, len(l.ring))
	for i := len(l.ring) - 1; i >= 0; i-- {
		if q.matches(l.ring[i]) {
			matched = append(matched, l.ring[i])
		}
	}
	var oldest time.Time
	if len(l.ring) > 0 {
		oldest = l.ring[0].Timestamp
	}
	l.mu.Unlock()

	if q.Offset+q.Limit > len(matched) {
		matched = append(matched, l.readOlderFromFile(q, oldest)...)
	}

	if q.Offset >= len(matched) {
		return nil
	}
	end := q.Offset + q.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[q.Offset:end]
}

func (q Query) matches(e Entry) bool {
	if q.GrantedOnly && !e.Granted {
		return false
	}
	if q.PathFilter != "" && !strings.Contains(e.Path, q.PathFilter) {
		return false
	}
	return true
}

// fileEntry mirrors the flushed JSON line shape.
type fileEntry struct {
	TS            string `json:"ts"`
	ClientIP      string `json:"client_ip"`
	Method        string `json:"method"`
	Path          string `json:"path"`
	RequiredLevel int    `json:"required_level"`
	Granted       bool   `json:"granted"`
	DeviceID      string `json:"device_id"`
	Detail        string `json:"detail"`
}

// readOlderFromFile scans the on-disk log for matching entries strictly
// older than the oldest ring entry, newest-first.
func (l *Log) readOlderFromFile(q Query, oldest time.Time) []Entry {
	f, err := os.Open(l.filePath)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var fe fileEntry
		if err := json.Unmarshal(scanner.Bytes(), &fe); err != nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, fe.TS)
		if err != nil {
			continue
		}
		if !oldest.IsZero() && !ts.Before(oldest) {
			continue // already served by the ring
		}
		e := Entry{
			Timestamp:     ts,
			ClientIP:      fe.ClientIP,
			Method:        fe.Method,
			Path:          fe.Path,
			RequiredLevel: access.Level(fe.RequiredLevel),
			Granted:       fe.Granted,
			DeviceID:      fe.DeviceID,
			Detail:        fe.Detail,
		}
		if q.matches(e) {
			out = append(out, e)
		}
	}
	// File order is oldest-first; reverse for newest-first paging.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
