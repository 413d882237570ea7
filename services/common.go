package services

import (
	"errors"
	"sync"
)

// ErrStoreUnavailable is fatal: the record store could not be reached at
// the start of a run, so nothing was attempted.
var ErrStoreUnavailable = errors.New("record store unavailable")

// ErrInvalidArgument wraps rejected run parameters.
var ErrInvalidArgument = errors.New("invalid argument")

// Error kinds recorded in ErrorDetail.Kind.
const (
	KindDecode         = "decode"
	KindStore          = "store"
	KindPath           = "path"
	KindGeocodeLookup  = "geocode_lookup"
	KindTimezone       = "timezone"
	KindTimestampParse = "timestamp_parse"
	KindSpatial        = "spatial"
)

// ErrorDetail identifies one non-fatal failure well enough to drive a
// targeted follow-up run.
type ErrorDetail struct {
	Key    string `json:"key"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// ProgressSink receives human-readable progress messages.
type ProgressSink interface {
	Notify(message string)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(message string)

func (f ProgressFunc) Notify(message string) { f(message) }

type nopSink struct{}

func (nopSink) Notify(string) {}

// lockedSink serializes Notify calls from concurrent workers.
type lockedSink struct {
	mu   sync.Mutex
	sink ProgressSink
}

func (l *lockedSink) Notify(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink.Notify(message)
}

func sinkOrNop(s ProgressSink) ProgressSink {
	if s == nil {
		return nopSink{}
	}
	return s
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// errorLog collects ErrorDetails from concurrent workers.
type errorLog struct {
	mu      sync.Mutex
	details []ErrorDetail
}

func (l *errorLog) add(key, kind string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.details = append(l.details, ErrorDetail{Key: key, Kind: kind, Reason: err.Error()})
}

func (l *errorLog) list() []ErrorDetail {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ErrorDetail, 0, len(l.details))
	return append(out, l.details...)
}
