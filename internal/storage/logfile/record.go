package logfile

import (
	"time"
)

// Record is a key/value pair stored in a log
type Record[K any, V any] struct {
	Key   K
	Value V
}

// RecordParser converts keys and values to and from their stored bytes.
//
// EncodeKey must return a non-empty byte string that contains no NUL byte
// and whose lexicographic order matches CompareKeys. The encoded key is
// also used in read-only file names, so it must be file-name safe.
type RecordParser[K any, V any] interface {
	EncodeKey(key K) []byte
	DecodeKey(b []byte) (K, error)
	EncodeValue(value V) ([]byte, error)
	DecodeValue(b []byte) (V, error)
	CompareKeys(a, b K) int
}

// KeyMatchingStrategy selects which record a cursor is positioned on
type KeyMatchingStrategy int

const (
	// EqualToKey matches only the exact key
	EqualToKey KeyMatchingStrategy = iota
	// LessThanOrEqualToKey matches the exact key or the nearest lower key
	LessThanOrEqualToKey
	// GreaterThanOrEqualToKey matches the exact key or the nearest higher key
	GreaterThanOrEqualToKey
)

func (s KeyMatchingStrategy) String() string {
	switch s {
	case EqualToKey:
		return "EQUAL_TO_KEY"
	case LessThanOrEqualToKey:
		return "LESS_THAN_OR_EQUAL_TO_KEY"
	case GreaterThanOrEqualToKey:
		return "GREATER_THAN_OR_EQUAL_TO_KEY"
	default:
		return "UNKNOWN"
	}
}

// PositionStrategy tells whether the matched record is returned first or skipped
type PositionStrategy int

const (
	// OnMatchingKey makes the matched record the first one returned
	OnMatchingKey PositionStrategy = iota
	// AfterMatchingKey starts iteration after the matched record
	AfterMatchingKey
)

func (s PositionStrategy) String() string {
	if s == AfterMatchingKey {
		return "AFTER_MATCHING_KEY"
	}
	return "ON_MATCHING_KEY"
}

// Cursor iterates over records. Record returns nil until the first
// successful call to Next, and nil again once Next returns false. A cursor
// that reached the end of an appendable log returns records appended later.
type Cursor[K any, V any] interface {
	Next() (bool, error)
	Record() *Record[K, V]
	Close()
}

// Observer receives storage events, typically to feed metrics
type Observer interface {
	ObserveAppend(bytes int, duration time.Duration)
	ObserveRejectedAppend()
	ObserveTruncation(path string, droppedBytes int64)
	ObserveRotation()
	ObservePurge(records int64)
}

type nopObserver struct{}

func (nopObserver) ObserveAppend(int, time.Duration) {}
func (nopObserver) ObserveRejectedAppend() {}
func (nopObserver) ObserveTruncation(string, int64) {}
func (nopObserver) ObserveRotation() {}
func (nopObserver) ObservePurge(int64) {}

// emptyCursor never returns a record
type emptyCursor[K any, V any] struct{}

func (emptyCursor[K, V]) Next() (bool, error) { return false, nil }
func (emptyCursor[K, V]) Record() *Record[K, V] { return nil }
func (emptyCursor[K, V]) Close() {}

// EmptyCursor returns a cursor that is always exhausted
func EmptyCursor[K any, V any]() Cursor[K, V] {
	return emptyCursor[K, V]{}
}
