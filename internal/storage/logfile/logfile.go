package logfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"go.uber.org/zap"
)

// On-disk record framing, sequentially appended with no padding:
//
//	int32 totalLength | key | 0x00 | value | 0x00
//
// totalLength counts everything after the length field.
const (
	lengthFieldSize = 4
	separator       = byte(0x00)
	minFrameLength  = 3 // one key byte and two separators

	// maxFrameLength bounds a single record; larger length prefixes are
	// treated as garbage.
	maxFrameLength = 256 << 20
)

// FileOptions configures a single log file
type FileOptions struct {
	SyncWrites    bool
	IndexInterval int
	Observer      Observer
}

// storageFile is the part of *os.File a log file relies on
type storageFile interface {
	io.ReaderAt
	io.WriterAt
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

type indexEntry[K any] struct {
	key    K
	offset int64
}

// LogFile is an append-only, key-ordered file of records. It has a single
// writer and any number of readers: readers only ever see records whose
// append completed.
type LogFile[K any, V any] struct {
	path     string
	parser   RecordParser[K, V]
	logger   *zap.Logger
	opts     FileOptions
	file     storageFile
	writable bool

	mu     sync.RWMutex
	size   int64
	count  int64
	oldest *Record[K, V]
	newest *Record[K, V]
	index  []indexEntry[K]
	closed bool
}

// OpenLogFile opens or creates an appendable log file. A partial record at
// the end of the file, left by a crash during append, is truncated away.
func OpenLogFile[K any, V any](path string, parser RecordParser[K, V], opts FileOptions, logger *zap.Logger) (*LogFile[K, V], error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, clerrors.InternalError(fmt.Sprintf("failed to open log file %s", path), err)
	}
	return initLogFile(path, file, true, parser, opts, logger)
}

// OpenReadOnlyLogFile opens an existing log file that will not be appended to
func OpenReadOnlyLogFile[K any, V any](path string, parser RecordParser[K, V], opts FileOptions, logger *zap.Logger) (*LogFile[K, V], error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, clerrors.InternalError(fmt.Sprintf("failed to open log file %s", path), err)
	}
	return initLogFile(path, file, false, parser, opts, logger)
}

func initLogFile[K any, V any](path string, file storageFile, writable bool, parser RecordParser[K, V], opts FileOptions, logger *zap.Logger) (*LogFile[K, V], error) {
	if opts.IndexInterval <= 0 {
		opts.IndexInterval = 128
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &LogFile[K, V]{
		path:     path,
		parser:   parser,
		logger:   logger,
		opts:     opts,
		file:     file,
		writable: writable,
	}
	if err := f.load(); err != nil {
		file.Close()
		return nil, err
	}
	return f, nil
}

// load scans the whole file, rebuilding the cached oldest/newest records,
// the record count and the sparse index, and repairs a torn tail.
func (f *LogFile[K, V]) load() error {
	info, err := f.file.Stat()
	if err != nil {
		return clerrors.InternalError(fmt.Sprintf("failed to stat log file %s", f.path), err)
	}
	fileSize := info.Size()

	var (
		offset      int64
		newestKey   []byte
		newestValue []byte
		headerBuf   [lengthFieldSize]byte
	)
	for offset < fileSize {
		remaining := fileSize - offset
		if remaining < lengthFieldSize {
			return f.recoverTail(offset, fileSize)
		}
		if _, err := f.file.ReadAt(headerBuf[:], offset); err != nil {
			return clerrors.InternalError(fmt.Sprintf("failed to read log file %s", f.path), err)
		}
		length := int64(int32(binary.BigEndian.Uint32(headerBuf[:])))
		end := offset + lengthFieldSize + length
		if length < minFrameLength || length > maxFrameLength || end > fileSize {
			return f.recoverOrFail(offset, fileSize, fmt.Sprintf("invalid record length %d", length))
		}

		body := make([]byte, length)
		if _, err := f.file.ReadAt(body, offset+lengthFieldSize); err != nil {
			return clerrors.InternalError(fmt.Sprintf("failed to read log file %s", f.path), err)
		}
		keyBytes, valueBytes, ok := splitFrame(body)
		if !ok {
			return f.recoverOrFail(offset, fileSize, "missing record separator")
		}
		key, err := f.parser.DecodeKey(keyBytes)
		if err != nil {
			return clerrors.CorruptedData(
				fmt.Sprintf("failed to decode key at offset %d in %s", offset, f.path), err)
		}
		if f.count == 0 {
			value, err := f.parser.DecodeValue(valueBytes)
			if err != nil {
				return clerrors.CorruptedData(
					fmt.Sprintf("failed to decode value at offset %d in %s", offset, f.path), err)
			}
			f.oldest = &Record[K, V]{Key: key, Value: value}
		}
		if f.count%int64(f.opts.IndexInterval) == 0 {
			f.index = append(f.index, indexEntry[K]{key: key, offset: offset})
		}
		f.count++
		newestKey, newestValue = keyBytes, valueBytes
		offset = end
	}
	f.size = offset

	if f.count > 0 {
		key, err := f.parser.DecodeKey(newestKey)
		if err != nil {
			return clerrors.CorruptedData(fmt.Sprintf("failed to decode newest key in %s", f.path), err)
		}
		value, err := f.parser.DecodeValue(newestValue)
		if err != nil {
			return clerrors.CorruptedData(fmt.Sprintf("failed to decode newest value in %s", f.path), err)
		}
		f.newest = &Record[K, V]{Key: key, Value: value}
	}
	return nil
}

// recoverOrFail handles a malformed frame at offset. With no well-formed
// record after it, the frame is the torn tail of an interrupted append
// (a crash may also leave the file extended with zeros) and is
// truncated. Otherwise the file is corrupted.
func (f *LogFile[K, V]) recoverOrFail(offset, fileSize int64, reason string) error {
	followed, err := f.wellFormedRecordAfter(offset, fileSize)
	if err != nil {
		return err
	}
	if followed {
		return clerrors.CorruptedData(fmt.Sprintf("%s at offset %d in %s", reason, offset, f.path), nil)
	}
	return f.recoverTail(offset, fileSize)
}

// wellFormedRecordAfter reports whether a complete frame with a decodable
// key starts anywhere in (offset, fileSize)
func (f *LogFile[K, V]) wellFormedRecordAfter(offset, fileSize int64) (bool, error) {
	tail := make([]byte, fileSize-offset)
	if _, err := f.file.ReadAt(tail, offset); err != nil && err != io.EOF {
		return false, clerrors.InternalError(fmt.Sprintf("failed to read log file %s", f.path), err)
	}
	for p := 1; p+lengthFieldSize <= len(tail); p++ {
		length := int(int32(binary.BigEndian.Uint32(tail[p:])))
		if length < minFrameLength || length > maxFrameLength || p+lengthFieldSize+length > len(tail) {
			continue
		}
		keyBytes, _, ok := splitFrame(tail[p+lengthFieldSize : p+lengthFieldSize+length])
		if !ok {
			continue
		}
		if _, err := f.parser.DecodeKey(keyBytes); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// recoverTail truncates the file back to the last complete record
func (f *LogFile[K, V]) recoverTail(offset, fileSize int64) error {
	dropped := fileSize - offset
	if !f.writable {
		return clerrors.CorruptedData(
			fmt.Sprintf("read-only log file %s has %d trailing bytes of partial record", f.path, dropped), nil)
	}
	if err := f.file.Truncate(offset); err != nil {
		return clerrors.InternalError(fmt.Sprintf("failed to truncate log file %s", f.path), err)
	}
	if err := f.file.Sync(); err != nil {
		return clerrors.InternalError(fmt.Sprintf("failed to sync log file %s", f.path), err)
	}
	f.logger.Warn("Truncated partial record at end of log file",
		zap.String("path", f.path),
		zap.Int64("offset", offset),
		zap.Int64("dropped_bytes", dropped))
	f.opts.Observer.ObserveTruncation(f.path, dropped)
	f.size = offset
	return f.loadAfterTruncate()
}

// loadAfterTruncate rescans the now well-formed file
func (f *LogFile[K, V]) loadAfterTruncate() error {
	f.size, f.count, f.oldest, f.newest, f.index = 0, 0, nil, nil, nil
	return f.load()
}

func splitFrame(body []byte) (key, value []byte, ok bool) {
	if len(body) < minFrameLength || body[len(body)-1] != separator {
		return nil, nil, false
	}
	idx := bytes.IndexByte(body, separator)
	if idx <= 0 || idx == len(body)-1 {
		return nil, nil, false
	}
	return body[:idx], body[idx+1 : len(body)-1], true
}

func encodeFrame(key, value []byte) []byte {
	length := len(key) + 1 + len(value) + 1
	buf := make([]byte, 0, lengthFieldSize+length)
	buf = binary.BigEndian.AppendUint32(buf, uint32(length))
	buf = append(buf, key...)
	buf = append(buf, separator)
	buf = append(buf, value...)
	return append(buf, separator)
}

// Append writes record at the end of the file. The record key must be
// strictly greater than the newest key.
func (f *LogFile[K, V]) Append(record Record[K, V]) error {
	start := time.Now()
	if !f.writable {
		return clerrors.InternalError(fmt.Sprintf("log file %s is read-only", f.path), nil)
	}

	f.mu.RLock()
	closed, newest, size, count := f.closed, f.newest, f.size, f.count
	f.mu.RUnlock()
	if closed {
		return clerrors.LogClosed(f.path)
	}
	if newest != nil && f.parser.CompareKeys(record.Key, newest.Key) <= 0 {
		f.opts.Observer.ObserveRejectedAppend()
		return clerrors.KeyOrdering(f.path,
			string(f.parser.EncodeKey(newest.Key)), string(f.parser.EncodeKey(record.Key)))
	}

	keyBytes := f.parser.EncodeKey(record.Key)
	if len(keyBytes) == 0 || bytes.IndexByte(keyBytes, separator) >= 0 {
		return clerrors.InvalidArgument(fmt.Sprintf("invalid encoded key %q", keyBytes), nil)
	}
	valueBytes, err := f.parser.EncodeValue(record.Value)
	if err != nil {
		return clerrors.InvalidArgument("failed to encode record value", err)
	}
	frame := encodeFrame(keyBytes, valueBytes)
	if len(frame)-lengthFieldSize > maxFrameLength {
		return clerrors.PayloadTooLarge(len(frame), maxFrameLength)
	}

	if _, err := f.file.WriteAt(frame, size); err != nil {
		return f.abortAppend(size,
			clerrors.InternalError(fmt.Sprintf("failed to write to log file %s", f.path), err))
	}
	if f.opts.SyncWrites {
		if err := f.file.Sync(); err != nil {
			return f.abortAppend(size,
				clerrors.InternalError(fmt.Sprintf("failed to sync log file %s", f.path), err))
		}
	}

	rec := &Record[K, V]{Key: record.Key, Value: record.Value}
	f.mu.Lock()
	if count%int64(f.opts.IndexInterval) == 0 {
		f.index = append(f.index, indexEntry[K]{key: record.Key, offset: size})
	}
	if f.oldest == nil {
		f.oldest = rec
	}
	f.newest = rec
	f.count++
	f.size = size + int64(len(frame))
	f.mu.Unlock()

	f.opts.Observer.ObserveAppend(len(frame), time.Since(start))
	return nil
}

// abortAppend cuts the file back to size after a failed append so that no
// torn frame is left behind the next record
func (f *LogFile[K, V]) abortAppend(size int64, err error) error {
	if terr := f.file.Truncate(size); terr != nil {
		f.logger.Error("Failed to truncate torn append",
			zap.String("path", f.path),
			zap.Int64("size", size),
			zap.Error(terr))
	}
	return err
}

// readAt reads the record starting at offset. It returns ok=false when no
// complete record starts at offset within the published size.
func (f *LogFile[K, V]) readAt(offset int64, decodeValue bool) (rec *Record[K, V], next int64, ok bool, err error) {
	f.mu.RLock()
	limit, closed := f.size, f.closed
	f.mu.RUnlock()
	if closed {
		return nil, offset, false, clerrors.LogClosed(f.path)
	}
	if offset+lengthFieldSize > limit {
		return nil, offset, false, nil
	}

	var headerBuf [lengthFieldSize]byte
	if _, err := f.file.ReadAt(headerBuf[:], offset); err != nil {
		return nil, offset, false, clerrors.InternalError(fmt.Sprintf("failed to read log file %s", f.path), err)
	}
	length := int64(int32(binary.BigEndian.Uint32(headerBuf[:])))
	end := offset + lengthFieldSize + length
	if length < minFrameLength || end > limit {
		return nil, offset, false, clerrors.CorruptedData(
			fmt.Sprintf("invalid record length %d at offset %d in %s", length, offset, f.path), nil)
	}
	body := make([]byte, length)
	if _, err := f.file.ReadAt(body, offset+lengthFieldSize); err != nil && err != io.EOF {
		return nil, offset, false, clerrors.InternalError(fmt.Sprintf("failed to read log file %s", f.path), err)
	}
	keyBytes, valueBytes, framed := splitFrame(body)
	if !framed {
		return nil, offset, false, clerrors.CorruptedData(
			fmt.Sprintf("missing record separator at offset %d in %s", offset, f.path), nil)
	}
	key, err := f.parser.DecodeKey(keyBytes)
	if err != nil {
		return nil, offset, false, clerrors.CorruptedData(
			fmt.Sprintf("failed to decode key at offset %d in %s", offset, f.path), err)
	}
	rec = &Record[K, V]{Key: key}
	if decodeValue {
		value, err := f.parser.DecodeValue(valueBytes)
		if err != nil {
			return nil, offset, false, clerrors.CorruptedData(
				fmt.Sprintf("failed to decode value at offset %d in %s", offset, f.path), err)
		}
		rec.Value = value
	}
	return rec, end, true, nil
}

// seek finds the offset of the first record a cursor positioned with the
// given strategies must return. positioned is false when the strategies
// cannot be satisfied in this file.
func (f *LogFile[K, V]) seek(key K, match KeyMatchingStrategy, pos PositionStrategy) (offset int64, positioned bool, err error) {
	offset = f.indexedOffsetFor(key)

	prevOffset := int64(-1)
	for {
		rec, next, ok, err := f.readAt(offset, false)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			break
		}
		cmp := f.parser.CompareKeys(rec.Key, key)
		switch {
		case cmp < 0:
			prevOffset = offset
			offset = next
			continue
		case cmp == 0:
			if pos == OnMatchingKey {
				return offset, true, nil
			}
			return next, true, nil
		}

		switch match {
		case EqualToKey:
			return 0, false, nil
		case GreaterThanOrEqualToKey:
			return offset, true, nil
		default:
			if prevOffset < 0 {
				return 0, false, nil
			}
			if pos == OnMatchingKey {
				return prevOffset, true, nil
			}
			return offset, true, nil
		}
	}

	// every record is lower than key
	switch match {
	case GreaterThanOrEqualToKey:
		return offset, true, nil
	case LessThanOrEqualToKey:
		if prevOffset < 0 {
			return 0, false, nil
		}
		if pos == OnMatchingKey {
			return prevOffset, true, nil
		}
		return offset, true, nil
	default:
		return 0, false, nil
	}
}

// indexedOffsetFor returns the offset of the last indexed record whose key
// is lower than or equal to key, or 0.
func (f *LogFile[K, V]) indexedOffsetFor(key K) int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	i := sort.Search(len(f.index), func(i int) bool {
		return f.parser.CompareKeys(f.index[i].key, key) > 0
	})
	if i == 0 {
		return 0
	}
	return f.index[i-1].offset
}

// Cursor returns a cursor over this file starting at the first record
func (f *LogFile[K, V]) Cursor() Cursor[K, V] {
	return &fileCursor[K, V]{file: f}
}

// CursorAt returns a cursor positioned according to key and strategies,
// or an empty cursor when positioning fails.
func (f *LogFile[K, V]) CursorAt(key K, match KeyMatchingStrategy, pos PositionStrategy) (Cursor[K, V], error) {
	offset, positioned, err := f.seek(key, match, pos)
	if err != nil {
		return nil, err
	}
	if !positioned {
		return EmptyCursor[K, V](), nil
	}
	return &fileCursor[K, V]{file: f, offset: offset}, nil
}

// OldestRecord returns the first record, or nil for an empty file
func (f *LogFile[K, V]) OldestRecord() *Record[K, V] {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.oldest
}

// NewestRecord returns the last record, or nil for an empty file
func (f *LogFile[K, V]) NewestRecord() *Record[K, V] {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.newest
}

// NumberOfRecords returns the number of records in the file
func (f *LogFile[K, V]) NumberOfRecords() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// SizeInBytes returns the size of the complete records in the file
func (f *LogFile[K, V]) SizeInBytes() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size
}

// Path returns the file path
func (f *LogFile[K, V]) Path() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.path
}

// rename moves the file on disk. The open descriptor stays valid so
// cursors on this file are not affected.
func (f *LogFile[K, V]) rename(newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Rename(f.path, newPath); err != nil {
		return clerrors.InternalError(fmt.Sprintf("failed to rename log file %s to %s", f.path, newPath), err)
	}
	f.path = newPath
	return nil
}

// SyncToFileSystem flushes written records to stable storage
func (f *LogFile[K, V]) SyncToFileSystem() error {
	if !f.writable {
		return nil
	}
	if err := f.file.Sync(); err != nil {
		return clerrors.InternalError(fmt.Sprintf("failed to sync log file %s", f.path), err)
	}
	return nil
}

// Close closes the file. Further reads and appends fail.
func (f *LogFile[K, V]) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	if err := f.file.Close(); err != nil {
		return clerrors.InternalError(fmt.Sprintf("failed to close log file %s", f.path), err)
	}
	return nil
}

// delete closes and removes the file
func (f *LogFile[K, V]) delete() error {
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return clerrors.InternalError(fmt.Sprintf("failed to delete log file %s", f.path), err)
	}
	return nil
}

// fileCursor iterates over the records of a single file
type fileCursor[K any, V any] struct {
	file   *LogFile[K, V]
	offset int64
	record *Record[K, V]
}

func (c *fileCursor[K, V]) Next() (bool, error) {
	rec, next, ok, err := c.file.readAt(c.offset, true)
	if err != nil || !ok {
		c.record = nil
		return false, err
	}
	c.offset = next
	c.record = rec
	return true, nil
}

func (c *fileCursor[K, V]) Record() *Record[K, V] {
	return c.record
}

func (c *fileCursor[K, V]) Close() {}
