package logfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

const (
	headFileName  = "head.log"
	purgeFileName = "purge.tmp"
	logFileSuffix = ".log"
	keySeparator  = "_"
	btreeDegree   = 8
)

// Options configures a multi-file Log
type Options struct {
	// SegmentSize is the head size in bytes above which the head is rotated
	SegmentSize int64
	// RotationInterval rotates a non-empty head older than this; zero disables
	RotationInterval time.Duration
	SyncWrites       bool
	IndexInterval    int
	Observer         Observer
	// Now is the clock used for time based rotation
	Now func() time.Time
}

type segment[K any, V any] struct {
	high K
	file *LogFile[K, V]
}

// Log is a directory of LogFiles forming one key ordered sequence of
// records: an appendable head.log plus read-only files named after their
// lowest and highest keys.
//
// Appends are serialized by appendMu. Appends and reads share mu;
// rotation, purge, clear and close take it exclusively.
type Log[K any, V any] struct {
	dir    string
	parser RecordParser[K, V]
	opts   Options
	logger *zap.Logger

	appendMu sync.Mutex

	mu          sync.RWMutex
	segments    *btree.BTreeG[segment[K, V]]
	head        *LogFile[K, V]
	headCreated time.Time
	closed      bool

	// generation changes whenever records are physically removed, telling
	// cursors to reposition
	generation atomic.Uint64
}

// Open opens the log stored in dir, creating it when needed
func Open[K any, V any](dir string, parser RecordParser[K, V], opts Options, logger *zap.Logger) (*Log[K, V], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, clerrors.InternalError(fmt.Sprintf("failed to create log directory %s", dir), err)
	}

	l := &Log[K, V]{
		dir:    dir,
		parser: parser,
		opts:   opts,
		logger: logger.With(zap.String("log_dir", dir)),
	}
	l.segments = btree.NewG(btreeDegree, func(a, b segment[K, V]) bool {
		return parser.CompareKeys(a.high, b.high) < 0
	})

	if err := l.load(); err != nil {
		l.closeFiles()
		return nil, err
	}
	return l, nil
}

func (l *Log[K, V]) fileOptions() FileOptions {
	return FileOptions{
		SyncWrites:    l.opts.SyncWrites,
		IndexInterval: l.opts.IndexInterval,
		Observer:      l.opts.Observer,
	}
}

func (l *Log[K, V]) load() error {
	// an interrupted purge leaves its scratch file behind
	if err := os.Remove(filepath.Join(l.dir, purgeFileName)); err == nil {
		l.logger.Warn("Removed leftover purge file")
	} else if !os.IsNotExist(err) {
		return clerrors.InternalError("failed to remove leftover purge file", err)
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return clerrors.InternalError(fmt.Sprintf("failed to list log directory %s", l.dir), err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == headFileName || !strings.HasSuffix(name, logFileSuffix) {
			continue
		}
		if err := l.loadSegment(name); err != nil {
			return err
		}
	}

	head, err := OpenLogFile(filepath.Join(l.dir, headFileName), l.parser, l.fileOptions(), l.logger)
	if err != nil {
		return err
	}
	l.head = head
	l.headCreated = l.opts.Now()

	if last, ok := l.segments.Max(); ok {
		if oldest := head.OldestRecord(); oldest != nil && l.parser.CompareKeys(oldest.Key, last.high) <= 0 {
			return clerrors.CorruptedData(
				fmt.Sprintf("head of log %s overlaps read-only file %s", l.dir, last.file.Path()), nil)
		}
	}
	l.logger.Debug("Opened log",
		zap.Int("read_only_files", l.segments.Len()),
		zap.Int64("head_records", head.NumberOfRecords()))
	return nil
}

func (l *Log[K, V]) loadSegment(name string) error {
	base := strings.TrimSuffix(name, logFileSuffix)
	parts := strings.Split(base, keySeparator)
	if len(parts) != 2 {
		return clerrors.CorruptedData(fmt.Sprintf("unexpected file %s in log directory %s", name, l.dir), nil)
	}
	high, err := l.parser.DecodeKey([]byte(parts[1]))
	if err != nil {
		return clerrors.CorruptedData(fmt.Sprintf("invalid read-only file name %s in %s", name, l.dir), err)
	}

	path := filepath.Join(l.dir, name)
	file, err := OpenReadOnlyLogFile(path, l.parser, l.fileOptions(), l.logger)
	if err != nil {
		return err
	}
	newest := file.NewestRecord()
	if newest == nil {
		l.logger.Warn("Removing empty read-only log file", zap.String("path", path))
		return file.delete()
	}
	if l.parser.CompareKeys(newest.Key, high) != 0 {
		file.Close()
		return clerrors.CorruptedData(
			fmt.Sprintf("read-only file %s ends with key %s", path, l.parser.EncodeKey(newest.Key)), nil)
	}

	if existing, ok := l.segments.Get(segment[K, V]{high: high}); ok {
		// a purge rewrote this file but crashed before removing the
		// original; the rewritten copy is the one with fewer records
		keep, drop := existing.file, file
		if file.NumberOfRecords() < existing.file.NumberOfRecords() {
			keep, drop = file, existing.file
		}
		l.logger.Warn("Removing superseded read-only log file",
			zap.String("kept", keep.Path()),
			zap.String("removed", drop.Path()))
		if err := drop.delete(); err != nil {
			return err
		}
		file = keep
	}
	l.segments.ReplaceOrInsert(segment[K, V]{high: high, file: file})
	return nil
}

// Append adds record at the end of the log
func (l *Log[K, V]) Append(record Record[K, V]) error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if err := l.rotateIfNeeded(); err != nil {
		return err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return clerrors.LogClosed(l.dir)
	}
	if newest := l.newestLocked(); newest != nil && l.parser.CompareKeys(record.Key, newest.Key) <= 0 {
		l.opts.Observer.ObserveRejectedAppend()
		l.logger.Error("Rejected out of order append",
			zap.ByteString("key", l.parser.EncodeKey(record.Key)),
			zap.ByteString("newest_key", l.parser.EncodeKey(newest.Key)))
		return clerrors.KeyOrdering(l.dir,
			string(l.parser.EncodeKey(newest.Key)), string(l.parser.EncodeKey(record.Key)))
	}
	return l.head.Append(record)
}

func (l *Log[K, V]) rotateIfNeeded() error {
	l.mu.RLock()
	head, created, closed := l.head, l.headCreated, l.closed
	l.mu.RUnlock()
	if closed || head.NumberOfRecords() == 0 {
		return nil
	}
	bySize := l.opts.SegmentSize > 0 && head.SizeInBytes() >= l.opts.SegmentSize
	byAge := l.opts.RotationInterval > 0 && l.opts.Now().Sub(created) >= l.opts.RotationInterval
	if !bySize && !byAge {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked()
}

func (l *Log[K, V]) rotateLocked() error {
	head := l.head
	oldest, newest := head.OldestRecord(), head.NewestRecord()
	if oldest == nil {
		return nil
	}
	if err := head.SyncToFileSystem(); err != nil {
		return err
	}
	headPath := head.Path()
	if err := head.rename(l.segmentPath(oldest.Key, newest.Key)); err != nil {
		return err
	}
	newHead, err := OpenLogFile(headPath, l.parser, l.fileOptions(), l.logger)
	if err != nil {
		if rerr := head.rename(headPath); rerr != nil {
			l.logger.Error("Failed to restore head after rotation failure", zap.Error(rerr))
		}
		return err
	}
	l.segments.ReplaceOrInsert(segment[K, V]{high: newest.Key, file: head})
	l.head = newHead
	l.headCreated = l.opts.Now()
	l.opts.Observer.ObserveRotation()
	l.logger.Info("Rotated log head",
		zap.String("file", head.Path()),
		zap.Int64("records", head.NumberOfRecords()))
	return nil
}

func (l *Log[K, V]) segmentPath(low, high K) string {
	return filepath.Join(l.dir,
		string(l.parser.EncodeKey(low))+keySeparator+string(l.parser.EncodeKey(high))+logFileSuffix)
}

// Cursor returns a cursor starting at the oldest record
func (l *Log[K, V]) Cursor() (Cursor[K, V], error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, clerrors.LogClosed(l.dir)
	}
	c := &logCursor[K, V]{log: l, generation: l.generation.Load()}
	c.current = l.firstFile()
	c.reader = &fileCursor[K, V]{file: c.current}
	return c, nil
}

// CursorAt returns a cursor positioned on key according to the strategies.
// When the strategies cannot be satisfied an empty cursor is returned.
func (l *Log[K, V]) CursorAt(key K, match KeyMatchingStrategy, pos PositionStrategy) (Cursor[K, V], error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, clerrors.LogClosed(l.dir)
	}
	file, offset, positioned, err := l.seekLocked(key, match, pos)
	if err != nil {
		return nil, err
	}
	if !positioned {
		return EmptyCursor[K, V](), nil
	}
	startKey := key
	return &logCursor[K, V]{
		log:        l,
		generation: l.generation.Load(),
		startKey:   &startKey,
		startPos:   pos,
		current:    file,
		reader:     &fileCursor[K, V]{file: file, offset: offset},
	}, nil
}

// CursorFromFile returns a cursor starting at the oldest record of the
// first file whose newest record satisfies reached, skipping the earlier
// files without reading them. reached must hold for every record after
// the first one it holds for.
func (l *Log[K, V]) CursorFromFile(reached func(newest *Record[K, V]) bool) (Cursor[K, V], error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, clerrors.LogClosed(l.dir)
	}
	start := l.head
	l.segments.Ascend(func(s segment[K, V]) bool {
		if newest := s.file.NewestRecord(); newest != nil && reached(newest) {
			start = s.file
			return false
		}
		return true
	})
	c := &logCursor[K, V]{
		log:        l,
		generation: l.generation.Load(),
		current:    start,
		reader:     &fileCursor[K, V]{file: start},
	}
	if oldest := start.OldestRecord(); oldest != nil {
		startKey := oldest.Key
		c.startKey = &startKey
		c.startPos = OnMatchingKey
	}
	return c, nil
}

func (l *Log[K, V]) seekLocked(key K, match KeyMatchingStrategy, pos PositionStrategy) (*LogFile[K, V], int64, bool, error) {
	file := l.findFileFor(key, match)
	offset, positioned, err := file.seek(key, match, pos)
	return file, offset, positioned, err
}

// findFileFor returns the file that holds key, or would hold it
func (l *Log[K, V]) findFileFor(key K, match KeyMatchingStrategy) *LogFile[K, V] {
	var candidate *LogFile[K, V]
	l.segments.AscendGreaterOrEqual(segment[K, V]{high: key}, func(s segment[K, V]) bool {
		candidate = s.file
		return false
	})
	if candidate == nil {
		candidate = l.head
	}
	if match == LessThanOrEqualToKey {
		oldest := candidate.OldestRecord()
		if oldest == nil || l.parser.CompareKeys(oldest.Key, key) > 0 {
			if prev := l.previousFile(candidate); prev != nil {
				candidate = prev
			}
		}
	}
	return candidate
}

func (l *Log[K, V]) firstFile() *LogFile[K, V] {
	if first, ok := l.segments.Min(); ok {
		return first.file
	}
	return l.head
}

// nextFile returns the file following f in key order, nil after the head
func (l *Log[K, V]) nextFile(f *LogFile[K, V]) *LogFile[K, V] {
	if f == l.head {
		return nil
	}
	newest := f.NewestRecord()
	if newest == nil {
		return l.head
	}
	var next *LogFile[K, V]
	l.segments.AscendGreaterOrEqual(segment[K, V]{high: newest.Key}, func(s segment[K, V]) bool {
		if s.file == f || l.parser.CompareKeys(s.high, newest.Key) == 0 {
			return true
		}
		next = s.file
		return false
	})
	if next == nil {
		return l.head
	}
	return next
}

func (l *Log[K, V]) previousFile(f *LogFile[K, V]) *LogFile[K, V] {
	if f == l.head {
		if last, ok := l.segments.Max(); ok {
			return last.file
		}
		return nil
	}
	newest := f.NewestRecord()
	if newest == nil {
		return nil
	}
	var prev *LogFile[K, V]
	l.segments.DescendLessOrEqual(segment[K, V]{high: newest.Key}, func(s segment[K, V]) bool {
		if l.parser.CompareKeys(s.high, newest.Key) == 0 {
			return true
		}
		prev = s.file
		return false
	})
	return prev
}

// OldestRecord returns the oldest record, or nil when the log is empty
func (l *Log[K, V]) OldestRecord() *Record[K, V] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if first, ok := l.segments.Min(); ok {
		return first.file.OldestRecord()
	}
	return l.head.OldestRecord()
}

// NewestRecord returns the newest record, or nil when the log is empty
func (l *Log[K, V]) NewestRecord() *Record[K, V] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.newestLocked()
}

func (l *Log[K, V]) newestLocked() *Record[K, V] {
	if newest := l.head.NewestRecord(); newest != nil {
		return newest
	}
	if last, ok := l.segments.Max(); ok {
		return last.file.NewestRecord()
	}
	return nil
}

// NumberOfRecords returns the number of records across all files
func (l *Log[K, V]) NumberOfRecords() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := l.head.NumberOfRecords()
	l.segments.Ascend(func(s segment[K, V]) bool {
		total += s.file.NumberOfRecords()
		return true
	})
	return total
}

// SizeInBytes returns the total size of the log files
func (l *Log[K, V]) SizeInBytes() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := l.head.SizeInBytes()
	l.segments.Ascend(func(s segment[K, V]) bool {
		total += s.file.SizeInBytes()
		return true
	})
	return total
}

// NumberOfFiles returns the number of files including the head
func (l *Log[K, V]) NumberOfFiles() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.segments.Len() + 1
}

// Rotate forces a rotation of a non-empty head
func (l *Log[K, V]) Rotate() error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return clerrors.LogClosed(l.dir)
	}
	return l.rotateLocked()
}

// PurgeUpTo removes the records whose key is lower than purgeKey. The
// newest record is always kept. Returns the number of removed records.
func (l *Log[K, V]) PurgeUpTo(purgeKey K) (int64, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, clerrors.LogClosed(l.dir)
	}

	newest := l.newestLocked()
	if newest == nil {
		return 0, nil
	}
	effective := purgeKey
	if l.parser.CompareKeys(newest.Key, purgeKey) < 0 {
		effective = newest.Key
	}

	var (
		purged int64
		result *multierror.Error
	)
	var obsolete []segment[K, V]
	l.segments.Ascend(func(s segment[K, V]) bool {
		if l.parser.CompareKeys(s.high, effective) >= 0 {
			return false
		}
		obsolete = append(obsolete, s)
		return true
	})
	for _, s := range obsolete {
		count := s.file.NumberOfRecords()
		if err := s.file.delete(); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		l.segments.Delete(s)
		purged += count
	}

	if result == nil {
		first := l.firstFile()
		if oldest := first.OldestRecord(); oldest != nil && l.parser.CompareKeys(oldest.Key, effective) < 0 {
			removed, err := l.rewriteLocked(first, effective)
			if err != nil {
				result = multierror.Append(result, err)
			}
			purged += removed
		}
	}

	if purged > 0 {
		l.generation.Add(1)
		l.opts.Observer.ObservePurge(purged)
		l.logger.Debug("Purged log",
			zap.ByteString("purge_key", l.parser.EncodeKey(effective)),
			zap.Int64("records", purged))
	}
	return purged, result.ErrorOrNil()
}

// rewriteLocked copies the records of f with key >= from into a new file
// that replaces f
func (l *Log[K, V]) rewriteLocked(f *LogFile[K, V], from K) (int64, error) {
	tmpPath := filepath.Join(l.dir, purgeFileName)
	if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		return 0, clerrors.InternalError("failed to remove stale purge file", err)
	}
	tmp, err := OpenLogFile(tmpPath, l.parser, l.fileOptions(), l.logger)
	if err != nil {
		return 0, err
	}
	discard := func(cause error) (int64, error) {
		if derr := tmp.delete(); derr != nil {
			return 0, multierror.Append(cause, derr)
		}
		return 0, cause
	}

	var skipped int64
	reader := &fileCursor[K, V]{file: f}
	for {
		ok, err := reader.Next()
		if err != nil {
			return discard(err)
		}
		if !ok {
			break
		}
		rec := reader.Record()
		if l.parser.CompareKeys(rec.Key, from) < 0 {
			skipped++
			continue
		}
		if err := tmp.Append(*rec); err != nil {
			return discard(err)
		}
	}
	if err := tmp.SyncToFileSystem(); err != nil {
		return discard(err)
	}

	if f == l.head {
		headPath := f.Path()
		if err := tmp.rename(headPath); err != nil {
			return discard(err)
		}
		if err := f.Close(); err != nil {
			l.logger.Warn("Failed to close replaced head", zap.Error(err))
		}
		l.head = tmp
		return skipped, nil
	}

	newest := f.NewestRecord()
	oldest := tmp.OldestRecord()
	if err := tmp.rename(l.segmentPath(oldest.Key, newest.Key)); err != nil {
		return discard(err)
	}
	if err := f.delete(); err != nil {
		// the duplicate is resolved at next open
		l.logger.Warn("Failed to remove rewritten log file", zap.String("path", f.Path()), zap.Error(err))
	}
	l.segments.ReplaceOrInsert(segment[K, V]{high: newest.Key, file: tmp})
	return skipped, nil
}

// Clear removes every record
func (l *Log[K, V]) Clear() error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return clerrors.LogClosed(l.dir)
	}

	var result *multierror.Error
	l.segments.Ascend(func(s segment[K, V]) bool {
		if err := s.file.delete(); err != nil {
			result = multierror.Append(result, err)
		}
		return true
	})
	l.segments.Clear(false)
	if err := l.head.delete(); err != nil {
		result = multierror.Append(result, err)
	}
	head, err := OpenLogFile(filepath.Join(l.dir, headFileName), l.parser, l.fileOptions(), l.logger)
	if err != nil {
		result = multierror.Append(result, err)
		l.closed = true
	} else {
		l.head = head
		l.headCreated = l.opts.Now()
	}
	l.generation.Add(1)
	return result.ErrorOrNil()
}

// SyncToFileSystem flushes the head to stable storage
func (l *Log[K, V]) SyncToFileSystem() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return clerrors.LogClosed(l.dir)
	}
	return l.head.SyncToFileSystem()
}

// DumpAsText writes one text file per log file into dir, one record per
// line. Meant for debugging.
func (l *Log[K, V]) DumpAsText(dir string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return clerrors.LogClosed(l.dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return clerrors.InternalError(fmt.Sprintf("failed to create dump directory %s", dir), err)
	}

	files := make([]*LogFile[K, V], 0, l.segments.Len()+1)
	l.segments.Ascend(func(s segment[K, V]) bool {
		files = append(files, s.file)
		return true
	})
	files = append(files, l.head)

	var result *multierror.Error
	for _, f := range files {
		if err := dumpFile(f, filepath.Join(dir, filepath.Base(f.Path())+".txt")); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func dumpFile[K any, V any](f *LogFile[K, V], path string) error {
	out, err := os.Create(path)
	if err != nil {
		return clerrors.InternalError(fmt.Sprintf("failed to create dump file %s", path), err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	reader := &fileCursor[K, V]{file: f}
	for {
		ok, err := reader.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		rec := reader.Record()
		fmt.Fprintf(w, "%s %v\n", f.parser.EncodeKey(rec.Key), rec.Value)
	}
	if err := w.Flush(); err != nil {
		return clerrors.InternalError(fmt.Sprintf("failed to write dump file %s", path), err)
	}
	return nil
}

// Close closes every file of the log
func (l *Log[K, V]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.closeFiles()
}

func (l *Log[K, V]) closeFiles() error {
	var result *multierror.Error
	if l.segments != nil {
		l.segments.Ascend(func(s segment[K, V]) bool {
			if err := s.file.Close(); err != nil {
				result = multierror.Append(result, err)
			}
			return true
		})
	}
	if l.head != nil {
		if err := l.head.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Dir returns the log directory
func (l *Log[K, V]) Dir() string {
	return l.dir
}
