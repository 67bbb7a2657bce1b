package logfile

import (
	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
)

// logCursor walks the files of a Log in key order. When a purge or clear
// removed data under it, the cursor repositions right after the last key
// it returned, or on its original position if it has not returned
// anything yet.
type logCursor[K any, V any] struct {
	log        *Log[K, V]
	generation uint64

	startKey *K
	startPos PositionStrategy

	current *LogFile[K, V]
	reader  *fileCursor[K, V]
	record  *Record[K, V]

	lastKey *K
	closed  bool
}

func (c *logCursor[K, V]) Next() (bool, error) {
	if c.closed {
		return false, nil
	}
	l := c.log
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		c.record = nil
		return false, clerrors.LogClosed(l.dir)
	}

	if gen := l.generation.Load(); gen != c.generation {
		c.generation = gen
		if err := c.repositionLocked(); err != nil {
			c.record = nil
			return false, err
		}
	}

	for c.current != nil {
		ok, err := c.reader.Next()
		if err != nil {
			c.record = nil
			return false, err
		}
		if ok {
			c.record = c.reader.Record()
			key := c.record.Key
			c.lastKey = &key
			return true, nil
		}
		next := l.nextFile(c.current)
		if next == nil {
			break
		}
		c.current = next
		c.reader = &fileCursor[K, V]{file: next}
	}
	c.record = nil
	return false, nil
}

func (c *logCursor[K, V]) repositionLocked() error {
	l := c.log
	var (
		key K
		pos PositionStrategy
	)
	switch {
	case c.lastKey != nil:
		key, pos = *c.lastKey, AfterMatchingKey
	case c.startKey != nil:
		key, pos = *c.startKey, c.startPos
	default:
		c.current = l.firstFile()
		c.reader = &fileCursor[K, V]{file: c.current}
		return nil
	}
	file, offset, _, err := l.seekLocked(key, GreaterThanOrEqualToKey, pos)
	if err != nil {
		return err
	}
	c.current = file
	c.reader = &fileCursor[K, V]{file: file, offset: offset}
	return nil
}

func (c *logCursor[K, V]) Record() *Record[K, V] {
	return c.record
}

func (c *logCursor[K, V]) Close() {
	c.closed = true
	c.record = nil
	c.current = nil
	c.reader = nil
}
