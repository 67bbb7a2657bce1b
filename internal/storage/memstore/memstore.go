package memstore

import (
	"sort"
	"sync"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/storage/logfile"
	"github.com/google/btree"
)

const btreeDegree = 16

type replicaKey struct {
	domain    string
	replicaID int32
}

// Store keeps replica updates in memory, one ordered tree per (domain,
// replica). It serves the same cursor contract as the on-disk replica logs
// and is meant for tests and for deployments that do not persist updates.
type Store struct {
	mu       sync.RWMutex
	replicas map[replicaKey]*btree.BTreeG[*model.UpdateMsg]
}

// New creates an empty store
func New() *Store {
	return &Store{replicas: make(map[replicaKey]*btree.BTreeG[*model.UpdateMsg])}
}

func lessUpdate(a, b *model.UpdateMsg) bool {
	return a.CSN.IsOlderThan(b.CSN)
}

// Add stores msg for domain. CSNs must strictly increase per replica.
func (s *Store) Add(domain string, msg *model.UpdateMsg) error {
	if msg == nil || msg.CSN.IsZero() {
		return clerrors.InvalidArgument("update message requires a csn", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := replicaKey{domain: domain, replicaID: msg.CSN.ReplicaID}
	tree, ok := s.replicas[key]
	if !ok {
		tree = btree.NewG(btreeDegree, lessUpdate)
		s.replicas[key] = tree
	}
	if newest, ok := tree.Max(); ok && !msg.CSN.IsNewerThan(newest.CSN) {
		return clerrors.KeyOrdering(domain, newest.CSN.String(), msg.CSN.String())
	}
	tree.ReplaceOrInsert(msg)
	return nil
}

// ReplicaCursor returns a cursor on the updates of a replica newer than
// after. The cursor keeps returning updates added later.
func (s *Store) ReplicaCursor(domain string, replicaID int32, after model.CSN) (logfile.Cursor[model.CSN, *model.UpdateMsg], error) {
	c := &cursor{store: s, key: replicaKey{domain: domain, replicaID: replicaID}}
	if !after.IsZero() {
		c.last = &model.UpdateMsg{CSN: after}
	}
	return c, nil
}

// NewestCSN returns the newest CSN of a replica, or the zero CSN
func (s *Store) NewestCSN(domain string, replicaID int32) model.CSN {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tree, ok := s.replicas[replicaKey{domain: domain, replicaID: replicaID}]; ok {
		if newest, ok := tree.Max(); ok {
			return newest.CSN
		}
	}
	return model.CSN{}
}

// Domains returns every domain holding updates
func (s *Store) Domains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var domains []string
	for key := range s.replicas {
		if _, ok := seen[key.domain]; !ok {
			seen[key.domain] = struct{}{}
			domains = append(domains, key.domain)
		}
	}
	sort.Strings(domains)
	return domains
}

// Replicas returns the ids of every replica of domain holding updates
func (s *Store) Replicas(domain string) []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int32
	for key := range s.replicas {
		if key.domain == domain {
			ids = append(ids, key.replicaID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ClearDomain drops every update of domain
func (s *Store) ClearDomain(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.replicas {
		if key.domain == domain {
			delete(s.replicas, key)
		}
	}
}

type cursor struct {
	store  *Store
	key    replicaKey
	last   *model.UpdateMsg
	record *logfile.Record[model.CSN, *model.UpdateMsg]
}

func (c *cursor) Next() (bool, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	c.record = nil
	tree, ok := c.store.replicas[c.key]
	if !ok {
		return false, nil
	}
	var next *model.UpdateMsg
	visit := func(msg *model.UpdateMsg) bool {
		if c.last != nil && !msg.CSN.IsNewerThan(c.last.CSN) {
			return true
		}
		next = msg
		return false
	}
	if c.last == nil {
		tree.Ascend(visit)
	} else {
		tree.AscendGreaterOrEqual(c.last, visit)
	}
	if next == nil {
		return false, nil
	}
	c.last = next
	c.record = &logfile.Record[model.CSN, *model.UpdateMsg]{Key: next.CSN, Value: next}
	return true, nil
}

func (c *cursor) Record() *logfile.Record[model.CSN, *model.UpdateMsg] {
	return c.record
}

func (c *cursor) Close() {
	c.record = nil
}
