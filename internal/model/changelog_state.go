package model

import "sort"

// ChangelogState is the persisted view of which domains and replicas the
// changelog knows about. It is rebuilt from storage at startup and then
// maintained in memory. Not safe for concurrent use.
type ChangelogState struct {
	domainToGenerationID map[string]int64
	domainToServerIDs    map[string]map[int32]struct{}
	offlineReplicas      map[string]ServerState
}

// NewChangelogState creates an empty state
func NewChangelogState() *ChangelogState {
	return &ChangelogState{
		domainToGenerationID: make(map[string]int64),
		domainToServerIDs:    make(map[string]map[int32]struct{}),
		offlineReplicas:      make(map[string]ServerState),
	}
}

// SetDomainGenerationID records the generation id of domain
func (s *ChangelogState) SetDomainGenerationID(domain string, generationID int64) {
	s.domainToGenerationID[domain] = generationID
}

// AddServerIDToDomain registers a replica as part of domain
func (s *ChangelogState) AddServerIDToDomain(replicaID int32, domain string) {
	ids, ok := s.domainToServerIDs[domain]
	if !ok {
		ids = make(map[int32]struct{})
		s.domainToServerIDs[domain] = ids
	}
	ids[replicaID] = struct{}{}
}

// AddOfflineReplica marks the replica of offlineCSN as offline in domain
func (s *ChangelogState) AddOfflineReplica(domain string, offlineCSN CSN) {
	ss, ok := s.offlineReplicas[domain]
	if !ok {
		ss = make(ServerState)
		s.offlineReplicas[domain] = ss
	}
	ss[offlineCSN.ReplicaID] = offlineCSN
}

// RemoveOfflineReplica clears the offline marker of a replica
func (s *ChangelogState) RemoveOfflineReplica(domain string, replicaID int32) {
	if ss, ok := s.offlineReplicas[domain]; ok {
		delete(ss, replicaID)
		if len(ss) == 0 {
			delete(s.offlineReplicas, domain)
		}
	}
}

// RemoveDomain forgets everything about domain
func (s *ChangelogState) RemoveDomain(domain string) {
	delete(s.domainToGenerationID, domain)
	delete(s.domainToServerIDs, domain)
	delete(s.offlineReplicas, domain)
}

// GenerationID returns the generation id of domain
func (s *ChangelogState) GenerationID(domain string) (int64, bool) {
	id, ok := s.domainToGenerationID[domain]
	return id, ok
}

// DomainToGenerationID returns a copy of the generation id map
func (s *ChangelogState) DomainToGenerationID() map[string]int64 {
	c := make(map[string]int64, len(s.domainToGenerationID))
	for k, v := range s.domainToGenerationID {
		c[k] = v
	}
	return c
}

// Domains returns every domain with at least one replica, sorted
func (s *ChangelogState) Domains() []string {
	domains := make([]string, 0, len(s.domainToServerIDs))
	for d := range s.domainToServerIDs {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}

// ServerIDs returns the replicas of domain, sorted
func (s *ChangelogState) ServerIDs(domain string) []int32 {
	ids := make([]int32, 0, len(s.domainToServerIDs[domain]))
	for id := range s.domainToServerIDs[domain] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HasServerID reports whether replicaID is registered in domain
func (s *ChangelogState) HasServerID(domain string, replicaID int32) bool {
	_, ok := s.domainToServerIDs[domain][replicaID]
	return ok
}

// OfflineReplicas returns a copy of the offline markers, per domain
func (s *ChangelogState) OfflineReplicas() MultiDomainServerState {
	c := NewMultiDomainServerState()
	for d, ss := range s.offlineReplicas {
		c[d] = ss.Copy()
	}
	return c
}

// Copy returns a deep copy
func (s *ChangelogState) Copy() *ChangelogState {
	c := NewChangelogState()
	for d, g := range s.domainToGenerationID {
		c.domainToGenerationID[d] = g
	}
	for d, ids := range s.domainToServerIDs {
		for id := range ids {
			c.AddServerIDToDomain(id, d)
		}
	}
	for d, ss := range s.offlineReplicas {
		c.offlineReplicas[d] = ss.Copy()
	}
	return c
}
