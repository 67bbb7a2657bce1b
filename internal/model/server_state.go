package model

import (
	"fmt"
	"sort"
	"strings"
)

// ServerState tracks the newest CSN seen for each replica of one domain
type ServerState map[int32]CSN

// Update records csn if it is newer than what is known for its replica.
// Returns true when the state changed.
func (s ServerState) Update(csn CSN) bool {
	if csn.IsZero() {
		return false
	}
	if current, ok := s[csn.ReplicaID]; ok && !csn.IsNewerThan(current) {
		return false
	}
	s[csn.ReplicaID] = csn
	return true
}

// Copy returns an independent copy
func (s ServerState) Copy() ServerState {
	c := make(ServerState, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// CSNs returns the CSNs sorted by replica id
func (s ServerState) CSNs() []CSN {
	ids := make([]int32, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	csns := make([]CSN, 0, len(ids))
	for _, id := range ids {
		csns = append(csns, s[id])
	}
	return csns
}

// String formats the state as space separated CSNs ordered by replica id
func (s ServerState) String() string {
	csns := s.CSNs()
	parts := make([]string, len(csns))
	for i, c := range csns {
		parts[i] = c.String()
	}
	return strings.Join(parts, " ")
}

// MultiDomainServerState maps each domain to its ServerState. Its string
// form is the external changelog cookie.
type MultiDomainServerState map[string]ServerState

// NewMultiDomainServerState creates an empty state
func NewMultiDomainServerState() MultiDomainServerState {
	return make(MultiDomainServerState)
}

// Update records csn for domain. Returns true when the state changed.
func (m MultiDomainServerState) Update(domain string, csn CSN) bool {
	ss, ok := m[domain]
	if !ok {
		ss = make(ServerState)
		m[domain] = ss
	}
	return ss.Update(csn)
}

// Get returns the CSN recorded for a replica of domain
func (m MultiDomainServerState) Get(domain string, replicaID int32) (CSN, bool) {
	csn, ok := m[domain][replicaID]
	return csn, ok
}

// RemoveDomain forgets everything recorded for domain
func (m MultiDomainServerState) RemoveDomain(domain string) {
	delete(m, domain)
}

// Copy returns a deep copy
func (m MultiDomainServerState) Copy() MultiDomainServerState {
	c := make(MultiDomainServerState, len(m))
	for d, ss := range m {
		c[d] = ss.Copy()
	}
	return c
}

// Domains returns the domain names in sorted order
func (m MultiDomainServerState) Domains() []string {
	domains := make([]string, 0, len(m))
	for d := range m {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}

// String formats the state as "dom1:csn csn;dom2:csn;" with domains sorted.
// Domains with no CSN are omitted.
func (m MultiDomainServerState) String() string {
	var sb strings.Builder
	for _, d := range m.Domains() {
		ss := m[d]
		if len(ss) == 0 {
			continue
		}
		sb.WriteString(d)
		sb.WriteByte(':')
		sb.WriteString(ss.String())
		sb.WriteByte(';')
	}
	return sb.String()
}

// ParseMultiDomainServerState parses the cookie form produced by String.
// Domains must not contain ';'.
func ParseMultiDomainServerState(s string) (MultiDomainServerState, error) {
	m := NewMultiDomainServerState()
	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		idx := strings.LastIndexByte(part, ':')
		if idx <= 0 {
			return nil, fmt.Errorf("invalid cookie segment %q: missing domain", part)
		}
		domain := part[:idx]
		ss := make(ServerState)
		for _, field := range strings.Fields(part[idx+1:]) {
			csn, err := ParseCSN(field)
			if err != nil {
				return nil, fmt.Errorf("invalid cookie segment %q: %w", part, err)
			}
			ss.Update(csn)
		}
		m[domain] = ss
	}
	return m, nil
}
