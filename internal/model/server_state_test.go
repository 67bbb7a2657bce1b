package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerState_UpdateIsMonotonic(t *testing.T) {
	ss := make(ServerState)
	assert.True(t, ss.Update(NewCSN(5, 0, 1)))
	assert.False(t, ss.Update(NewCSN(4, 0, 1)))
	assert.False(t, ss.Update(NewCSN(5, 0, 1)))
	assert.False(t, ss.Update(CSN{}))
	assert.True(t, ss.Update(NewCSN(5, 1, 1)))
	assert.True(t, ss.Update(NewCSN(1, 0, 2)))

	assert.Equal(t, []CSN{NewCSN(5, 1, 1), NewCSN(1, 0, 2)}, ss.CSNs())
}

func TestMultiDomainServerState_CookieRoundTrip(t *testing.T) {
	m := NewMultiDomainServerState()
	m.Update("o=second", NewCSN(3, 0, 4))
	m.Update("dc=example,dc=com", NewCSN(7, 0, 2))
	m.Update("dc=example,dc=com", NewCSN(9, 1, 1))
	// domain names may contain ':'
	m.Update("cn=host:389", NewCSN(1, 0, 1))

	cookie := m.String()
	assert.Equal(t,
		"cn=host:389:"+NewCSN(1, 0, 1).String()+";"+
			"dc=example,dc=com:"+NewCSN(9, 1, 1).String()+" "+NewCSN(7, 0, 2).String()+";"+
			"o=second:"+NewCSN(3, 0, 4).String()+";",
		cookie)

	parsed, err := ParseMultiDomainServerState(cookie)
	require.NoError(t, err)
	assert.Equal(t, m, parsed)
	assert.Equal(t, cookie, parsed.String())
}

func TestMultiDomainServerState_EmptyDomainsOmitted(t *testing.T) {
	m := NewMultiDomainServerState()
	assert.Equal(t, "", m.String())

	m["dc=empty"] = make(ServerState)
	m.Update("dc=full", NewCSN(1, 0, 1))
	assert.Equal(t, "dc=full:"+NewCSN(1, 0, 1).String()+";", m.String())

	parsed, err := ParseMultiDomainServerState("")
	require.NoError(t, err)
	assert.Empty(t, parsed)
}

func TestParseMultiDomainServerState_Errors(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
	}{
		{"missing domain", ":" + NewCSN(1, 0, 1).String() + ";"},
		{"no separator", "dc=example;"},
		{"bad csn", "dc=example:nothex;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMultiDomainServerState(tt.cookie)
			assert.Error(t, err)
		})
	}
}

func TestMultiDomainServerState_CopyIsIndependent(t *testing.T) {
	m := NewMultiDomainServerState()
	m.Update("dc=a", NewCSN(1, 0, 1))

	c := m.Copy()
	c.Update("dc=a", NewCSN(2, 0, 1))
	c.Update("dc=b", NewCSN(1, 0, 1))
	c.RemoveDomain("dc=a")

	got, ok := m.Get("dc=a", 1)
	require.True(t, ok)
	assert.Equal(t, NewCSN(1, 0, 1), got)
	assert.Equal(t, []string{"dc=a"}, m.Domains())
	_, ok = c.Get("dc=a", 1)
	assert.False(t, ok)
}

func TestChangelogState_Replicas(t *testing.T) {
	s := NewChangelogState()
	s.AddServerIDToDomain(3, "dc=b")
	s.AddServerIDToDomain(2, "dc=a")
	s.AddServerIDToDomain(1, "dc=a")
	s.AddServerIDToDomain(1, "dc=a")
	s.SetDomainGenerationID("dc=a", 77)

	assert.Equal(t, []string{"dc=a", "dc=b"}, s.Domains())
	assert.Equal(t, []int32{1, 2}, s.ServerIDs("dc=a"))
	assert.True(t, s.HasServerID("dc=b", 3))
	assert.False(t, s.HasServerID("dc=b", 1))
	assert.Empty(t, s.ServerIDs("dc=missing"))
	gen, ok := s.GenerationID("dc=a")
	require.True(t, ok)
	assert.Equal(t, int64(77), gen)
}

func TestChangelogState_OfflineReplicas(t *testing.T) {
	s := NewChangelogState()
	s.AddOfflineReplica("dc=a", NewCSN(5, 0, 1))
	s.AddOfflineReplica("dc=a", NewCSN(6, 0, 2))

	got, ok := s.OfflineReplicas().Get("dc=a", 1)
	require.True(t, ok)
	assert.Equal(t, NewCSN(5, 0, 1), got)

	s.RemoveOfflineReplica("dc=a", 1)
	_, ok = s.OfflineReplicas().Get("dc=a", 1)
	assert.False(t, ok)

	s.RemoveOfflineReplica("dc=a", 2)
	assert.Empty(t, s.OfflineReplicas())
	s.RemoveOfflineReplica("dc=missing", 9)
}

func TestChangelogState_RemoveDomainAndCopy(t *testing.T) {
	s := NewChangelogState()
	s.AddServerIDToDomain(1, "dc=a")
	s.AddServerIDToDomain(1, "dc=b")
	s.SetDomainGenerationID("dc=a", 1)
	s.AddOfflineReplica("dc=a", NewCSN(1, 0, 1))

	c := s.Copy()
	s.RemoveDomain("dc=a")

	assert.Equal(t, []string{"dc=b"}, s.Domains())
	_, ok := s.GenerationID("dc=a")
	assert.False(t, ok)
	assert.Empty(t, s.OfflineReplicas())

	assert.Equal(t, []string{"dc=a", "dc=b"}, c.Domains())
	assert.Equal(t, map[string]int64{"dc=a": 1}, c.DomainToGenerationID())
	_, ok = c.OfflineReplicas().Get("dc=a", 1)
	assert.True(t, ok)
}
