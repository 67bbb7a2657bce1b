package model

// UpdateType defines the kind of directory operation an update carries
type UpdateType uint8

const (
	UpdateTypeAdd UpdateType = iota + 1
	UpdateTypeModify
	UpdateTypeModifyDN
	UpdateTypeDelete
)

// String returns the LDAP changetype name
func (t UpdateType) String() string {
	switch t {
	case UpdateTypeAdd:
		return "add"
	case UpdateTypeModify:
		return "modify"
	case UpdateTypeModifyDN:
		return "modrdn"
	case UpdateTypeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// UpdateMsg is one replicated update stored in a replica log. The payload
// is opaque: entry content encoding belongs to the replication protocol.
type UpdateMsg struct {
	CSN      CSN
	Type     UpdateType
	TargetDN string
	Payload  []byte
}

// ChangeNumberIndexRecord is one entry of the external changelog index.
// PreviousCookie is the multi-domain state immediately before this record.
type ChangeNumberIndexRecord struct {
	ChangeNumber   uint64
	Domain         string
	CSN            CSN
	PreviousCookie string
}
