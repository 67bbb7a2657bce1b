package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/model"
)

const (
	// Size limits
	MaxDomainSize   = 512              // 512 bytes
	MaxTargetDNSize = 4096             // 4 KB
	MaxPayloadSize  = 16 * 1024 * 1024 // 16 MB
)

// Validator validates changelog inputs
type Validator struct {
	maxDomainSize   int
	maxTargetDNSize int
	maxPayloadSize  int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxDomainSize:   MaxDomainSize,
		maxTargetDNSize: MaxTargetDNSize,
		maxPayloadSize:  MaxPayloadSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxDomainSize, maxTargetDNSize, maxPayloadSize int) *Validator {
	return &Validator{
		maxDomainSize:   maxDomainSize,
		maxTargetDNSize: maxTargetDNSize,
		maxPayloadSize:  maxPayloadSize,
	}
}

// ValidateUpdate validates an update published by replicaID for domain.
// A negative replicaID skips the ownership check.
func (v *Validator) ValidateUpdate(domain string, replicaID int32, msg *model.UpdateMsg) error {
	if err := v.ValidateDomain(domain); err != nil {
		return err
	}
	if msg == nil {
		return errors.InvalidArgument("update message is required", nil)
	}
	if err := v.ValidateCSN(msg.CSN); err != nil {
		return err
	}
	if replicaID >= 0 && msg.CSN.ReplicaID != replicaID {
		return errors.InvalidArgument(
			fmt.Sprintf("csn %s was not produced by replica %d", msg.CSN, replicaID), nil)
	}
	if len(msg.TargetDN) > v.maxTargetDNSize {
		return errors.InvalidArgument(
			fmt.Sprintf("target dn exceeds maximum size of %d bytes", v.maxTargetDNSize), nil)
	}
	if len(msg.Payload) > v.maxPayloadSize {
		return errors.PayloadTooLarge(len(msg.Payload), v.maxPayloadSize)
	}
	return nil
}

// ValidateDomain validates a replication domain name
func (v *Validator) ValidateDomain(domain string) error {
	if domain == "" {
		return errors.InvalidDomain(domain, "domain cannot be empty")
	}

	if len(domain) > v.maxDomainSize {
		return errors.InvalidDomain(domain, fmt.Sprintf("domain exceeds maximum size of %d bytes", v.maxDomainSize))
	}

	// ';' terminates a domain in the changelog cookie
	if strings.Contains(domain, ";") {
		return errors.InvalidDomain(domain, "domain cannot contain ';' character")
	}

	for _, r := range domain {
		if unicode.IsControl(r) {
			return errors.InvalidDomain(domain, "domain cannot contain control characters")
		}
	}

	return nil
}

// ValidateCSN validates a CSN carried by an update, heartbeat or offline
// notification
func (v *Validator) ValidateCSN(csn model.CSN) error {
	if csn.IsZero() {
		return errors.InvalidArgument("csn is required", nil)
	}
	if csn.ReplicaID < 0 {
		return errors.InvalidArgument(fmt.Sprintf("csn %s has a negative replica id", csn), nil)
	}
	return nil
}

// ValidateReplicaID validates a replica id
func (v *Validator) ValidateReplicaID(replicaID int32) error {
	if replicaID < 0 {
		return errors.InvalidArgument(fmt.Sprintf("invalid replica id %d", replicaID), nil)
	}
	return nil
}
