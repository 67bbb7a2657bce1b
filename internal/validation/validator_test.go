package validation

import (
	"strings"
	"testing"

	"github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestValidateDomain(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		domain  string
		wantErr bool
	}{
		{"valid", "dc=example,dc=com", false},
		{"with spaces and colon", "o=my org:east", false},
		{"empty", "", true},
		{"cookie separator", "dc=a;dc=b", true},
		{"nul byte", "dc=a\x00", true},
		{"too long", strings.Repeat("a", MaxDomainSize+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateDomain(tt.domain)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, errors.ErrCodeInvalidDomain, errors.GetCode(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateUpdate(t *testing.T) {
	v := NewValidatorWithLimits(64, 64, 8)
	valid := &model.UpdateMsg{CSN: model.NewCSN(1, 0, 3), Type: model.UpdateTypeAdd, TargetDN: "cn=a"}

	tests := []struct {
		name      string
		replicaID int32
		msg       *model.UpdateMsg
		code      errors.ErrorCode
	}{
		{"valid", 3, valid, errors.ErrCodeOK},
		{"ownership unchecked", -1, valid, errors.ErrCodeOK},
		{"nil message", 3, nil, errors.ErrCodeInvalidArgument},
		{"zero csn", 3, &model.UpdateMsg{}, errors.ErrCodeInvalidArgument},
		{"foreign csn", 4, valid, errors.ErrCodeInvalidArgument},
		{"payload too large", 3, &model.UpdateMsg{CSN: model.NewCSN(1, 0, 3), Payload: make([]byte, 9)}, errors.ErrCodePayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateUpdate("dc=example", tt.replicaID, tt.msg)
			if tt.code == errors.ErrCodeOK {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.code, errors.GetCode(err))
		})
	}
}
