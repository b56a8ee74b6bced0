package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "user@example.com", NormalizeAddress("  User@Example.COM "))
	assert.Equal(t, "", NormalizeAddress("   "))
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("user@example.com"))
	assert.NoError(t, ValidateAddress("Jane Doe <jane@example.com>"))
	assert.Error(t, ValidateAddress("not-an-address"))
	assert.Error(t, ValidateAddress(""))
}

func TestSplitEmailAddress(t *testing.T) {
	local, domain := SplitEmailAddress("Student@Campus.EDU")
	assert.Equal(t, "student", local)
	assert.Equal(t, "campus.edu", domain)

	local, domain = SplitEmailAddress("no-at-sign")
	assert.Equal(t, "no-at-sign", local)
	assert.Equal(t, "", domain)
}
