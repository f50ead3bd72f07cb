package oip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orgRecord(policy MembershipPolicy, webURL string, admins ...string) *Record {
	adminsAny := make([]interface{}, len(admins))
	for i, a := range admins {
		adminsAny[i] = a
	}
	return &Record{
		Meta: SystemMeta{DID: "did:peer:oip:records:pub:org", RecordType: "organization"},
		Sections: map[string]map[string]interface{}{
			"organization": {
				"orgHandle":        "acme",
				"membershipPolicy": string(policy),
				"webUrl":           webURL,
				"adminPubKeys":     adminsAny,
			},
		},
	}
}

func TestOrganizationFromRecord(t *testing.T) {
	org, ok := OrganizationFromRecord(orgRecord(PolicyAutoEnrollByDomain, "https://www.acme.example/about", "02AA"))
	require.True(t, ok)
	assert.Equal(t, "acme", org.Handle)
	assert.True(t, org.IsAdmin("02AA"))
	assert.False(t, org.IsAdmin("02BB"))

	t.Run("domain match strips scheme www and path", func(t *testing.T) {
		assert.True(t, org.DomainMatches("acme.example"))
		assert.True(t, org.DomainMatches("www.acme.example"))
		assert.False(t, org.DomainMatches("evil.example"))
		assert.False(t, org.DomainMatches(""))
	})

	t.Run("only auto enroll policy admits by domain", func(t *testing.T) {
		for _, policy := range []MembershipPolicy{PolicyInviteOnly, PolicyTokenGated, PolicyOpenJoin} {
			other, ok := OrganizationFromRecord(orgRecord(policy, "https://acme.example"))
			require.True(t, ok)
			assert.False(t, other.DomainMatches("acme.example"), string(policy))
		}
	})
}

func TestRecordAccessLevel(t *testing.T) {
	r := &Record{}
	assert.Equal(t, AccessPublic, r.AccessLevel())

	r.Meta.AccessControl = &AccessControl{Level: AccessPrivate}
	assert.Equal(t, AccessPrivate, r.AccessLevel())
}

func TestRecordClone(t *testing.T) {
	r := &Record{
		Meta: SystemMeta{DID: "did:ledger:x", AccessControl: &AccessControl{Level: AccessPrivate}},
		Sections: map[string]map[string]interface{}{
			"basic": {"name": "original"},
		},
	}
	c := r.Clone()
	c.Sections["basic"]["name"] = "changed"
	c.Meta.AccessControl.Level = AccessPublic

	assert.Equal(t, "original", r.Sections["basic"]["name"])
	assert.Equal(t, AccessPrivate, r.Meta.AccessControl.Level)
}
