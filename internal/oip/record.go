package oip

import (
	"strings"
	"time"
)

// AccessLevel controls record visibility at query time.
type AccessLevel string

const (
	AccessPublic       AccessLevel = "public"
	AccessPrivate      AccessLevel = "private"
	AccessOrganization AccessLevel = "organization"
)

// AccessControl is the optional visibility policy attached to a record.
type AccessControl struct {
	Level           AccessLevel `json:"level"`
	OwnerPubKey     string      `json:"ownerPubKey,omitempty"`
	OrganizationDid string      `json:"organizationDid,omitempty"`
	SharedWith      []string    `json:"sharedWith,omitempty"`
}

// Creator identifies who signed a record.
type Creator struct {
	PubKey  string `json:"pubKey"`
	Address string `json:"address,omitempty"`
}

// SystemMeta is the node-maintained metadata of a record, kept apart
// from the template-typed data sections.
type SystemMeta struct {
	DID string `json:"did"`
	// DidTx is the legacy identifier kept for ledger records only;
	// queries accept either form, responses emit both for ledger
	// storage and never synthesize one for peer storage.
	DidTx         string         `json:"didTx,omitempty"`
	RecordType    string         `json:"recordType"`
	Storage       Storage        `json:"storage"`
	Block         uint64         `json:"block,omitempty"`
	IndexedAt     time.Time      `json:"indexedAt"`
	Creator       Creator        `json:"creator"`
	Signature     string         `json:"signature,omitempty"`
	AccessControl *AccessControl `json:"accessControl,omitempty"`
	Ver           string         `json:"ver,omitempty"`
}

// Record is the tagged container for an indexed record: system metadata
// plus one data section per template name.
type Record struct {
	Meta     SystemMeta                        `json:"oip"`
	Sections map[string]map[string]interface{} `json:"data"`
}

// Section returns the named data section, or nil.
func (r *Record) Section(name string) map[string]interface{} {
	if r.Sections == nil {
		return nil
	}
	return r.Sections[name]
}

// AccessLevel returns the effective visibility of the record.
// Records without an explicit policy are public.
func (r *Record) AccessLevel() AccessLevel {
	if r.Meta.AccessControl == nil || r.Meta.AccessControl.Level == "" {
		return AccessPublic
	}
	return r.Meta.AccessControl.Level
}

// Clone returns a deep-enough copy for response shaping: metadata is
// copied by value, section maps are copied one level deep so callers
// can splice resolved references without mutating the indexed record.
func (r *Record) Clone() *Record {
	out := &Record{Meta: r.Meta}
	if r.Meta.AccessControl != nil {
		ac := *r.Meta.AccessControl
		out.Meta.AccessControl = &ac
	}
	if r.Sections != nil {
		out.Sections = make(map[string]map[string]interface{}, len(r.Sections))
		for name, sec := range r.Sections {
			cp := make(map[string]interface{}, len(sec))
			for k, v := range sec {
				cp[k] = v
			}
			out.Sections[name] = cp
		}
	}
	return out
}

// MembershipPolicy enumerates how an organization admits members.
// Only autoEnrollByDomain is enforced; the rest parse and store but
// admit nobody.
type MembershipPolicy string

const (
	PolicyAutoEnrollByDomain MembershipPolicy = "autoEnrollByDomain"
	PolicyInviteOnly         MembershipPolicy = "inviteOnly"
	PolicyTokenGated         MembershipPolicy = "tokenGated"
	PolicyOpenJoin           MembershipPolicy = "openJoin"
)

// Organization is the typed view of a record of type "organization".
type Organization struct {
	DID              string
	Handle           string
	PublicKey        string
	AdminPubKeys     []string
	MembershipPolicy MembershipPolicy
	WebURL           string
}

// OrganizationFromRecord extracts the organization fields from a record
// of type "organization". Returns false when the record has no
// organization section.
func OrganizationFromRecord(r *Record) (*Organization, bool) {
	sec := r.Section("organization")
	if sec == nil {
		return nil, false
	}
	org := &Organization{DID: r.Meta.DID}
	if v, ok := sec["orgHandle"].(string); ok {
		org.Handle = v
	}
	if v, ok := sec["orgPublicKey"].(string); ok {
		org.PublicKey = v
	}
	if v, ok := sec["membershipPolicy"].(string); ok {
		org.MembershipPolicy = MembershipPolicy(v)
	}
	if v, ok := sec["webUrl"].(string); ok {
		org.WebURL = v
	}
	if vs, ok := sec["adminPubKeys"].([]interface{}); ok {
		for _, v := range vs {
			if s, ok := v.(string); ok {
				org.AdminPubKeys = append(org.AdminPubKeys, s)
			}
		}
	} else if vs, ok := sec["adminPubKeys"].([]string); ok {
		org.AdminPubKeys = append(org.AdminPubKeys, vs...)
	}
	return org, true
}

// IsAdmin reports whether pubKey is one of the organization's admins.
func (o *Organization) IsAdmin(pubKey string) bool {
	for _, k := range o.AdminPubKeys {
		if k == pubKey {
			return true
		}
	}
	return false
}

// DomainMatches reports whether callerDomain falls under the
// organization's web URL domain. Used by the autoEnrollByDomain policy.
func (o *Organization) DomainMatches(callerDomain string) bool {
	if o.MembershipPolicy != PolicyAutoEnrollByDomain || callerDomain == "" {
		return false
	}
	host := o.WebURL
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	host = strings.TrimPrefix(host, "www.")
	caller := strings.TrimPrefix(strings.ToLower(callerDomain), "www.")
	return host != "" && strings.EqualFold(caller, host)
}
