package users

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultEntityKind      = "user"
	defaultEntityNamespace = "default"
)

var errMalformedEntityRef = errors.New("users: malformed entity reference")

// VoterIdentity records the last known profile of a user who presented a session.
type VoterIdentity struct {
	UserRef     string    `gorm:"column:user_ref;primaryKey;size:190;not null"`
	Kind        string    `gorm:"column:kind;size:32;not null"`
	Namespace   string    `gorm:"column:namespace;size:64;not null"`
	Name        string    `gorm:"column:name;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing voter identities.
func (VoterIdentity) TableName() string {
	return "voter_identities"
}

// EntityRef is a parsed "kind:namespace/name" reference.
type EntityRef struct {
	Kind      string
	Namespace string
	Name      string
}

// String renders the canonical form.
func (r EntityRef) String() string {
	return fmt.Sprintf("%s:%s/%s", r.Kind, r.Namespace, r.Name)
}

// ParseEntityRef accepts "name", "namespace/name", "kind:name" and "kind:namespace/name".
// Kind and namespace are lower-cased; the name keeps its case.
func ParseEntityRef(raw string) (EntityRef, error) {
	rest := normalize(raw)
	if rest == "" {
		return EntityRef{}, errMalformedEntityRef
	}

	ref := EntityRef{Kind: defaultEntityKind, Namespace: defaultEntityNamespace}
	if kind, remainder, found := strings.Cut(rest, ":"); found {
		ref.Kind = strings.ToLower(normalize(kind))
		rest = remainder
	}
	if namespace, name, found := strings.Cut(rest, "/"); found {
		ref.Namespace = strings.ToLower(normalize(namespace))
		rest = name
	}
	ref.Name = normalize(rest)

	if ref.Kind == "" || ref.Namespace == "" || ref.Name == "" || strings.ContainsAny(ref.Name, ":/") {
		return EntityRef{}, fmt.Errorf("%w: %q", errMalformedEntityRef, raw)
	}
	return ref, nil
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
