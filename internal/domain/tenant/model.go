package tenant

import (
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a business.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusActive, StatusSuspended:
		return true
	}
	return false
}

// Resolvable reports whether a business in status s may serve requests.
// Pending and suspended businesses behave as if they do not exist.
func (s Status) Resolvable() bool {
	return s == StatusApproved || s == StatusActive
}

// Forward-only lifecycle. Nothing returns to pending.
var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved},
	StatusApproved:  {StatusActive},
	StatusActive:    {StatusSuspended},
	StatusSuspended: {StatusActive},
}

// CanTransition reports whether a business may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Business is a tenant of the platform. Every tenant-scoped row references
// its ID.
type Business struct {
	ID        uuid.UUID      `json:"id"`
	Slug      string         `json:"slug"`
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Domains   []string       `json:"domains"`
	Config    map[string]any `json:"config,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (b *Business) clone() *Business {
	cp := *b
	cp.Domains = append([]string(nil), b.Domains...)
	if b.Config != nil {
		cp.Config = make(map[string]any, len(b.Config))
		for k, v := range b.Config {
			cp.Config[k] = v
		}
	}
	return &cp
}

var slugPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,62}[a-z0-9])?$`)

// ValidSlug reports whether slug is lowercase alphanumerics and inner dashes.
func ValidSlug(slug string) bool {
	return slugPattern.MatchString(slug)
}

// NormalizeHost lowercases host and strips any port and trailing dot.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return strings.TrimSuffix(strings.ToLower(host), ".")
}
