package switchfan

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidMember = errors.New("invalid member")

// MaxMembers bounds the member list. Percentages are integers, so with more
// than 100 speeds two speeds would share a percentage and the lowest speed
// would report 0, which reads as off.
const MaxMembers = 100

type Domain int

const (
	DomainSwitch Domain = iota
	DomainLight
	DomainInputBoolean
)

var domains = []Domain{DomainSwitch, DomainLight, DomainInputBoolean}

func (d Domain) String() string {
	switch d {
	case DomainSwitch:
		return "switch"
	case DomainLight:
		return "light"
	case DomainInputBoolean:
		return "input_boolean"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

func ParseDomain(s string) (Domain, error) {
	for _, d := range domains {
		if d.String() == s {
			return d, nil
		}
	}

	return 0, fmt.Errorf("%w: unsupported domain %q", ErrInvalidMember, s)
}

// Member is one on/off entity standing for a single fan speed.
type Member struct {
	EntityID string
	Domain   Domain
}

func ParseMember(entityID string) (Member, error) {
	domain, objectID, found := strings.Cut(entityID, ".")
	if !found || domain == "" || objectID == "" || strings.ContainsAny(entityID, " \t\n") {
		return Member{}, fmt.Errorf("%w: malformed entity id %q", ErrInvalidMember, entityID)
	}

	d, err := ParseDomain(domain)
	if err != nil {
		return Member{}, fmt.Errorf("entity %s: %w", entityID, err)
	}

	return Member{EntityID: entityID, Domain: d}, nil
}

// NewMembers parses an ordered entity list. The first entity is the lowest
// speed.
func NewMembers(entityIDs []string) ([]Member, error) {
	if len(entityIDs) == 0 {
		return nil, fmt.Errorf("%w: no entities given", ErrInvalidMember)
	}

	if len(entityIDs) > MaxMembers {
		return nil, fmt.Errorf("%w: at most %d entities allowed, got %d", ErrInvalidMember, MaxMembers, len(entityIDs))
	}

	seen := make(map[string]struct{}, len(entityIDs))
	members := make([]Member, 0, len(entityIDs))

	for _, entityID := range entityIDs {
		if _, dup := seen[entityID]; dup {
			return nil, fmt.Errorf("%w: duplicate entity %s", ErrInvalidMember, entityID)
		}
		seen[entityID] = struct{}{}

		m, err := ParseMember(entityID)
		if err != nil {
			return nil, err
		}

		members = append(members, m)
	}

	return members, nil
}

// ResolveMembers checks that source knows every member entity.
func ResolveMembers(source StateSource, members []Member) error {
	for _, m := range members {
		if _, found := source.State(m.EntityID); !found {
			return fmt.Errorf("%w: entity %s not found", ErrInvalidMember, m.EntityID)
		}
	}

	return nil
}

type MemberState int

const (
	StateUnknown MemberState = iota
	StateOff
	StateOn
)

func ParseMemberState(s string) MemberState {
	switch s {
	case "on":
		return StateOn
	case "off":
		return StateOff
	default:
		return StateUnknown
	}
}

func (s MemberState) String() string {
	switch s {
	case StateOn:
		return "on"
	case StateOff:
		return "off"
	default:
		return "unknown"
	}
}

// groupByDomain batches entity ids per domain, in domain enum order.
func groupByDomain(members []Member) []batch {
	groups := map[Domain][]string{}
	for _, m := range members {
		groups[m.Domain] = append(groups[m.Domain], m.EntityID)
	}

	batches := make([]batch, 0, len(groups))
	for _, d := range domains {
		if ids, ok := groups[d]; ok {
			batches = append(batches, batch{domain: d, entityIDs: ids})
		}
	}

	return batches
}

type batch struct {
	domain    Domain
	entityIDs []string
}
