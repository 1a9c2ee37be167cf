package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
)

// FullShareBps is the sum of author shares on a book, in basis points.
const FullShareBps = 10000

type AuthorShare struct {
	AuthorUUID string `json:"author_uuid"`
	ShareBps   int    `json:"share_bps"`
}

type Price struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type BookPayload struct {
	Title       string        `json:"title"`
	Slug        string        `json:"slug,omitempty"`
	Tier        string        `json:"tier,omitempty"`
	Price       *Price        `json:"price,omitempty"`
	Authors     []AuthorShare `json:"authors,omitempty"`
	RoyaltyRate string        `json:"royalty_rate,omitempty"`
	Active      *bool         `json:"active,omitempty"`
}

type AuthorPayload struct {
	Name        string `json:"name"`
	Slug        string `json:"slug,omitempty"`
	RoyaltyRate string `json:"royalty_rate,omitempty"`
	Active      *bool  `json:"active,omitempty"`
}

type UserPayload struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	Country     string `json:"country,omitempty"`
	Active      *bool  `json:"active,omitempty"`
}

// Validated is a payload that passed its type schema, in canonical form.
type Validated struct {
	Payload       json.RawMessage
	DisplayFields json.RawMessage
	Active        bool
}

// ValidatePayload decodes payload against the schema of entityType, fills
// derived fields and returns the canonical encoding. A delete may carry an
// empty payload, in which case Payload is nil.
func ValidatePayload(entityType EntityType, op Operation, payload json.RawMessage) (Validated, error) {
	if _, err := ParseEntityType(string(entityType)); err != nil {
		return Validated{}, err
	}
	if _, err := ParseOperation(string(op)); err != nil {
		return Validated{}, err
	}
	if isEmptyPayload(payload) {
		if op == OperationDelete {
			return Validated{Active: false}, nil
		}
		return Validated{}, fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}

	var (
		canonical any
		display   map[string]any
		active    *bool
	)

	switch entityType {
	case EntityTypeBook:
		var p BookPayload
		if err := decodeStrict(payload, &p); err != nil {
			return Validated{}, err
		}
		if err := p.normalize(); err != nil {
			return Validated{}, err
		}
		canonical, active = p, p.Active
		display = map[string]any{"title": p.Title, "slug": p.Slug, "tier": p.Tier}
	case EntityTypeAuthor:
		var p AuthorPayload
		if err := decodeStrict(payload, &p); err != nil {
			return Validated{}, err
		}
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return Validated{}, fmt.Errorf("%w: name is required", ErrInvalidPayload)
		}
		if p.Slug == "" {
			p.Slug = slug.Make(p.Name)
		}
		if err := validateRate(p.RoyaltyRate); err != nil {
			return Validated{}, err
		}
		canonical, active = p, p.Active
		display = map[string]any{"name": p.Name, "slug": p.Slug}
	case EntityTypeUser:
		var p UserPayload
		if err := decodeStrict(payload, &p); err != nil {
			return Validated{}, err
		}
		p.DisplayName = strings.TrimSpace(p.DisplayName)
		if p.DisplayName == "" {
			return Validated{}, fmt.Errorf("%w: display_name is required", ErrInvalidPayload)
		}
		p.Country = strings.ToUpper(strings.TrimSpace(p.Country))
		canonical, active = p, p.Active
		display = map[string]any{"display_name": p.DisplayName}
	}

	encoded, err := json.Marshal(canonical)
	if err != nil {
		return Validated{}, err
	}
	displayJSON, err := json.Marshal(display)
	if err != nil {
		return Validated{}, err
	}

	isActive := op != OperationDelete && (active == nil || *active)
	return Validated{Payload: encoded, DisplayFields: displayJSON, Active: isActive}, nil
}

func (p *BookPayload) normalize() error {
	p.Title = strings.TrimSpace(p.Title)
	if p.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidPayload)
	}
	if p.Slug == "" {
		p.Slug = slug.Make(p.Title)
	}
	p.Tier = strings.ToLower(strings.TrimSpace(p.Tier))
	if p.Tier == "" {
		p.Tier = "standard"
	}
	if p.Price != nil {
		p.Price.Currency = strings.ToUpper(strings.TrimSpace(p.Price.Currency))
		if p.Price.Amount < 0 || len(p.Price.Currency) != 3 {
			return fmt.Errorf("%w: price needs a non-negative amount and an ISO currency", ErrInvalidPayload)
		}
	}
	if err := validateRate(p.RoyaltyRate); err != nil {
		return err
	}

	if len(p.Authors) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(p.Authors))
	total := 0
	for _, author := range p.Authors {
		id := strings.TrimSpace(author.AuthorUUID)
		if id == "" {
			return fmt.Errorf("%w: author_uuid is required", ErrInvalidPayload)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: author %s listed twice", ErrInvalidPayload, id)
		}
		seen[id] = struct{}{}
		if author.ShareBps < 0 {
			return fmt.Errorf("%w: negative share for %s", ErrInvalidPayload, id)
		}
		total += author.ShareBps
	}
	switch total {
	case 0:
		// no explicit shares: split evenly, remainder to the first authors
		base := FullShareBps / len(p.Authors)
		rest := FullShareBps % len(p.Authors)
		for i := range p.Authors {
			p.Authors[i].ShareBps = base
			if i < rest {
				p.Authors[i].ShareBps++
			}
		}
	case FullShareBps:
	default:
		return fmt.Errorf("%w: author shares sum to %d bps", ErrInvalidPayload, total)
	}
	return nil
}

func validateRate(raw string) error {
	if raw == "" {
		return nil
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil || rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: royalty_rate must be a decimal within [0, 1]", ErrInvalidPayload)
	}
	return nil
}

func decodeStrict(payload json.RawMessage, out any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func isEmptyPayload(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}"))
}

// JSONEqual compares two JSON documents by value, ignoring key order and spacing.
func JSONEqual(a, b []byte) bool {
	if isEmptyPayload(a) && isEmptyPayload(b) {
		return true
	}
	var left, right any
	if err := json.Unmarshal(a, &left); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &right); err != nil {
		return false
	}
	return reflect.DeepEqual(left, right)
}

// DecodeBook reads a stored book payload.
func DecodeBook(payload []byte) (BookPayload, error) {
	var p BookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return BookPayload{}, err
	}
	return p, nil
}

// DecodeAuthor reads a stored author payload.
func DecodeAuthor(payload []byte) (AuthorPayload, error) {
	var p AuthorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return AuthorPayload{}, err
	}
	return p, nil
}
