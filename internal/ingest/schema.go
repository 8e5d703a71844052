package ingest

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"campaign-dialer/internal/campaign"
)

// FieldKind selects the value transform applied to a field.
type FieldKind string

const (
	KindText         FieldKind = "text"
	KindShortDate    FieldKind = "short_date"
	KindLongDate     FieldKind = "long_date"
	KindPhone        FieldKind = "phone"
	KindTime         FieldKind = "time"
	KindProviderName FieldKind = "provider-name"
)

func (k FieldKind) valid() bool {
	switch k {
	case KindText, KindShortDate, KindLongDate, KindPhone, KindTime, KindProviderName:
		return true
	default:
		return false
	}
}

// Category separates identity fields from per-campaign variables.
type Category string

const (
	CategoryContact  Category = "contact"
	CategoryCampaign Category = "campaign"
)

// Contact field keys.
const (
	FieldFirstName    = "firstName"
	FieldLastName     = "lastName"
	FieldFullName     = "fullName"
	FieldDOB          = "dob"
	FieldPrimaryPhone = "primaryPhone"
)

var contactKeys = map[string]bool{
	FieldFirstName:    true,
	FieldLastName:     true,
	FieldFullName:     true,
	FieldDOB:          true,
	FieldPrimaryPhone: true,
}

// FieldDef declares one logical field of an upload.
type FieldDef struct {
	Key      string    `yaml:"key" json:"key"`
	Label    string    `yaml:"label,omitempty" json:"label,omitempty"`
	Aliases  []string  `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Required bool      `yaml:"required,omitempty" json:"required,omitempty"`
	Kind     FieldKind `yaml:"kind,omitempty" json:"kind,omitempty"`
	Category Category  `yaml:"category,omitempty" json:"category,omitempty"`
}

func (f FieldDef) displayName() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Key
}

// candidates are the names a header may match, key first.
func (f FieldDef) candidates() []string {
	out := make([]string, 0, 2+len(f.Aliases))
	out = append(out, f.Key)
	if f.Label != "" {
		out = append(out, f.Label)
	}
	return append(out, f.Aliases...)
}

// Schema is an ordered field list. Order breaks matching ties.
type Schema struct {
	Fields []FieldDef `yaml:"fields" json:"fields"`
}

func (s *Schema) Empty() bool {
	return s == nil || len(s.Fields) == 0
}

// ParseSchema reads a schema document. JSON is accepted as a YAML subset.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, campaign.ParseError("parse schema", err)
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

// normalize fills default kinds/categories and rejects broken definitions.
func (s *Schema) normalize() error {
	const op = "validate schema"
	seen := make(map[string]bool, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		f.Key = strings.TrimSpace(f.Key)
		if f.Key == "" {
			return campaign.Validationf(op, "field %d has no key", i+1)
		}
		if seen[f.Key] {
			return campaign.Validationf(op, "duplicate field key %q", f.Key)
		}
		seen[f.Key] = true

		if f.Kind == "" {
			f.Kind = KindText
		}
		if !f.Kind.valid() {
			return campaign.Validationf(op, "field %q has unknown kind %q", f.Key, f.Kind)
		}
		switch f.Category {
		case "":
			if contactKeys[f.Key] {
				f.Category = CategoryContact
			} else {
				f.Category = CategoryCampaign
			}
		case CategoryContact, CategoryCampaign:
		default:
			return campaign.Validationf(op, "field %q has unknown category %q", f.Key, f.Category)
		}
	}
	return nil
}

type headerPattern struct {
	key      string
	exact    []string // normalized header equals
	contains []string // normalized header contains
	words    []string // any header word equals
}

// Checked in order; fullName is last so "First Name" is never taken as a full name.
var contactPatterns = []headerPattern{
	{key: FieldFirstName, exact: []string{"first", "fname", "given"}, contains: []string{"firstname", "givenname"}},
	{key: FieldLastName, exact: []string{"last", "lname", "surname"}, contains: []string{"lastname", "surname", "familyname"}},
	{key: FieldDOB, exact: []string{"birthday", "bday"}, contains: []string{"dateofbirth", "birthdate"}, words: []string{"dob"}},
	{key: FieldPrimaryPhone, exact: []string{"tel", "cell", "mobile"}, contains: []string{"phone", "mobilenumber", "cellnumber"}},
	{key: FieldFullName, exact: []string{"name", "fullname", "patient", "patientname", "contactname", "contact"}},
}

func (p headerPattern) match(header string) bool {
	n := normalize(header)
	for _, e := range p.exact {
		if n == e {
			return true
		}
	}
	for _, c := range p.contains {
		if strings.Contains(n, c) {
			return true
		}
	}
	if len(p.words) > 0 {
		for _, w := range words(header) {
			for _, pw := range p.words {
				if w == pw {
					return true
				}
			}
		}
	}
	return false
}

// AutoDetect synthesizes a schema from headers when none was configured.
// The first header per contact key wins; every other header becomes a
// campaign field keyed by its lower-camel form.
func AutoDetect(headers []string) *Schema {
	s := &Schema{}
	taken := map[string]bool{}
	for i, h := range headers {
		if key, ok := detectContactKey(h, taken); ok {
			taken[key] = true
			s.Fields = append(s.Fields, FieldDef{
				Key:      key,
				Label:    h,
				Aliases:  []string{h},
				Required: key == FieldPrimaryPhone,
				Kind:     contactKind(key),
				Category: CategoryContact,
			})
			continue
		}
		key := lowerCamel(h)
		if key == "" {
			key = fmt.Sprintf("column%d", i+1)
		}
		for n := 2; taken[key] || contactKeys[key]; n++ {
			key = fmt.Sprintf("%s%d", lowerCamel(h), n)
		}
		taken[key] = true
		s.Fields = append(s.Fields, FieldDef{
			Key:      key,
			Label:    h,
			Aliases:  []string{h},
			Kind:     KindText,
			Category: CategoryCampaign,
		})
	}
	if !taken[FieldPrimaryPhone] {
		s.Fields = append(s.Fields, FieldDef{
			Key:      FieldPrimaryPhone,
			Label:    "Phone",
			Required: true,
			Kind:     KindPhone,
			Category: CategoryContact,
		})
	}
	return s
}

func detectContactKey(header string, taken map[string]bool) (string, bool) {
	for _, p := range contactPatterns {
		if p.match(header) {
			if taken[p.key] {
				return "", false
			}
			return p.key, true
		}
	}
	return "", false
}

func contactKind(key string) FieldKind {
	switch key {
	case FieldPrimaryPhone:
		return KindPhone
	case FieldDOB:
		return KindShortDate
	default:
		return KindText
	}
}
