// Package branch knows the clinic branches and the time zone each one keeps
// its calendar in.
package branch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/caldate"
)

// Code identifies a branch.
type Code string

const (
	SI Code = "SI"
	SL Code = "SL"
)

// Known lists every branch code the portal accepts.
var Known = []Code{SI, SL}

// ParseCode normalises s and checks it is a known branch.
func ParseCode(s string) (Code, error) {
	c := Code(strings.ToUpper(strings.TrimSpace(s)))
	for _, k := range Known {
		if c == k {
			return c, nil
		}
	}
	return "", fmt.Errorf("invalid branch %q: expected one of SI, SL", s)
}

func (c Code) String() string { return string(c) }

// Registry maps branches to locations.
type Registry struct {
	def  *time.Location
	locs map[Code]*time.Location
}

// NewRegistry builds a registry from a spec like "SI=Asia/Manila,SL=Asia/Manila".
// Branches missing from spec use defaultTZ.
func NewRegistry(spec, defaultTZ string) (*Registry, error) {
	if defaultTZ == "" {
		defaultTZ = "UTC"
	}
	def, err := time.LoadLocation(defaultTZ)
	if err != nil {
		return nil, fmt.Errorf("load default timezone %q: %w", defaultTZ, err)
	}

	r := &Registry{def: def, locs: make(map[Code]*time.Location)}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid branch timezone entry %q: want CODE=Zone", pair)
		}
		code, err := ParseCode(parts[0])
		if err != nil {
			return nil, err
		}
		loc, err := time.LoadLocation(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("load timezone for %s: %w", code, err)
		}
		r.locs[code] = loc
	}
	return r, nil
}

// Fixed returns a registry that places every branch in loc.
func Fixed(loc *time.Location) *Registry {
	return &Registry{def: loc, locs: map[Code]*time.Location{}}
}

// Location returns the time zone of a branch.
func (r *Registry) Location(c Code) *time.Location {
	if loc, ok := r.locs[c]; ok {
		return loc
	}
	return r.def
}

// Today is the branch-local calendar date at instant now.
func (r *Registry) Today(c Code, now time.Time) caldate.Date {
	return caldate.In(now, r.Location(c))
}

// LocalDate is the branch-local calendar date of an arbitrary instant.
func (r *Registry) LocalDate(c Code, t time.Time) caldate.Date {
	return caldate.In(t, r.Location(c))
}

// Describe lists each branch with its zone name, for startup logs.
func (r *Registry) Describe() map[string]string {
	out := make(map[string]string, len(Known))
	codes := append([]Code(nil), Known...)
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	for _, c := range codes {
		out[string(c)] = r.Location(c).String()
	}
	return out
}
