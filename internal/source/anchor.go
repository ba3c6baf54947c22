package source

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Anchor is a citation address: "src:xxxxxxxx" or "src:xxxxxxxx#<loc>".
type Anchor string

// Location kinds inside an anchor.
const (
	LocNone    = ""
	LocPage    = "p"
	LocSection = "sec"
	LocMessage = "msg"
	LocRegion  = "r"
)

var idPattern = regexp.MustCompile(`^src:[0-9a-f]{8}$`)

// ValidID reports whether id has the src:<8 hex> form.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ParsedAnchor is the structured form of an Anchor.
type ParsedAnchor struct {
	SourceID string
	Loc      string // one of the Loc* constants
	Page     int
	Section  string
	Message  int
	Region   [4]int // x, y, w, h
}

// ForSource returns the bare anchor for a source.
func ForSource(id string) Anchor { return Anchor(id) }

// ForPage returns "id#p=<page>".
func ForPage(id string, page int) Anchor {
	return Anchor(fmt.Sprintf("%s#p=%d", id, page))
}

// ForSection returns "id#sec=<path>".
func ForSection(id, path string) Anchor {
	return Anchor(id + "#sec=" + path)
}

// ForMessage returns "id#msg=<index>".
func ForMessage(id string, index int) Anchor {
	return Anchor(fmt.Sprintf("%s#msg=%d", id, index))
}

// ForRegion returns "id#r=<x,y,w,h>".
func ForRegion(id string, x, y, w, h int) Anchor {
	return Anchor(fmt.Sprintf("%s#r=%d,%d,%d,%d", id, x, y, w, h))
}

// SourceID returns the source part of the anchor without parsing the location.
func (a Anchor) SourceID() string {
	s := string(a)
	if i := strings.IndexByte(s, '#'); i >= 0 {
		return s[:i]
	}
	return s
}

// Parse validates the anchor syntax.
func (a Anchor) Parse() (ParsedAnchor, error) {
	raw := string(a)
	id, loc, hasLoc := strings.Cut(raw, "#")
	if !ValidID(id) {
		return ParsedAnchor{}, fmt.Errorf("anchor %q: invalid source id", raw)
	}
	p := ParsedAnchor{SourceID: id}
	if !hasLoc {
		return p, nil
	}

	key, val, ok := strings.Cut(loc, "=")
	if !ok || val == "" {
		return ParsedAnchor{}, fmt.Errorf("anchor %q: location must be key=value", raw)
	}
	switch key {
	case LocPage:
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return ParsedAnchor{}, fmt.Errorf("anchor %q: page must be a positive integer", raw)
		}
		p.Loc, p.Page = LocPage, n
	case LocSection:
		p.Loc, p.Section = LocSection, val
	case LocMessage:
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return ParsedAnchor{}, fmt.Errorf("anchor %q: message index must be a non-negative integer", raw)
		}
		p.Loc, p.Message = LocMessage, n
	case LocRegion:
		parts := strings.Split(val, ",")
		if len(parts) != 4 {
			return ParsedAnchor{}, fmt.Errorf("anchor %q: region needs x,y,w,h", raw)
		}
		for i, part := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || n < 0 {
				return ParsedAnchor{}, fmt.Errorf("anchor %q: region values must be non-negative integers", raw)
			}
			p.Region[i] = n
		}
		p.Loc = LocRegion
	default:
		return ParsedAnchor{}, fmt.Errorf("anchor %q: unknown location %q", raw, key)
	}
	return p, nil
}

// Resolves reports whether the parsed anchor addresses an existing sub-unit of s.
func (s *Source) Resolves(p ParsedAnchor) bool {
	if p.SourceID != s.ID {
		return false
	}
	switch p.Loc {
	case LocNone:
		return true
	case LocPage:
		_, ok := s.Page(p.Page)
		return ok
	case LocMessage:
		return p.Message < len(s.Messages)
	case LocSection:
		for _, sec := range Outline(s.Body()) {
			if sec.Path == p.Section {
				return true
			}
		}
		return false
	case LocRegion:
		return s.regionFits(p.Region)
	}
	return false
}

// regionFits checks the region against the visual media of the source.
// Unknown dimensions accept any region.
func (s *Source) regionFits(r [4]int) bool {
	var media *Blob
	switch s.Kind {
	case KindImage:
		media = s.Image
	case KindWebpage:
		media = s.Screenshot
	default:
		return false
	}
	if media == nil {
		return false
	}
	if media.Width == 0 || media.Height == 0 {
		return true
	}
	return r[0]+r[2] <= media.Width && r[1]+r[3] <= media.Height
}

// Resolve checks that every anchor points at an existing source and sub-unit.
func Resolve(anchors []Anchor, sources []Source) error {
	byID := make(map[string]*Source, len(sources))
	for i := range sources {
		byID[sources[i].ID] = &sources[i]
	}
	for _, a := range anchors {
		p, err := a.Parse()
		if err != nil {
			return err
		}
		src, ok := byID[p.SourceID]
		if !ok {
			return fmt.Errorf("anchor %q: unknown source", a)
		}
		if !src.Resolves(p) {
			return fmt.Errorf("anchor %q: location does not exist in source", a)
		}
	}
	return nil
}
