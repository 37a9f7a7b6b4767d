package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

type SegmentKind string

const (
	SegmentAll       SegmentKind = "ALL"
	SegmentTags      SegmentKind = "TAGS"
	SegmentInactive  SegmentKind = "INACTIVE"
	SegmentLocation  SegmentKind = "LOCATION"
	SegmentInsurance SegmentKind = "INSURANCE"
)

// DefaultInactiveDays applies when an INACTIVE rule carries no window.
const DefaultInactiveDays = 90

// SegmentRule is a closed set of audience rules. Each variant carries its own parameters.
type SegmentRule interface {
	Kind() SegmentKind
	isSegmentRule()
}

type AllSegment struct{}

type TagsSegment struct {
	Tags []string
}

type InactiveSegment struct {
	Days int
}

type LocationSegment struct {
	Cities []string
	States []string
}

type InsuranceSegment struct {
	HasInsurance bool
}

func (AllSegment) Kind() SegmentKind       { return SegmentAll }
func (TagsSegment) Kind() SegmentKind      { return SegmentTags }
func (InactiveSegment) Kind() SegmentKind  { return SegmentInactive }
func (LocationSegment) Kind() SegmentKind  { return SegmentLocation }
func (InsuranceSegment) Kind() SegmentKind { return SegmentInsurance }

func (AllSegment) isSegmentRule()       {}
func (TagsSegment) isSegmentRule()      {}
func (InactiveSegment) isSegmentRule()  {}
func (LocationSegment) isSegmentRule()  {}
func (InsuranceSegment) isSegmentRule() {}

// WindowDays returns the configured window or the default.
func (s InactiveSegment) WindowDays() int {
	if s.Days <= 0 {
		return DefaultInactiveDays
	}
	return s.Days
}

// segmentWire is the stored/transported shape: {"type":"TAGS","tags":["vip"]}.
type segmentWire struct {
	Type         SegmentKind `json:"type"`
	Tags         []string    `json:"tags,omitempty"`
	InactiveDays int         `json:"inactiveDays,omitempty"`
	Cities       []string    `json:"cities,omitempty"`
	States       []string    `json:"states,omitempty"`
	HasInsurance *bool       `json:"hasInsurance,omitempty"`
}

// ParseSegment decodes a stored rule. Empty input and unknown types decode to AllSegment.
func ParseSegment(b []byte) (SegmentRule, error) {
	if len(b) == 0 || string(b) == "null" {
		return AllSegment{}, nil
	}
	var w segmentWire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("decode segment rule: %w", err)
	}
	switch SegmentKind(strings.ToUpper(string(w.Type))) {
	case SegmentTags:
		return TagsSegment{Tags: w.Tags}, nil
	case SegmentInactive:
		if w.InactiveDays < 0 {
			return nil, fmt.Errorf("%w: inactiveDays must not be negative", ErrInvalidCampaign)
		}
		return InactiveSegment{Days: w.InactiveDays}, nil
	case SegmentLocation:
		return LocationSegment{Cities: w.Cities, States: w.States}, nil
	case SegmentInsurance:
		if w.HasInsurance == nil {
			return nil, fmt.Errorf("%w: hasInsurance is required", ErrInvalidCampaign)
		}
		return InsuranceSegment{HasInsurance: *w.HasInsurance}, nil
	default:
		return AllSegment{}, nil
	}
}

func MarshalSegment(r SegmentRule) ([]byte, error) {
	w := segmentWire{Type: SegmentAll}
	switch v := r.(type) {
	case nil, AllSegment:
	case TagsSegment:
		w.Type, w.Tags = SegmentTags, v.Tags
	case InactiveSegment:
		w.Type, w.InactiveDays = SegmentInactive, v.Days
	case LocationSegment:
		w.Type, w.Cities, w.States = SegmentLocation, v.Cities, v.States
	case InsuranceSegment:
		has := v.HasInsurance
		w.Type, w.HasInsurance = SegmentInsurance, &has
	default:
		return nil, fmt.Errorf("unsupported segment rule %T", r)
	}
	return json.Marshal(w)
}

// MarshalJSON includes the segment rule in its wire shape.
func (c Campaign) MarshalJSON() ([]byte, error) {
	type plain Campaign
	seg, err := MarshalSegment(c.Segment)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		plain
		Segment json.RawMessage `json:"segment"`
	}{plain: plain(c), Segment: seg})
}
