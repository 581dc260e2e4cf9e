// Package sysmeta reads the fields of a system metadata document that task
// generation and publishing depend on. The document itself stays opaque to
// the rest of the service.
package sysmeta

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmpty is returned for an empty document
var ErrEmpty = errors.New("empty system metadata document")

// SystemMetadata holds the subset of a system metadata document used here.
// Elements are matched by local name so any namespace version is accepted.
type SystemMetadata struct {
	XMLName                 xml.Name `xml:"systemMetadata"`
	Identifier              string   `xml:"identifier"`
	FormatID                string   `xml:"formatId"`
	Archived                *bool    `xml:"archived"`
	Obsoletes               string   `xml:"obsoletes"`
	ObsoletedBy             string   `xml:"obsoletedBy"`
	OriginMemberNode        string   `xml:"originMemberNode"`
	AuthoritativeMemberNode string   `xml:"authoritativeMemberNode"`
	DateSysMetadataModified DateTime `xml:"dateSysMetadataModified"`
	DateUploaded            DateTime `xml:"dateUploaded"`
}

// dateTimeLayouts are the xs:dateTime forms accepted. Values without a zone
// are read as UTC.
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
}

// DateTime is an xs:dateTime element. The zone is optional.
type DateTime struct {
	time.Time
}

// UnmarshalText parses an xs:dateTime value; empty text leaves the zero time
func (d *DateTime) UnmarshalText(text []byte) error {
	v := strings.TrimSpace(string(text))
	if v == "" {
		d.Time = time.Time{}
		return nil
	}
	t, err := ParseDateTime(v)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

// ParseDateTime parses v in any accepted xs:dateTime form
func ParseDateTime(v string) (time.Time, error) {
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid dateTime %q", v)
}

// Parse decodes a system metadata document
func Parse(raw []byte) (*SystemMetadata, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmpty
	}
	var md SystemMetadata
	if err := xml.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("parse system metadata: %w", err)
	}
	md.Identifier = strings.TrimSpace(md.Identifier)
	md.FormatID = strings.TrimSpace(md.FormatID)
	md.OriginMemberNode = strings.TrimSpace(md.OriginMemberNode)
	md.ObsoletedBy = strings.TrimSpace(md.ObsoletedBy)
	return &md, nil
}

// IsArchived reports whether the archived flag is present and true
func (m *SystemMetadata) IsArchived() bool {
	return m != nil && m.Archived != nil && *m.Archived
}

// IsObsoleted reports whether a newer revision replaces this object
func (m *SystemMetadata) IsObsoleted() bool {
	return m != nil && m.ObsoletedBy != ""
}

// OriginNode returns the origin member node, or def when none is recorded
func (m *SystemMetadata) OriginNode(def string) string {
	if m == nil || m.OriginMemberNode == "" {
		return def
	}
	return m.OriginMemberNode
}
