package sysmeta

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

const sampleDoc = `<?xml version="1.0" encoding="UTF-8"?>
<d1:systemMetadata xmlns:d1="http://ns.dataone.org/service/types/v2.0">
  <serialVersion>1</serialVersion>
  <identifier>urn:uuid:1234</identifier>
  <formatId>eml://ecoinformatics.org/eml-2.1.1</formatId>
  <size>1024</size>
  <archived>%s</archived>
  <obsoletedBy>%s</obsoletedBy>
  <dateUploaded>2024-03-01T10:00:00.000+00:00</dateUploaded>
  <dateSysMetadataModified>2024-03-02T11:30:00.000+00:00</dateSysMetadataModified>
  <originMemberNode>%s</originMemberNode>
  <authoritativeMemberNode>urn:node:AUTH</authoritativeMemberNode>
</d1:systemMetadata>`

func doc(archived, obsoletedBy, origin string) []byte {
	return []byte(fmt.Sprintf(sampleDoc, archived, obsoletedBy, origin))
}

func TestParse(t *testing.T) {
	md, err := Parse(doc("false", "", "urn:node:KNB"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if md.Identifier != "urn:uuid:1234" {
		t.Errorf("Identifier = %q, want %q", md.Identifier, "urn:uuid:1234")
	}
	if md.FormatID != "eml://ecoinformatics.org/eml-2.1.1" {
		t.Errorf("FormatID = %q", md.FormatID)
	}
	if md.OriginMemberNode != "urn:node:KNB" {
		t.Errorf("OriginMemberNode = %q, want %q", md.OriginMemberNode, "urn:node:KNB")
	}
	want := time.Date(2024, 3, 2, 11, 30, 0, 0, time.UTC)
	if !md.DateSysMetadataModified.Equal(want) {
		t.Errorf("DateSysMetadataModified = %v, want %v", md.DateSysMetadataModified, want)
	}
	if md.IsArchived() {
		t.Error("IsArchived() = true, want false")
	}
	if md.IsObsoleted() {
		t.Error("IsObsoleted() = true, want false")
	}
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name         string
		archived     string
		obsoletedBy  string
		wantArchived bool
		wantObsolete bool
	}{
		{"archived", "true", "", true, false},
		{"obsoleted", "false", "urn:uuid:5678", false, true},
		{"both", "true", "urn:uuid:5678", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md, err := Parse(doc(tt.archived, tt.obsoletedBy, "urn:node:KNB"))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got := md.IsArchived(); got != tt.wantArchived {
				t.Errorf("IsArchived() = %v, want %v", got, tt.wantArchived)
			}
			if got := md.IsObsoleted(); got != tt.wantObsolete {
				t.Errorf("IsObsoleted() = %v, want %v", got, tt.wantObsolete)
			}
		})
	}
}

func TestOriginNode(t *testing.T) {
	md, err := Parse([]byte(`<systemMetadata><identifier>x</identifier></systemMetadata>`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := md.OriginNode("unknown"); got != "unknown" {
		t.Errorf("OriginNode() = %q, want %q", got, "unknown")
	}
	if md.IsArchived() {
		t.Error("IsArchived() = true for a document without the element")
	}

	var nilMD *SystemMetadata
	if got := nilMD.OriginNode("unknown"); got != "unknown" {
		t.Errorf("nil OriginNode() = %q, want %q", got, "unknown")
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := Parse(nil); !errors.Is(err, ErrEmpty) {
		t.Errorf("Parse(nil) error = %v, want ErrEmpty", err)
	}
	if _, err := Parse([]byte("   ")); !errors.Is(err, ErrEmpty) {
		t.Errorf("Parse(blank) error = %v, want ErrEmpty", err)
	}
	if _, err := Parse([]byte("<systemMetadata><identifier>")); err == nil {
		t.Error("Parse(truncated) error = nil, want error")
	}
	if _, err := Parse([]byte("<other><identifier>x</identifier></other>")); err == nil {
		t.Error("Parse(wrong root) error = nil, want error")
	}
}

func TestParseDateTimeForms(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Time
	}{
		{name: "no zone read as UTC", value: "2011-08-01T17:46:56.786", want: time.Date(2011, 8, 1, 17, 46, 56, 786000000, time.UTC)},
		{name: "no zone no fraction", value: "2011-08-01T17:46:56", want: time.Date(2011, 8, 1, 17, 46, 56, 0, time.UTC)},
		{name: "Z suffix", value: "2011-08-01T17:46:56Z", want: time.Date(2011, 8, 1, 17, 46, 56, 0, time.UTC)},
		{name: "colon offset", value: "2011-08-01T19:46:56.5+02:00", want: time.Date(2011, 8, 1, 17, 46, 56, 500000000, time.UTC)},
		{name: "compact offset", value: "2011-08-01T12:46:56-0500", want: time.Date(2011, 8, 1, 17, 46, 56, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDateTime(tt.value)
			if err != nil {
				t.Fatalf("ParseDateTime(%q) error = %v", tt.value, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseDateTime(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}

	if _, err := ParseDateTime("yesterday"); err == nil {
		t.Error("ParseDateTime(yesterday) error = nil, want error")
	}
}

func TestParseZonelessDates(t *testing.T) {
	doc := `<systemMetadata>
  <identifier>urn:uuid:zoneless</identifier>
  <dateUploaded> 2011-08-01T17:40:00 </dateUploaded>
  <dateSysMetadataModified>2011-08-01T17:46:56.786</dateSysMetadataModified>
</systemMetadata>`
	md, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := time.Date(2011, 8, 1, 17, 46, 56, 786000000, time.UTC)
	if !md.DateSysMetadataModified.Equal(want) {
		t.Errorf("DateSysMetadataModified = %v, want %v", md.DateSysMetadataModified, want)
	}
	if !md.DateUploaded.Equal(time.Date(2011, 8, 1, 17, 40, 0, 0, time.UTC)) {
		t.Errorf("DateUploaded = %v", md.DateUploaded)
	}
}

func TestParseEmptyDate(t *testing.T) {
	md, err := Parse([]byte(`<systemMetadata><identifier>x</identifier><dateUploaded></dateUploaded></systemMetadata>`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !md.DateUploaded.IsZero() {
		t.Errorf("DateUploaded = %v, want zero", md.DateUploaded)
	}
}
