package task

import (
	"fmt"
	"time"
)

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func sysmetaDoc(pid, format string, archived bool) []byte {
	return []byte(fmt.Sprintf(`<d1:systemMetadata xmlns:d1="http://ns.dataone.org/service/types/v2.0">
  <identifier>%s</identifier>
  <formatId>%s</formatId>
  <archived>%t</archived>
  <dateSysMetadataModified>2024-05-30T08:00:00Z</dateSysMetadataModified>
  <originMemberNode>urn:node:TEST</originMemberNode>
</d1:systemMetadata>`, pid, format, archived))
}
