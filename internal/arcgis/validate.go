package arcgis

import (
	"fmt"
	"strings"

	"github.com/con-j-e/featsync/internal/errs"
	"github.com/goccy/go-json"
)

type KeyRequirement int

const (
	RequireAny KeyRequirement = iota
	RequireAll
)

// ValidateJSON checks a REST response document. ArcGIS reports request
// errors inside a 200 response under an "error" key; that and a failed key
// requirement are both schema violations.
func ValidateJSON(body []byte, keys []string, req KeyRequirement) (map[string]json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errs.Wrap(errs.SchemaViolation, "arcgis.validate", err)
	}
	if e, ok := doc["error"]; ok {
		return nil, errs.New(errs.SchemaViolation, "arcgis.validate", "error response: %s", truncate(e))
	}
	if len(keys) == 0 {
		return doc, nil
	}

	found := 0
	var missing []string
	for _, k := range keys {
		if _, ok := doc[k]; ok {
			found++
		} else {
			missing = append(missing, k)
		}
	}
	switch {
	case req == RequireAny && found == 0:
		return nil, errs.New(errs.SchemaViolation, "arcgis.validate", "none of %v found in response: %s", keys, truncate(body))
	case req == RequireAll && len(missing) > 0:
		return nil, errs.New(errs.SchemaViolation, "arcgis.validate", "keys %v missing from response: %s", missing, truncate(body))
	}
	return doc, nil
}

func truncate(b []byte) string {
	const limit = 500
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return fmt.Sprintf("%s... (%d bytes)", s[:limit], len(s))
	}
	return s
}
