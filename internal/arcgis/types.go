package arcgis

import (
	"strings"

	"github.com/goccy/go-json"
)

// Feature is one record in ArcGIS JSON: attribute values keyed by field
// name plus an optional geometry object.
type Feature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   map[string]any `json:"geometry,omitempty"`
}

// SpatialReference is kept opaque ({"wkid":3338,"latestWkid":3338}).
type SpatialReference map[string]any

// Extent is an envelope ({"xmin":..,"ymin":..,"xmax":..,"ymax":..,"spatialReference":..}).
type Extent map[string]any

type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Alias    string `json:"alias,omitempty"`
	Nullable bool   `json:"nullable"`
	Editable bool   `json:"editable"`
}

type UniqueIDField struct {
	Name               string `json:"name"`
	IsSystemMaintained bool   `json:"isSystemMaintained"`
}

// LayerInfo is the subset of a layer resource document the pipeline reads.
type LayerInfo struct {
	Name                      string         `json:"name"`
	Type                      string         `json:"type"`
	GeometryType              string         `json:"geometryType"`
	MaxRecordCount            int            `json:"maxRecordCount"`
	ObjectIDField             string         `json:"objectIdField"`
	UniqueIDField             *UniqueIDField `json:"uniqueIdField"`
	Fields                    []Field        `json:"fields"`
	AdvancedQueryCapabilities struct {
		SupportsPagination bool `json:"supportsPagination"`
	} `json:"advancedQueryCapabilities"`
}

// IsPointGeometry covers esriGeometryPoint and esriGeometryMultipoint.
func (l LayerInfo) IsPointGeometry() bool {
	return strings.Contains(strings.ToLower(l.GeometryType), "point")
}

// KeyField returns the system-maintained unique id field, if any.
func (l LayerInfo) KeyField() (string, bool) {
	if l.UniqueIDField != nil && l.UniqueIDField.IsSystemMaintained && l.UniqueIDField.Name != "" {
		return l.UniqueIDField.Name, true
	}
	return "", false
}

// QueryPage is one page of a feature query.
type QueryPage struct {
	Features              []Feature        `json:"features"`
	SpatialReference      SpatialReference `json:"spatialReference"`
	ExceededTransferLimit bool             `json:"exceededTransferLimit"`
	UniqueIDField         *UniqueIDField   `json:"uniqueIdField,omitempty"`
}

type EditError struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

type EditResult struct {
	ObjectID int64      `json:"objectId"`
	Success  bool       `json:"success"`
	Error    *EditError `json:"error,omitempty"`
}

type EditResponse struct {
	AddResults    []EditResult `json:"addResults"`
	DeleteResults []EditResult `json:"deleteResults"`
}

// Failures returns every add or delete result not marked successful.
func (r EditResponse) Failures() []EditResult {
	var out []EditResult
	for _, set := range [][]EditResult{r.AddResults, r.DeleteResults} {
		for _, res := range set {
			if !res.Success {
				out = append(out, res)
			}
		}
	}
	return out
}

// SameSpatialReference compares two references by their canonical JSON.
func SameSpatialReference(a, b SpatialReference) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
