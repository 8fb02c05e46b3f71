package layer

import (
	"time"

	"github.com/con-j-e/featsync/internal/arcgis"
)

// Collection is a feature collection in ArcGIS JSON form.
type Collection struct {
	Features         []arcgis.Feature        `json:"features"`
	SpatialReference arcgis.SpatialReference `json:"spatialReference"`
	UniqueIDField    *arcgis.UniqueIDField   `json:"uniqueIdField,omitempty"`
}

// Snapshot is the document persisted by Refresh.
type Snapshot struct {
	TargetFeatureCount     int                    `json:"target_feature_count"`
	TargetExtent           []arcgis.Extent        `json:"target_extent"`
	QueryParameters        map[string]string      `json:"query_parameters"`
	SpatialQueryParameters []arcgis.SpatialFilter `json:"spatial_query_parameters"`
	ArcGISJSON             Collection             `json:"arcgis_json"`
}

// FeatureSet is one decoded snapshot.
type FeatureSet struct {
	Features               []arcgis.Feature
	QueryParameters        map[string]string
	SpatialQueryParameters []arcgis.SpatialFilter
	// KeyField is the system-maintained unique id field, empty when the
	// layer did not declare one.
	KeyField         string
	SpatialReference arcgis.SpatialReference
	TargetCount      int
	CachedAt         time.Time
}

// LoadOptions tune LoadHistory.
type LoadOptions struct {
	ApplyFieldMap bool
	ValidateKey   bool
}
