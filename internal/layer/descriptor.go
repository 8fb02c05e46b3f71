package layer

import (
	"fmt"

	"github.com/con-j-e/featsync/internal/arcgis"
	"github.com/con-j-e/featsync/internal/store"
	"github.com/go-playground/validator/v10"
)

// Caches are the two snapshot directories a layer owns.
type Caches struct {
	Metadata *store.Manager `validate:"required"`
	Features *store.Manager `validate:"required"`
}

// Descriptor identifies a remote layer and how it is queried.
type Descriptor struct {
	URL   string `validate:"required,url"`
	Alias string `validate:"required"`
	Token string
	// Where defaults to "1=1".
	Where string
	// Spatial holds one query per filter. Empty means no spatial filter.
	Spatial []arcgis.SpatialFilter
	OutSR   int `validate:"gte=0"`
	// OutFields defaults to "*". The unique id field is always requested.
	OutFields []string
	// FieldMap renames source fields to target fields on load.
	FieldMap map[string]string
	Caches   Caches
}

var validate = validator.New()

func (d Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("layer %q: %w", d.Alias, err)
	}
	return nil
}

func (d Descriptor) query(filter arcgis.SpatialFilter) arcgis.Query {
	return arcgis.Query{Where: d.Where, Token: d.Token, OutSR: d.OutSR, Spatial: filter}
}

// filters returns the spatial filters to query, at least one (possibly nil).
func (d Descriptor) filters() []arcgis.SpatialFilter {
	if len(d.Spatial) == 0 {
		return []arcgis.SpatialFilter{nil}
	}
	return d.Spatial
}
