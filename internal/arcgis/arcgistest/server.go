// Package arcgistest serves an in-memory feature service for tests.
package arcgistest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/con-j-e/featsync/internal/arcgis"
	"github.com/goccy/go-json"
)

const OIDField = "OBJECTID"

// Layer is one fake layer. Exported fields may be set before serving;
// use the methods once requests are in flight.
type Layer struct {
	GeometryType   string
	MaxRecordCount int
	NoPagination   bool
	// Fields lists the attribute fields reported in layer info.
	Fields []string
	// PageWKIDs overrides the spatial reference of feature page i; pages
	// past the end report 4326.
	PageWKIDs []int
	// CountBias is added to every reported count.
	CountBias int

	mu       sync.Mutex
	features []arcgis.Feature
	nextOID  int64

	// editStatuses are returned, in order, by the next applyEdits calls.
	editStatuses []int
	// queryStatuses are returned, in order, by the next feature page requests.
	queryStatuses []int
	failRecords   bool
	// countDrift is added to every count reported after an edit.
	countDrift int
	edited     bool

	editCalls  []EditCall
	queryCalls int
}

// EditCall records one applyEdits request.
type EditCall struct {
	Adds    int
	Deletes int
	Status  int
}

func NewLayer(geometryType string, features ...arcgis.Feature) *Layer {
	l := &Layer{GeometryType: geometryType, MaxRecordCount: 2000, Fields: []string{OIDField}}
	l.Seed(features...)
	return l
}

// Seed appends features, assigning object ids.
func (l *Layer) Seed(features ...arcgis.Feature) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range features {
		l.addLocked(f)
	}
}

func (l *Layer) addLocked(f arcgis.Feature) int64 {
	l.nextOID++
	attrs := map[string]any{}
	for k, v := range f.Attributes {
		attrs[k] = v
	}
	attrs[OIDField] = l.nextOID
	l.features = append(l.features, arcgis.Feature{Attributes: attrs, Geometry: f.Geometry})
	return l.nextOID
}

func (l *Layer) FailEditsWith(statuses ...int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.editStatuses = append(l.editStatuses, statuses...)
}

func (l *Layer) FailQueriesWith(statuses ...int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queryStatuses = append(l.queryStatuses, statuses...)
}

// FailRecords makes applyEdits report success:false for every record.
func (l *Layer) FailRecords(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failRecords = fail
}

// DriftCountAfterEdits skews counts reported after the first edit.
func (l *Layer) DriftCountAfterEdits(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.countDrift = n
}

func (l *Layer) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.features)
}

func (l *Layer) Features() []arcgis.Feature {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.features)
}

func (l *Layer) EditCalls() []EditCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.editCalls)
}

func (l *Layer) QueryCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queryCalls
}

// Server routes /<name>, /<name>/query and /<name>/applyEdits.
type Server struct {
	*httptest.Server
	mu     sync.Mutex
	layers map[string]*Layer
}

func NewServer(t testing.TB) *Server {
	s := &Server{layers: map[string]*Layer{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// AddLayer registers l under name and returns its URL.
func (s *Server) AddLayer(name string, l *Layer) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers[name] = l
	return s.URL + "/" + name
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	s.mu.Lock()
	l, ok := s.layers[parts[0]]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, map[string]any{"error": map[string]any{"code": 400, "message": "Invalid URL"}})
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch {
	case len(parts) == 1:
		l.info(w)
	case parts[1] == "query":
		l.query(w, r)
	case parts[1] == "applyEdits":
		l.applyEdits(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (l *Layer) info(w http.ResponseWriter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fields := make([]map[string]any, 0, len(l.Fields))
	for _, f := range l.Fields {
		fields = append(fields, map[string]any{"name": f, "type": "esriFieldTypeString", "nullable": true, "editable": true})
	}
	writeJSON(w, map[string]any{
		"name":           "fake",
		"type":           "Feature Layer",
		"geometryType":   l.GeometryType,
		"maxRecordCount": l.MaxRecordCount,
		"objectIdField":  OIDField,
		"uniqueIdField":  map[string]any{"name": OIDField, "isSystemMaintained": true},
		"fields":         fields,
		"advancedQueryCapabilities": map[string]any{
			"supportsPagination": !l.NoPagination,
		},
	})
}

var eqClause = regexp.MustCompile(`^\s*(\w+)\s*=\s*'([^']*)'\s*$`)

func matches(where string, attrs map[string]any) bool {
	where = strings.TrimSpace(where)
	switch where {
	case "", "1=1":
		return true
	case "1<>1":
		return false
	}
	if m := eqClause.FindStringSubmatch(where); m != nil {
		return fmt.Sprint(attrs[m[1]]) == m[2]
	}
	return false
}

func (l *Layer) query(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()

	where := r.Form.Get("where")
	var hits []arcgis.Feature
	for _, f := range l.features {
		if matches(where, f.Attributes) {
			hits = append(hits, f)
		}
	}

	switch {
	case r.Form.Get("returnCountOnly") == "true":
		count := len(hits) + l.CountBias
		if l.edited {
			count += l.countDrift
		}
		writeJSON(w, map[string]any{
			"count":  count,
			"extent": map[string]any{"xmin": 0, "ymin": 0, "xmax": 1, "ymax": 1, "spatialReference": map[string]any{"wkid": 4326}},
		})
		return
	case r.Form.Get("returnIdsOnly") == "true":
		ids := make([]int64, 0, len(hits))
		for _, f := range hits {
			ids = append(ids, f.Attributes[OIDField].(int64))
		}
		writeJSON(w, map[string]any{"objectIdFieldName": OIDField, "objectIds": ids})
		return
	}

	l.queryCalls++
	if len(l.queryStatuses) > 0 {
		status := l.queryStatuses[0]
		l.queryStatuses = l.queryStatuses[1:]
		w.WriteHeader(status)
		return
	}

	offset, _ := strconv.Atoi(r.Form.Get("resultOffset"))
	size, err := strconv.Atoi(r.Form.Get("resultRecordCount"))
	if err != nil || size <= 0 {
		size = len(hits)
	}
	end := min(offset+size, len(hits))
	page := []arcgis.Feature{}
	if offset < len(hits) {
		page = hits[offset:end]
	}
	wkid := 4326
	if i := offset / max(size, 1); i < len(l.PageWKIDs) {
		wkid = l.PageWKIDs[i]
	}
	writeJSON(w, map[string]any{
		"features":              page,
		"spatialReference":      map[string]any{"wkid": wkid, "latestWkid": wkid},
		"exceededTransferLimit": end < len(hits),
		"uniqueIdField":         map[string]any{"name": OIDField, "isSystemMaintained": true},
	})
}

func (l *Layer) applyEdits(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var adds []arcgis.Feature
	var deletes []int64
	if err := json.Unmarshal([]byte(r.PostForm.Get("adds")), &adds); err != nil {
		http.Error(w, "bad adds", http.StatusBadRequest)
		return
	}
	if err := json.Unmarshal([]byte(r.PostForm.Get("deletes")), &deletes); err != nil {
		http.Error(w, "bad deletes", http.StatusBadRequest)
		return
	}

	if len(l.editStatuses) > 0 {
		status := l.editStatuses[0]
		l.editStatuses = l.editStatuses[1:]
		l.editCalls = append(l.editCalls, EditCall{Adds: len(adds), Deletes: len(deletes), Status: status})
		w.WriteHeader(status)
		return
	}
	l.editCalls = append(l.editCalls, EditCall{Adds: len(adds), Deletes: len(deletes), Status: http.StatusOK})
	l.edited = true

	success := !l.failRecords
	var deleteResults, addResults []arcgis.EditResult
	if success {
		drop := map[int64]bool{}
		for _, id := range deletes {
			drop[id] = true
		}
		l.features = slices.DeleteFunc(l.features, func(f arcgis.Feature) bool {
			return drop[f.Attributes[OIDField].(int64)]
		})
	}
	for _, id := range deletes {
		deleteResults = append(deleteResults, arcgis.EditResult{ObjectID: id, Success: success})
	}
	for _, f := range adds {
		var oid int64
		if success {
			oid = l.addLocked(f)
		}
		addResults = append(addResults, arcgis.EditResult{ObjectID: oid, Success: success})
	}
	writeJSON(w, map[string]any{"addResults": addResults, "deleteResults": deleteResults, "updateResults": []any{}})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
