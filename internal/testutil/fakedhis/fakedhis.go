// Package fakedhis serves an in-memory DHIS2 API for tests. It implements
// the slice of the API the migration uses: paged listings, object detail
// with field expansion, id issuance, metadata import and data value sets.
package fakedhis

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lherron/dhismig/internal/domain"
	"github.com/lherron/dhismig/internal/metadata"
)

// Lookup reads a stored object without locking. It is only valid inside a
// hook invocation.
type Lookup func(kind, id string) (map[string]any, bool)

// ValueHook returns the conflicts a posted value should raise. A value with
// conflicts is not stored.
type ValueHook func(v domain.DataValue, lookup Lookup) []metadata.Conflict

// MetadataPost records one metadata import request.
type MetadataPost struct {
	Strategy string
	Body     map[string]any
}

// Objects returns the documents of kind in the post body.
func (p MetadataPost) Objects(kind string) []map[string]any {
	return metadata.Document(p.Body).Objects(kind)
}

// ValuePost records one data value import request.
type ValuePost struct {
	Strategy string
	Values   []domain.DataValue
}

type failure struct {
	status    int
	remaining int
}

// Server is the fake API.
type Server struct {
	PageSize  int
	ValueHook ValueHook

	mu            sync.Mutex
	objects       map[string]map[string]map[string]any
	order         map[string][]string
	values        map[string]domain.DataValue
	valueOrder    []string
	metadataPosts []MetadataPost
	valuePosts    []ValuePost
	requests      []string
	failures      map[string]*failure
	listFailures  map[string]*failure
	nextID        int

	srv *httptest.Server
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		PageSize:     50,
		objects:      make(map[string]map[string]map[string]any),
		order:        make(map[string][]string),
		values:       make(map[string]domain.DataValue),
		failures:     make(map[string]*failure),
		listFailures: make(map[string]*failure),
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s.mu.Lock()
			s.requests = append(s.requests, c.Request().Method+" "+c.Request().URL.RequestURI())
			s.mu.Unlock()
			return next(c)
		}
	})
	e.GET("/api/system/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	e.GET("/api/system/id", s.handleID)
	e.GET("/api/:resource", s.handleList)
	e.GET("/api/:kind/:file", s.handleObject)
	e.POST("/api/metadata", s.handleMetadata)
	e.POST("/api/dataValueSets", s.handleValues)

	s.srv = httptest.NewServer(e)
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the API root.
func (s *Server) URL() string {
	return s.srv.URL + "/api"
}

// Put stores a copy of doc under kind.
func (s *Server) Put(kind string, doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(kind, clone(doc))
}

func (s *Server) put(kind string, doc map[string]any) {
	id, _ := doc["id"].(string)
	byID, ok := s.objects[kind]
	if !ok {
		byID = make(map[string]map[string]any)
		s.objects[kind] = byID
	}
	if _, exists := byID[id]; !exists {
		s.order[kind] = append(s.order[kind], id)
	}
	byID[id] = doc
}

// Get returns a copy of a stored object.
func (s *Server) Get(kind, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.objects[kind][id]
	if !ok {
		return nil, false
	}
	return clone(doc), true
}

// FindByName returns a copy of the first object of kind named name.
func (s *Server) FindByName(kind, name string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order[kind] {
		if doc := s.objects[kind][id]; doc["name"] == name {
			return clone(doc), true
		}
	}
	return nil, false
}

// Count returns the number of objects of kind.
func (s *Server) Count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects[kind])
}

// AddValues stores data values.
func (s *Server) AddValues(vals ...domain.DataValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range vals {
		s.storeValue(v)
	}
}

func (s *Server) storeValue(v domain.DataValue) {
	k := v.Key()
	if _, ok := s.values[k]; !ok {
		s.valueOrder = append(s.valueOrder, k)
	}
	s.values[k] = v
}

// Values returns the stored data values in insertion order.
func (s *Server) Values() []domain.DataValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DataValue, 0, len(s.values))
	seen := make(map[string]bool, len(s.values))
	for _, k := range s.valueOrder {
		if v, ok := s.values[k]; ok && !seen[k] {
			seen[k] = true
			out = append(out, v)
		}
	}
	return out
}

// ValuesFor returns the stored values of one data element.
func (s *Server) ValuesFor(dataElement string) []domain.DataValue {
	var out []domain.DataValue
	for _, v := range s.Values() {
		if v.DataElement == dataElement {
			out = append(out, v)
		}
	}
	return out
}

// MetadataPosts returns the recorded metadata imports.
func (s *Server) MetadataPosts() []MetadataPost {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MetadataPost(nil), s.metadataPosts...)
}

// ValuePosts returns the recorded data value imports.
func (s *Server) ValuePosts() []ValuePost {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ValuePost(nil), s.valuePosts...)
}

// Requests returns "METHOD uri" for every request served.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// FailMetadata makes the next times metadata posts containing kind answer
// with status and change nothing.
func (s *Server) FailMetadata(kind string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[kind] = &failure{status: status, remaining: times}
}

// FailList makes the next times listings of resource answer with status.
func (s *Server) FailList(resource string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listFailures[resource] = &failure{status: status, remaining: times}
}

func (s *Server) handleID(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 {
		limit = 1
	}
	s.mu.Lock()
	codes := make([]string, limit)
	for i := range codes {
		s.nextID++
		codes[i] = fmt.Sprintf("u%010d", s.nextID)
	}
	s.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]any{"codes": codes})
}

func (s *Server) handleList(c echo.Context) error {
	resource := strings.TrimSuffix(c.Param("resource"), ".json")
	if resource == "dataValueSets" {
		return s.handleValueRead(c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.listFailures[resource]; ok && f.remaining > 0 {
		f.remaining--
		return c.JSON(f.status, map[string]any{"httpStatusCode": f.status, "status": "ERROR"})
	}

	fields := c.QueryParam("fields")
	var items []any
	for _, id := range s.order[resource] {
		if doc, ok := s.objects[resource][id]; ok {
			items = append(items, s.project(doc, fields))
		}
	}
	if items == nil {
		items = []any{}
	}

	if c.QueryParam("paging") == "false" {
		return c.JSON(http.StatusOK, map[string]any{resource: items})
	}

	size := s.PageSize
	if size < 1 {
		size = 50
	}
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	pageCount := (len(items) + size - 1) / size
	if pageCount == 0 {
		pageCount = 1
	}
	start := min((page-1)*size, len(items))
	end := min(start+size, len(items))
	return c.JSON(http.StatusOK, map[string]any{
		"pager": map[string]any{
			"page":      page,
			"pageCount": pageCount,
			"total":     len(items),
			"pageSize":  size,
		},
		resource: items[start:end],
	})
}

func (s *Server) handleObject(c echo.Context) error {
	kind := c.Param("kind")
	id := strings.TrimSuffix(c.Param("file"), ".json")

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.objects[kind][id]
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]any{
			"httpStatus":     "Not Found",
			"httpStatusCode": http.StatusNotFound,
			"status":         "ERROR",
			"message":        fmt.Sprintf("%s with id %s could not be found.", kind, id),
		})
	}
	return c.JSON(http.StatusOK, s.project(doc, c.QueryParam("fields")))
}

// project applies a DHIS2 field filter. Bracketed fields expand references
// to stored objects of the same-named kind.
func (s *Server) project(doc map[string]any, fields string) map[string]any {
	if fields == "" || fields == "*" {
		out := clone(doc)
		out["href"] = "http://fake/api/" + fmt.Sprint(doc["id"])
		return out
	}
	out := make(map[string]any)
	for _, f := range splitFields(fields) {
		name, sub, nested := strings.Cut(f, "[")
		name = strings.TrimSpace(name)
		v, ok := doc[name]
		if !ok {
			continue
		}
		if !nested {
			out[name] = cloneValue(v)
			continue
		}
		sub = strings.TrimSuffix(sub, "]")
		out[name] = s.expand(name, v, sub)
	}
	return out
}

func (s *Server) expand(field string, v any, sub string) any {
	resolve := func(ref any) any {
		m, ok := ref.(map[string]any)
		if !ok {
			return ref
		}
		id, _ := m["id"].(string)
		for _, kind := range []string{field, field + "s"} {
			if target, ok := s.objects[kind][id]; ok {
				return s.project(target, sub)
			}
		}
		return s.project(m, sub)
	}
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = resolve(item)
		}
		return out
	}
	return resolve(v)
}

func splitFields(fields string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range fields {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(fields[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(fields[start:]))
}

type errorReport struct {
	Message       string `json:"message"`
	ErrorCode     string `json:"errorCode"`
	ErrorProperty string `json:"errorProperty"`
	MainID        string `json:"mainId"`
}

func (s *Server) handleMetadata(c echo.Context) error {
	var body map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"httpStatusCode": 400, "message": err.Error()})
	}
	strategy := c.QueryParam("importStrategy")
	if strategy == "" {
		strategy = string(domain.StrategyCreateAndUpdate)
	}
	if err := domain.ValidateStrategy(strategy); err != nil {
		return c.JSON(http.StatusConflict, map[string]any{"httpStatusCode": 409, "message": err.Error()})
	}
	for kind := range body {
		if err := domain.ValidateKind(kind); err != nil {
			return c.JSON(http.StatusConflict, map[string]any{"httpStatusCode": 409, "message": err.Error()})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadataPosts = append(s.metadataPosts, MetadataPost{Strategy: strategy, Body: clone(body)})

	kinds := make([]string, 0, len(body))
	for kind := range body {
		kinds = append(kinds, kind)
	}
	// combos before their option combos, like the server's import order
	sort.Strings(kinds)

	for _, kind := range kinds {
		if f, ok := s.failures[kind]; ok && f.remaining > 0 {
			f.remaining--
			return c.JSON(f.status, map[string]any{
				"httpStatus":     http.StatusText(f.status),
				"httpStatusCode": f.status,
				"status":         "ERROR",
			})
		}
	}

	var created, updated, deleted, ignored int
	var reports []errorReport
	var klass string
	for _, kind := range kinds {
		list, _ := body[kind].([]any)
		for _, item := range list {
			doc, ok := item.(map[string]any)
			if !ok {
				continue
			}
			id, _ := doc["id"].(string)
			_, exists := s.objects[kind][id]
			switch {
			case strategy == string(domain.StrategyDelete):
				if exists {
					delete(s.objects[kind], id)
					deleted++
				} else {
					ignored++
				}
			case strategy == string(domain.StrategyUpdate) && !exists:
				ignored++
				reports = append(reports, errorReport{
					Message:   fmt.Sprintf("Object %s of type %s does not exist", id, kind),
					ErrorCode: "E5001", MainID: id,
				})
			default:
				if errs := s.uniqueness(kind, doc); len(errs) > 0 {
					ignored++
					reports = append(reports, errs...)
					if klass == "" {
						klass = kind
					}
					continue
				}
				stored := clone(doc)
				delete(stored, "href")
				s.put(kind, stored)
				if exists {
					updated++
				} else {
					created++
				}
			}
		}
	}

	status := "OK"
	if ignored > 0 {
		status = "WARNING"
	}
	if reports == nil {
		reports = []errorReport{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status": status,
		"stats": map[string]any{
			"created": created, "updated": updated, "deleted": deleted,
			"ignored": ignored, "total": created + updated + deleted + ignored,
		},
		"typeReports": []any{map[string]any{
			"klass":         klass,
			"objectReports": []any{map[string]any{"errorReports": reports}},
		}},
	})
}

// uniqueness reports name and shortName collisions with other objects.
func (s *Server) uniqueness(kind string, doc map[string]any) []errorReport {
	id, _ := doc["id"].(string)
	var out []errorReport
	for _, prop := range []string{"name", "shortName"} {
		val, _ := doc[prop].(string)
		if val == "" {
			continue
		}
		for otherID, other := range s.objects[kind] {
			if otherID != id && other[prop] == val {
				out = append(out, errorReport{
					Message: fmt.Sprintf("Property `%s` with value `%s` on object %s [%s] already exists on object %s",
						prop, val, val, id, otherID),
					ErrorCode:     "E5003",
					ErrorProperty: prop,
					MainID:        id,
				})
				break
			}
		}
	}
	return out
}

func (s *Server) handleValueRead(c echo.Context) error {
	start, errStart := domain.ParseDate(c.QueryParam("startDate"))
	end, errEnd := domain.ParseDate(c.QueryParam("endDate"))

	s.mu.Lock()
	defer s.mu.Unlock()

	members := func(kind, id, field string) map[string]bool {
		doc, ok := s.objects[kind][id]
		if !ok {
			return nil
		}
		set := make(map[string]bool)
		for _, m := range metadata.Document(doc).Objects(field) {
			if inner, ok := m["dataElement"].(map[string]any); ok {
				m = inner
			}
			if id, ok := m["id"].(string); ok {
				set[id] = true
			}
		}
		return set
	}
	group := members("dataElementGroups", c.QueryParam("dataElementGroup"), "dataElements")
	dataset := members("dataSets", c.QueryParam("dataSet"), "dataSetElements")

	var out []domain.DataValue
	seen := make(map[string]bool, len(s.values))
	for _, k := range s.valueOrder {
		v, ok := s.values[k]
		if !ok || seen[k] {
			continue
		}
		seen[k] = true
		if group != nil && !group[v.DataElement] {
			continue
		}
		if dataset != nil && !dataset[v.DataElement] {
			continue
		}
		if errStart == nil && errEnd == nil {
			ps, ok := periodStart(v.Period)
			if !ok || ps.Before(start) || ps.After(end) {
				continue
			}
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return c.JSON(http.StatusOK, map[string]any{})
	}
	return c.JSON(http.StatusOK, map[string]any{"dataValues": out})
}

func periodStart(period string) (time.Time, bool) {
	layouts := map[int]string{4: "2006", 6: "200601", 8: "20060102"}
	layout, ok := layouts[len(period)]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(layout, period)
	return t, err == nil
}

func (s *Server) handleValues(c echo.Context) error {
	var body struct {
		DataValues []domain.DataValue `json:"dataValues"`
	}
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"httpStatusCode": 400, "message": err.Error()})
	}
	strategy := c.QueryParam("importStrategy")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.valuePosts = append(s.valuePosts, ValuePost{Strategy: strategy, Values: body.DataValues})

	lookup := func(kind, id string) (map[string]any, bool) {
		doc, ok := s.objects[kind][id]
		if !ok {
			return nil, false
		}
		return clone(doc), true
	}

	var imported, updated, deleted, ignored int
	conflicts := []metadata.Conflict{}
	for _, v := range body.DataValues {
		if s.ValueHook != nil {
			if cs := s.ValueHook(v, lookup); len(cs) > 0 {
				conflicts = append(conflicts, cs...)
				ignored++
				continue
			}
		}
		_, exists := s.values[v.Key()]
		if strategy == string(domain.StrategyDelete) {
			if exists {
				delete(s.values, v.Key())
				deleted++
			} else {
				ignored++
			}
			continue
		}
		s.storeValue(v)
		if exists {
			updated++
		} else {
			imported++
		}
	}

	resp := map[string]any{
		"status": "SUCCESS",
		"importCount": map[string]any{
			"imported": imported, "updated": updated, "deleted": deleted, "ignored": ignored,
		},
	}
	if len(conflicts) > 0 {
		resp["status"] = "WARNING"
		resp["conflicts"] = conflicts
	}
	return c.JSON(http.StatusOK, resp)
}

func clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := cloneValue(m).(map[string]any)
	return out
}

func cloneValue(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
