package db

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStore is an in-process Store with the same update and query
// semantics as MongoStore. Every operation runs under one lock, so
// increments are atomic. Used by tests and the "memory" store mode.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	docs     map[string]map[string]bson.M
	watchers map[string]map[*memoryWatch]struct{}
	failure  error

	failNext    int
	failNextErr error
}

// NewMemoryStore creates an empty store stamping server times from clk.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		clock:    clk,
		docs:     make(map[string]map[string]bson.M),
		watchers: make(map[string]map[*memoryWatch]struct{}),
	}
}

// FailWith makes every subsequent operation return err until called with nil.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// FailNext makes the next n operations return err, then recovers.
func (s *MemoryStore) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failNextErr = err
}

// Watchers returns the number of open change streams.
func (s *MemoryStore) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ws := range s.watchers {
		n += len(ws)
	}
	return n
}

// Len returns the number of documents in collection.
func (s *MemoryStore) Len(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs[collection])
}

func (s *MemoryStore) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failNext > 0 {
		s.failNext--
		return s.failNextErr
	}
	return s.failure
}

func (s *MemoryStore) coll(name string) map[string]bson.M {
	c, ok := s.docs[name]
	if !ok {
		c = make(map[string]bson.M)
		s.docs[name] = c
	}
	return c
}

func (s *MemoryStore) now() primitive.DateTime {
	return primitive.NewDateTimeFromTime(s.clock.Now())
}

func (s *MemoryStore) build(id string, doc interface{}, serverTime []string) (bson.M, error) {
	m, err := toDocument(doc)
	if err != nil {
		return nil, err
	}
	m = normalize(m).(bson.M)
	m["_id"] = id
	now := s.now()
	for _, f := range serverTime {
		setPath(m, f, now)
	}
	return m, nil
}

func (s *MemoryStore) Create(ctx context.Context, collection, id string, doc interface{}, serverTime ...string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return false, err
	}

	c := s.coll(collection)
	if _, exists := c[id]; exists {
		return false, nil
	}
	m, err := s.build(id, doc, serverTime)
	if err != nil {
		return false, err
	}
	c[id] = m
	s.notify(collection, nil, m)
	return true, nil
}

func (s *MemoryStore) Set(ctx context.Context, collection, id string, doc interface{}, serverTime ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return err
	}

	m, err := s.build(id, doc, serverTime)
	if err != nil {
		return err
	}
	c := s.coll(collection)
	before := c[id]
	c[id] = m
	s.notify(collection, before, m)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, collection, id string, u *Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return err
	}

	c := s.coll(collection)
	before, ok := c[id]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	after, err := s.apply(before, u)
	if err != nil {
		return err
	}
	c[id] = after
	s.notify(collection, before, after)
	return nil
}

func (s *MemoryStore) UpdateMany(ctx context.Context, collection string, f Filter, u *Update) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return 0, err
	}

	c := s.coll(collection)
	var matched int64
	for id, before := range c {
		if !matches(before, f) {
			continue
		}
		matched++
		if u.IsEmpty() {
			continue
		}
		after, err := s.apply(before, u)
		if err != nil {
			return matched, err
		}
		c[id] = after
		s.notify(collection, before, after)
	}
	return matched, nil
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string, out interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return err
	}

	m, ok := s.coll(collection)[id]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return decode(m, out)
}

func (s *MemoryStore) Find(ctx context.Context, collection string, q Query, out interface{}) error {
	s.mu.Lock()
	if err := s.begin(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	var found []bson.M
	for _, m := range s.coll(collection) {
		if matches(m, q.Filter) {
			found = append(found, m)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(found, func(i, j int) bool {
		return less(found[i], found[j], q.Sort)
	})
	if q.Limit > 0 && int64(len(found)) > q.Limit {
		found = found[:q.Limit]
	}

	slice := reflect.ValueOf(out)
	if slice.Kind() != reflect.Ptr || slice.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("%w: Find needs a pointer to a slice, got %T", ErrInvalidDocument, out)
	}
	elemType := slice.Elem().Type().Elem()
	result := reflect.MakeSlice(slice.Elem().Type(), 0, len(found))
	for _, m := range found {
		elem := reflect.New(elemType)
		if err := decode(m, elem.Interface()); err != nil {
			return err
		}
		result = reflect.Append(result, elem.Elem())
	}
	slice.Elem().Set(result)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return err
	}

	c := s.coll(collection)
	if before, ok := c[id]; ok {
		delete(c, id)
		s.notify(collection, before, nil)
	}
	return nil
}

func (s *MemoryStore) DeleteMany(ctx context.Context, collection string, f Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return 0, err
	}

	c := s.coll(collection)
	var n int64
	for id, m := range c {
		if matches(m, f) {
			delete(c, id)
			n++
			s.notify(collection, m, nil)
		}
	}
	return n, nil
}

func (s *MemoryStore) Watch(ctx context.Context, collection string, f Filter) (ChangeStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return nil, err
	}

	w := &memoryWatch{
		store:      s,
		collection: collection,
		filter:     f,
		changes:    make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
	ws, ok := s.watchers[collection]
	if !ok {
		ws = make(map[*memoryWatch]struct{})
		s.watchers[collection] = ws
	}
	ws[w] = struct{}{}
	return w, nil
}

// notify must be called with s.mu held. Deletes always fire, as with mongo
// change streams where a deleted document is no longer visible.
func (s *MemoryStore) notify(collection string, before, after bson.M) {
	for w := range s.watchers[collection] {
		if after == nil || matches(after, w.filter) || (before != nil && matches(before, w.filter)) {
			w.signal()
		}
	}
}

func (s *MemoryStore) apply(doc bson.M, u *Update) (bson.M, error) {
	out := clone(doc)
	for field, v := range u.set {
		val, err := toValue(v)
		if err != nil {
			return nil, err
		}
		setPath(out, field, val)
	}
	for _, field := range u.unset {
		unsetPath(out, field)
	}
	for field, delta := range u.inc {
		cur, exists := lookup(out, field)
		var base int64
		if exists && cur != nil {
			n, ok := toInt64(cur)
			if !ok {
				return nil, fmt.Errorf("%w: cannot increment non-numeric field %q", ErrInvalidDocument, field)
			}
			base = n
		}
		setPath(out, field, base+delta)
	}
	now := s.now()
	for _, field := range u.serverTime {
		setPath(out, field, now)
	}
	return out, nil
}

type memoryWatch struct {
	store      *MemoryStore
	collection string
	filter     Filter
	changes    chan struct{}
	closed     chan struct{}
	once       sync.Once
}

func (w *memoryWatch) signal() {
	select {
	case w.changes <- struct{}{}:
	default:
		// a notification is already pending
	}
}

func (w *memoryWatch) Next(ctx context.Context) error {
	select {
	case <-w.changes:
		return nil
	case <-w.closed:
		return fmt.Errorf("%w: change stream closed", ErrTransient)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *memoryWatch) Close(ctx context.Context) error {
	w.once.Do(func() {
		w.store.mu.Lock()
		delete(w.store.watchers[w.collection], w)
		w.store.mu.Unlock()
		close(w.closed)
	})
	return nil
}

// -----------------------------------------------------------------------------
// document helpers
// -----------------------------------------------------------------------------

func decode(m bson.M, out interface{}) error {
	raw, err := bson.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := bson.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}

// toValue converts a Go value to the form it takes once stored.
func toValue(v interface{}) (interface{}, error) {
	m, err := toDocument(bson.M{"v": v})
	if err != nil {
		return nil, err
	}
	return normalize(m["v"]), nil
}

func clone(m bson.M) bson.M {
	out := make(bson.M, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case bson.M:
			out[k] = clone(t)
		case bson.A:
			out[k] = append(bson.A(nil), t...)
		default:
			out[k] = v
		}
	}
	return out
}

// normalize turns every embedded document into bson.M and every array into bson.A.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		for k, x := range t {
			t[k] = normalize(x)
		}
		return t
	case map[string]interface{}:
		return normalize(bson.M(t))
	case bson.D:
		m := make(bson.M, len(t))
		for _, e := range t {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case bson.A:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	case []interface{}:
		return normalize(bson.A(t))
	default:
		return v
	}
}

func lookup(doc bson.M, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, p := range parts {
		m, ok := cur.(bson.M)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(doc bson.M, path string, v interface{}) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(bson.M)
		if !ok {
			next = bson.M{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func unsetPath(doc bson.M, path string) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(bson.M)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

func matches(doc bson.M, f Filter) bool {
	for _, c := range f {
		if !matchCondition(doc, c) {
			return false
		}
	}
	return true
}

func matchCondition(doc bson.M, c Condition) bool {
	val, exists := lookup(doc, c.Field)

	switch c.Op {
	case OpExists:
		want, _ := c.Value.(bool)
		return exists == want
	case OpContains:
		s, ok := val.(string)
		needle, _ := c.Value.(string)
		return ok && strings.Contains(strings.ToLower(s), strings.ToLower(needle))
	}

	want, err := toValue(c.Value)
	if err != nil {
		return false
	}

	switch c.Op {
	case OpEq:
		return equalsAny(val, want)
	case OpNe:
		return !equalsAny(val, want)
	case OpIn:
		list, _ := want.(bson.A)
		for _, w := range list {
			if equalsAny(val, w) {
				return true
			}
		}
		return false
	case OpAll:
		list, _ := want.(bson.A)
		for _, w := range list {
			if !equalsAny(val, w) {
				return false
			}
		}
		return len(list) > 0
	case OpGt, OpGte, OpLt, OpLte:
		if !exists {
			return false
		}
		candidates := bson.A{val}
		if arr, ok := val.(bson.A); ok {
			candidates = arr
		}
		for _, v := range candidates {
			cmp, ok := compare(v, want)
			if !ok {
				continue
			}
			switch {
			case c.Op == OpGt && cmp > 0,
				c.Op == OpGte && cmp >= 0,
				c.Op == OpLt && cmp < 0,
				c.Op == OpLte && cmp <= 0:
				return true
			}
		}
		return false
	}
	return false
}

// equalsAny follows mongo's array semantics: a scalar matches an array
// field when any element equals it.
func equalsAny(val, want interface{}) bool {
	if equal(val, want) {
		return true
	}
	if arr, ok := val.(bson.A); ok {
		for _, v := range arr {
			if equal(v, want) {
				return true
			}
		}
	}
	return false
}

func equal(a, b interface{}) bool {
	if cmp, ok := compare(a, b); ok {
		return cmp == 0
	}
	return reflect.DeepEqual(a, b)
}

func less(a, b bson.M, fields []SortField) bool {
	for _, sf := range fields {
		va, _ := lookup(a, sf.Field)
		vb, _ := lookup(b, sf.Field)
		cmp, ok := compare(va, vb)
		if !ok || cmp == 0 {
			continue
		}
		if sf.Desc {
			return cmp > 0
		}
		return cmp < 0
	}
	return false
}

// compare orders two stored scalars. Missing values sort before everything.
func compare(a, b interface{}) (int, bool) {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, true
		case a == nil:
			return -1, true
		default:
			return 1, true
		}
	}
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return cmpOrdered(x, y), true
		}
		return 0, false
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case primitive.DateTime:
		if y, ok := b.(primitive.DateTime); ok {
			return cmpOrdered(int64(x), int64(y)), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	return 0, false
}

func cmpOrdered[T int64 | float64](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
