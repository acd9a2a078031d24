// Package settings implements the recursive configuration value carried by
// every target and used to key its variants (see spec §3, §4.A).
//
// A Value is a sum type: absent, scalar string, ordered array, string-keyed
// map, or explicit null. Each node additionally carries flags controlling
// whether it participates in hashing, equality comparison and
// serialization.
package settings

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/xerrors"
)

// Kind identifies which alternative of the Value sum type a node holds.
type Kind int

const (
	Absent Kind = iota
	Scalar
	Array
	Map
	Null
)

func (k Kind) String() string {
	switch k {
	case Absent:
		return "absent"
	case Scalar:
		return "scalar"
	case Array:
		return "array"
	case Map:
		return "map"
	case Null:
		return "null"
	default:
		return "invalid"
	}
}

// ErrBadKind is returned by Value.Value when called on a non-scalar node.
var ErrBadKind = xerrors.New("settings: not a scalar value")

// Value is one node of a settings tree.
type Value struct {
	Kind Kind

	scalar string
	array  []*Value
	m      map[string]*Value

	// UsedInHash controls whether this node (and, for a map key, this
	// entry) participates in Hash(). Defaults to true.
	UsedInHash bool
	// IgnoreInComparison excludes this node from equality/subset checks.
	// Defaults to false.
	IgnoreInComparison bool
	// Serializable controls whether ToJSON emits this node. Defaults to
	// true.
	Serializable bool
	// Required marks a node that must be present for the settings tree
	// to be considered complete. Defaults to false; purely informational
	// here, the same way the source's TargetSetting::Required is advisory.
	Required bool
	// UseCount tracks how many targets reference this exact subtree.
	// Defaults to 1.
	UseCount int
}

func newNode(k Kind) *Value {
	return &Value{
		Kind:         k,
		UsedInHash:   true,
		Serializable: true,
		UseCount:     1,
	}
}

// NewAbsent returns an absent node, the zero value of the tree.
func NewAbsent() *Value { return newNode(Absent) }

// NewNull returns an explicit-null node, distinct from absent.
func NewNull() *Value { return newNode(Null) }

// NewScalar returns a scalar node holding s.
func NewScalar(s string) *Value {
	v := newNode(Scalar)
	v.scalar = s
	return v
}

// NewArray returns an array node containing elems in order.
func NewArray(elems ...*Value) *Value {
	v := newNode(Array)
	v.array = append([]*Value(nil), elems...)
	return v
}

// NewMap returns an empty map node.
func NewMap() *Value {
	v := newNode(Map)
	v.m = make(map[string]*Value)
	return v
}

// Value returns the scalar payload, or ErrBadKind if this node is not a
// scalar.
func (v *Value) Value() (string, error) {
	if v == nil || v.Kind != Scalar {
		return "", xerrors.Errorf("settings: Value on %v node: %w", v.kind(), ErrBadKind)
	}
	return v.scalar, nil
}

func (v *Value) kind() Kind {
	if v == nil {
		return Absent
	}
	return v.Kind
}

// Elems returns the array payload. Returns nil for any non-array node.
func (v *Value) Elems() []*Value {
	if v == nil || v.Kind != Array {
		return nil
	}
	return v.array
}

// Keys returns the sorted map keys. Returns nil for any non-map node.
func (v *Value) Keys() []string {
	if v == nil || v.Kind != Map {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get walks path, auto-vivifying absent intermediate map nodes (and the
// leaf, if missing). The root must be a map (or absent, in which case it is
// vivified into one) for any non-empty path.
func (v *Value) Get(path ...string) *Value {
	cur := v
	for _, key := range path {
		if cur.Kind == Absent {
			cur.Kind = Map
			cur.m = make(map[string]*Value)
		}
		if cur.Kind != Map {
			return NewAbsent() // querying through a non-map: detached absent node
		}
		child, ok := cur.m[key]
		if !ok {
			child = NewAbsent()
			cur.m[key] = child
		}
		cur = child
	}
	return cur
}

// Set assigns val at path, auto-vivifying intermediate map nodes exactly
// like Get.
func (v *Value) Set(path []string, val *Value) {
	if len(path) == 0 {
		*v = *val
		return
	}
	parent := v.Get(path[:len(path)-1]...)
	if parent.Kind == Absent {
		parent.Kind = Map
		parent.m = make(map[string]*Value)
	}
	parent.m[path[len(path)-1]] = val
}

// MergeAndAssign overwrites v's values with other's wherever other defines
// them, recursing into shared map keys.
func (v *Value) MergeAndAssign(other *Value) {
	if other == nil || other.Kind == Absent {
		return
	}
	if v.Kind != Map || other.Kind != Map {
		*v = *clone(other)
		return
	}
	for _, k := range other.Keys() {
		ov := other.m[k]
		if existing, ok := v.m[k]; ok && existing.Kind == Map && ov.Kind == Map {
			existing.MergeAndAssign(ov)
			continue
		}
		v.m[k] = clone(ov)
	}
}

// MergeMissing fills in values from other only where v doesn't already
// define them.
func (v *Value) MergeMissing(other *Value) {
	if other == nil || other.Kind == Absent {
		return
	}
	if v.Kind == Absent {
		*v = *clone(other)
		return
	}
	if v.Kind != Map || other.Kind != Map {
		return
	}
	for _, k := range other.Keys() {
		ov := other.m[k]
		existing, ok := v.m[k]
		if !ok {
			v.m[k] = clone(ov)
			continue
		}
		if existing.Kind == Map && ov.Kind == Map {
			existing.MergeMissing(ov)
		}
	}
}

func clone(v *Value) *Value {
	if v == nil {
		return NewAbsent()
	}
	c := *v
	if v.Kind == Array {
		c.array = make([]*Value, len(v.array))
		for i, e := range v.array {
			c.array[i] = clone(e)
		}
	}
	if v.Kind == Map {
		c.m = make(map[string]*Value, len(v.m))
		for k, e := range v.m {
			c.m[k] = clone(e)
		}
	}
	return &c
}

// Clone returns a deep copy of v. Settings trees are value types: copy
// whole-tree, never by reference to sub-nodes.
func (v *Value) Clone() *Value { return clone(v) }

// IsSubsetOf reports whether v is a subset of other: every key present in
// v has an equal value in other, recursively. Array values compare as
// multiset-equal. Null is distinct from absent.
func (v *Value) IsSubsetOf(other *Value) bool {
	if v == nil || v.Kind == Absent {
		return true // nothing required
	}
	if other == nil {
		other = NewAbsent()
	}
	if v.IgnoreInComparison {
		return true
	}
	switch v.Kind {
	case Null:
		return other.Kind == Null
	case Scalar:
		return other.Kind == Scalar && v.scalar == other.scalar
	case Array:
		return multisetEqual(v.array, other.array)
	case Map:
		if other.Kind != Map {
			return false
		}
		for _, k := range v.Keys() {
			child := v.m[k]
			if child.IgnoreInComparison {
				continue
			}
			oc, ok := other.m[k]
			if !ok {
				return false
			}
			if !child.IsSubsetOf(oc) {
				return false
			}
		}
		return true
	}
	return false
}

// Equal reports whether v and other are equal in the sense of spec
// invariant 2: the subsets of nodes with IgnoreInComparison=false agree.
func (v *Value) Equal(other *Value) bool {
	return v.IsSubsetOf(other) && other.IsSubsetOf(v)
}

func multisetEqual(a, b []*Value) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
	for _, av := range a {
		found := false
		for i, bv := range b {
			if used[i] {
				continue
			}
			if av.Equal(bv) {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Hash canonicalises the tree (sorted keys, skipping nodes with
// UsedInHash=false) and returns an 8-character hex digest derived from a
// BLAKE2b-512 sum of the canonical byte stream.
//
// Spec note: the source describes a "512-bit digest truncated to 64 bits,
// returned as an 8-character hex string" — 64 bits would normally print as
// 16 hex characters. We resolve that literally in favor of the testable
// requirement (an 8-character string, see spec invariant 2) by keeping the
// top 32 bits of the digest.
func (v *Value) Hash() string {
	var buf bytes.Buffer
	v.canonicalize(&buf)
	sum := blake2b.Sum512(buf.Bytes())
	return hex.EncodeToString(sum[:4])
}

func (v *Value) canonicalize(buf *bytes.Buffer) {
	if v == nil || !v.UsedInHash {
		return
	}
	switch v.Kind {
	case Absent:
		buf.WriteString("A")
	case Null:
		buf.WriteString("N")
	case Scalar:
		buf.WriteString("S")
		buf.WriteString(v.scalar)
	case Array:
		buf.WriteString("[")
		for _, e := range v.array {
			e.canonicalize(buf)
			buf.WriteByte(',')
		}
		buf.WriteString("]")
	case Map:
		buf.WriteString("{")
		for _, k := range v.Keys() {
			e := v.m[k]
			if !e.UsedInHash {
				continue
			}
			buf.WriteString(k)
			buf.WriteByte(':')
			e.canonicalize(buf)
			buf.WriteByte(',')
		}
		buf.WriteString("}")
	}
}

// jsonNode is the wire shape for MarshalJSON/UnmarshalJSON. Using an
// intermediate struct (rather than hand-rolling MarshalJSON byte
// twiddling) keeps the JSON round-trip law easy to state: Parse(s.ToJSON())
// == s for any tree with Serializable=true on every node.
type jsonNode struct {
	Kind  string               `json:"kind"`
	Value string               `json:"value,omitempty"`
	Array []*jsonNode          `json:"array,omitempty"`
	Map   map[string]*jsonNode `json:"map,omitempty"`

	UsedInHash         *bool `json:"used_in_hash,omitempty"`
	IgnoreInComparison *bool `json:"ignore_in_comparison,omitempty"`
	Required           *bool `json:"required,omitempty"`
	UseCount           *int  `json:"use_count,omitempty"`
}

func boolp(b bool) *bool { return &b }

func (v *Value) toJSONNode() *jsonNode {
	if v == nil || !v.Serializable {
		return &jsonNode{Kind: Absent.String()}
	}
	n := &jsonNode{Kind: v.Kind.String()}
	if !v.UsedInHash {
		n.UsedInHash = boolp(false)
	}
	if v.IgnoreInComparison {
		n.IgnoreInComparison = boolp(true)
	}
	if v.Required {
		n.Required = boolp(true)
	}
	if v.UseCount != 1 {
		n.UseCount = &v.UseCount
	}
	switch v.Kind {
	case Scalar:
		n.Value = v.scalar
	case Array:
		for _, e := range v.array {
			if e.Serializable {
				n.Array = append(n.Array, e.toJSONNode())
			}
		}
	case Map:
		n.Map = make(map[string]*jsonNode, len(v.m))
		for _, k := range v.Keys() {
			e := v.m[k]
			if e.Serializable {
				n.Map[k] = e.toJSONNode()
			}
		}
	}
	return n
}

func fromJSONNode(n *jsonNode) (*Value, error) {
	if n == nil {
		return NewAbsent(), nil
	}
	v := newNode(Absent)
	switch n.Kind {
	case "absent", "":
		v.Kind = Absent
	case "null":
		v.Kind = Null
	case "scalar":
		v.Kind = Scalar
		v.scalar = n.Value
	case "array":
		v.Kind = Array
		for _, e := range n.Array {
			ev, err := fromJSONNode(e)
			if err != nil {
				return nil, err
			}
			v.array = append(v.array, ev)
		}
	case "map":
		v.Kind = Map
		v.m = make(map[string]*Value, len(n.Map))
		for k, e := range n.Map {
			ev, err := fromJSONNode(e)
			if err != nil {
				return nil, err
			}
			v.m[k] = ev
		}
	default:
		return nil, xerrors.Errorf("settings: unknown kind %q", n.Kind)
	}
	if n.UsedInHash != nil {
		v.UsedInHash = *n.UsedInHash
	}
	if n.IgnoreInComparison != nil {
		v.IgnoreInComparison = *n.IgnoreInComparison
	}
	if n.Required != nil {
		v.Required = *n.Required
	}
	if n.UseCount != nil {
		v.UseCount = *n.UseCount
	} else {
		v.UseCount = 1
	}
	return v, nil
}

// MarshalJSON implements json.Marshaler.
func (v *Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.toJSONNode())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(b []byte) error {
	var n jsonNode
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	parsed, err := fromJSONNode(&n)
	if err != nil {
		return err
	}
	*v = *parsed
	return nil
}

// ToJSON serializes v to its canonical JSON form.
func (v *Value) ToJSON() (string, error) {
	b, err := v.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Parse parses s (as produced by ToJSON) back into a Value.
func Parse(s string) (*Value, error) {
	v := NewAbsent()
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return nil, xerrors.Errorf("settings.Parse: %w", err)
	}
	return v, nil
}

// ToFlat renders v in flat key=value form, one pair per line, sorted by
// key. Only meaningful for map-rooted trees; nested maps are dotted
// (os.arch=amd64), arrays are joined with commas.
func (v *Value) ToFlat() string {
	var buf bytes.Buffer
	v.writeFlat(&buf, "")
	return buf.String()
}

func (v *Value) writeFlat(buf *bytes.Buffer, prefix string) {
	switch v.Kind {
	case Map:
		for _, k := range v.Keys() {
			child := v.m[k]
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			child.writeFlat(buf, key)
		}
	case Scalar:
		fmt.Fprintf(buf, "%s=%s\n", prefix, v.scalar)
	case Array:
		parts := make([]string, len(v.array))
		for i, e := range v.array {
			s, _ := e.Value()
			parts[i] = s
		}
		fmt.Fprintf(buf, "%s=%s\n", prefix, strings.Join(parts, ","))
	case Null:
		fmt.Fprintf(buf, "%s=null\n", prefix)
	}
}
