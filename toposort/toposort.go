// Package toposort orders hierarchical entities so that parents precede their
// children.
//
// Terms and posts form two independent graphs. Terms are keyed by slug and
// point at a parent slug; posts are keyed by numeric id and point at a parent
// id. A node whose parent is unknown or absent from its graph is a root.
package toposort

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/c360studio/wpmigrate/entity"
)

// ErrCycle is returned by Sort when a parent chain loops back on itself.
var ErrCycle = errors.New("dependency cycle detected")

type state uint8

const (
	unvisited state = iota
	inProgress
	done
)

// Node is one emitted entry.
type Node struct {
	Key     string
	Locator entity.Cursor
}

// Order is the result of Sort. In each slice every parent precedes its
// descendants.
type Order struct {
	Terms []Node
	Posts []Node
}

type node struct {
	locator entity.Cursor
	parent  string
	state   state
}

type graph struct {
	name  string
	keys  []string
	nodes map[string]*node
}

func newGraph(name string) *graph {
	return &graph{name: name, nodes: make(map[string]*node)}
}

// add inserts a node. The first mapping of a key wins.
func (g *graph) add(key, parent string, locator entity.Cursor) bool {
	if _, exists := g.nodes[key]; exists {
		return false
	}
	g.keys = append(g.keys, key)
	g.nodes[key] = &node{locator: locator, parent: parent}
	return true
}

// emit walks each node's parent chain on an explicit stack and emits the
// chain root first. Keys are visited in insertion order.
func (g *graph) emit() ([]Node, error) {
	out := make([]Node, 0, len(g.keys))
	var stack []string
	for _, key := range g.keys {
		stack = stack[:0]
		cur := key
		for {
			n := g.nodes[cur]
			if n.state == done {
				break
			}
			if n.state == inProgress {
				return nil, fmt.Errorf("%s %q: %w", g.name, cur, ErrCycle)
			}
			n.state = inProgress
			stack = append(stack, cur)

			if n.parent == "" || g.nodes[n.parent] == nil {
				break
			}
			cur = n.parent
		}
		for i := len(stack) - 1; i >= 0; i-- {
			n := g.nodes[stack[i]]
			n.state = done
			out = append(out, Node{Key: stack[i], Locator: n.locator})
		}
	}
	return out, nil
}

// Sorter collects term and post hierarchies during a frontloading pass.
type Sorter struct {
	terms         *graph
	posts         *graph
	nextSynthetic int64
}

// New creates an empty sorter.
func New() *Sorter {
	return &Sorter{
		terms: newGraph("term"),
		posts: newGraph("post"),
	}
}

// MapTerm records a term keyed by its slug. It returns false when the term has
// no slug or the slug was already mapped.
func (s *Sorter) MapTerm(locator entity.Cursor, fields *entity.Fields) bool {
	if fields == nil {
		return false
	}
	slug, _ := fields.Get(entity.FieldTermSlug)
	if slug == "" {
		return false
	}
	parent, _ := fields.Get(entity.FieldTermParent)
	return s.terms.add(slug, parent, locator)
}

// MapPost records a post keyed by its id. Posts without a usable id get a
// synthetic negative id that cannot collide with real ones.
func (s *Sorter) MapPost(locator entity.Cursor, fields *entity.Fields) bool {
	if fields == nil || fields.Len() == 0 {
		return false
	}
	key := normalizeID(fields, entity.FieldPostID)
	if key == "" {
		s.nextSynthetic--
		key = strconv.FormatInt(s.nextSynthetic, 10)
	}
	return s.posts.add(key, normalizeID(fields, entity.FieldPostParent), locator)
}

// Sort emits both graphs. It may be called once.
func (s *Sorter) Sort() (Order, error) {
	terms, err := s.terms.emit()
	if err != nil {
		return Order{}, err
	}
	posts, err := s.posts.emit()
	if err != nil {
		return Order{}, err
	}
	return Order{Terms: terms, Posts: posts}, nil
}

// Len returns the number of mapped terms and posts.
func (s *Sorter) Len() (terms, posts int) {
	return len(s.terms.keys), len(s.posts.keys)
}

// normalizeID returns the positive integer stored under key, or "".
func normalizeID(fields *entity.Fields, key string) string {
	v, _ := fields.Get(key)
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
