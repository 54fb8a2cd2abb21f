package reconcile

import (
	"cmp"
	"encoding/json"
	"slices"

	"github.com/markb/boardsync/internal/channel"
	"github.com/markb/boardsync/internal/realtime"
)

// parentRef describes the foreign key that places a row inside its parent's
// collection.
type parentRef struct {
	fk    string
	table string
	// required parents must be present locally before the row is applied.
	required bool
}

var parents = map[string]parentRef{
	channel.TableBoards:       {fk: "workspace_id", table: channel.TableWorkspaces},
	channel.TableColumns:      {fk: "board_id", table: channel.TableBoards, required: true},
	channel.TableCards:        {fk: "column_id", table: channel.TableColumns, required: true},
	channel.TableBoardMembers: {fk: "board_id", table: channel.TableBoards},
}

// children lists the tables whose rows hang off a row of the key table.
var children = map[string][]string{
	channel.TableBoards:  {channel.TableColumns, channel.TableBoardMembers},
	channel.TableColumns: {channel.TableCards},
}

func entityKey(table, id string) string {
	return table + ":" + id
}

// State is the client's local copy of the rows it has seen, with ordered
// collections per parent. It is not safe for concurrent use.
type State struct {
	rows map[string]map[string]realtime.Record
	// collections maps a parent entity key and child table to the
	// child ids, sorted by (position, id).
	collections map[string][]string
}

func NewState() *State {
	return &State{
		rows:        make(map[string]map[string]realtime.Record),
		collections: make(map[string][]string),
	}
}

// Get returns a copy of a row.
func (s *State) Get(table, id string) (realtime.Record, bool) {
	r, ok := s.rows[table][id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

func (s *State) Has(table, id string) bool {
	_, ok := s.rows[table][id]
	return ok
}

// Len reports the number of rows held for table.
func (s *State) Len(table string) int {
	return len(s.rows[table])
}

// Children returns copies of the rows of table under the given parent, in
// display order.
func (s *State) Children(table, parentID string) []realtime.Record {
	ref, ok := parents[table]
	if !ok {
		return nil
	}
	ids := s.collections[collectionKey(ref.table, parentID, table)]
	out := make([]realtime.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.rows[table][id].Clone())
	}
	return out
}

func (s *State) Boards(workspaceID string) []realtime.Record {
	return s.Children(channel.TableBoards, workspaceID)
}

func (s *State) Columns(boardID string) []realtime.Record {
	return s.Children(channel.TableColumns, boardID)
}

func (s *State) Cards(columnID string) []realtime.Record {
	return s.Children(channel.TableCards, columnID)
}

func collectionKey(parentTable, parentID, childTable string) string {
	return entityKey(parentTable, parentID) + "/" + childTable
}

func (s *State) lookup(table, id string) realtime.Record {
	return s.rows[table][id]
}

// put stores r, re-homing it when its parent changed, and resorts the
// touched collections when reorder is set.
func (s *State) put(table, id string, r realtime.Record, prevParent string, reorder bool) {
	if s.rows[table] == nil {
		s.rows[table] = make(map[string]realtime.Record)
	}
	s.rows[table][id] = r

	ref, ok := parents[table]
	if !ok {
		return
	}
	parent := r.String(ref.fk)
	if prevParent != parent && prevParent != "" {
		s.removeFromCollection(collectionKey(ref.table, prevParent, table), id)
	}
	if parent == "" {
		return
	}
	key := collectionKey(ref.table, parent, table)
	if prevParent != parent {
		s.collections[key] = append(s.collections[key], id)
		reorder = true
	}
	if reorder {
		s.resort(table, key)
	}
}

// remove deletes a row and, recursively, every row under it.
func (s *State) remove(table, id string) realtime.Record {
	r, ok := s.rows[table][id]
	if !ok {
		return nil
	}
	delete(s.rows[table], id)
	if ref, ok := parents[table]; ok {
		if parent := r.String(ref.fk); parent != "" {
			s.removeFromCollection(collectionKey(ref.table, parent, table), id)
		}
	}
	for _, child := range children[table] {
		key := collectionKey(table, id, child)
		for _, childID := range slices.Clone(s.collections[key]) {
			s.remove(child, childID)
		}
		delete(s.collections, key)
	}
	return r
}

func (s *State) removeFromCollection(key, id string) {
	ids := s.collections[key]
	if i := slices.Index(ids, id); i >= 0 {
		ids = slices.Delete(ids, i, i+1)
	}
	if len(ids) == 0 {
		delete(s.collections, key)
		return
	}
	s.collections[key] = ids
}

func (s *State) resort(table, key string) {
	rows := s.rows[table]
	slices.SortStableFunc(s.collections[key], func(a, b string) int {
		if c := cmp.Compare(position(rows[a]), position(rows[b])); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
}

// position reads the ordering field; rows without one sort first.
func position(r realtime.Record) float64 {
	f, _ := number(r["position"])
	return f
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
