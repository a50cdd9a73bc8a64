// Package merge combines server-confirmed state with the local shadow log
// into the view the application reads.
//
// The overlay is deterministic: updates fold in ascending timestamp order
// (each update may be a partial patch over the previous one), at most one
// live insert exists per entity, and a delete tombstone wins over
// everything else for its id. The whole merge is a single pass over both
// inputs, grouped by entity id.
package merge

import "sort"

// Entity is one confirmed or merged row, decoded from its JSON payload.
// Merged rows carry their local overlay metadata under the "_local" key.
type Entity map[string]any

// LocalKey is the metadata key stamped onto entities that carry
// unconfirmed local changes.
const LocalKey = "_local"

// Shadow is one record of a table's local log as the merge engine sees
// it. Seq breaks timestamp ties so fold order matches append order.
type Shadow struct {
	Seq      int64
	EntityID string
	Op       string // insert, update, delete
	Status   string
	TS       int64
	Snapshot Entity // nil for deletes
}

// group collects all shadow records for one entity id.
type group struct {
	insert    *Shadow // latest insert only: one live insert per id
	updates   []Shadow
	tombstone bool
	latest    Shadow // most recent record of any kind, for the _local tag
}

// Merge overlays local shadow records onto the last known server
// snapshot.
//
// Output order: synced entities first (input order), then pending inserts
// in timestamp order. Tombstoned ids are excluded at every stage.
// Runs in O(len(synced) + len(local)).
func Merge(synced []Entity, local []Shadow) []Entity {
	if len(local) == 0 {
		return append([]Entity(nil), synced...)
	}

	groups := groupByEntity(local)

	out := make([]Entity, 0, len(synced))
	for _, ent := range synced {
		id, _ := ent["id"].(string)
		g, ok := groups[id]
		if !ok {
			out = append(out, ent)
			continue
		}
		if g.tombstone {
			continue
		}
		if g.insert != nil {
			// The pending insert supersedes the synced row; it is
			// emitted in the insert pass below.
			continue
		}
		merged := clone(ent)
		for _, u := range g.updates {
			fold(merged, u.Snapshot)
		}
		tag(merged, g.latest)
		out = append(out, merged)
		delete(groups, id)
	}

	// Pending inserts: ids the server has never confirmed, or whose
	// local insert supersedes the confirmed row.
	inserts := make([]*group, 0)
	for _, g := range groups {
		if g.tombstone || g.insert == nil {
			continue
		}
		inserts = append(inserts, g)
	}
	sort.Slice(inserts, func(i, j int) bool {
		a, b := inserts[i].insert, inserts[j].insert
		if a.TS != b.TS {
			return a.TS < b.TS
		}
		return a.Seq < b.Seq
	})
	for _, g := range inserts {
		merged := clone(g.insert.Snapshot)
		for _, u := range g.updates {
			fold(merged, u.Snapshot)
		}
		tag(merged, g.latest)
		out = append(out, merged)
	}

	return out
}

func groupByEntity(local []Shadow) map[string]*group {
	groups := make(map[string]*group)
	for _, rec := range local {
		g := groups[rec.EntityID]
		if g == nil {
			g = &group{}
			groups[rec.EntityID] = g
		}
		switch rec.Op {
		case "insert":
			// Keep only the latest insert per id.
			if g.insert == nil || after(rec, *g.insert) {
				r := rec
				g.insert = &r
			}
		case "update":
			g.updates = append(g.updates, rec)
		case "delete":
			g.tombstone = true
		}
		if after(rec, g.latest) {
			g.latest = rec
		}
	}

	// Updates fold in ascending timestamp order regardless of how the
	// input was ordered; seq breaks ties.
	for _, g := range groups {
		sort.Slice(g.updates, func(i, j int) bool {
			if g.updates[i].TS != g.updates[j].TS {
				return g.updates[i].TS < g.updates[j].TS
			}
			return g.updates[i].Seq < g.updates[j].Seq
		})
	}
	return groups
}

func after(a, b Shadow) bool {
	if a.TS != b.TS {
		return a.TS > b.TS
	}
	return a.Seq > b.Seq
}

// fold applies a partial patch onto base. Keys present in the patch win;
// absent keys keep their prior value.
func fold(base, patch Entity) {
	for k, v := range patch {
		base[k] = v
	}
}

func clone(e Entity) Entity {
	out := make(Entity, len(e)+1)
	for k, v := range e {
		out[k] = v
	}
	return out
}

func tag(e Entity, latest Shadow) {
	e[LocalKey] = map[string]any{
		"op":        latest.Op,
		"status":    latest.Status,
		"timestamp": latest.TS,
	}
}
