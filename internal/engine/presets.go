package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deeprecall/recall-sync/internal/store"
)

// defaultPresets are the built-in review presets every catalog starts
// with. Seeding is idempotent: an existing preset, including one the
// user has edited, is never overwritten.
var defaultPresets = []struct {
	ID   string
	Name string
	Spec map[string]any
}{
	{
		ID:   "preset_standard",
		Name: "Standard",
		Spec: map[string]any{
			"new_per_day":     20,
			"reviews_per_day": 200,
			"ease_start":      2.5,
		},
	},
	{
		ID:   "preset_light",
		Name: "Light",
		Spec: map[string]any{
			"new_per_day":     5,
			"reviews_per_day": 50,
			"ease_start":      2.5,
		},
	},
	{
		ID:   "preset_intensive",
		Name: "Intensive",
		Spec: map[string]any{
			"new_per_day":     50,
			"reviews_per_day": 500,
			"ease_start":      2.3,
		},
	},
}

// seedPresets writes any missing default preset into the catalog's
// synced table. It runs on every transition and on first launch.
func (e *Engine) seedPresets(ctx context.Context, st *store.Store) error {
	for _, p := range defaultPresets {
		existing, err := st.GetSynced(ctx, "presets", p.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}

		payload, err := json.Marshal(map[string]any{
			"id":      p.ID,
			"name":    p.Name,
			"config":  p.Spec,
			"builtin": true,
		})
		if err != nil {
			return fmt.Errorf("failed to encode preset %s: %w", p.ID, err)
		}
		if err := st.UpsertSynced(ctx, "presets", p.ID, payload); err != nil {
			return err
		}
	}
	return nil
}
