package workflow

import (
	"maps"
	"strings"

	"github.com/cardops/cardflow/pkg/models"
)

// Well-known keys of an instance context.
const (
	ctxCard            = "card"
	ctxTrigger         = "trigger"
	ctxNodes           = "nodes"
	ctxResume          = "resume"
	ctxLastTaskID      = "last_task_id"
	ctxLastTaskOutcome = "last_task_outcome"
)

func cardSnapshot(card *models.Card) map[string]any {
	fields := make(map[string]any, len(card.Fields))
	maps.Copy(fields, card.Fields)

	return map[string]any{
		"id":          card.ID,
		"title":       card.Title,
		"pipeline_id": card.PipelineID,
		"stage_id":    card.StageID,
		"owner_id":    card.OwnerID,
		"fields":      fields,
	}
}

func ensureContext(instance *models.WorkflowInstance) map[string]any {
	if instance.Context == nil {
		instance.Context = make(map[string]any)
	}

	return instance.Context
}

// child returns the nested map at key, creating it when missing.
func child(parent map[string]any, key string) map[string]any {
	if m, ok := parent[key].(map[string]any); ok {
		return m
	}

	m := make(map[string]any)
	parent[key] = m

	return m
}

// lookup resolves a dotted path such as "card.fields.segment". A single
// segment that is not a top-level key falls back to the card's fields.
func lookup(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	if value, ok := walk(data, strings.Split(path, ".")); ok {
		return value, true
	}

	if !strings.Contains(path, ".") {
		return walk(data, []string{ctxCard, "fields", path})
	}

	return nil, false
}

func walk(data map[string]any, segments []string) (any, bool) {
	var current any = data

	for _, segment := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func cardStage(data map[string]any) string {
	stage, _ := walk(data, []string{ctxCard, "stage_id"})
	s, _ := stage.(string)

	return s
}

func lastTaskID(data map[string]any) string {
	id, _ := data[ctxLastTaskID].(string)

	return id
}
