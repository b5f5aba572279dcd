package hass

import "encoding/json"

type request map[string]interface{}

type message struct {
	ID      int             `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *ResultError    `json:"error"`
	Event   *event          `json:"event"`
	Message string          `json:"message"`
}

type event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type stateChangedData struct {
	EntityID string       `json:"entity_id"`
	OldState *EntityState `json:"old_state"`
	NewState *EntityState `json:"new_state"`
}

type EntityState struct {
	EntityID   string                 `json:"entity_id"`
	State      string                 `json:"state"`
	Attributes map[string]interface{} `json:"attributes"`
}

type RegistryEntry struct {
	EntityID string                            `json:"entity_id"`
	HiddenBy *string                           `json:"hidden_by"`
	Options  map[string]map[string]interface{} `json:"options"`
}

// HiddenFor reports whether owner recorded hiding the entity.
func (e *RegistryEntry) HiddenFor(owner string) bool {
	hidden, _ := e.Options[owner][optionHidden].(bool)
	return hidden
}
