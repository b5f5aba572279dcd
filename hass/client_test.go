package hass

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "secret"

// fakeHomeAssistant speaks enough of the Home Assistant WebSocket API for
// the client: auth, subscribe_events, get_states, call_service and entity
// registry updates.
type fakeHomeAssistant struct {
	t      *testing.T
	server *httptest.Server

	mutex        sync.Mutex
	states       map[string]string
	calls        []map[string]interface{}
	registry     []map[string]interface{}
	entries      map[string]map[string]interface{}
	failServices map[string]bool
	conn         *websocket.Conn
	eventsID     float64
}

func newFakeHomeAssistant(t *testing.T, states map[string]string) *fakeHomeAssistant {
	f := &fakeHomeAssistant{t: t, states: states, failServices: map[string]bool{}, entries: map[string]map[string]interface{}{}}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeHomeAssistant) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/websocket"
}

func (f *fakeHomeAssistant) serve(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mutex.Lock()
	f.conn = conn
	f.mutex.Unlock()

	f.write(map[string]interface{}{"type": "auth_required", "ha_version": "2024.6.0"})

	var auth map[string]interface{}
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}

	if auth["access_token"] != testToken {
		f.write(map[string]interface{}{"type": "auth_invalid", "message": "Invalid access token or password"})
		return
	}
	f.write(map[string]interface{}{"type": "auth_ok"})

	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		f.handle(msg)
	}
}

func (f *fakeHomeAssistant) write(v interface{}) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	_ = f.conn.WriteJSON(v)
}

func (f *fakeHomeAssistant) handle(msg map[string]interface{}) {
	id := msg["id"]

	switch msg["type"] {
	case "subscribe_events":
		f.mutex.Lock()
		f.eventsID = id.(float64)
		f.mutex.Unlock()
		f.write(map[string]interface{}{"id": id, "type": "result", "success": true, "result": nil})
	case "get_states":
		f.mutex.Lock()
		var states []map[string]interface{}
		for entityID, state := range f.states {
			states = append(states, map[string]interface{}{"entity_id": entityID, "state": state, "attributes": map[string]interface{}{}})
		}
		f.mutex.Unlock()
		f.write(map[string]interface{}{"id": id, "type": "result", "success": true, "result": states})
	case "call_service":
		f.mutex.Lock()
		f.calls = append(f.calls, msg)
		fail := f.failServices[msg["domain"].(string)+"."+msg["service"].(string)]
		f.mutex.Unlock()

		if fail {
			f.write(map[string]interface{}{"id": id, "type": "result", "success": false, "error": map[string]interface{}{"code": "home_assistant_error", "message": "device offline"}})
			return
		}

		f.write(map[string]interface{}{"id": id, "type": "result", "success": true, "result": map[string]interface{}{"context": map[string]interface{}{}}})

		state := "off"
		if msg["service"] == "turn_on" {
			state = "on"
		}

		target := msg["target"].(map[string]interface{})
		for _, entityID := range target["entity_id"].([]interface{}) {
			f.setState(entityID.(string), state)
		}
	case "config/entity_registry/get":
		f.mutex.Lock()
		entry, found := f.entries[msg["entity_id"].(string)]
		f.mutex.Unlock()

		if !found {
			f.write(map[string]interface{}{"id": id, "type": "result", "success": false, "error": map[string]interface{}{"code": "not_found", "message": "Entity not found"}})
			return
		}
		f.write(map[string]interface{}{"id": id, "type": "result", "success": true, "result": entry})
	case "config/entity_registry/update":
		f.mutex.Lock()
		f.registry = append(f.registry, msg)
		entry, found := f.entries[msg["entity_id"].(string)]
		if found {
			if hiddenBy, ok := msg["hidden_by"]; ok {
				entry["hidden_by"] = hiddenBy
			}
			if domain, ok := msg["options_domain"].(string); ok {
				entry["options"].(map[string]interface{})[domain] = msg["options"]
			}
		}
		f.mutex.Unlock()
		f.write(map[string]interface{}{"id": id, "type": "result", "success": true, "result": map[string]interface{}{"entity_entry": entry}})
	default:
		f.write(map[string]interface{}{"id": id, "type": "result", "success": false, "error": map[string]interface{}{"code": "unknown_command", "message": "Unknown command."}})
	}
}

func (f *fakeHomeAssistant) setState(entityID string, state string) {
	f.mutex.Lock()
	old := f.states[entityID]
	f.states[entityID] = state
	eventsID := f.eventsID
	f.mutex.Unlock()

	f.write(map[string]interface{}{
		"id":   eventsID,
		"type": "event",
		"event": map[string]interface{}{
			"event_type": "state_changed",
			"data": map[string]interface{}{
				"entity_id": entityID,
				"old_state": map[string]interface{}{"entity_id": entityID, "state": old},
				"new_state": map[string]interface{}{"entity_id": entityID, "state": state},
			},
		},
	})
}

func (f *fakeHomeAssistant) removeEntity(entityID string) {
	f.mutex.Lock()
	delete(f.states, entityID)
	eventsID := f.eventsID
	f.mutex.Unlock()

	f.write(map[string]interface{}{
		"id":   eventsID,
		"type": "event",
		"event": map[string]interface{}{
			"event_type": "state_changed",
			"data":       map[string]interface{}{"entity_id": entityID, "old_state": nil, "new_state": nil},
		},
	})
}

func (f *fakeHomeAssistant) serviceCalls() []map[string]interface{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return append([]map[string]interface{}(nil), f.calls...)
}

func dialFake(t *testing.T, f *fakeHomeAssistant) *Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, Config{URL: f.url(), Token: testToken})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c
}

func TestDial(t *testing.T) {
	t.Run("authenticates and loads the current states", func(t *testing.T) {
		f := newFakeHomeAssistant(t, map[string]string{"switch.low": "on", "light.high": "off"})
		c := dialFake(t, f)

		state, found := c.State("switch.low")
		assert.True(t, found)
		assert.Equal(t, "on", state)

		state, found = c.State("light.high")
		assert.True(t, found)
		assert.Equal(t, "off", state)

		_, found = c.State("switch.missing")
		assert.False(t, found)
	})

	t.Run("reports a rejected token", func(t *testing.T) {
		f := newFakeHomeAssistant(t, map[string]string{})

		_, err := Dial(context.Background(), Config{URL: f.url(), Token: "wrong"})
		assert.ErrorIs(t, err, ErrAuthInvalid)
	})
}

func TestClient_CallService(t *testing.T) {
	t.Run("targets the given entities and delivers the resulting state changes", func(t *testing.T) {
		f := newFakeHomeAssistant(t, map[string]string{"switch.low": "off", "switch.high": "off", "switch.other": "off"})
		c := dialFake(t, f)

		changes := make(chan [2]string, 10)
		unsubscribe := c.Subscribe([]string{"switch.low", "switch.high"}, func(entityID string, state string) {
			changes <- [2]string{entityID, state}
		})
		defer unsubscribe()

		require.NoError(t, c.CallService(context.Background(), "switch", "turn_on", []string{"switch.low", "switch.other"}))

		select {
		case change := <-changes:
			assert.Equal(t, [2]string{"switch.low", "on"}, change)
		case <-time.After(2 * time.Second):
			t.Fatal("no state change delivered")
		}

		assert.Eventually(t, func() bool {
			state, _ := c.State("switch.other")
			return state == "on"
		}, 2*time.Second, 10*time.Millisecond)

		select {
		case change := <-changes:
			t.Fatalf("unexpected change for unsubscribed entity: %v", change)
		default:
		}

		calls := f.serviceCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, "switch", calls[0]["domain"])
		assert.Equal(t, "turn_on", calls[0]["service"])
		assert.Equal(t, map[string]interface{}{"entity_id": []interface{}{"switch.low", "switch.other"}}, calls[0]["target"])
	})

	t.Run("returns the error reported by home assistant", func(t *testing.T) {
		f := newFakeHomeAssistant(t, map[string]string{"light.low": "off"})
		f.failServices["light.turn_on"] = true
		c := dialFake(t, f)

		err := c.CallService(context.Background(), "light", "turn_on", []string{"light.low"})

		var resultErr *ResultError
		require.ErrorAs(t, err, &resultErr)
		assert.Equal(t, "home_assistant_error", resultErr.Code)
		assert.Equal(t, "device offline", resultErr.Message)
	})

	t.Run("fails once the connection is closed", func(t *testing.T) {
		f := newFakeHomeAssistant(t, map[string]string{})
		c := dialFake(t, f)

		require.NoError(t, c.Close())

		assert.Eventually(t, func() bool {
			return c.CallService(context.Background(), "switch", "turn_off", []string{"switch.low"}) != nil
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestClient_Subscribe(t *testing.T) {
	t.Run("unsubscribed listeners are not called", func(t *testing.T) {
		f := newFakeHomeAssistant(t, map[string]string{"switch.low": "off"})
		c := dialFake(t, f)

		called := make(chan struct{}, 1)
		unsubscribe := c.Subscribe([]string{"switch.low"}, func(string, string) { called <- struct{}{} })
		unsubscribe()

		f.setState("switch.low", "on")

		assert.Eventually(t, func() bool {
			state, _ := c.State("switch.low")
			return state == "on"
		}, 2*time.Second, 10*time.Millisecond)

		select {
		case <-called:
			t.Fatal("listener called after unsubscribe")
		default:
		}
	})

	t.Run("removed entities are reported as unknown", func(t *testing.T) {
		f := newFakeHomeAssistant(t, map[string]string{"switch.low": "on"})
		c := dialFake(t, f)

		changes := make(chan string, 1)
		defer c.Subscribe([]string{"switch.low"}, func(_ string, state string) { changes <- state })()

		f.removeEntity("switch.low")

		select {
		case state := <-changes:
			assert.Equal(t, "unknown", state)
		case <-time.After(2 * time.Second):
			t.Fatal("no state change delivered")
		}

		_, found := c.State("switch.low")
		assert.False(t, found)
	})
}

func (f *fakeHomeAssistant) addEntry(entityID string, hiddenBy interface{}) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.entries[entityID] = map[string]interface{}{
		"entity_id": entityID,
		"hidden_by": hiddenBy,
		"options":   map[string]interface{}{},
	}
}

func (f *fakeHomeAssistant) registryUpdates() []map[string]interface{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return append([]map[string]interface{}(nil), f.registry...)
}

func TestClient_Hide(t *testing.T) {
	t.Run("hides and later unhides an entity it hid", func(t *testing.T) {
		f := newFakeHomeAssistant(t, map[string]string{})
		f.addEntry("switch.low", nil)
		c := dialFake(t, f)

		require.NoError(t, c.Hide(context.Background(), "switch.low", "switchfan"))

		entry, err := c.RegistryEntry(context.Background(), "switch.low")
		require.NoError(t, err)
		require.NotNil(t, entry.HiddenBy)
		assert.Equal(t, "user", *entry.HiddenBy)
		assert.True(t, entry.HiddenFor("switchfan"))

		require.NoError(t, c.Unhide(context.Background(), "switch.low", "switchfan"))

		entry, err = c.RegistryEntry(context.Background(), "switch.low")
		require.NoError(t, err)
		assert.Nil(t, entry.HiddenBy)
		assert.False(t, entry.HiddenFor("switchfan"))

		updates := f.registryUpdates()
		require.Len(t, updates, 2)
		assert.Equal(t, "switchfan", updates[0]["options_domain"])
		assert.Nil(t, updates[1]["hidden_by"])
	})

	t.Run("leaves entities hidden by hand alone", func(t *testing.T) {
		f := newFakeHomeAssistant(t, map[string]string{})
		f.addEntry("light.porch", "user")
		c := dialFake(t, f)

		require.NoError(t, c.Hide(context.Background(), "light.porch", "switchfan"))
		require.NoError(t, c.Unhide(context.Background(), "light.porch", "switchfan"))

		assert.Empty(t, f.registryUpdates())

		entry, err := c.RegistryEntry(context.Background(), "light.porch")
		require.NoError(t, err)
		require.NotNil(t, entry.HiddenBy)
		assert.Equal(t, "user", *entry.HiddenBy)
	})

	t.Run("unknown entities are reported", func(t *testing.T) {
		f := newFakeHomeAssistant(t, map[string]string{})
		c := dialFake(t, f)

		var resultErr *ResultError
		assert.ErrorAs(t, c.Hide(context.Background(), "switch.missing", "switchfan"), &resultErr)
	})
}

func TestClient_Run(t *testing.T) {
	f := newFakeHomeAssistant(t, map[string]string{})
	c := dialFake(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- c.Run(ctx) }()

	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
}
