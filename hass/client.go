// Package hass is a Home Assistant WebSocket API client. It keeps a local
// cache of entity states, fans state changes out to listeners and performs
// service calls.
package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shimmeringbee/retry"
	"go.uber.org/zap"
)

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultDialRetries = 5

	eventStateChanged = "state_changed"
	hiddenByUser      = "user"
	optionHidden      = "hidden"
)

var (
	ErrAuthInvalid = errors.New("home assistant rejected the access token")
	ErrClosed      = errors.New("home assistant connection closed")
)

// ResultError is a failed command result as reported by Home Assistant.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("home assistant: %s: %s", e.Code, e.Message)
}

type Config struct {
	URL    string
	Token  string
	Logger *zap.Logger
}

type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMutex sync.Mutex

	mutex        sync.Mutex
	nextID       int
	pending      map[int]chan *message
	states       map[string]string
	listeners    map[int]*listener
	nextListener int
	closed       bool
	err          error

	done chan struct{}
}

type listener struct {
	entityIDs map[string]struct{}
	fn        func(entityID string, state string)
}

// Dial connects and authenticates, subscribes to state changes and loads
// every entity state into the cache.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var conn *websocket.Conn
	if err := retry.Retry(ctx, DefaultDialTimeout, DefaultDialRetries, func(ctx context.Context) error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
		if err != nil {
			logger.Warn("dial failed", zap.String("url", cfg.URL), zap.Error(err))
			return err
		}
		conn = c
		return nil
	}); err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	if err := authenticate(conn, cfg.Token); err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		conn:      conn,
		logger:    logger,
		pending:   map[int]chan *message{},
		states:    map[string]string{},
		listeners: map[int]*listener{},
		done:      make(chan struct{}),
	}

	go c.readLoop()

	if _, err := c.call(ctx, request{"type": "subscribe_events", "event_type": eventStateChanged}); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe to state changes: %w", err)
	}

	if err := c.loadStates(ctx); err != nil {
		c.Close()
		return nil, err
	}

	logger.Info("connected to home assistant", zap.String("url", cfg.URL), zap.Int("entities", c.entityCount()))

	return c, nil
}

func authenticate(conn *websocket.Conn, token string) error {
	var msg message
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("read auth request: %w", err)
	}

	if msg.Type != "auth_required" {
		return fmt.Errorf("unexpected message %q, expected auth_required", msg.Type)
	}

	if err := conn.WriteJSON(request{"type": "auth", "access_token": token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	msg = message{}
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}

	switch msg.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("%w: %s", ErrAuthInvalid, msg.Message)
	default:
		return fmt.Errorf("unexpected message %q, expected auth_ok", msg.Type)
	}
}

func (c *Client) loadStates(ctx context.Context) error {
	result, err := c.call(ctx, request{"type": "get_states"})
	if err != nil {
		return fmt.Errorf("get states: %w", err)
	}

	var states []EntityState
	if err := json.Unmarshal(result, &states); err != nil {
		return fmt.Errorf("decode states: %w", err)
	}

	c.mutex.Lock()
	for _, s := range states {
		c.states[s.EntityID] = s.State
	}
	c.mutex.Unlock()

	return nil
}

func (c *Client) entityCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return len(c.states)
}

// State returns the last known state of an entity.
func (c *Client) State(entityID string) (string, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	state, found := c.states[entityID]
	return state, found
}

// Subscribe calls fn from the read loop for every state change of one of
// entityIDs. A removed entity is reported as "unknown". fn must not wait on
// a command of the same client.
func (c *Client) Subscribe(entityIDs []string, fn func(entityID string, state string)) func() {
	ids := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		ids[id] = struct{}{}
	}

	c.mutex.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = &listener{entityIDs: ids, fn: fn}
	c.mutex.Unlock()

	return func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()

		delete(c.listeners, id)
	}
}

// CallService calls domain.service targeting entityIDs and waits for the
// result.
func (c *Client) CallService(ctx context.Context, domain string, service string, entityIDs []string) error {
	c.logger.Debug("calling service", zap.String("domain", domain), zap.String("service", service), zap.Strings("entities", entityIDs))

	_, err := c.call(ctx, request{
		"type":    "call_service",
		"domain":  domain,
		"service": service,
		"target":  map[string]interface{}{"entity_id": entityIDs},
	})

	return err
}

// RegistryEntry reads the entity registry entry of an entity.
func (c *Client) RegistryEntry(ctx context.Context, entityID string) (*RegistryEntry, error) {
	result, err := c.call(ctx, request{"type": "config/entity_registry/get", "entity_id": entityID})
	if err != nil {
		return nil, err
	}

	var entry RegistryEntry
	if err := json.Unmarshal(result, &entry); err != nil {
		return nil, fmt.Errorf("decode registry entry %s: %w", entityID, err)
	}

	return &entry, nil
}

// Hide hides an entity on behalf of owner and records owner in the entity
// options. An entity that is already hidden is left alone.
func (c *Client) Hide(ctx context.Context, entityID string, owner string) error {
	entry, err := c.RegistryEntry(ctx, entityID)
	if err != nil {
		return err
	}

	if entry.HiddenBy != nil {
		c.logger.Debug("entity already hidden", zap.String("entity", entityID), zap.String("hidden_by", *entry.HiddenBy))
		return nil
	}

	return c.updateRegistry(ctx, entityID, hiddenByUser, owner, map[string]interface{}{optionHidden: true})
}

// Unhide reverts Hide. Entities owner did not hide stay hidden.
func (c *Client) Unhide(ctx context.Context, entityID string, owner string) error {
	entry, err := c.RegistryEntry(ctx, entityID)
	if err != nil {
		return err
	}

	if entry.HiddenBy == nil || !entry.HiddenFor(owner) {
		return nil
	}

	return c.updateRegistry(ctx, entityID, nil, owner, map[string]interface{}{})
}

func (c *Client) updateRegistry(ctx context.Context, entityID string, hiddenBy interface{}, owner string, options map[string]interface{}) error {
	_, err := c.call(ctx, request{
		"type":           "config/entity_registry/update",
		"entity_id":      entityID,
		"hidden_by":      hiddenBy,
		"options_domain": owner,
		"options":        options,
	})

	return err
}

// Run blocks until the connection fails or ctx is done.
func (c *Client) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		c.Close()
		<-c.done
		return ctx.Err()
	case <-c.done:
		c.mutex.Lock()
		defer c.mutex.Unlock()
		return c.err
	}
}

func (c *Client) Close() error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, req request) (json.RawMessage, error) {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *message, 1)
	c.pending[id] = ch
	c.mutex.Unlock()

	req["id"] = id

	c.writeMutex.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMutex.Unlock()

	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("send %v: %w", req["type"], err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}

		if !msg.Success {
			if msg.Error != nil {
				return nil, msg.Error
			}
			return nil, &ResultError{Code: "unknown_error", Message: "command failed"}
		}

		return msg.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.pending, id)
}

func (c *Client) readLoop() {
	var err error
	for {
		var msg message
		if err = c.conn.ReadJSON(&msg); err != nil {
			break
		}

		switch msg.Type {
		case "result":
			c.deliverResult(&msg)
		case "event":
			c.deliverEvent(&msg)
		case "pong":
		default:
			c.logger.Debug("ignoring message", zap.String("type", msg.Type))
		}
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		err = ErrClosed
	}

	c.logger.Warn("home assistant connection lost", zap.Error(err))

	c.mutex.Lock()
	c.closed = true
	c.err = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mutex.Unlock()

	close(c.done)
}

func (c *Client) deliverResult(msg *message) {
	c.mutex.Lock()
	ch, found := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mutex.Unlock()

	if found {
		ch <- msg
	}
}

func (c *Client) deliverEvent(msg *message) {
	if msg.Event == nil || msg.Event.EventType != eventStateChanged {
		return
	}

	var data stateChangedData
	if err := json.Unmarshal(msg.Event.Data, &data); err != nil {
		c.logger.Warn("malformed state_changed event", zap.Error(err))
		return
	}

	state := "unknown"
	if data.NewState != nil {
		state = data.NewState.State
	}

	c.mutex.Lock()
	if data.NewState == nil {
		delete(c.states, data.EntityID)
	} else {
		c.states[data.EntityID] = state
	}

	var fns []func(string, string)
	for _, l := range c.listeners {
		if _, ok := l.entityIDs[data.EntityID]; ok {
			fns = append(fns, l.fn)
		}
	}
	c.mutex.Unlock()

	for _, fn := range fns {
		fn(data.EntityID, state)
	}
}
