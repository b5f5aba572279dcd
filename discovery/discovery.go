// Package discovery exposes switch fans to Home Assistant through MQTT
// discovery.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/milinda/switchfan/switchfan"
	"go.uber.org/zap"
)

const (
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultTopicPrefix     = "switchfan"

	payloadOn           = "ON"
	payloadOff          = "OFF"
	payloadOnline       = "online"
	payloadOffline      = "offline"
	payloadUnknownSpeed = "None"

	commandTimeout = 10 * time.Second
)

// Fan is the part of a switch fan the MQTT surface drives.
type Fan interface {
	UniqueID() string
	Name() string
	SpeedCount() int
	SupportsSetSpeed() bool
	TurnOn(ctx context.Context, pct *int, preset string) error
	TurnOff(ctx context.Context) error
	SetPercentage(ctx context.Context, pct int) error
}

type Config struct {
	DiscoveryPrefix string
	TopicPrefix     string
	Logger          *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// AvailabilityTopic is shared by every fan of the bridge. Register it as the
// MQTT will with payload "offline".
func (c Config) AvailabilityTopic() string {
	return fmt.Sprintf("%v/status", c.withDefaults().TopicPrefix)
}

type Publisher struct {
	mqtt    mqtt.Client
	cfg     Config
	logger  *zap.Logger
	fans    []Fan
	devices map[string][]string
}

func New(client mqtt.Client, cfg Config) *Publisher {
	cfg = cfg.withDefaults()

	return &Publisher{
		mqtt:    client,
		cfg:     cfg,
		logger:  cfg.Logger,
		devices: map[string][]string{},
	}
}

// AddFan makes a fan part of the set registered and subscribed on connect.
func (p *Publisher) AddFan(fan Fan) {
	p.fans = append(p.fans, fan)
}

// LinkDevice attaches the fan entity to an existing device with the given
// identifiers instead of creating a device of its own.
func (p *Publisher) LinkDevice(fan Fan, identifiers []string) {
	p.devices[fan.UniqueID()] = append([]string(nil), identifiers...)
}

// OnConnect registers all fans and installs their command subscriptions.
// Use it as the MQTT OnConnect handler so it runs again after a reconnect.
func (p *Publisher) OnConnect(client mqtt.Client) {
	for _, fan := range p.fans {
		if err := p.RegisterFan(fan); err != nil {
			p.logger.Error("registering fan failed", zap.String("fan", fan.Name()), zap.Error(err))
			continue
		}

		p.SubscribeToFanCommands(client, fan)
	}

	if err := p.SetAvailable(true); err != nil {
		p.logger.Error("publishing availability failed", zap.Error(err))
	}
}

func (p *Publisher) RegisterFan(fan Fan) error {
	cfg := fanConfiguration{
		UniqueId:          fan.UniqueID(),
		Name:              fan.Name(),
		StateTopic:        p.topic(fan, "state"),
		CommandTopic:      p.topic(fan, "cmd"),
		PayloadOn:         payloadOn,
		PayloadOff:        payloadOff,
		AvailabilityTopic: p.cfg.AvailabilityTopic(),
		Device:            p.device(fan),
	}

	if fan.SupportsSetSpeed() {
		cfg.PercentageStateTopic = p.topic(fan, "percentage/state")
		cfg.PercentageCommandTopic = p.topic(fan, "percentage/cmd")
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}

	if t := p.mqtt.Publish(p.configTopic(fan), 0, true, payload); t.Wait() && t.Error() != nil {
		return t.Error()
	}

	p.logger.Info("registered fan", zap.String("fan", fan.Name()), zap.String("unique_id", fan.UniqueID()))

	return nil
}

// Unregister removes the fan entity from Home Assistant.
func (p *Publisher) Unregister(fan Fan) error {
	if t := p.mqtt.Publish(p.configTopic(fan), 0, true, []byte{}); t.Wait() && t.Error() != nil {
		return t.Error()
	}

	return nil
}

func (p *Publisher) SubscribeToFanCommands(client mqtt.Client, fan Fan) {
	if t := client.Subscribe(p.topic(fan, "cmd"), 0, func(client mqtt.Client, msg mqtt.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		var err error
		switch command := strings.TrimSpace(string(msg.Payload())); command {
		case payloadOn:
			err = fan.TurnOn(ctx, nil, "")
		case payloadOff:
			err = fan.TurnOff(ctx)
		default:
			err = fmt.Errorf("unexpected command %q", command)
		}

		if err != nil {
			p.logger.Error("fan command failed", zap.String("fan", fan.Name()), zap.Error(err))
		}
	}); t.Wait() && t.Error() != nil {
		p.logger.Error("MQTT subscribe failed", zap.String("topic", p.topic(fan, "cmd")), zap.Error(t.Error()))
	}

	if !fan.SupportsSetSpeed() {
		return
	}

	if t := client.Subscribe(p.topic(fan, "percentage/cmd"), 0, func(client mqtt.Client, msg mqtt.Message) {
		pct, err := strconv.Atoi(strings.TrimSpace(string(msg.Payload())))
		if err != nil {
			p.logger.Error("invalid percentage", zap.String("fan", fan.Name()), zap.ByteString("payload", msg.Payload()))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		if err := fan.SetPercentage(ctx, pct); err != nil {
			p.logger.Error("setting fan speed failed", zap.String("fan", fan.Name()), zap.Error(err))
		}
	}); t.Wait() && t.Error() != nil {
		p.logger.Error("MQTT subscribe failed", zap.String("topic", p.topic(fan, "percentage/cmd")), zap.Error(t.Error()))
	}
}

// PublishStatus mirrors a fan status to its state topics.
func (p *Publisher) PublishStatus(fan Fan, status switchfan.Status) error {
	state := payloadOff
	if status.On {
		state = payloadOn
	}

	if t := p.mqtt.Publish(p.topic(fan, "state"), 0, true, state); t.Wait() && t.Error() != nil {
		return t.Error()
	}

	if !fan.SupportsSetSpeed() {
		return nil
	}

	pct := payloadUnknownSpeed
	if status.PercentageKnown {
		pct = strconv.Itoa(status.Percentage)
	}

	if t := p.mqtt.Publish(p.topic(fan, "percentage/state"), 0, true, pct); t.Wait() && t.Error() != nil {
		return t.Error()
	}

	return nil
}

func (p *Publisher) SetAvailable(available bool) error {
	payload := payloadOffline
	if available {
		payload = payloadOnline
	}

	if t := p.mqtt.Publish(p.cfg.AvailabilityTopic(), 0, true, payload); t.Wait() && t.Error() != nil {
		return t.Error()
	}

	return nil
}

func (p *Publisher) device(fan Fan) device {
	if identifiers, linked := p.devices[fan.UniqueID()]; linked {
		return device{Identifiers: identifiers}
	}

	return device{
		Identifiers:  []string{fan.UniqueID()},
		Name:         fan.Name(),
		Manufacturer: "switchfan",
		Model:        fmt.Sprintf("%d speed switch fan", fan.SpeedCount()),
	}
}

func (p *Publisher) configTopic(fan Fan) string {
	return fmt.Sprintf("%v/fan/%v/config", p.cfg.DiscoveryPrefix, fan.UniqueID())
}

func (p *Publisher) topic(fan Fan, suffix string) string {
	return fmt.Sprintf("%v/%v/%v", p.cfg.TopicPrefix, fan.UniqueID(), suffix)
}
