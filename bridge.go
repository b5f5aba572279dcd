package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/brutella/hc"
	hcaccessory "github.com/brutella/hc/accessory"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/mdp/qrterminal/v3"
	"github.com/milinda/switchfan/accessory"
	"github.com/milinda/switchfan/discovery"
	"github.com/milinda/switchfan/hass"
	"github.com/milinda/switchfan/switchfan"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const (
	commandTimeout = 10 * time.Second

	// registryOwner marks member entities hidden by the bridge.
	registryOwner = "switchfan"
)

// memberHider is the entity registry access needed for hide-members.
type memberHider interface {
	Hide(ctx context.Context, entityID string, owner string) error
	Unhide(ctx context.Context, entityID string, owner string) error
}

type homeAssistant interface {
	switchfan.ServiceCaller
	switchfan.StateSource
}

type pairingURI interface {
	XHMURI() (string, error)
}

type Bridge struct {
	cfg        *Configuration
	hass       *hass.Client
	fans       []*switchfan.Fan
	publisher  *discovery.Publisher
	mqttClient mqtt.Client
	transports []hc.Transport

	mutex   sync.Mutex
	started []hc.Transport
}

// newSwitchFans builds one switch fan per fan block, backed by the Home
// Assistant connection. Every member must be known to Home Assistant.
func newSwitchFans(c *Configuration, home homeAssistant) ([]*switchfan.Fan, error) {
	fans := make([]*switchfan.Fan, 0, len(c.Fans))

	for _, fc := range c.Fans {
		members, err := switchfan.NewMembers(fc.Entities)
		if err != nil {
			return nil, fmt.Errorf("fan %q: %w", fc.Name, err)
		}

		if err := switchfan.ResolveMembers(home, members); err != nil {
			return nil, fmt.Errorf("fan %q: %w", fc.Name, err)
		}

		fan, err := switchfan.New(switchfan.Config{
			UniqueID: fc.UniqueID,
			Name:     fc.Name,
			Members:  members,
			Caller:   home,
			Source:   home,
			Logger:   zap.L(),
		})
		if err != nil {
			return nil, fmt.Errorf("fan %q: %w", fc.Name, err)
		}

		fans = append(fans, fan)
	}

	return fans, nil
}

func newMqttClient(b *Broker, availabilityTopic string, onConnect mqtt.OnConnectHandler) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(b.Url).
		SetAutoReconnect(true).
		SetWill(availabilityTopic, "offline", 0, true).
		SetConnectionLostHandler(func(client mqtt.Client, err error) {
			zap.S().Warnf("MQTT connection lost: %v", err)
		}).
		// Subscriptions are installed on connect so they come back after a reconnect.
		SetOnConnectHandler(onConnect)

	if len(b.UserName) > 0 && len(b.Password) > 0 {
		opts.SetUsername(b.UserName)
		opts.SetPassword(b.Password)
	}

	return mqtt.NewClient(opts)
}

// setupDiscovery connects to the broker and mirrors every fan to Home
// Assistant through MQTT discovery.
func (b *Bridge) setupDiscovery() error {
	dcfg := discovery.Config{
		DiscoveryPrefix: b.cfg.Broker.DiscoveryPrefix,
		TopicPrefix:     b.cfg.Broker.TopicPrefix,
		Logger:          zap.L(),
	}

	var publisher *discovery.Publisher
	client := newMqttClient(b.cfg.Broker, dcfg.AvailabilityTopic(), func(client mqtt.Client) {
		publisher.OnConnect(client)
	})

	publisher = discovery.New(client, dcfg)
	for i, fan := range b.fans {
		fan := fan
		publisher.AddFan(fan)
		if device := b.cfg.Fans[i].Device; device != nil {
			publisher.LinkDevice(fan, device.Identifiers)
		}
		fan.AddListener(func(status switchfan.Status) {
			if err := publisher.PublishStatus(fan, status); err != nil {
				zap.S().Errorf("MQTT publishing failed for %s: %v", fan.Name(), err)
			}
		})
	}

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("cannot connect to MQTT broker at %s: %w", b.cfg.Broker.Url, token.Error())
	}

	b.mqttClient = client
	b.publisher = publisher

	return nil
}

// setupHomeKit creates one HomeKit accessory and transport per fan.
func (b *Bridge) setupHomeKit() error {
	for _, fan := range b.fans {
		fan := fan
		name := fan.Name()

		zap.S().Infof("Registering HomeKit fan %s", name)

		acc := accessory.NewFan(hcaccessory.Info{
			Name:         name,
			SerialNumber: fan.UniqueID(),
			Manufacturer: "switchfan",
			Model:        fmt.Sprintf("%d speed switch fan", fan.SpeedCount()),
		}, fan.SpeedCount())

		var tConfig hc.Config
		if b.cfg.HomeKit.StorageDir != "" {
			tConfig = hc.Config{Pin: b.cfg.HomeKit.Pin, StoragePath: filepath.Join(b.cfg.HomeKit.StorageDir, name)}
		} else {
			tConfig = hc.Config{Pin: b.cfg.HomeKit.Pin}
		}

		transport, err := hc.NewIPTransport(tConfig, acc.Accessory)
		if err != nil {
			return fmt.Errorf("homekit transport for %s: %w", name, err)
		}

		acc.OnIdentify(func() {
			zap.S().Infof("Identifying accessory %s", name)
		})

		acc.Fan.On.OnValueRemoteUpdate(func(power bool) {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()

			var err error
			if power {
				err = fan.TurnOn(ctx, nil, "")
			} else {
				err = fan.TurnOff(ctx)
			}

			if err != nil {
				zap.S().Errorf("HomeKit power change for %s failed: %v", name, err)
			}
		})

		if acc.SpeedControl() {
			acc.Fan.Speed.OnValueRemoteUpdate(func(speed float64) {
				ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
				defer cancel()

				if err := fan.SetPercentage(ctx, acc.Percentage(speed)); err != nil {
					zap.S().Errorf("HomeKit speed change for %s failed: %v", name, err)
				}
			})
		}

		fan.AddListener(acc.Update)

		if p, ok := hc.Transport(transport).(pairingURI); ok {
			writePairingCode(p, name, b.cfg.HomeKit.StorageDir)
		}

		b.transports = append(b.transports, transport)
	}

	return nil
}

func writePairingCode(transport pairingURI, name string, dir string) {
	uri, err := transport.XHMURI()
	if err != nil {
		zap.S().Warnf("No pairing code for %s: %v", name, err)
		return
	}

	png := fmt.Sprintf("%s.png", name)
	if dir != "" {
		png = filepath.Join(dir, png)
	}

	if err := qrcode.WriteFile(uri, qrcode.Medium, 256, png); err != nil {
		zap.S().Warnf("Could not write pairing code for %s: %v", name, err)
	}

	zap.S().Infof("HomeKit pairing code for %s:", name)
	qrterminal.Generate(uri, qrterminal.L, os.Stdout)
}

// applyMemberVisibility hides or unhides member entities as configured. A
// fan without hide-members leaves the registry alone. Unhiding only reverts
// entities the bridge hid itself.
func applyMemberVisibility(ctx context.Context, hider memberHider, fans []*Fan) {
	for _, fc := range fans {
		if fc.HideMembers == nil {
			continue
		}

		for _, entityID := range fc.Entities {
			var err error
			if *fc.HideMembers {
				err = hider.Hide(ctx, entityID, registryOwner)
			} else {
				err = hider.Unhide(ctx, entityID, registryOwner)
			}

			if err != nil {
				zap.S().Warnf("Could not update visibility of %s: %v", entityID, err)
			}
		}
	}
}

// attach starts state tracking for every fan. Fans attached before a
// failure are detached again.
func (b *Bridge) attach(ctx context.Context) error {
	for i, fan := range b.fans {
		if err := fan.Attach(ctx); err != nil {
			for _, attached := range b.fans[:i] {
				attached.Detach()
			}
			return fmt.Errorf("attach %s: %w", fan.Name(), err)
		}
	}

	return nil
}

func (b *Bridge) shutdown() {
	for _, fan := range b.fans {
		fan.Detach()
	}

	if b.publisher != nil {
		if err := b.publisher.SetAvailable(false); err != nil {
			zap.S().Warnf("Could not publish offline state: %v", err)
		}
		b.mqttClient.Disconnect(250)
	}

	b.stopTransports()
}

// startTransport serves HomeKit until the transport is stopped.
func (b *Bridge) startTransport(transport hc.Transport) {
	b.mutex.Lock()
	b.started = append(b.started, transport)
	b.mutex.Unlock()

	transport.Start()
}

// stopTransports stops the transports that were started. A transport that
// never ran cannot report being stopped.
func (b *Bridge) stopTransports() {
	b.mutex.Lock()
	started := b.started
	b.started = nil
	b.mutex.Unlock()

	for _, transport := range started {
		<-transport.Stop()
	}
}
