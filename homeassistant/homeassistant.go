// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

// Package homeassistant publishes the device's sensors to a local Home
// Assistant instance over MQTT, using its discovery protocol.  Entirely
// optional: the integration only runs once broker credentials are
// configured.
package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/ribbit-network/frog-agent/config"
	"github.com/ribbit-network/frog-agent/sensor"
)

// Config keys owned by this package.
const (
	KeyHost     = "homeassistant.mqtt.host"
	KeyPort     = "homeassistant.mqtt.port"
	KeyUser     = "homeassistant.mqtt.user"
	KeyPassword = "homeassistant.mqtt.password"
)

// ConfigKeys is the schema contributed to the config registry.
var ConfigKeys = []config.Key{
	{Name: KeyHost, Type: config.String},
	{Name: KeyPort, Type: config.Integer, Default: int64(1883)},
	{Name: KeyUser, Type: config.String},
	{Name: KeyPassword, Type: config.String, Protected: true},
}

const statusTopic = "homeassistant/status"

var errAlreadyStarted = errors.New("home assistant service already started")

// client is the slice of the MQTT API the service needs; the paho client
// satisfies it through a thin wrapper.
type client interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, fn func(payload []byte)) error
	Close()
}

// Opts configures a Service.
type Opts struct {
	Registry *config.Registry

	// DeviceID uniquely identifies this device in entity IDs and state
	// topics, e.g. "frog_a0b1c2".
	DeviceID string

	// Sensors lists the sensors to announce.
	Sensors func() []sensor.Sensor

	Logger *zap.Logger
}

// Service bridges the sensor stream into Home Assistant.  It implements
// sensor.Output for the state updates.
type Service struct {
	registry *config.Registry
	deviceID string
	sensors  func() []sensor.Sensor
	log      *zap.Logger

	// connect is swapped out in tests.
	connect func(settings brokerSettings) (client, error)

	mutex  sync.Mutex
	client client

	cancel context.CancelFunc
	done   chan struct{}
}

type brokerSettings struct {
	host     string
	port     int64
	user     string
	password string
	clientID string

	onConnect func(c client)
}

func New(opts Opts) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		registry: opts.Registry,
		deviceID: opts.DeviceID,
		sensors:  opts.Sensors,
		log:      log.Named("homeassistant"),
		connect:  connectPaho,
	}
}

func (s *Service) Start(ctx context.Context) error {
	if s.cancel != nil {
		return errAlreadyStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	defer s.teardown()

	watcher := s.registry.Watch(KeyHost, KeyPort, KeyUser, KeyPassword)
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case values := <-watcher.C:
			host, _ := values[0].(string)
			port, _ := values[1].(int64)
			user, _ := values[2].(string)
			password, _ := values[3].(string)

			s.teardown()

			if host == "" || user == "" || password == "" {
				continue
			}

			s.log.Info("starting home assistant integration",
				zap.String("host", host), zap.Int64("port", port))

			c, err := s.connect(brokerSettings{
				host:      host,
				port:      port,
				user:      user,
				password:  password,
				clientID:  s.deviceID,
				onConnect: s.onConnect,
			})
			if err != nil {
				s.log.Warn("mqtt connect failed", zap.Error(err))
				continue
			}

			s.mutex.Lock()
			s.client = c
			s.mutex.Unlock()
		}
	}
}

func (s *Service) teardown() {
	s.mutex.Lock()
	c := s.client
	s.client = nil
	s.mutex.Unlock()

	if c != nil {
		s.log.Info("stopping home assistant integration")
		c.Close()
	}
}

// onConnect announces every sensor and re-announces them whenever Home
// Assistant itself restarts.
func (s *Service) onConnect(c client) {
	if err := c.Subscribe(statusTopic, func(payload []byte) {
		if string(payload) == "online" {
			s.registerSensors(c)
		}
	}); err != nil {
		s.log.Warn("status subscription failed", zap.Error(err))
	}
	s.registerSensors(c)
}

func (s *Service) registerSensors(c client) {
	s.log.Info("registering sensors")
	for entityID, entity := range buildEntities(s.deviceID, s.sensors()) {
		payload, err := json.Marshal(entity)
		if err != nil {
			s.log.Warn("bad entity config", zap.Error(err))
			continue
		}
		topic := "homeassistant/sensor/" + entityID + "/config"
		if err := c.Publish(topic, payload); err != nil {
			s.log.Warn("discovery publish failed",
				zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Write publishes one sensor reading to its state topic
// (sensor.Output).  Dropped silently while the integration is off.
func (s *Service) Write(_ context.Context, src sensor.Sensor, data map[string]any) error {
	s.mutex.Lock()
	c := s.client
	s.mutex.Unlock()
	if c == nil {
		return nil
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.Publish(stateTopic(s.deviceID, src.ID()), payload)
}

func stateTopic(deviceID, sensorID string) string {
	return fmt.Sprintf("ribbit/%s/%s/state", deviceID, sensorID)
}

// buildEntities flattens all sensor metadata into discovery documents,
// keyed by entity ID.  Labels shared by several sensors get the sensor ID
// suffixed so the dashboard stays unambiguous.
func buildEntities(deviceID string, sensors []sensor.Sensor) map[string]map[string]any {
	type measurement struct {
		sensorID string
		field    string
		meta     sensor.FieldMeta
	}

	var all []measurement
	byLabel := make(map[string][]int)
	for _, src := range sensors {
		fields := make([]string, 0, len(src.Metadata()))
		metadata := src.Metadata()
		for field := range metadata {
			fields = append(fields, field)
		}
		sort.Strings(fields)

		for _, field := range fields {
			m := measurement{sensorID: src.ID(), field: field, meta: metadata[field]}
			byLabel[m.meta.Label] = append(byLabel[m.meta.Label], len(all))
			all = append(all, m)
		}
	}

	for label, indexes := range byLabel {
		if len(indexes) < 2 {
			continue
		}
		for _, i := range indexes {
			all[i].meta.Label = fmt.Sprintf("%s (%s)", label, all[i].sensorID)
		}
	}

	entities := make(map[string]map[string]any, len(all))
	for _, m := range all {
		entityID := fmt.Sprintf("%s_%s_%s", deviceID, m.sensorID, m.field)
		entities[entityID] = entityConfig(deviceID, entityID, m.sensorID, m.field, m.meta)
	}
	return entities
}

func entityConfig(deviceID, entityID, sensorID, field string, meta sensor.FieldMeta) map[string]any {
	entity := map[string]any{
		"unique_id": entityID,
		"object_id": entityID,
		"device": map[string]any{
			"identifiers": []string{deviceID},
			"name":        "Frog " + deviceID,
		},
		"state_topic":    stateTopic(deviceID, sensorID),
		"value_template": "{{value_json." + field + "}}",
	}

	if meta.Label != "" {
		entity["name"] = meta.Label
	}
	if meta.Class != "" {
		entity["device_class"] = meta.Class
		entity["state_class"] = "measurement"
		entity["force_update"] = true
	}
	if meta.Unit != "" {
		entity["unit_of_measurement"] = meta.Unit
	}
	if meta.Precision > 0 {
		entity["suggested_display_precision"] = meta.Precision
	}
	if meta.Diagnostic {
		entity["entity_category"] = "diagnostic"
	}
	return entity
}

// pahoClient adapts the paho MQTT client.
type pahoClient struct {
	c mqtt.Client
}

func connectPaho(settings brokerSettings) (client, error) {
	wrapper := &pahoClient{}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", settings.host, settings.port)).
		SetClientID(settings.clientID).
		SetUsername(settings.user).
		SetPassword(settings.password).
		SetAutoReconnect(true).
		SetConnectTimeout(30 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			if settings.onConnect != nil {
				settings.onConnect(wrapper)
			}
		})

	c := mqtt.NewClient(opts)
	wrapper.c = c

	token := c.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return wrapper, nil
}

func (p *pahoClient) Publish(topic string, payload []byte) error {
	token := p.c.Publish(topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

func (p *pahoClient) Subscribe(topic string, fn func(payload []byte)) error {
	token := p.c.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		fn(msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (p *pahoClient) Close() {
	p.c.Disconnect(250)
}
