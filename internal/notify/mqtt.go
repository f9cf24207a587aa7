// Package notify publishes committed detections to an external MQTT broker.
// Publishing is best-effort: broker trouble is logged and dropped, never
// surfaced to the inference loop.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mikkohei13/quiet-observer/internal/conf"
	"github.com/mikkohei13/quiet-observer/internal/datastore"
	"github.com/mikkohei13/quiet-observer/internal/logging"
)

var (
	notifyLogger   *slog.Logger
	notifyLevelVar = new(slog.LevelVar)
)

func init() {
	notifyLevelVar.Set(slog.LevelInfo)

	var err error
	notifyLogger, _, err = logging.NewFileLogger("logs/notify.log", "notify", notifyLevelVar)
	if err != nil {
		notifyLogger = logging.NoopLogger("notify")
	}
}

const (
	connectTimeout = 30 * time.Second
	publishTimeout = 5 * time.Second
)

// detectionEvent is the published payload for one frame's detections.
type detectionEvent struct {
	ProjectID  uint             `json:"project_id"`
	FrameID    uint             `json:"frame_id"`
	At         time.Time        `json:"at"`
	Detections []detectionBrief `json:"detections"`
}

type detectionBrief struct {
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// MQTTPublisher publishes detection events to <topic>/<project id>. Nil is
// a valid publisher value for the workers registry, so construction is
// gated on configuration by the caller.
type MQTTPublisher struct {
	settings conf.MQTTSettings

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTTPublisher returns nil when MQTT is disabled in configuration.
func NewMQTTPublisher(settings *conf.Settings) *MQTTPublisher {
	if !settings.MQTT.Enabled {
		return nil
	}
	return &MQTTPublisher{settings: settings.MQTT}
}

// Connect establishes the broker connection. Auto-reconnect handles later
// drops; Publish calls while disconnected are dropped with a log line.
func (p *MQTTPublisher) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.settings.Broker)
	opts.SetClientID(p.settings.ClientID)
	opts.SetUsername(p.settings.Username)
	opts.SetPassword(p.settings.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		notifyLogger.Info("Connected to MQTT broker", "broker", p.settings.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		notifyLogger.Warn("MQTT connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect to %s timed out", p.settings.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", p.settings.Broker, err)
	}

	p.client = client
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	p.client = nil
}

// PublishDetections implements workers.DetectionPublisher.
func (p *MQTTPublisher) PublishDetections(projectID, frameID uint, detections []datastore.Detection) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	if client == nil || !client.IsConnected() {
		notifyLogger.Debug("MQTT not connected, dropping event",
			"project_id", projectID, "frame_id", frameID)
		return
	}

	event := detectionEvent{
		ProjectID:  projectID,
		FrameID:    frameID,
		At:         time.Now().UTC(),
		Detections: make([]detectionBrief, 0, len(detections)),
	}
	for _, d := range detections {
		event.Detections = append(event.Detections, detectionBrief{
			ClassName:  d.ClassName,
			Confidence: d.Confidence,
			X:          d.X,
			Y:          d.Y,
			Width:      d.Width,
			Height:     d.Height,
		})
	}

	payload, err := json.Marshal(event)
	if err != nil {
		notifyLogger.Error("Failed to encode detection event", "error", err)
		return
	}

	topic := fmt.Sprintf("%s/%d", p.settings.Topic, projectID)
	token := client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		notifyLogger.Warn("MQTT publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		notifyLogger.Warn("MQTT publish failed", "topic", topic, "error", err)
	}
}
