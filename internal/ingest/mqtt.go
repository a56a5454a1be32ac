package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/xelth-com/meshsync/internal/logging"
)

const (
	defaultMQTTPort   = 1883
	mqttQoS           = 0
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // ms

	broadcastNum = 0xffffffff
)

// MQTTConfig configures the JSON uplink subscriber.
type MQTTConfig struct {
	Broker   string // tcp://host:port
	Topic    string
	ClientID string
}

// envelope is a Meshtastic JSON uplink message.
type envelope struct {
	ID        uint32          `json:"id"`
	Channel   int64           `json:"channel"`
	From      uint32          `json:"from"`
	To        uint32          `json:"to"`
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type textPayload struct {
	Text string `json:"text"`
}

type positionPayload struct {
	LatitudeI  *int64 `json:"latitude_i"`
	LongitudeI *int64 `json:"longitude_i"`
	Altitude   *int64 `json:"altitude"`
	Time       *int64 `json:"time"`
}

type telemetryPayload struct {
	BatteryLevel       *int64   `json:"battery_level"`
	Voltage            *float64 `json:"voltage"`
	ChannelUtilization *float64 `json:"channel_utilization"`
	AirUtilTx          *float64 `json:"air_util_tx"`
	UptimeSeconds      *int64   `json:"uptime_seconds"`
}

type nodeInfoPayload struct {
	ID        string  `json:"id"`
	LongName  *string `json:"longname"`
	ShortName *string `json:"shortname"`
	Hardware  *int64  `json:"hardware"`
}

// NodeID formats a node number the way the mesh protocol prints it.
func NodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// MQTTSource subscribes to a broker and feeds the Ingestor. The broker
// address is recorded as the gateway, and the uplinking node as its node id.
type MQTTSource struct {
	cfg  MQTTConfig
	ing  *Ingestor
	host string
	port int
	log  zerolog.Logger

	client mqtt.Client
	dedup  *packetDeduper

	mu          sync.Mutex
	gatewayNode string
}

func NewMQTTSource(cfg MQTTConfig, ing *Ingestor) (*MQTTSource, error) {
	u, err := url.Parse(cfg.Broker)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("invalid MQTT broker %q", cfg.Broker)
	}
	port := defaultMQTTPort
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("invalid MQTT broker port %q", p)
		}
	}

	return &MQTTSource{
		cfg:   cfg,
		ing:   ing,
		host:  u.Hostname(),
		port:  port,
		log:   logging.With("mqtt").With().Str("broker", cfg.Broker).Logger(),
		dedup: newPacketDeduper(),
	}, nil
}

// Start connects and subscribes. Subscriptions are renewed on every
// reconnect. ctx bounds the writes triggered by incoming messages.
func (s *MQTTSource) Start(ctx context.Context) error {
	if _, err := s.ing.RegisterGateway(ctx, s.host, s.port, nil); err != nil {
		return fmt.Errorf("register gateway: %w", err)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.log.Warn().Err(err).Msg("connection lost")
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			s.log.Info().Str("topic", s.cfg.Topic).Msg("connected, subscribing")
			token := c.Subscribe(s.cfg.Topic, mqttQoS, func(_ mqtt.Client, m mqtt.Message) {
				if err := s.HandlePayload(ctx, m.Payload()); err != nil {
					s.log.Debug().Err(err).Str("topic", m.Topic()).Msg("dropped message")
				}
			})
			if token.WaitTimeout(connectTimeout) && token.Error() != nil {
				s.log.Error().Err(token.Error()).Msg("subscribe failed")
			}
		})

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// ConnectRetry keeps trying in the background.
		s.log.Warn().Dur("timeout", connectTimeout).Msg("broker not reachable yet, retrying")
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", s.cfg.Broker, err)
	}
	return nil
}

func (s *MQTTSource) Stop() {
	if s.client != nil {
		s.client.Disconnect(disconnectQuiesce)
	}
}

// HandlePayload decodes one JSON uplink message and applies it. Unknown
// message types and repeated packets are ignored.
func (s *MQTTSource) HandlePayload(ctx context.Context, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.From == 0 {
		return ErrNoNode
	}
	if err := s.noteGatewayNode(ctx, env.Sender); err != nil {
		return err
	}
	if s.dedup.Seen(env.From, env.ID) {
		return nil
	}

	from := NodeID(env.From)
	switch env.Type {
	case "text":
		var p textPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode text payload: %w", err)
		}
		to := BroadcastAddr
		if env.To != 0 && env.To != broadcastNum {
			to = NodeID(env.To)
		}
		return s.ing.HandleMessage(ctx, Message{
			FromNode: from,
			ToNode:   to,
			Channel:  env.Channel,
			Text:     p.Text,
			Gateway:  GatewayKey(s.host, s.port),
		})

	case "position":
		var p positionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode position payload: %w", err)
		}
		if p.Time == nil && env.Timestamp != 0 {
			p.Time = &env.Timestamp
		}
		return s.ing.HandlePosition(ctx, Position{
			NodeID:     from,
			LatitudeI:  p.LatitudeI,
			LongitudeI: p.LongitudeI,
			Altitude:   p.Altitude,
			Time:       p.Time,
		})

	case "telemetry":
		var p telemetryPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode telemetry payload: %w", err)
		}
		return s.ing.HandleTelemetry(ctx, Telemetry{
			NodeID:             from,
			BatteryLevel:       p.BatteryLevel,
			Voltage:            p.Voltage,
			ChannelUtilization: p.ChannelUtilization,
			AirUtilTx:          p.AirUtilTx,
			UptimeSeconds:      p.UptimeSeconds,
		})

	case "nodeinfo":
		var p nodeInfoPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode nodeinfo payload: %w", err)
		}
		id := p.ID
		if checkNodeID(id) != nil {
			id = from
		}
		num := int64(env.From)
		var hw *string
		if p.Hardware != nil {
			h := strconv.FormatInt(*p.Hardware, 10)
			hw = &h
		}
		return s.ing.HandleNodeInfo(ctx, NodeInfo{
			NodeID:    id,
			NodeNum:   &num,
			LongName:  p.LongName,
			ShortName: p.ShortName,
			HWModel:   hw,
		})
	}
	return nil
}

// noteGatewayNode records the uplinking node on the gateway row the first
// time it is seen, so routine traffic does not keep re-dirtying the row.
func (s *MQTTSource) noteGatewayNode(ctx context.Context, sender string) error {
	if sender == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sender == s.gatewayNode {
		return nil
	}
	if _, err := s.ing.RegisterGateway(ctx, s.host, s.port, &sender); err != nil {
		return fmt.Errorf("register gateway node: %w", err)
	}
	s.gatewayNode = sender
	return nil
}
