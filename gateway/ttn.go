package gateway

import (
	"context"
	"encoding/json"
	"errors"

	ttnsdk "github.com/TheThingsNetwork/go-app-sdk"
	"github.com/TheThingsNetwork/ttn/core/types"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"

	"github.com/akhenakh/ttnrelay/envelope"
	"github.com/akhenakh/ttnrelay/metrics"
)

var errSubscriptionClosed = errors.New("ttn uplink subscription closed")

// HandleUplink forwards an uplink received from the TTN MQTT API through the webhook path.
func (s *Server) HandleUplink(ctx context.Context, msg *types.UplinkMessage) error {
	metrics.MsgReceivedCounter.WithLabelValues(metrics.ReceivedViaMQTT).Inc()

	body, err := json.Marshal(msg)
	if err != nil {
		level.Error(s.logger).Log("msg", "can't marshal uplink", "dev_id", msg.DevID, "error", err)
		return err
	}

	devID, err := DeviceID(body)
	if err != nil {
		return err
	}

	env := &envelope.Envelope{
		ID:      uuid.New().String(),
		Via:     metrics.ReceivedViaMQTT,
		Method:  "MQTT",
		Path:    "devices/" + msg.DevID + "/up",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
	return s.Ingest(ctx, env, devID)
}

// SubscribeTTN subscribes to every device uplink of appID until ctx is done.
func (s *Server) SubscribeTTN(ctx context.Context, appID, appAccessKey, clientVersion string) error {
	config := ttnsdk.NewCommunityConfig(s.appName)
	config.ClientVersion = clientVersion

	client := config.NewClient(appID, appAccessKey)
	defer client.Close()

	pubsub, err := client.PubSub()
	if err != nil {
		level.Error(s.logger).Log("msg", "can't get pub/sub", "error", err)
		return err
	}
	defer pubsub.Close()

	allDevicesPubSub := pubsub.AllDevices()
	defer allDevicesPubSub.Close()

	msgs, err := allDevicesPubSub.SubscribeUplink()
	if err != nil {
		level.Error(s.logger).Log("msg", "can't subscribe to uplinks", "error", err)
		return err
	}
	level.Info(s.logger).Log("msg", "subscribed to uplink messages", "app_id", appID)

	for {
		select {
		case <-ctx.Done():
			level.Info(s.logger).Log("msg", "unsubscribing to uplink messages")
			if err := allDevicesPubSub.UnsubscribeUplink(); err != nil {
				level.Error(s.logger).Log("msg", "can't unsubscribe from uplinks", "error", err)
				return err
			}
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errSubscriptionClosed
			}
			if msg == nil {
				continue
			}
			// a failed publish is lost on this path, TTN MQTT has no redelivery
			if err := s.HandleUplink(ctx, msg); err != nil {
				level.Error(s.logger).Log("msg", "can't forward uplink", "dev_id", msg.DevID, "error", err)
			}
		}
	}
}
