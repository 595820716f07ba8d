package delivery

import (
	"encoding/json"
	"fmt"

	"github.com/gr-butler/fieldstation/sensors"
	"github.com/pkg/errors"
)

// Discovery turns sensor descriptions into retained Home Assistant MQTT
// discovery messages pointing at the reading topic.
func Discovery(prefix, stationID, stateTopic string, qos byte, expireAfter int, items []sensors.Discovery) ([]Message, error) {
	msgs := make([]Message, 0, len(items))
	for _, d := range items {
		cfg := d.Config
		cfg.StateTopic = stateTopic
		cfg.UniqueID = fmt.Sprintf("%s_%s", stationID, d.ObjectID)
		cfg.QoS = int(qos)
		cfg.ExpireAfter = expireAfter
		payload, err := json.Marshal(cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "discovery [%v]", d.ObjectID)
		}
		msgs = append(msgs, Message{
			Topic:    fmt.Sprintf("%s/%s/%s/config", prefix, d.Component, cfg.UniqueID),
			Payload:  payload,
			QoS:      qos,
			Retained: true,
		})
	}
	return msgs, nil
}
