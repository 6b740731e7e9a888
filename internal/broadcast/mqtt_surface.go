package broadcast

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/scribed/internal/mqttclient"
)

// MQTTSurface publishes activity state as retained documents, one topic per
// activity handle under a shared prefix. Retention is what makes the orphan
// sweep work: an activity left behind by a dead process is still visible as a
// retained message, and ending an activity clears its retained payload.
type MQTTSurface struct {
	client *mqttclient.Client
	prefix string
	log    zerolog.Logger
}

// activityDoc is the retained JSON document for one activity.
type activityDoc struct {
	Title     string        `json:"title"`
	State     ContentStatus `json:"state"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewMQTTSurface creates a surface over an established MQTT connection.
func NewMQTTSurface(client *mqttclient.Client, prefix string, log zerolog.Logger) *MQTTSurface {
	if prefix == "" {
		prefix = "scribed/activity"
	}
	return &MQTTSurface{
		client: client,
		prefix: prefix,
		log:    log.With().Str("component", "surface").Logger(),
	}
}

func (s *MQTTSurface) Request(_ context.Context, attrs Attributes, initial ContentStatus) (Handle, error) {
	b := make([]byte, 8)
	rand.Read(b)
	id := hex.EncodeToString(b)

	doc, _ := json.Marshal(activityDoc{Title: attrs.Title, State: initial, UpdatedAt: time.Now().UTC()})
	if err := s.client.Publish(s.topic(Handle(id)), true, doc); err != nil {
		return "", err
	}
	return Handle(id), nil
}

func (s *MQTTSurface) Update(_ context.Context, h Handle, state ContentStatus) error {
	doc, _ := json.Marshal(activityDoc{State: state, UpdatedAt: time.Now().UTC()})
	return s.client.Publish(s.topic(h), true, doc)
}

// End clears the activity's retained document. An empty retained payload
// removes the topic from the broker's retained store.
func (s *MQTTSurface) End(_ context.Context, h Handle, _ Dismissal) error {
	return s.client.Publish(s.topic(h), true, nil)
}

// ListActive collects retained activity documents under the prefix. Retained
// messages arrive promptly after subscribing; a short collection window
// bounds the wait.
func (s *MQTTSurface) ListActive(ctx context.Context) ([]Handle, error) {
	var mu sync.Mutex
	var handles []Handle

	filter := s.prefix + "/+"
	err := s.client.Subscribe(filter, func(topic string, payload []byte) {
		if len(payload) == 0 {
			return
		}
		id := topic[strings.LastIndexByte(topic, '/')+1:]
		mu.Lock()
		handles = append(handles, Handle(id))
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.client.Unsubscribe(filter); err != nil {
			s.log.Warn().Err(err).Msg("failed to unsubscribe activity sweep filter")
		}
	}()

	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	return handles, nil
}

func (s *MQTTSurface) topic(h Handle) string {
	return s.prefix + "/" + string(h)
}
