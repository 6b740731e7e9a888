package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/scribed/internal/mqttclient"
	"github.com/snarg/scribed/internal/source"
)

// Remote drives a transcription engine reachable over MQTT. Stream
// registration and teardown are control messages; each registered stream has
// its own result topic whose JSON messages decode into the Result union.
//
// Topic layout (prefix defaults to "scribed/engine"):
//
//	{prefix}/register            ← control: register a stream
//	{prefix}/stop                ← control: stop and remove a stream
//	{prefix}/results/{stream_id} → per-stream incremental results
//	{prefix}/frames/{stream_id}  → raw PCM frames (LE int16), both directions
//	{prefix}/devices/{name}      → retained capture-device announcements
type Remote struct {
	client *mqttclient.Client
	prefix string
	log    zerolog.Logger

	mu      sync.Mutex
	streams map[string]*remoteStream
}

type remoteStream struct {
	results chan Result
	frames  chan []int16 // OnFrame dispatch queue, drop-on-full
	done    chan struct{}

	// closeMu serializes feed sends against the close of results, so a
	// result still in flight in the MQTT handler cannot hit a closed
	// channel during teardown.
	closeMu sync.Mutex
	closed  bool
}

// closeFeed tears down the stream's channels. done is closed before the
// mutex is taken so an in-flight send wakes up and releases the lock rather
// than deadlocking against it.
func (st *remoteStream) closeFeed() {
	close(st.done)
	st.closeMu.Lock()
	st.closed = true
	close(st.results)
	st.closeMu.Unlock()
}

// wireResult is the JSON shape of one result message.
type wireResult struct {
	Kind       string            `json:"kind"` // "hypothesis" | "confirm"
	Text       string            `json:"text"`
	EndSeconds float64           `json:"end_seconds,omitempty"`
	Final      *FinalResult      `json:"final,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type registerMessage struct {
	StreamID string       `json:"stream_id"`
	Lang     string       `json:"lang,omitempty"`
	Policy   StreamPolicy `json:"policy"`
}

type stopMessage struct {
	StreamID string `json:"stream_id"`
}

// NewRemote creates an engine client over an established MQTT connection.
// The client should be configured with ordered delivery so that results for
// one stream arrive in production order.
func NewRemote(client *mqttclient.Client, prefix string, log zerolog.Logger) *Remote {
	if prefix == "" {
		prefix = "scribed/engine"
	}
	return &Remote{
		client:  client,
		prefix:  prefix,
		log:     log.With().Str("component", "engine").Logger(),
		streams: make(map[string]*remoteStream),
	}
}

// Register attaches a stream: subscribes its result topic, then announces the
// stream to the engine. Returns ErrUnavailable when the transport is down.
func (r *Remote) Register(ctx context.Context, streamID string, opts RegisterOptions) error {
	if !r.client.IsConnected() {
		return ErrUnavailable
	}

	st := &remoteStream{
		results: make(chan Result, 1024),
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.streams[streamID]; exists {
		r.mu.Unlock()
		return &Error{Op: "register", StreamID: streamID, Err: fmt.Errorf("stream already registered")}
	}
	r.streams[streamID] = st
	r.mu.Unlock()

	if err := r.client.Subscribe(r.resultTopic(streamID), func(_ string, payload []byte) {
		r.handleResult(streamID, st, payload)
	}); err != nil {
		r.forget(streamID)
		return &Error{Op: "register", StreamID: streamID, Err: err}
	}

	if opts.OnFrame != nil {
		st.frames = make(chan []int16, 32)
		go frameDispatchLoop(st, opts.OnFrame)
		if err := r.client.Subscribe(r.frameTopic(streamID), func(_ string, payload []byte) {
			// Never block the capture path: drop when the meter lags.
			select {
			case st.frames <- decodePCM(payload):
			default:
			}
		}); err != nil {
			r.log.Warn().Err(err).Str("stream_id", streamID).Msg("frame subscription failed, energy metering disabled")
		}
	}

	msg, _ := json.Marshal(registerMessage{StreamID: streamID, Lang: opts.Lang, Policy: opts.Policy})
	if err := r.client.Publish(r.prefix+"/register", false, msg); err != nil {
		r.teardown(streamID, st)
		return &Error{Op: "register", StreamID: streamID, Err: err}
	}

	r.log.Info().Str("stream_id", streamID).Msg("stream registered")
	return nil
}

// Results returns the feed channel for a registered stream.
func (r *Remote) Results(_ context.Context, streamID string) (<-chan Result, error) {
	r.mu.Lock()
	st, ok := r.streams[streamID]
	r.mu.Unlock()
	if !ok {
		return nil, &Error{Op: "results", StreamID: streamID, Err: fmt.Errorf("stream not registered")}
	}
	return st.results, nil
}

// StopAndRemove announces teardown and closes the stream's feed.
func (r *Remote) StopAndRemove(_ context.Context, streamID string) error {
	r.mu.Lock()
	st, ok := r.streams[streamID]
	delete(r.streams, streamID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	var firstErr error
	if err := r.client.Unsubscribe(r.resultTopic(streamID)); err != nil {
		firstErr = err
	}
	if st.frames != nil {
		if err := r.client.Unsubscribe(r.frameTopic(streamID)); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	msg, _ := json.Marshal(stopMessage{StreamID: streamID})
	if err := r.client.Publish(r.prefix+"/stop", false, msg); err != nil && firstErr == nil {
		firstErr = err
	}

	st.closeFeed()

	if firstErr != nil {
		return &Error{Op: "stop", StreamID: streamID, Err: firstErr}
	}
	r.log.Info().Str("stream_id", streamID).Msg("stream removed")
	return nil
}

// SendFrame publishes locally captured PCM for a tap stream to the engine.
func (r *Remote) SendFrame(streamID string, pcm []int16) error {
	return r.client.Publish(r.frameTopic(streamID), false, encodePCM(pcm))
}

type deviceAnnouncement struct {
	Name    string `json:"name"`
	Default bool   `json:"default,omitempty"`
}

// ListDevices collects the engine's retained capture-device announcements.
// The broker delivers retained messages promptly on subscribe, so a short
// collection window suffices. Satisfies source.DeviceLister.
func (r *Remote) ListDevices(ctx context.Context) ([]source.Device, error) {
	if !r.client.IsConnected() {
		return nil, ErrUnavailable
	}

	filter := r.prefix + "/devices/+"
	var mu sync.Mutex
	seen := make(map[string]source.Device)

	if err := r.client.Subscribe(filter, func(_ string, payload []byte) {
		if len(payload) == 0 {
			return
		}
		var d deviceAnnouncement
		if err := json.Unmarshal(payload, &d); err != nil || d.Name == "" {
			return
		}
		mu.Lock()
		seen[d.Name] = source.Device{Name: d.Name, IsDefault: d.Default}
		mu.Unlock()
	}); err != nil {
		return nil, &Error{Op: "devices", Err: err}
	}
	defer func() { _ = r.client.Unsubscribe(filter) }()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(500 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]source.Device, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	return out, nil
}

func (r *Remote) handleResult(streamID string, st *remoteStream, payload []byte) {
	var w wireResult
	if err := json.Unmarshal(payload, &w); err != nil {
		r.log.Warn().Err(err).Str("stream_id", streamID).Msg("undecodable result message")
		return
	}

	res, err := w.toResult()
	if err != nil {
		r.log.Warn().Err(err).Str("stream_id", streamID).Msg("malformed result message")
		return
	}

	st.closeMu.Lock()
	defer st.closeMu.Unlock()
	if st.closed {
		return
	}
	select {
	case st.results <- res:
	case <-st.done:
	}
}

func (w wireResult) toResult() (Result, error) {
	switch w.Kind {
	case "hypothesis":
		return Result{Kind: KindHypothesis, Text: w.Text, Metadata: w.Metadata}, nil
	case "confirm":
		final := w.Final
		if final == nil {
			final = &FinalResult{Text: w.Text, EndSeconds: w.EndSeconds}
		}
		return Result{Kind: KindConfirm, Text: w.Text, EndSeconds: w.EndSeconds, Final: final}, nil
	default:
		return Result{}, fmt.Errorf("unknown result kind %q", w.Kind)
	}
}

func (r *Remote) forget(streamID string) {
	r.mu.Lock()
	delete(r.streams, streamID)
	r.mu.Unlock()
}

func (r *Remote) teardown(streamID string, st *remoteStream) {
	r.forget(streamID)
	_ = r.client.Unsubscribe(r.resultTopic(streamID))
	if st.frames != nil {
		_ = r.client.Unsubscribe(r.frameTopic(streamID))
	}
	st.closeFeed()
}

func (r *Remote) resultTopic(streamID string) string { return r.prefix + "/results/" + streamID }
func (r *Remote) frameTopic(streamID string) string  { return r.prefix + "/frames/" + streamID }

func frameDispatchLoop(st *remoteStream, fn FrameFunc) {
	for {
		select {
		case pcm := <-st.frames:
			fn(pcm)
		case <-st.done:
			return
		}
	}
}

func decodePCM(payload []byte) []int16 {
	pcm := make([]int16, len(payload)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return pcm
}

func encodePCM(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
