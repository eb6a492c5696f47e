package eventbus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/pkg/config"
)

func TestPublishNilDestinationIsNoop(t *testing.T) {
	assert.NoError(t, Publish(context.Background(), nil, New(TypeStarted, "a", nil)))
	assert.Nil(t, NewFanout(nil, nil))
}

func TestChannelDestination(t *testing.T) {
	dest := NewChannelDestination(1)
	ctx := context.Background()

	require.NoError(t, Publish(ctx, dest, New(TypeStarted, "a", nil)))
	require.NoError(t, Publish(ctx, dest, New(TypeTerminated, "a", nil)))
	assert.Equal(t, int64(1), dest.Dropped(), "full buffer drops instead of blocking")

	ev := <-dest.Events()
	assert.Equal(t, TypeStarted, ev.Type)

	require.NoError(t, dest.Close())
	require.NoError(t, Publish(ctx, dest, New(TypeLog, "a", nil)), "publishing after close is ignored")
	_, open := <-dest.Events()
	assert.False(t, open)
}

func TestJSONLDestinationRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dest, err := NewJSONLDestination(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, dest.Publish(ctx, New(TypeActionStarted, "agent-1", map[string]any{"kind": "orient"})))
	require.NoError(t, dest.Publish(ctx, New(TypeActionCompleted, "agent-1", nil)))
	path := dest.CurrentFile()
	require.NoError(t, dest.Close())

	events, err := ReadEvents(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, TypeActionStarted, events[0].Type)
	assert.Equal(t, "orient", events[0].Data["kind"])

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, files)
}

func TestJSONLDestinationRotatesDaily(t *testing.T) {
	dir := t.TempDir()
	dest, err := NewJSONLDestination(dir)
	require.NoError(t, err)
	defer dest.Close()

	tomorrow := time.Now().Add(24 * time.Hour)
	dest.now = func() time.Time { return tomorrow }
	require.NoError(t, dest.Publish(context.Background(), New(TypeLog, "a", nil)))

	want := filepath.Join(dir, "events-"+tomorrow.Format("2006-01-02")+".jsonl")
	assert.Equal(t, want, dest.CurrentFile())
	_, err = os.Stat(want)
	assert.NoError(t, err)
}

type fakeKafkaWriter struct {
	err  error
	msgs []kafka.Message
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestKafkaDestinationKeysByAgent(t *testing.T) {
	w := &fakeKafkaWriter{}
	dest := &KafkaDestination{writer: w, topic: "events"}

	require.NoError(t, dest.Publish(context.Background(), New(TypeConsensusDecided, "agent-7", map[string]any{"round": 2})))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "agent-7", string(w.msgs[0].Key))
	assert.Equal(t, string(TypeConsensusDecided), string(w.msgs[0].Headers[0].Value))

	ev, err := FromJSON(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", ev.AgentID)

	w.err = errors.New("broker down")
	assert.Error(t, dest.Publish(context.Background(), New(TypeLog, "agent-7", nil)))
}

func TestNewKafkaDestinationValidates(t *testing.T) {
	_, err := NewKafkaDestination(&config.KafkaConfig{Topic: "events"})
	assert.Error(t, err)

	dest, err := NewKafkaDestination(&config.KafkaConfig{Topic: "events", Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	assert.NoError(t, dest.Close())
}

type failingDestination struct{ closed bool }

func (f *failingDestination) Publish(context.Context, Event) error { return errors.New("nope") }
func (f *failingDestination) Close() error                         { f.closed = true; return nil }

func TestFanoutContinuesPastFailures(t *testing.T) {
	bad := &failingDestination{}
	good := NewChannelDestination(4)
	dest := NewFanout(bad, nil, good)

	err := Publish(context.Background(), dest, New(TypeStarted, "a", nil))
	assert.Error(t, err)
	assert.Len(t, good.Events(), 1)

	require.NoError(t, dest.Close())
	assert.True(t, bad.closed)
}

func TestLogHookForwardsEntries(t *testing.T) {
	dest := NewChannelDestination(4)
	hook := NewLogHook(dest, logrus.WarnLevel)
	assert.NotContains(t, hook.Levels(), logrus.InfoLevel)
	assert.Contains(t, hook.Levels(), logrus.ErrorLevel)

	logger := logrus.New()
	logger.SetOutput(&discard{})
	logger.AddHook(hook)
	logger.WithField("agent_id", "agent-3").Warn("budget low")

	ev := <-dest.Events()
	assert.Equal(t, TypeLog, ev.Type)
	assert.Equal(t, "agent-3", ev.AgentID)
	assert.Equal(t, "budget low", ev.Data["message"])
	assert.Equal(t, "warning", ev.Data["level"])
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
