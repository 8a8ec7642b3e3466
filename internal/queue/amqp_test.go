package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maneesh/vidstream/internal/apperr"
	"github.com/maneesh/vidstream/internal/pipeline"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAck struct {
	mu                      sync.Mutex
	acked, nacked, requeued bool
}

func (f *fakeAck) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = true
	return nil
}

func (f *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked, f.requeued = true, requeue
	return nil
}

func (f *fakeAck) wasAcked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acked
}

func (f *fakeAck) Reject(tag uint64, requeue bool) error { return f.Nack(tag, false, requeue) }

type runnerFunc func(ctx context.Context, job pipeline.Job) error

func (f runnerFunc) RunPipeline(ctx context.Context, job pipeline.Job) error { return f(ctx, job) }

func delivery(t *testing.T, ack *fakeAck, body []byte) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body}
}

func TestEncodeJob(t *testing.T) {
	job := pipeline.Job{VideoID: "v1", TenantID: "t1", FilePath: "/tmp/x.mp4", Cleanup: true}
	msg, err := encodeJob(job)
	require.NoError(t, err)

	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, "v1", msg.MessageId)

	var decoded pipeline.Job
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, job, decoded)
}

func TestHandle_RunsAndAcks(t *testing.T) {
	ack := &fakeAck{}
	var got pipeline.Job
	run := runnerFunc(func(ctx context.Context, job pipeline.Job) error {
		got = job
		return nil
	})

	body, _ := json.Marshal(pipeline.Job{VideoID: "v1", TenantID: "t1"})
	handle(context.Background(), run, delivery(t, ack, body))

	assert.Equal(t, "v1", got.VideoID)
	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
}

func TestHandle_AcksAfterPipelineFailure(t *testing.T) {
	cases := map[string]error{
		"failed run":         errors.New("boom"),
		"already processing": apperr.New(apperr.AlreadyProcessing, "busy"),
		"already completed":  apperr.New(apperr.InvalidState, "done"),
	}
	for name, runErr := range cases {
		t.Run(name, func(t *testing.T) {
			ack := &fakeAck{}
			run := runnerFunc(func(context.Context, pipeline.Job) error { return runErr })
			body, _ := json.Marshal(pipeline.Job{VideoID: "v1", TenantID: "t1"})

			handle(context.Background(), run, delivery(t, ack, body))
			assert.True(t, ack.acked)
		})
	}
}

func TestHandle_DropsMalformedMessages(t *testing.T) {
	for _, body := range []string{"not json", `{"videoId": ""}`, `{"videoId": "v1"}`} {
		ack := &fakeAck{}
		called := false
		run := runnerFunc(func(context.Context, pipeline.Job) error { called = true; return nil })

		handle(context.Background(), run, delivery(t, ack, []byte(body)))
		assert.False(t, called, body)
		assert.True(t, ack.nacked, body)
		assert.False(t, ack.requeued, body)
	}
}

func TestHandle_RunSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ack := &fakeAck{}
	var runErr error
	run := runnerFunc(func(ctx context.Context, job pipeline.Job) error {
		runErr = ctx.Err()
		return nil
	})
	body, _ := json.Marshal(pipeline.Job{VideoID: "v1", TenantID: "t1"})

	handle(ctx, run, delivery(t, ack, body))
	assert.NoError(t, runErr)
	assert.True(t, ack.acked)
}

func TestWork_ShutdownDrainsRunningJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	msgs := make(chan amqp.Delivery, 2)

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var ran []string
	var sawCancel bool
	run := runnerFunc(func(ctx context.Context, job pipeline.Job) error {
		mu.Lock()
		ran = append(ran, job.VideoID)
		mu.Unlock()
		if job.VideoID == "v1" {
			close(started)
			<-release
			mu.Lock()
			sawCancel = ctx.Err() != nil
			mu.Unlock()
		}
		return nil
	})

	first := &fakeAck{}
	body, _ := json.Marshal(pipeline.Job{VideoID: "v1", TenantID: "t1"})
	msgs <- delivery(t, first, body)

	done := make(chan error, 1)
	go func() { done <- work(ctx, msgs, run, 1) }()

	<-started
	cancel()

	// queued after shutdown began; must be left for redelivery
	second := &fakeAck{}
	body, _ = json.Marshal(pipeline.Job{VideoID: "v2", TenantID: "t1"})
	msgs <- delivery(t, second, body)

	select {
	case <-done:
		t.Fatal("work returned while a job was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("work did not return after the running job finished")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"v1"}, ran)
	assert.False(t, sawCancel)
	assert.True(t, first.wasAcked())
	assert.False(t, second.wasAcked())
}
