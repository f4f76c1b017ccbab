package runtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/maestro/agent"
	"goa.design/maestro/model"
	"goa.design/maestro/stream"
)

// chunkClient streams a fixed chunk sequence.
type chunkClient struct {
	chunks []model.Chunk
}

type chunkStreamer struct {
	chunks []model.Chunk
	pos    int
}

func (c *chunkClient) Complete(context.Context, model.Request) (model.Response, error) {
	return model.Response{}, errors.New("complete must not be called when streaming works")
}

func (c *chunkClient) Stream(context.Context, model.Request) (model.Streamer, error) {
	return &chunkStreamer{chunks: c.chunks}, nil
}

func (s *chunkStreamer) Recv() (model.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	ch := s.chunks[s.pos]
	s.pos++
	return ch, nil
}

func (s *chunkStreamer) Close() error { return nil }

func collect(t *testing.T, s *stream.Stream) []stream.Event {
	t.Helper()
	var evs []stream.Event
	for ev := range s.Events() {
		evs = append(evs, ev)
	}
	return evs
}

func TestRunStreamDeltasAndFinish(t *testing.T) {
	client := &chunkClient{chunks: []model.Chunk{
		{Type: model.ChunkTypeText, Text: "he"},
		{Type: model.ChunkTypeText, Text: "llo"},
		{Type: model.ChunkTypeUsage, UsageDelta: &model.TokenUsage{InputTokens: 3, OutputTokens: 2}},
		{Type: model.ChunkTypeStop, FinishReason: model.FinishStop},
	}}
	rt := New(WithClient(client))
	ag := agent.New("streamer", "stream")

	s, err := rt.RunStream(context.Background(), ag, "hi", RunOptions{})
	require.NoError(t, err)
	evs := collect(t, s)
	require.NotEmpty(t, evs)

	var deltas int
	var sawMessage, sawStepFinish bool
	for _, ev := range evs {
		switch ev.Type {
		case stream.TypeRawModelDelta:
			deltas++
		case stream.TypeMessageOutput:
			sawMessage = true
			require.Equal(t, "hello", ev.Content)
		case stream.TypeStepFinish:
			sawStepFinish = true
		}
	}
	require.Equal(t, 4, deltas)
	require.True(t, sawMessage)
	require.True(t, sawStepFinish)

	last := evs[len(evs)-1]
	require.Equal(t, stream.TypeFinish, last.Type)
	require.Equal(t, "hello", last.Content)
	require.Equal(t, model.FinishStop, last.FinishReason)
	require.NotNil(t, last.Usage)
	require.Equal(t, 5, last.Usage.TotalTokens)
}

func TestRunStreamFallsBackToComplete(t *testing.T) {
	client := script(textResp("whole message"))
	rt := New(WithClient(client))
	ag := agent.New("streamer", "stream")

	s, err := rt.RunStream(context.Background(), ag, "hi", RunOptions{})
	require.NoError(t, err)
	evs := collect(t, s)

	var deltaText string
	for _, ev := range evs {
		if ev.Type == stream.TypeRawModelDelta {
			deltaText += ev.Delta.Text
		}
	}
	require.Equal(t, "whole message", deltaText, "fallback synthesizes one text chunk")
	require.Equal(t, stream.TypeFinish, evs[len(evs)-1].Type)
}

func TestRunStreamTerminalError(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{{err: errors.New("provider down")}}}
	rt := New(WithClient(client))
	ag := agent.New("streamer", "stream")

	s, err := rt.RunStream(context.Background(), ag, "hi", RunOptions{})
	require.NoError(t, err)
	evs := collect(t, s)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	require.Equal(t, stream.TypeError, last.Type)
	require.Error(t, last.Err)
	require.True(t, IsKind(last.Err, ErrKindExecution))
}

// blockingClient blocks in Complete until its context is cancelled.
type blockingClient struct {
	started chan struct{}
	once    sync.Once
}

func (c *blockingClient) Complete(ctx context.Context, _ model.Request) (model.Response, error) {
	c.once.Do(func() { close(c.started) })
	<-ctx.Done()
	return model.Response{}, ctx.Err()
}

func (c *blockingClient) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func TestStreamCloseCancelsRun(t *testing.T) {
	client := &blockingClient{started: make(chan struct{})}
	rt := New(WithClient(client))
	ag := agent.New("streamer", "stream")

	s, err := rt.RunStream(context.Background(), ag, "hi", RunOptions{})
	require.NoError(t, err)
	<-client.started
	s.Close()

	evs := collect(t, s)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	require.Equal(t, stream.TypeError, last.Type)
	require.True(t, IsKind(last.Err, ErrKindCancelled))
}

func TestStreamAbandonedWithoutDrainingShutsDown(t *testing.T) {
	client := &chunkClient{chunks: []model.Chunk{
		{Type: model.ChunkTypeText, Text: "a"},
		{Type: model.ChunkTypeText, Text: "b"},
		{Type: model.ChunkTypeText, Text: "c"},
		{Type: model.ChunkTypeText, Text: "d"},
		{Type: model.ChunkTypeStop, FinishReason: model.FinishStop},
	}}
	rt := New(WithClient(client))
	ag := agent.New("streamer", "stream")

	// Tiny buffer, one read, then abandon. The producer must still deliver
	// its terminal event and close the channel instead of blocking forever.
	for i := 0; i < 20; i++ {
		s, err := rt.RunStream(context.Background(), ag, "hi", RunOptions{StreamBuffer: 1})
		require.NoError(t, err)
		_, err = s.Next(context.Background())
		require.NoError(t, err)
		s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		for {
			_, err = s.Next(ctx)
			if err != nil {
				break
			}
		}
		cancel()
		require.ErrorIs(t, err, stream.ErrClosed, "producer did not shut the stream down")
	}
}

func TestStreamTextConvenience(t *testing.T) {
	client := script(textResp("the answer"))
	rt := New(WithClient(client))
	ag := agent.New("streamer", "stream")

	s, err := rt.RunStream(context.Background(), ag, "hi", RunOptions{})
	require.NoError(t, err)
	text, err := s.Text(context.Background())
	require.NoError(t, err)
	require.Equal(t, "the answer", text)
}
