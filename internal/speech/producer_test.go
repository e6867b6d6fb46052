package speech

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/timelinelabs/timeline-anchor/internal/config"
	"github.com/timelinelabs/timeline-anchor/internal/openai"
)

type fakeSpeechClient struct {
	audio    []byte
	gotVoice string
}

func (f *fakeSpeechClient) Speech(_ context.Context, req openai.SpeechRequest) (io.ReadCloser, error) {
	f.gotVoice = req.Voice
	return io.NopCloser(bytes.NewReader(f.audio)), nil
}

func testSpeechConfig() config.SpeechConfig {
	return config.SpeechConfig{Model: "tts-test", Format: "mp3", Voices: []string{"alloy", "nova"}}
}

func TestSynthesizeMatchesCompleteVariant(t *testing.T) {
	audio := bytes.Repeat([]byte("abcdefgh"), 2048) // longer than one read
	client := &fakeSpeechClient{audio: audio}
	p := NewProducer(client, testSpeechConfig())

	chunks, errs := p.Synthesize(context.Background(), Request{Text: "hello", Voice: "alloy"})
	var streamed []byte
	lastSeq := -1
	for chunk := range chunks {
		if chunk.Sequence != lastSeq+1 {
			t.Fatalf("expected sequence %d, got %d", lastSeq+1, chunk.Sequence)
		}
		lastSeq = chunk.Sequence
		streamed = append(streamed, chunk.Data...)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	complete, err := p.SynthesizeAll(context.Background(), Request{Text: "hello", Voice: "alloy"})
	if err != nil {
		t.Fatalf("synthesize all: %v", err)
	}
	if !bytes.Equal(streamed, complete) {
		t.Fatalf("streamed bytes differ from complete blob: %d vs %d", len(streamed), len(complete))
	}
}

func TestPickVoiceExplicit(t *testing.T) {
	p := NewProducer(&fakeSpeechClient{}, testSpeechConfig())
	if got := p.PickVoice("onyx"); got != "onyx" {
		t.Fatalf("expected explicit voice, got %q", got)
	}
}

func TestPickVoiceRandomFromSet(t *testing.T) {
	p := NewProducer(&fakeSpeechClient{}, testSpeechConfig())
	for i := 0; i < 20; i++ {
		v := p.PickVoice("")
		if v != "alloy" && v != "nova" {
			t.Fatalf("voice %q not in configured set", v)
		}
	}
}

func TestSynthesizeCancellation(t *testing.T) {
	client := &fakeSpeechClient{audio: bytes.Repeat([]byte("x"), 1<<20)}
	p := NewProducer(client, testSpeechConfig())

	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := p.Synthesize(ctx, Request{Text: "hello"})

	<-chunks // take one chunk, then walk away
	cancel()

	// Nobody is receiving chunks anymore, so the producer must exit via the
	// cancelled context rather than block on the next send.
	if err := <-errs; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
