package speech

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/timelinelabs/timeline-anchor/internal/config"
	"github.com/timelinelabs/timeline-anchor/internal/openai"
)

// Chunk is one contiguous slice of the synthesized audio stream. Chunk
// boundaries carry no meaning; they do not align with audio frames.
type Chunk struct {
	Sequence int
	Data     []byte
}

// Request describes one synthesis call. An empty Voice selects one at random
// from the configured set.
type Request struct {
	Text  string
	Voice string
}

// SpeechClient is the upstream synthesis surface the producer depends on.
type SpeechClient interface {
	Speech(ctx context.Context, req openai.SpeechRequest) (io.ReadCloser, error)
}

// Producer adapts the remote synthesis call into a finite, forward-only
// sequence of audio chunks.
type Producer struct {
	client SpeechClient
	cfg    config.SpeechConfig
}

func NewProducer(client SpeechClient, cfg config.SpeechConfig) *Producer {
	return &Producer{client: client, cfg: cfg}
}

// Smaller reads shave perceived latency to the first audio byte without
// measurable overhead on the upstream stream.
const chunkSize = 4096

// Format reports the configured output encoding.
func (p *Producer) Format() string { return p.cfg.Format }

// PickVoice returns the requested voice, or a uniformly random one from the
// configured set. Selection is per call; nothing is remembered between runs.
func (p *Producer) PickVoice(voice string) string {
	if voice != "" {
		return voice
	}
	return p.cfg.Voices[rand.IntN(len(p.cfg.Voices))]
}

// Synthesize starts a streaming synthesis call and emits chunks as they
// arrive. The chunk channel is closed after the last chunk; at most one
// error is delivered on the error channel.
func (p *Producer) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := p.client.Speech(ctx, openai.SpeechRequest{
			Model:  p.cfg.Model,
			Voice:  p.PickVoice(req.Voice),
			Input:  req.Text,
			Format: p.cfg.Format,
		})
		if err != nil {
			errs <- fmt.Errorf("start speech synthesis: %w", err)
			return
		}
		defer body.Close()

		buf := make([]byte, chunkSize)
		sequence := 0
		for {
			n, err := body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case chunks <- Chunk{Sequence: sequence, Data: data}:
					sequence++
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				errs <- fmt.Errorf("read speech stream: %w", err)
				return
			}
		}
	}()

	return chunks, errs
}

// SynthesizeAll runs a complete synthesis call and returns the full audio
// blob. Used by the non-streaming delivery path.
func (p *Producer) SynthesizeAll(ctx context.Context, req Request) ([]byte, error) {
	body, err := p.client.Speech(ctx, openai.SpeechRequest{
		Model:  p.cfg.Model,
		Voice:  p.PickVoice(req.Voice),
		Input:  req.Text,
		Format: p.cfg.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("start speech synthesis: %w", err)
	}
	defer body.Close()

	audio, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read speech response: %w", err)
	}
	return audio, nil
}
