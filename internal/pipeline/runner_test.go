package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/timelinelabs/timeline-anchor/internal/config"
	"github.com/timelinelabs/timeline-anchor/internal/newsstore"
	"github.com/timelinelabs/timeline-anchor/internal/speech"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeStore struct {
	articles []newsstore.Article
	fetchErr error
	fetches  atomic.Int32
	scripts  []string
}

func (f *fakeStore) RecentArticles(_ context.Context, _ time.Duration) ([]newsstore.Article, error) {
	f.fetches.Add(1)
	return f.articles, f.fetchErr
}

func (f *fakeStore) SaveScript(_ context.Context, _, anchor string) error {
	f.scripts = append(f.scripts, anchor)
	return nil
}

type fakeComposer struct {
	script string
	err    error
	calls  atomic.Int32
}

func (f *fakeComposer) Compose(_ context.Context, articles []newsstore.Article) (string, error) {
	f.calls.Add(1)
	if len(articles) == 0 {
		return "", ErrNoArticles
	}
	return f.script, f.err
}

type fakeProducer struct {
	chunks [][]byte
	err    error
	block  bool // hold the stream open until cancelled
	calls  atomic.Int32
	exited chan struct{}
	voice  string // last requested voice, read only after the run settles
}

func newFakeProducer(chunks ...[]byte) *fakeProducer {
	return &fakeProducer{chunks: chunks, exited: make(chan struct{}, 8)}
}

func (f *fakeProducer) Format() string { return "mp3" }

func (f *fakeProducer) Synthesize(ctx context.Context, req speech.Request) (<-chan speech.Chunk, <-chan error) {
	f.calls.Add(1)
	f.voice = req.Voice
	chunks := make(chan speech.Chunk)
	errs := make(chan error, 1)
	go func() {
		defer func() { f.exited <- struct{}{} }()
		defer close(chunks)
		defer close(errs)
		for i, data := range f.chunks {
			select {
			case chunks <- speech.Chunk{Sequence: i, Data: data}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if f.err != nil {
			errs <- f.err
			return
		}
		if f.block {
			<-ctx.Done()
			errs <- ctx.Err()
		}
	}()
	return chunks, errs
}

func (f *fakeProducer) SynthesizeAll(ctx context.Context, req speech.Request) ([]byte, error) {
	f.calls.Add(1)
	f.voice = req.Voice
	if f.err != nil {
		return nil, f.err
	}
	var all []byte
	for _, c := range f.chunks {
		all = append(all, c...)
	}
	return all, nil
}

func threeArticles() []newsstore.Article {
	return []newsstore.Article{
		{Title: "one", Summary: "story one"},
		{Title: "two", Summary: "story two"},
		{Title: "three", Summary: "story three"},
	}
}

func newRunner(store Store, composer Composer, producer Producer) *Runner {
	return NewRunner(store, composer, producer, nil,
		config.StoreConfig{WindowHours: 24},
		config.PipelineConfig{ChunkBuffer: 8, JoinTimeoutMS: 2000},
		newLogger())
}

func TestRunDeliversChunksInOrder(t *testing.T) {
	store := &fakeStore{articles: threeArticles()}
	composer := &fakeComposer{script: "Hello. Story one. Story two. Story three. Goodbye."}
	producer := newFakeProducer([]byte("AAA"), []byte("BBB"), []byte("CCC"))

	r := newRunner(store, composer, producer)
	stream := r.Run(context.Background(), NewRunID(), "")

	var delivered [][]byte
	total := 0
	for chunk := range stream.Chunks() {
		delivered = append(delivered, chunk)
		total += len(chunk)
	}
	if err := <-stream.Errs(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(delivered) != 3 || total != 9 {
		t.Fatalf("expected 3 chunks and 9 bytes, got %d chunks and %d bytes", len(delivered), total)
	}
	for i, want := range []string{"AAA", "BBB", "CCC"} {
		if string(delivered[i]) != want {
			t.Fatalf("chunk %d: expected %q, got %q", i, want, delivered[i])
		}
	}
	if len(store.scripts) != 1 || store.scripts[0] != composer.script {
		t.Fatalf("expected composed script stored, got %v", store.scripts)
	}
}

func TestRunEmptyArticlesFailsWithZeroChunks(t *testing.T) {
	store := &fakeStore{}
	composer := &fakeComposer{}
	producer := newFakeProducer()

	r := newRunner(store, composer, producer)
	stream := r.Run(context.Background(), NewRunID(), "")

	for range stream.Chunks() {
		t.Fatal("expected zero chunks for empty article set")
	}
	if err := <-stream.Errs(); !errors.Is(err, ErrNoArticles) {
		t.Fatalf("expected ErrNoArticles, got %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if producer.calls.Load() != 0 {
		t.Fatal("producer must not be invoked when no articles exist")
	}
}

func TestRunSynthesisFailureAfterChunks(t *testing.T) {
	boom := errors.New("synthesis exploded")
	store := &fakeStore{articles: threeArticles()}
	composer := &fakeComposer{script: "script"}
	producer := newFakeProducer([]byte("AAA"))
	producer.err = boom

	r := newRunner(store, composer, producer)
	stream := r.Run(context.Background(), NewRunID(), "")

	var got [][]byte
	for chunk := range stream.Chunks() {
		got = append(got, chunk)
	}
	if err := <-stream.Errs(); !errors.Is(err, boom) {
		t.Fatalf("expected synthesis error, got %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(got) != 1 || string(got[0]) != "AAA" {
		t.Fatalf("expected the chunk sent before the failure, got %v", got)
	}
}

func TestRunClientDisconnectJoinsWorker(t *testing.T) {
	store := &fakeStore{articles: threeArticles()}
	composer := &fakeComposer{script: "script"}
	producer := newFakeProducer([]byte("AAA"))
	producer.block = true

	r := newRunner(store, composer, producer)
	stream := r.Run(context.Background(), NewRunID(), "")

	<-stream.Chunks() // first chunk arrives, then the client goes away

	if err := stream.Close(); err != nil {
		t.Fatalf("expected worker to join after disconnect, got %v", err)
	}

	select {
	case <-producer.exited:
	case <-time.After(time.Second):
		t.Fatal("producer goroutine still running after close")
	}
}

func TestRunCompleteMatchesStreamedBytes(t *testing.T) {
	store := &fakeStore{articles: threeArticles()}
	composer := &fakeComposer{script: "script"}
	producer := newFakeProducer([]byte("AAA"), []byte("BBB"), []byte("CCC"))

	r := newRunner(store, composer, producer)
	audio, err := r.RunComplete(context.Background(), NewRunID(), "")
	if err != nil {
		t.Fatalf("run complete: %v", err)
	}
	if string(audio) != "AAABBBCCC" {
		t.Fatalf("expected full blob, got %q", audio)
	}
}

func TestRunCompleteEmptyArticles(t *testing.T) {
	r := newRunner(&fakeStore{}, &fakeComposer{}, newFakeProducer())
	if _, err := r.RunComplete(context.Background(), NewRunID(), ""); !errors.Is(err, ErrNoArticles) {
		t.Fatalf("expected ErrNoArticles, got %v", err)
	}
}

func TestRequestedVoiceReachesSynthesis(t *testing.T) {
	store := &fakeStore{articles: threeArticles()}
	composer := &fakeComposer{script: "script"}
	producer := newFakeProducer([]byte("AAA"))

	r := newRunner(store, composer, producer)
	stream := r.Run(context.Background(), NewRunID(), "nova")
	for range stream.Chunks() {
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if producer.voice != "nova" {
		t.Fatalf("streaming run: expected voice %q, got %q", "nova", producer.voice)
	}

	if _, err := r.RunComplete(context.Background(), NewRunID(), "onyx"); err != nil {
		t.Fatalf("run complete: %v", err)
	}
	if producer.voice != "onyx" {
		t.Fatalf("complete run: expected voice %q, got %q", "onyx", producer.voice)
	}
}

// stuckComposer ignores context cancellation until released, pinning the
// worker past any join bound.
type stuckComposer struct {
	release chan struct{}
}

func (c *stuckComposer) Compose(_ context.Context, _ []newsstore.Article) (string, error) {
	<-c.release
	return "", errors.New("released")
}

func TestCloseReportsJoinTimeoutForStuckWorker(t *testing.T) {
	store := &fakeStore{articles: threeArticles()}
	composer := &stuckComposer{release: make(chan struct{})}
	defer close(composer.release)

	r := NewRunner(store, composer, newFakeProducer(), nil,
		config.StoreConfig{WindowHours: 24},
		config.PipelineConfig{ChunkBuffer: 8, JoinTimeoutMS: 50},
		newLogger())
	stream := r.Run(context.Background(), NewRunID(), "")

	start := time.Now()
	if err := stream.Close(); !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("expected ErrJoinTimeout for a worker that will not exit, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("close waited %v, expected the configured bound", elapsed)
	}
}
