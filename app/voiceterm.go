package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/zerodha/trade-stream/voice"
)

const voiceHelp = "Press Enter to start or stop talking, r to reconnect, q to quit."

// voiceController is the part of *voice.Client the terminal drives.
type voiceController interface {
	Connect(ctx context.Context) error
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	Disconnect() error
	Events() <-chan voice.Event
	State() voice.State
}

// terminal serialises writes from the input loop and the event printer.
type terminal struct {
	mu  sync.Mutex
	out io.Writer
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

// runVoiceTerminal connects a voice session and drives it from line input
// until q, end of input or ctx is done.
func runVoiceTerminal(ctx context.Context, client voiceController, in io.Reader, out io.Writer, logger *slog.Logger) error {
	term := &terminal{out: out}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect voice session: %w", err)
	}

	var printers sync.WaitGroup
	watch := func() {
		events := client.Events()
		printers.Add(1)
		go func() {
			defer printers.Done()
			printEvents(term, events)
		}()
	}
	watch()
	defer func() {
		if err := client.Disconnect(); err != nil {
			logger.Warn("Voice disconnect failed", "error", err)
		}
		printers.Wait()
	}()

	inputCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-inputCtx.Done():
				return
			}
		}
	}()

	term.printf("%s", voiceHelp)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "q", "quit":
				return nil
			case "r":
				if st := client.State(); st != voice.StateClosed {
					term.printf("session is %s", st)
					continue
				}
				if err := client.Connect(ctx); err != nil {
					term.printf("reconnect failed: %v", err)
					continue
				}
				watch()
			case "":
				toggleRecording(ctx, client, term)
			default:
				term.printf("%s", voiceHelp)
			}
		}
	}
}

func toggleRecording(ctx context.Context, client voiceController, term *terminal) {
	var err error
	switch st := client.State(); st {
	case voice.StateReady:
		err = client.StartRecording(ctx)
	case voice.StateRecording:
		err = client.StopRecording(ctx)
	case voice.StateClosed:
		term.printf("session closed, r to reconnect")
		return
	default:
		term.printf("session is %s, wait for ready", st)
		return
	}
	if err != nil {
		term.printf("error: %v", err)
	}
}

func printEvents(term *terminal, events <-chan voice.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case voice.StateEvent:
			term.printf("[%s]", e.State)
		case voice.PartialTranscriptEvent:
			term.printf("you ... %s", e.Text)
		case voice.FinalTranscriptEvent:
			term.printf("you: %s", e.Text)
		case voice.AgentThinkingEvent:
			if e.Thinking {
				term.printf("agent is thinking")
			}
		case voice.AgentTextEvent:
			term.printf("agent: %s", e.Text)
		case voice.ErrorEvent:
			term.printf("error: %s", e.Message)
		}
	}
}
