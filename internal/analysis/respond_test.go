package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/chatpulse/chatpulse/internal/store"
)

type fixedContexts struct {
	turns []string
	err   error
	calls int
}

func (f *fixedContexts) ContextTexts(context.Context, string, time.Time, time.Duration) ([]string, error) {
	f.calls++
	return f.turns, f.err
}

func TestResponseSkipsOutgoing(t *testing.T) {
	agent := NewResponseAgent(nil)
	msg := testMessage("are you coming tonight?")
	msg.Outgoing = true

	out, err := agent.Analyze(context.Background(), []store.Message{msg}, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("got %+v, want skip for outgoing message", out)
	}
}

func TestResponseQuestionDetection(t *testing.T) {
	agent := NewResponseAgent(nil)

	tests := []struct {
		text       string
		isQuestion bool
	}{
		{"are you coming tonight?", true},
		{"how did it go", true},
		{"see you tomorrow", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			res := runOne(t, agent, tt.text)
			if res == nil {
				t.Fatal("got no result")
			}
			var detail responseDetail
			if err := json.Unmarshal(res.Payload, &detail); err != nil {
				t.Fatalf("payload: %v", err)
			}
			if detail.IsQuestion != tt.isQuestion {
				t.Errorf("IsQuestion = %v, want %v", detail.IsQuestion, tt.isQuestion)
			}
			if len(detail.Suggestions) == 0 {
				t.Error("no suggestions produced")
			}
			if tt.isQuestion && res.Confidence != 0.7 {
				t.Errorf("confidence = %f, want 0.7 for a question", res.Confidence)
			}
		})
	}
}

func TestResponseToneShapesSuggestions(t *testing.T) {
	agent := NewResponseAgent(nil)

	res := runOne(t, agent, "this is awful, everything broke")
	if res == nil {
		t.Fatal("got no result")
	}
	if res.Label != string(store.SentimentNegative) {
		t.Errorf("label = %q, want negative", res.Label)
	}

	var detail responseDetail
	if err := json.Unmarshal(res.Payload, &detail); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if detail.Tone != string(store.SentimentNegative) {
		t.Errorf("tone = %q, want negative", detail.Tone)
	}
}

func TestResponseContextToneShapesSuggestions(t *testing.T) {
	// A neutral message inside a tense window gets the careful reply.
	contexts := &fixedContexts{turns: []string{
		"this is awful, everything broke",
		"I hate this, what a terrible day",
	}}
	agent := NewResponseAgent(contexts)

	withContext := runOne(t, agent, "see you tomorrow")
	if withContext == nil {
		t.Fatal("got no result")
	}
	var detail responseDetail
	if err := json.Unmarshal(withContext.Payload, &detail); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if detail.Tone != string(store.SentimentNeutral) {
		t.Fatalf("tone = %q, want neutral", detail.Tone)
	}
	if detail.ContextTone != string(store.SentimentNegative) {
		t.Errorf("context tone = %q, want negative", detail.ContextTone)
	}

	plain := runOne(t, NewResponseAgent(nil), "see you tomorrow")
	var plainDetail responseDetail
	if err := json.Unmarshal(plain.Payload, &plainDetail); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if detail.Suggestions[0] == plainDetail.Suggestions[0] {
		t.Error("negative window did not change the suggestions")
	}
}

func TestResponseContextFetchedOncePerConversation(t *testing.T) {
	contexts := &fixedContexts{turns: []string{"earlier chatter"}}
	agent := NewResponseAgent(contexts)

	batch := []store.Message{
		testMessage("see you tomorrow"),
		testMessage("bringing the cake"),
		testMessage("around noon works"),
	}
	out, err := agent.Analyze(context.Background(), batch, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d results, want 3", len(out))
	}
	if contexts.calls != 1 {
		t.Errorf("context fetched %d times, want once for one conversation", contexts.calls)
	}

	var detail responseDetail
	if err := json.Unmarshal(out[0].Payload, &detail); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if detail.ContextUsed != 1 {
		t.Errorf("ContextUsed = %d, want 1", detail.ContextUsed)
	}
}

func TestResponseContextProviderFailureTolerated(t *testing.T) {
	agent := NewResponseAgent(&fixedContexts{err: errors.New("index offline")})

	res := runOne(t, agent, "see you tomorrow")
	if res == nil {
		t.Fatal("context failure must not suppress the result")
	}

	var detail responseDetail
	if err := json.Unmarshal(res.Payload, &detail); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if detail.ContextUsed != 0 {
		t.Errorf("ContextUsed = %d, want 0", detail.ContextUsed)
	}
	if detail.ContextTone != "" {
		t.Errorf("ContextTone = %q, want empty without a window", detail.ContextTone)
	}
}
