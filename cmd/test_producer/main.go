package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	crisiskafka "github.com/kaphack/realtime-crisis-escalation/internal/kafka"
)

// a short transcript that escalates from moderate distress to an explicit risk statement
var transcript = []struct {
	speaker string
	text    string
}{
	{"caller", "hi, I don't really know why I called"},
	{"agent", "I'm glad you did. What's been going on?"},
	{"caller", "everything feels hopeless lately, I can't sleep"},
	{"caller", "I've been thinking nobody would miss me"},
	{"agent", "Are you thinking about ending your life?"},
	{"caller", "yes, I want to kill myself"},
}

func main() {
	brokers := flag.String("brokers", "localhost:9092", "comma separated Kafka brokers")
	topic := flag.String("topic", "conversations", "transcript topic")
	conversationID := flag.String("conversation_id", "", "conversation id (optional)")
	delay := flag.Duration("delay", 500*time.Millisecond, "pause between records")
	end := flag.Bool("end", true, "end the conversation after the transcript")
	flag.Parse()

	if *conversationID == "" {
		*conversationID = fmt.Sprintf("call-%d", time.Now().UnixNano())
	}

	w := &kafka.Writer{
		Addr:     kafka.TCP(strings.Split(*brokers, ",")...),
		Topic:    *topic,
		Balancer: &kafka.Hash{},
	}
	defer func() {
		if err := w.Close(); err != nil {
			log.Printf("failed to close writer: %v", err)
		}
	}()

	ctx := context.Background()
	send := func(rec crisiskafka.TranscriptRecord) {
		value, err := json.Marshal(rec)
		if err != nil {
			log.Fatalf("failed to marshal record: %v", err)
		}
		if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(*conversationID), Value: value}); err != nil {
			log.Fatalf("failed to write message: %v", err)
		}
		log.Printf("sent %s %s %q", rec.Event, rec.Speaker, rec.Text)
	}

	send(crisiskafka.TranscriptRecord{ConversationID: *conversationID, Event: "start",
		Metadata: map[string]string{"source": "test_producer"}})
	for i, line := range transcript {
		time.Sleep(*delay)
		send(crisiskafka.TranscriptRecord{
			ConversationID: *conversationID,
			Event:          "message",
			Speaker:        line.speaker,
			Text:           line.text,
			MessageID:      fmt.Sprintf("%s-%d", *conversationID, i+1),
			Timestamp:      time.Now().UTC(),
		})
	}
	if *end {
		time.Sleep(*delay)
		send(crisiskafka.TranscriptRecord{ConversationID: *conversationID, Event: "end"})
	}
	log.Printf("transcript for %s sent", *conversationID)
}
