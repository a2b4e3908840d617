package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kaphack/realtime-crisis-escalation/internal/grpcserver"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "gRPC server address")
	sessionID := flag.String("session_id", "", "conversation session id (optional)")
	sender := flag.String("sender", "CUSTOMER", "sender (CUSTOMER, AGENT, SYSTEM)")
	flag.Parse()

	if *sessionID == "" {
		*sessionID = fmt.Sprintf("session-%d", time.Now().UnixNano())
	}

	log.Printf("Connecting to gRPC server at %s", *addr)
	client, err := grpcserver.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	stream, err := client.Open(ctx)
	if err != nil {
		log.Fatalf("failed to open stream: %v", err)
	}
	if err := stream.Send(grpcserver.Frame{
		Type:      grpcserver.FrameStart,
		SessionID: *sessionID,
		Metadata:  map[string]string{"source": "cli-producer"},
	}); err != nil {
		log.Fatalf("failed to start session: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			f, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				log.Printf("stream closed: %v", err)
				return
			}
			switch f.Type {
			case grpcserver.FrameAck:
				log.Printf("ack message_id=%s", f.MessageID)
			case grpcserver.FrameMessage:
				fmt.Printf("[%s] %s\n", f.Sender, f.Text)
			case grpcserver.FrameError:
				log.Printf("server rejected frame: %s", f.Error)
			}
		}
	}()

	log.Printf("Streaming conversation for session_id=%s", *sessionID)
	log.Println("Type lines and press ENTER to send. Ctrl+D (EOF) to end the conversation.")

	scanner := bufio.NewScanner(os.Stdin)
	messageCounter := 0
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		messageCounter++
		err := stream.Send(grpcserver.Frame{
			Type:        grpcserver.FrameMessage,
			SessionID:   *sessionID,
			MessageID:   fmt.Sprintf("msg-%d", messageCounter),
			Sender:      *sender,
			Text:        text,
			TimestampMs: time.Now().UnixMilli(),
			Metadata:    map[string]string{"source": "cli-producer"},
		})
		if err != nil {
			log.Fatalf("failed to send message: %v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("stdin error: %v", err)
	}

	if err := stream.Send(grpcserver.Frame{Type: grpcserver.FrameEnd, SessionID: *sessionID}); err != nil {
		log.Printf("failed to send end frame: %v", err)
	}
	stream.CloseSend()
	<-done
	log.Println("Conversation ended")
}
