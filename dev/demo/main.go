// Dev tool: an interactive terminal chat client against a local
// chatsync server, plus a kafka producer mode that mocks a business
// server pushing external events.
//
// Interactive commands:
//
//	/typing       tap the typing flag
//	/read         mark the chat read
//	/del <id>     delete a message
//	/retry        restart a failed bootstrap
//	/refresh      re-request the snapshot
//	/quit
//
// Any other line is sent as a text message;
// `/img <url> [caption]` sends an image message.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/ckfuturetech19/chat-app-sub002/cache"
	"github.com/ckfuturetech19/chat-app-sub002/chat"
	"github.com/ckfuturetech19/chat-app-sub002/identity"
	"github.com/ckfuturetech19/chat-app-sub002/msg"
	"github.com/ckfuturetech19/chat-app-sub002/server"
	"github.com/ckfuturetech19/chat-app-sub002/transport"
)

const kafkaTopic = "chatsync-events"

var (
	flagURL       = flag.String("url", "ws://127.0.0.1:8000/ws", "server websocket url")
	flagUID       = flag.String("uid", "u1", "user id to connect as")
	flagCacheFile = flag.String("cache-file", "", "bbolt cache file, default chatsync-demo-<uid>.db")

	flagProduce   = flag.Bool("produce", false, "run as kafka event producer instead of a client")
	flagKafka     = flag.String("kafka-endpoints", "127.0.0.1:9092", "kafka endpoints, ',' delimitted.")
	flagChatID    = flag.String("chat-id", "", "produce: target chat id")
	flagSenderID  = flag.String("sender-id", "bot", "produce: sender id")
	flagTickerDur = flag.Duration("ticker-duration", 30*time.Second, "produce: ticker duration")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	if *flagProduce {
		produce()
		return
	}

	cacheFile := *flagCacheFile
	if cacheFile == "" {
		cacheFile = fmt.Sprintf("chatsync-demo-%s.db", *flagUID)
	}
	store, err := cache.Open(cacheFile)
	if err != nil {
		glog.Exitf("open cache: %v", err)
	}
	defer store.Close()

	tc := transport.NewWsClient(*flagURL, *flagUID)
	tc.PeerTyping = func(on bool) {
		if on {
			fmt.Println("* peer is typing ...")
		}
	}
	ctrl := chat.New(tc, &identity.Static{UID: *flagUID}, store, chat.Config{})
	defer ctrl.Dispose()

	states, cancelStates := ctrl.States().Subscribe()
	defer cancelStates()
	go printStates(states)

	// Foreground bootstraps the session on first use.
	lc := chat.NewLifecycle(ctrl, nil)
	lc.Foreground()
	defer lc.Background()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "/quit":
			return
		case line == "/typing":
			ctrl.UpdateTyping(true)
		case line == "/read":
			ctrl.MarkRead()
		case line == "/retry":
			ctrl.Retry()
		case line == "/refresh":
			ctrl.Refresh()
		case strings.HasPrefix(line, "/del "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/del "))
			if err := ctrl.DeleteMessage(id); err != nil {
				fmt.Printf("! delete failed: %v\n", err)
			}
		case strings.HasPrefix(line, "/img "):
			rest := strings.TrimSpace(strings.TrimPrefix(line, "/img "))
			url, caption := rest, ""
			if i := strings.IndexByte(rest, ' '); i > 0 {
				url, caption = rest[:i], strings.TrimSpace(rest[i+1:])
			}
			if err := ctrl.SendImage(url, caption); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
		case line != "":
			if err := ctrl.SendText(line); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
		}
	}
}

func printStates(states <-chan chat.State) {
	for s := range states {
		switch s.Phase {
		case chat.PhaseLoading:
			fmt.Println("* loading ...")
		case chat.PhaseError:
			fmt.Printf("! error: %v\n", s.Err)
		default:
			conn := "offline"
			if s.Connected {
				conn = "live"
			}
			fmt.Printf("--- %s [%s] %d message(s) ---\n", s.Phase, conn, len(s.Messages))
			for _, m := range s.Messages {
				body := m.Text
				if m.Kind == msg.KindImage {
					body = fmt.Sprintf("[image %s] %s", m.MediaURL, m.Caption)
				}
				read := ""
				if m.Read {
					read = " [read]"
				}
				fmt.Printf("  %s  %s: %s%s  (%s)\n", m.SentAt.Format("15:04:05"), m.SenderID, body, read, m.ID)
			}
			if s.Pending != nil {
				fmt.Printf("  ... sending: %s\n", s.Pending.Text)
			}
		}
	}
}

// produce mocks a business server that pushes `ExternalEvent`s to
// kafka.
//
// kafka-topics.sh --bootstrap-server localhost:9092 --topic chatsync-events --create
func produce() {
	if *flagChatID == "" {
		glog.Exit("--chat-id is required.")
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  strings.Split(*flagKafka, ","),
		Topic:    kafkaTopic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	})
	defer w.Close()

	ticker := time.NewTicker(*flagTickerDur)
	defer ticker.Stop()

	var n int
	for range ticker.C {
		n++
		ev := server.ExternalEvent{
			ChatID:   *flagChatID,
			SenderID: *flagSenderID,
			Kind:     msg.KindText,
			Text:     fmt.Sprintf("external event #%d at %s", n, time.Now().Format(time.RFC3339)),
		}
		value, err := json.Marshal(&ev)
		if err != nil {
			glog.Exitf("marshal event: %v", err)
		}
		err = w.WriteMessages(context.Background(), kafka.Message{
			Key:   []byte(*flagChatID),
			Value: value,
		})
		if err != nil {
			glog.Errorf("write event: %v", err)
		} else {
			glog.Infof("wrote event #%d", n)
		}
	}
}
