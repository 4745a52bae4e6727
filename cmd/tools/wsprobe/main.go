package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

type frame map[string]any

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	url := flag.String("url", "ws://localhost:8765/ws", "realtime endpoint")
	text := flag.String("text", "", "text to request as audio_only; only pings when empty")
	language := flag.String("lang", "en-IN", "language code")
	speaker := flag.String("speaker", "", "TTS speaker")
	timeout := flag.Duration("timeout", 60*time.Second, "overall deadline")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", *url, err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(*timeout))

	ready := await(conn, "connection_ready")
	log.Printf("connected as %v, services=%v", ready["client_id"], ready["services"])

	start := time.Now()
	send(conn, frame{"type": "ping", "request_id": "probe-ping"})
	await(conn, "pong")
	log.Printf("ping round trip %s", time.Since(start))

	if *text == "" {
		closeNormally(conn)
		return
	}

	start = time.Now()
	send(conn, frame{
		"type":       "audio_only",
		"request_id": "probe-audio",
		"text":       *text,
		"language":   *language,
		"speaker":    *speaker,
	})

	var chunks, size int
	var first time.Duration
	for {
		msg := read(conn)
		switch msg["type"] {
		case "audio_chunk":
			if chunks == 0 {
				first = time.Since(start)
			}
			chunks++
			if data, ok := msg["audio_data"].(string); ok {
				decoded, err := base64.StdEncoding.DecodeString(data)
				if err != nil {
					log.Fatalf("chunk %v is not valid base64: %v", msg["chunk_id"], err)
				}
				size += len(decoded)
			}
		case "audio_generation_complete":
			log.Printf("audio complete: %d chunks, %d bytes, first chunk after %s (server reported %vms), total %s",
				chunks, size, first, msg["first_chunk_latency"], time.Since(start))
			closeNormally(conn)
			return
		case "error":
			log.Fatalf("server error (%v): %v", msg["kind"], msg["error"])
		}
	}
}

func send(conn *websocket.Conn, msg frame) {
	if err := conn.WriteJSON(msg); err != nil {
		log.Fatalf("send %v: %v", msg["type"], err)
	}
}

func read(conn *websocket.Conn) frame {
	var msg frame
	if err := conn.ReadJSON(&msg); err != nil {
		log.Fatalf("read: %v", err)
	}
	return msg
}

func await(conn *websocket.Conn, kind string) frame {
	for {
		msg := read(conn)
		switch msg["type"] {
		case kind:
			return msg
		case "error":
			log.Fatalf("server error while waiting for %s: %v", kind, msg["error"])
		}
	}
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe done")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		fmt.Printf("close: %v\n", err)
	}
}
