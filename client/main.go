package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	MsgTypeHello       = 2
	MsgTypeCreateMatch = 101
	MsgTypeJoinMatch   = 102
	MsgTypeSubmitMaze  = 103
	MsgTypeMove        = 201
	MsgTypeChat        = 202
)

// send formats and sends a message to the WebSocket server.
func send(c *websocket.Conn, msgID uint16, data []byte) error {
	packet := make([]byte, 4+len(data))
	binary.BigEndian.PutUint16(packet[0:2], msgID)
	binary.BigEndian.PutUint16(packet[2:4], uint16(len(data)))
	copy(packet[4:], data)

	return c.WriteMessage(websocket.BinaryMessage, packet)
}

func sendJSON(c *websocket.Conn, msgID uint16, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return send(c, msgID, data)
}

// sampleMaze is a valid 5x5 maze with exactly 8 walls and a clear path
// from start to goal.
func sampleMaze() map[string]any {
	return map[string]any{
		"gridSize": 5,
		"start":    map[string]int{"r": 0, "c": 0},
		"goal":     map[string]int{"r": 4, "c": 4},
		"walls": []map[string]any{
			{"type": "horizontal", "r": 0, "c": 1},
			{"type": "horizontal", "r": 1, "c": 3},
			{"type": "horizontal", "r": 2, "c": 0},
			{"type": "horizontal", "r": 3, "c": 2},
			{"type": "vertical", "r": 1, "c": 1},
			{"type": "vertical", "r": 2, "c": 3},
			{"type": "vertical", "r": 3, "c": 0},
			{"type": "vertical", "r": 4, "c": 2},
		},
	}
}

func main() {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	u := url.URL{Scheme: "ws", Host: "localhost:8080", Path: "/ws"}
	log.Printf("Connecting to %s", u.String())

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	playerID := uuid.New().String()
	peerID := uuid.New().String()
	done := make(chan struct{})

	// Read loop
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				log.Println("Read error:", err)
				return
			}
			if len(message) < 4 {
				log.Printf("Received invalid packet of size %d", len(message))
				continue
			}
			msgID := binary.BigEndian.Uint16(message[0:2])
			data := message[4:]
			log.Printf("<- RECV (ID: %d): %s", msgID, string(data))
		}
	}()

	log.Printf("Registering as player %s", playerID)
	if err := sendJSON(c, MsgTypeHello, map[string]string{"playerId": playerID}); err != nil {
		log.Fatalf("Write error: %v", err)
	}

	log.Println("Creating a 2-player match...")
	if err := sendJSON(c, MsgTypeCreateMatch, map[string][]string{
		"participants": {playerID, peerID},
	}); err != nil {
		log.Fatalf("Write error: %v", err)
	}

	fmt.Println("Commands:")
	fmt.Println("  join <matchId>      watch a match")
	fmt.Println("  maze                submit the sample maze")
	fmt.Println("  up|down|left|right  move")
	fmt.Println("  say <text>          chat")

	reader := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-done:
			return
		case <-interrupt:
			log.Println("Interrupt received, closing connection.")
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.Println("Write close error:", err)
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		default:
			text, _ := reader.ReadString('\n')
			text = strings.TrimSpace(text)

			switch {
			case strings.HasPrefix(text, "join "):
				matchID := strings.TrimPrefix(text, "join ")
				if err := sendJSON(c, MsgTypeJoinMatch, map[string]string{"matchId": matchID}); err != nil {
					log.Println("Write error:", err)
					return
				}
			case text == "maze":
				if err := sendJSON(c, MsgTypeSubmitMaze, sampleMaze()); err != nil {
					log.Println("Write error:", err)
					return
				}
			case text == "up" || text == "down" || text == "left" || text == "right":
				if err := sendJSON(c, MsgTypeMove, map[string]string{"direction": text}); err != nil {
					log.Println("Write error:", err)
					return
				}
			case strings.HasPrefix(text, "say "):
				if err := sendJSON(c, MsgTypeChat, map[string]string{"text": strings.TrimPrefix(text, "say ")}); err != nil {
					log.Println("Write error:", err)
					return
				}
			}
		}
	}
}
