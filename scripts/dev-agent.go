package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"strings"
	"time"
)

// Local mock session-protocol agent for manual testing.
// Run: go run scripts/dev-agent.go
// Then point an agent at tcp://127.0.0.1:9100 with transport acp.

var addr = flag.String("addr", "127.0.0.1:9100", "listen address")

type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
}

func main() {
	flag.Parse()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	log.Printf("Mock agent listening on %s", *addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Fatalf("accept: %v", err)
		}
		go handle(conn)
	}
}

func handle(conn net.Conn) {
	defer conn.Close()
	log.Printf("Client connected: %s", conn.RemoteAddr())

	send := func(v interface{}) {
		data, err := json.Marshal(v)
		if err != nil {
			log.Printf("marshal: %v", err)
			return
		}
		conn.Write(append(data, '\n'))
	}

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			log.Printf("Client gone: %v", err)
			return
		}

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			log.Printf("bad frame: %v", err)
			continue
		}

		switch f.Method {
		case "initialize":
			send(frame{JSONRPC: "2.0", ID: f.ID, Result: map[string]interface{}{"protocolVersion": 1}})
		case "session/new":
			send(frame{JSONRPC: "2.0", ID: f.ID, Result: map[string]interface{}{"sessionId": "dev-session"}})
		case "session/prompt":
			prompt(f, send)
		case "":
			// response to one of our requests (permission outcome)
			log.Printf("Client answered: %s", strings.TrimSpace(string(line)))
		default:
			log.Printf("Ignoring %s", f.Method)
		}
	}
}

func prompt(f frame, send func(interface{})) {
	var p struct {
		Prompt []struct {
			Text string `json:"text"`
		} `json:"prompt"`
	}
	json.Unmarshal(f.Params, &p)

	text := "nothing"
	if len(p.Prompt) > 0 {
		text = p.Prompt[0].Text
	}

	reply := fmt.Sprintf("You said: %s", text)
	for _, word := range strings.SplitAfter(reply, " ") {
		send(frame{JSONRPC: "2.0", Method: "session/update", Params: rawParams(map[string]interface{}{
			"sessionId": "dev-session",
			"update": map[string]interface{}{
				"sessionUpdate": "agent_message_chunk",
				"content":       map[string]interface{}{"type": "text", "text": word},
			},
		})})
		time.Sleep(100 * time.Millisecond)
	}

	send(frame{JSONRPC: "2.0", ID: f.ID, Result: map[string]interface{}{"stopReason": "end_turn"}})
}

func rawParams(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
