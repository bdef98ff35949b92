package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/griefhaven/callcore/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("signal_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	user := flag.String("user", "smoke-tester", "user id to announce with hello")
	token := flag.String("token", "", "bearer token (required when the server runs with a JWT secret)")
	timeout := flag.Duration("timeout", 30*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	target := *addr
	if *token != "" {
		target += "?token=" + url.QueryEscape(*token)
	}
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	helloPayload, err := json.Marshal(proto.HelloData{UserID: *user, Protocol: proto.ProtocolVersion})
	if err != nil {
		return fmt.Errorf("marshal hello: %w", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeHello, Data: helloPayload}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	fmt.Printf("connected as %s, waiting for events\n", *user)

	for {
		var frame proto.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		fmt.Printf("received: type=%s\n", frame.Type)

		switch frame.Type {
		case proto.OutboundTypeIncomingCall:
			var invite proto.IncomingCall
			if err := json.Unmarshal(frame.Data, &invite); err != nil {
				fmt.Printf("raw data: %s\n", string(frame.Data))
				return fmt.Errorf("unmarshal incoming_call: %w", err)
			}
			fmt.Printf("incoming call: room=%s from=%s (%s) type=%s\n",
				invite.RoomName, invite.FromUserID, invite.FromUserName, invite.CallType)
		case proto.OutboundTypeCallDeclined:
			var declined proto.CallDeclined
			if err := json.Unmarshal(frame.Data, &declined); err != nil {
				fmt.Printf("raw data: %s\n", string(frame.Data))
				return fmt.Errorf("unmarshal call_declined: %w", err)
			}
			fmt.Printf("call declined: room=%s by=%s\n", declined.RoomName, declined.By)
		case proto.OutboundTypeError:
			var protoErr proto.Error
			if err := json.Unmarshal(frame.Data, &protoErr); err == nil {
				fmt.Printf("error: code=%s msg=%s\n", protoErr.Code, protoErr.Msg)
			}
		default:
			fmt.Printf("raw data: %s\n", string(frame.Data))
		}
	}
}
