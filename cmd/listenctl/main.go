package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'start', 'stop', 'locales', 'status', 'watch' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "start":
		runStart(os.Args[2:])
	case "stop":
		runControl(os.Args[2:], "stop", protocol.SubjectSessionStop)
	case "locales":
		runControl(os.Args[2:], "locales", protocol.SubjectSessionLocales)
	case "status":
		runControl(os.Args[2:], "status", protocol.SubjectSessionStatus)
	case "watch":
		runWatch(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func connect(server string) *nats.Conn {
	conn, err := nats.Connect(server, nats.Name("listenctl"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to %s: %v\n", server, err)
		os.Exit(1)
	}
	return conn
}

func runStart(args []string) {
	var req protocol.StartRequest
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	server := fs.String("server", nats.DefaultURL, "NATS server URL")
	fs.StringVar(&req.Locale, "locale", "", "Session locale")
	fs.StringVar(&req.Mode, "mode", "", "single, continuous or continuousAndStop")
	fs.IntVar(&req.SilenceTimeoutMS, "silence-timeout", 0, "Silence timeout in milliseconds")
	fs.BoolVar(&req.EnableAudioBuffer, "audio-buffer", false, "Stream audio frames to listen.event.audio")
	fs.Parse(args)

	conn := connect(*server)
	defer conn.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	request(conn, protocol.SubjectSessionStart, payload)
}

func runControl(args []string, name, subject string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	server := fs.String("server", nats.DefaultURL, "NATS server URL")
	fs.Parse(args)

	conn := connect(*server)
	defer conn.Close()
	request(conn, subject, nil)
}

func request(conn *nats.Conn, subject string, payload []byte) {
	msg, err := conn.Request(subject, payload, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request %s: %v\n", subject, err)
		os.Exit(1)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		fmt.Fprintf(os.Stderr, "decode reply: %v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(reply, "", "  ")
	fmt.Println(string(out))
	if !reply.OK {
		os.Exit(1)
	}
}

func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	server := fs.String("server", nats.DefaultURL, "NATS server URL")
	fs.Parse(args)

	conn := connect(*server)
	defer conn.Close()

	sub, err := conn.Subscribe(protocol.SubjectEventPrefix+".>", func(msg *nats.Msg) {
		var evt protocol.SessionEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			fmt.Fprintf(os.Stderr, "decode event: %v\n", err)
			return
		}
		switch evt.Kind {
		case "partial", "result":
			fmt.Printf("%s %s %q\n", evt.Timestamp.Format(time.RFC3339), evt.Kind, evt.Text)
		case "listening":
			fmt.Printf("%s listening=%v\n", evt.Timestamp.Format(time.RFC3339), evt.Listening)
		case "availability":
			fmt.Printf("%s available=%v\n", evt.Timestamp.Format(time.RFC3339), evt.Available)
		case "error":
			fmt.Printf("%s error %s: %s\n", evt.Timestamp.Format(time.RFC3339), evt.ErrorCode, evt.Error)
		case "audio":
			fmt.Printf("%s audio frame, %d samples\n", evt.Timestamp.Format(time.RFC3339), len(evt.Samples))
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "subscribe events: %v\n", err)
		os.Exit(1)
	}
	defer sub.Drain()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
