package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/raptazure/distributed-process/pkg/codec"
	"github.com/raptazure/distributed-process/pkg/config"
	"github.com/raptazure/distributed-process/pkg/observability"
	"github.com/raptazure/distributed-process/pkg/transport"
	"github.com/raptazure/distributed-process/pkg/transport/chaos"
	"github.com/raptazure/distributed-process/pkg/transport/mem"
	"github.com/raptazure/distributed-process/pkg/transport/quic"
	"github.com/raptazure/distributed-process/pkg/transport/tcp"
)

// run is the main entry point after CLI parsing: it spawns an echo endpoint
// on the configured backend and drives a short client conversation through
// it, exercising the full contract end to end.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("dproc-echo started",
		zap.String("app", cfg.AppName),
		zap.String("transport", cfg.Transport.Kind))

	tr := buildTransport(cfg.Transport)
	defer tr.Close()

	payloadCodec, err := lookupCodec(opts.Codec)
	if err != nil {
		zap.L().Error("bad codec selection", zap.Error(err))
		return 1
	}

	serverAddr, err := transport.Spawn(tr, echoHandler)
	if err != nil {
		zap.L().Error("failed to spawn echo endpoint", zap.Error(err))
		return 1
	}
	zap.L().Info("echo endpoint up", zap.String("addr", string(serverAddr)))

	if err := runClient(tr, serverAddr, cfg.Chaos, payloadCodec, opts); err != nil {
		zap.L().Error("client conversation failed", zap.Error(err))
		return 1
	}
	return 0
}

// echoMsg is the demo's message payload, marshaled with the selected codec.
type echoMsg struct {
	Seq  int    `json:"seq" cbor:"seq"`
	Body string `json:"body" cbor:"body"`
}

// lookupCodec resolves the -codec flag through the codec registry.
func lookupCodec(name string) (codec.Codec, error) {
	reg := codec.NewRegistry()
	cb, err := codec.CBOR()
	if err != nil {
		return nil, err
	}
	reg.Register(cb)

	contentType := ""
	switch name {
	case "json":
		contentType = "application/json"
	case "cbor":
		contentType = "application/cbor"
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
	c := reg.Get(contentType)
	if c == nil {
		return nil, fmt.Errorf("no codec registered for %q", contentType)
	}
	return c, nil
}

func buildTransport(tc config.TransportConfig) transport.Transport {
	switch tc.Kind {
	case "mem":
		return mem.New()
	case "quic":
		return quic.New(tc.Host)
	default:
		return tcp.New(tc.Host)
	}
}

// echoHandler answers every message by dialing back to the originator's
// endpoint address (carried in ConnectionOpened) and replaying the payload.
func echoHandler(ep transport.EndPoint) {
	origins := make(map[transport.ConnectionID]transport.EndPointAddress)
	replies := make(map[transport.ConnectionID]transport.Connection)
	for {
		ev, err := ep.Receive(context.Background())
		if err != nil {
			return
		}
		switch e := ev.(type) {
		case transport.ConnectionOpened:
			origins[e.ConnID] = e.Remote
		case transport.Received:
			reply := replies[e.ConnID]
			if reply == nil {
				origin, ok := origins[e.ConnID]
				if !ok {
					continue
				}
				reply, err = ep.Connect(context.Background(), origin, transport.ReliableOrdered)
				if err != nil {
					zap.L().Warn("echo dial-back failed", zap.Error(err))
					continue
				}
				replies[e.ConnID] = reply
			}
			if err := reply.Send(e.Payload...); err != nil {
				zap.L().Warn("echo reply failed", zap.Error(err))
			}
		case transport.ConnectionClosed:
			if reply := replies[e.ConnID]; reply != nil {
				reply.Close()
			}
			delete(replies, e.ConnID)
			delete(origins, e.ConnID)
		}
	}
}

func runClient(tr transport.Transport, serverAddr transport.EndPointAddress, cc config.ChaosConfig, payloadCodec codec.Codec, opts Options) error {
	ep, err := tr.NewEndPoint()
	if err != nil {
		return fmt.Errorf("new client endpoint: %w", err)
	}
	defer ep.Close()

	// With a fault model configured the conversation runs on the Unreliable
	// tier, where drops are legitimate; otherwise it is reliable and every
	// echo must come back.
	faulty := cc.Loss > 0 || cc.Dup > 0 || cc.DelayMS > 0 || cc.JitterMS > 0
	rel := transport.ReliableOrdered
	if faulty {
		rel = transport.Unreliable
	}
	c, err := ep.Connect(context.Background(), serverAddr, rel)
	if err != nil {
		return fmt.Errorf("dial echo endpoint: %w", err)
	}
	conn := transport.Connection(c)
	if faulty {
		conn = chaos.Wrap(c, chaos.Config{
			Loss:      cc.Loss,
			Dup:       cc.Dup,
			BaseDelay: time.Duration(cc.DelayMS) * time.Millisecond,
			Jitter:    time.Duration(cc.JitterMS) * time.Millisecond,
			Seed:      cc.Seed,
		})
	}
	defer conn.Close()

	for i := 0; i < opts.Count; i++ {
		body, err := payloadCodec.Marshal(echoMsg{Seq: i, Body: opts.Message})
		if err != nil {
			return fmt.Errorf("marshal %d: %w", i, err)
		}
		if err := conn.Send(body); err != nil {
			return fmt.Errorf("send %d: %w", i, err)
		}
	}

	echoes := 0
	deadline := time.Now().Add(5 * time.Second)
	for echoes < opts.Count && time.Now().Before(deadline) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		ev, err := ep.Receive(ctx)
		cancel()
		if err != nil {
			break
		}
		if r, ok := ev.(transport.Received); ok {
			echoes++
			var msg echoMsg
			if err := payloadCodec.Unmarshal(transport.Concat(r.Payload), &msg); err != nil {
				zap.L().Warn("undecodable echo", zap.Error(err))
				continue
			}
			zap.L().Info("echo received", zap.Int("seq", msg.Seq), zap.String("body", msg.Body))
		}
	}
	if echoes < opts.Count {
		if !faulty {
			return fmt.Errorf("got %d of %d echoes", echoes, opts.Count)
		}
		zap.L().Info("lossy link dropped some echoes",
			zap.Int("got", echoes), zap.Int("sent", opts.Count))
	}
	return nil
}
