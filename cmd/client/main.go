package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	cfgpkg "jmrithrottle/gateway/pkg/config"
	"jmrithrottle/gateway/pkg/logging"
	"jmrithrottle/gateway/pkg/proto"
)

var (
	errQuit   = errors.New("quit")
	errReload = errors.New("config changed")
)

func main() {
	cfgPath := flag.String("config", cfgpkg.DefaultClientConfigPath(), "client config (env THROTTLE_SERVER_URL, THROTTLE_ADDRESSES)")
	server := flag.String("server", "", "gateway ws url, overrides config")
	flag.Parse()

	closer := logging.Setup("client", "")
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cc, err := cfgpkg.LoadClientConfig(*cfgPath)
	if err != nil {
		log.Printf("[CONFIG] %v; using defaults", err)
	}
	if *server != "" {
		cc.ServerURL = *server
	}

	reconnectCh := make(chan struct{}, 1)
	go func() {
		err := cfgpkg.Watch(ctx, *cfgPath, 500*time.Millisecond, func() {
			select {
			case reconnectCh <- struct{}{}:
			default:
			}
		})
		if err != nil {
			log.Printf("[CONFIG] watcher disabled: %v", err)
		}
	}()

	lines := make(chan string)
	go readLines(os.Stdin, lines)
	fmt.Println(usage)

	t := &throttle{url: cc.ServerURL, held: map[proto.Address]struct{}{}}
	t.seed(cc.Addresses)

	for {
		err := t.run(ctx, lines, reconnectCh)
		switch {
		case errors.Is(err, errQuit), ctx.Err() != nil:
			return
		case errors.Is(err, errReload):
			nc, lerr := cfgpkg.LoadClientConfig(*cfgPath)
			if lerr != nil {
				log.Printf("[CONFIG] reload failed: %v", lerr)
				continue
			}
			if *server == "" {
				t.url = nc.ServerURL
			}
			t.seed(nc.Addresses)
			log.Printf("[CONFIG] reconnecting to %s", t.url)
			continue
		}
		log.Printf("[WS] disconnected: %v; retry in 3s", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
}

// readLines forwards stdin lines until EOF, then sends "quit".
func readLines(f *os.File, out chan<- string) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out <- sc.Text()
	}
	out <- "quit"
}

// throttle is the console session state kept across reconnects.
type throttle struct {
	url  string
	held map[proto.Address]struct{}
	// seeded are the addresses the config file asked for last time
	seeded []proto.Address
}

// seed replaces the config-provided addresses. Ones dropped from the config
// are forgotten; addresses added from the console stay held.
func (t *throttle) seed(addrs []int) {
	for _, a := range t.seeded {
		delete(t.held, a)
	}
	t.seeded = t.seeded[:0]
	for _, a := range addrs {
		t.held[proto.Address(a)] = struct{}{}
		t.seeded = append(t.seeded, proto.Address(a))
	}
}

// track records console acquire/release; a console add takes the address
// out of the config-owned set.
func (t *throttle) track(msg proto.Message) {
	switch msg.Type.Kind {
	case proto.KindAddAddress:
		t.held[msg.Address] = struct{}{}
		for i, a := range t.seeded {
			if a == msg.Address {
				t.seeded = append(t.seeded[:i], t.seeded[i+1:]...)
				break
			}
		}
	case proto.KindRemoveAddress:
		delete(t.held, msg.Address)
	}
}

func (t *throttle) addresses() []proto.Address {
	out := make([]proto.Address, 0, len(t.held))
	for a := range t.held {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *throttle) run(ctx context.Context, lines <-chan string, reconnect <-chan struct{}) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, t.url, nil)
	cancel()
	if err != nil {
		return err
	}
	defer ws.Close()
	log.Printf("[WS] connected to %s", t.url)

	for _, a := range t.addresses() {
		if err := ws.WriteJSON(proto.New(a, proto.AddAddress)); err != nil {
			return err
		}
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			typ, data, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if typ != websocket.TextMessage {
				continue
			}
			msg, err := proto.DecodeEnvelope(data)
			if err != nil {
				log.Printf("[WS] bad frame: %v", err)
				continue
			}
			fmt.Printf("< %s\n", msg)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()
		case <-reconnect:
			return errReload
		case err := <-readErr:
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "quit", "exit":
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return errQuit
			case "help", "?":
				fmt.Println(usage)
				continue
			}
			msg, err := parseCommand(line)
			if err != nil {
				fmt.Printf("! %v\n", err)
				continue
			}
			if err := ws.WriteJSON(msg); err != nil {
				return err
			}
			t.track(msg)
			logging.Debugf("[WS] sent %s", msg)
		}
	}
}
