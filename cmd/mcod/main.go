// mcod: meshcore-open daemon.
// Holds the device session, persists mesh traffic, serves the event hub.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/zjs81/meshcore-open/internal/archive"
	"github.com/zjs81/meshcore-open/internal/config"
	"github.com/zjs81/meshcore-open/internal/keystore"
	"github.com/zjs81/meshcore-open/internal/protocol"
	"github.com/zjs81/meshcore-open/internal/session"
	"github.com/zjs81/meshcore-open/internal/store"
	"github.com/zjs81/meshcore-open/internal/transport"
)

// recentWindowS bounds the message backlog handed to fresh hub clients.
const recentWindowS = 24 * 60 * 60

const defaultListenAddr = "127.0.0.1:8601"

// connectRetry paces fresh connect attempts after the session's own
// dial ladder has given up (device off or unreachable).
const connectRetry = 10 * time.Second

type daemon struct {
	cfg  *config.Config
	st   *store.Store
	sess *session.Session
	hub  *hub
	log  *slog.Logger
	ctx  context.Context
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func pidPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Storage.DBPath), "mcod.pid")
}

func writePid(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0644)
}

func fatal(err error) {
	os.Stderr.WriteString("mcod: " + err.Error() + "\n")
	os.Exit(1)
}

func usage() {
	fmt.Println("mcod: meshcore-open daemon")
	fmt.Println("Usage: mcod [-config <path>] [-listen <addr>]")
}

func dialFunc(dev config.Device) session.DialFunc {
	if dev.Transport == "serial" {
		return func() transport.Transport {
			return transport.NewSerial(dev.SerialPort, dev.BaudRate)
		}
	}
	return func() transport.Transport {
		return transport.NewTCP(dev.Addr)
	}
}

// events wires the session's observer surface to the hub. Callbacks run
// on the session's dispatch goroutine; they only snapshot and post.
func (d *daemon) events() session.Events {
	return session.Events{
		OnStateChange: func(st session.ConnectionState) {
			si, di := d.hub.snapshot()
			d.hub.post("node_status", nodeStatus(st, si, di))
		},
		OnSelfInfo: func(si *protocol.SelfInfo) {
			d.hub.rememberSelf(si)
		},
		OnDeviceInfo: func(di *protocol.DeviceInfo) {
			d.hub.rememberDevice(di)
		},
		OnMessage: func(m store.Message) {
			d.hub.post("message", toMessageJSON(m))
		},
		OnMessageStatus: func(id, status string, tripMs int) {
			d.hub.post("message_status", messageStatusPayload{
				MessageID: id, Status: status, RoundTripMs: tripMs,
			})
		},
		OnReaction: func(messageID, emoji string) {
			d.hub.post("reaction", reactionPayload{MessageID: messageID, Emoji: emoji})
		},
		OnContactsChanged: func(cts []store.Contact) {
			d.hub.post("contacts", toContactJSON(cts))
		},
		OnChannelsChanged: func(chans []store.Channel) {
			d.hub.post("channels", toChannelJSON(chans))
		},
		OnBattery: func(bi *protocol.BatteryInfo, percent int) {
			d.hub.post("battery", batteryPayload{Millivolts: bi.Millivolts, Percent: percent})
		},
		OnLogin: func(contactKey string) {
			d.hub.post("login", map[string]string{"contactKey": contactKey})
		},
		OnAdvert: func(contactKey string) {
			d.hub.post("advert", map[string]string{"contactKey": contactKey})
		},
	}
}

// connectLoop brings the session up and keeps trying while the device
// is unreachable. Once connected, link loss is handled inside the
// session; this loop only matters again if that gives up entirely.
func connectLoop(ctx context.Context, sess *session.Session, log *slog.Logger) {
	for {
		err := sess.Connect(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn("device connect failed, retrying", "err", err, "in", connectRetry)
		select {
		case <-time.After(connectRetry):
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	var cfgPath, listen string
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-config", "--config":
			if i+1 >= len(args) {
				fatal(fmt.Errorf("-config requires a path"))
			}
			cfgPath = args[i+1]
			i++
		case "-listen", "--listen":
			if i+1 >= len(args) {
				fatal(fmt.Errorf("-listen requires an address"))
			}
			listen = args[i+1]
			i++
		case "-h", "-help", "--help":
			usage()
			return
		default:
			fatal(fmt.Errorf("unknown argument %q", args[i]))
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}
	if listen == "" {
		listen = os.Getenv("MCO_LISTEN_ADDR")
	}
	if listen == "" {
		listen = defaultListenAddr
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	}))

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	var keys *keystore.Keystore
	if cfg.Storage.MasterKeyHex != "" {
		keys, err = keystore.FromHex(cfg.Storage.MasterKeyHex)
		if err != nil {
			fatal(err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var arch *archive.Writer
	if cfg.Archive.Enabled {
		var up *archive.S3Uploader
		if cfg.Archive.S3Bucket != "" {
			up, err = archive.NewS3(ctx, cfg.Archive)
			if err != nil {
				// Archive locally; uploads can start on the next run.
				logger.Warn("s3 uploader unavailable", "err", err)
				up = nil
			}
		}
		arch, err = archive.NewWriter(cfg.Archive, up, logger)
		if err != nil {
			fatal(err)
		}
		defer arch.Close()
	}

	if err := writePid(pidPath(cfg)); err != nil {
		fatal(fmt.Errorf("cannot write pid file: %w", err))
	}
	defer os.Remove(pidPath(cfg))

	h := newHub(logger)
	go h.run()

	d := &daemon{cfg: cfg, st: st, hub: h, log: logger, ctx: ctx}
	deps := session.Deps{
		Dial:   dialFunc(cfg.Device),
		Store:  st,
		Keys:   keys,
		Log:    logger,
		Events: d.events(),
	}
	if arch != nil {
		deps.Archive = arch
	}
	sess := session.New(session.ConfigFrom(cfg.Device, cfg.Sync), deps)
	d.sess = sess
	defer sess.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", d.serveWs)
	mux.HandleFunc("/api/health", d.handleHealth)
	mux.HandleFunc("/api/send", d.handleSend)
	mux.HandleFunc("/api/advert", d.handleAdvert)

	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		logger.Info("hub listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
			stop()
		}
	}()

	go connectLoop(ctx, sess, logger)

	<-ctx.Done()
	logger.Info("shutting down")
	shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shctx)
}
