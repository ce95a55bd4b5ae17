package main

import (
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gamenet-go/pkg/exporter"
	"gamenet-go/pkg/logger"
	"gamenet-go/pkg/timestep"
	"gamenet-go/source/protocol"
	"gamenet-go/source/server"
)

const VERSION = "1.0.0"

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:7777", "server listen address")
	metricsAddr := flag.String("metrics", "127.0.0.1:9100", "prometheus metrics address")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger.Banner("gamenet demo", VERSION)
	if *debug {
		logger.SetLevel(logger.LevelDebug)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", *listenAddr)
	if err != nil {
		logger.Fatal("bad listen address: %v", err)
	}

	config := protocol.DefaultConfig()

	// Server side.
	srv := server.NewServer(config)
	if err := srv.Listen(udpAddr); err != nil {
		logger.Fatal("listen failed: %v", err)
	}

	// Metrics endpoint with one metric set per session.
	collector := exporter.NewConnectionCollector("gamenet_", []string{"session"}, nil)
	srv.OnConnect = func(sess *server.Session) {
		collector.Add(sess.Conn, []string{sess.ID.String()})
		logger.Info("client connected: %s (%s)", sess.ID, sess.Addr)
	}
	srv.OnDisconnect = func(sess *server.Session) {
		collector.Remove(sess.Conn)
		logger.Info("client gone: %s", sess.ID)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)
	go func() {
		http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			logger.Error("metrics endpoint failed: %v", err)
		}
	}()
	logger.Info("metrics on http://%s/metrics", *metricsAddr)

	// Loopback client exercising the transport.
	clientSock, err := protocol.Bind(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		logger.Fatal("client bind failed: %v", err)
	}
	client := protocol.NewConnection(config, srv.LocalAddr())
	if err := client.Connect(); err != nil {
		logger.Fatal("connect failed: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	step := timestep.New(timestep.DefaultDT)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	pings := 0
	for {
		select {
		case sig := <-sigChan:
			logger.Warn("received signal: %v", sig)
			client.Disconnect(protocol.ReasonNormal)
			client.Update(clientSock)
			srv.Update()
			srv.Stop()
			logger.Info("stopped")
			return

		case <-ticker.C:
			if !step.Update(time.Now()) {
				continue
			}

			if err := client.Update(clientSock); err != nil {
				logger.Error("client: %v", err)
				return
			}
			if err := srv.Update(); err != nil {
				logger.Error("server: %v", err)
				return
			}

			// Periodic application traffic once connected.
			if client.IsConnected() && pings < 10 {
				if err := client.Send(0, []byte("ping"), true); err == nil {
					pings++
				}
			}
			for _, sess := range srv.Sessions() {
				for {
					data := sess.Conn.Receive(0)
					if data == nil {
						break
					}
					logger.Info("server got %q from %s", data, sess.ID)
					sess.Conn.Send(0, append([]byte("echo:"), data...), true)
				}
			}
			for {
				data := client.Receive(0)
				if data == nil {
					break
				}
				logger.Info("client got %q (rtt %.1fms)", data, client.Stats().RTTMillis)
			}
		}
	}
}
