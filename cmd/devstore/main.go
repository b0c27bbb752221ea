package main

import (
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kelseyhightower/envconfig"

	"github.com/ternstore/tern/core/devstore"
	"github.com/ternstore/tern/lib/logger"
)

var log, _ = logger.New("devstore-rpc")

type Config struct {
	Server struct {
		Host string `envconfig:"SERVER_HOST" default:"127.0.0.1"`
		Port int    `envconfig:"SERVER_PORT" default:"7700"`
	}
	Agents struct {
		Count    int `envconfig:"AGENT_COUNT" default:"4"`
		BasePort int `envconfig:"AGENT_BASE_PORT" default:"7710"`
	}
	Data struct {
		Path string `envconfig:"DATA_PATH" default:"devstore-data"`
	}
}

func GetConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func serveRPC(name string, addr string, register func(*rpc.Server) error) error {
	srv := rpc.NewServer()
	if err := register(srv); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(rpc.DefaultRPCPath, srv)

	log.Infow("listening", "service", name, "addr", addr)
	go func() {
		if err := http.Serve(listener, mux); err != nil {
			log.Errorw("rpc server stopped", "service", name, "err", err)
		}
	}()

	return nil
}

func main() {
	cfg, err := GetConfig()
	if err != nil {
		log.Fatalw("config", "err", err)
	}

	md, err := devstore.NewMetadata(devstore.DefaultConfig(), cfg.Data.Path)
	if err != nil {
		log.Fatalw("metadata store", "err", err)
	}
	defer md.Close()

	for i := 0; i < cfg.Agents.Count; i++ {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Agents.BasePort+i)
		agent, err := devstore.NewAgent(filepath.Join(cfg.Data.Path, fmt.Sprintf("agent-%d", i)), addr)
		if err != nil {
			log.Fatalw("agent store", "agent", i, "err", err)
		}

		api := NewAgentAPI(agent)
		err = serveRPC(fmt.Sprintf("agent-%d", i), addr, func(srv *rpc.Server) error {
			return srv.RegisterName("AgentAPI", api)
		})
		if err != nil {
			log.Fatalw("agent rpc", "agent", i, "err", err)
		}

		md.RegisterAgent(agent.NodeID, agent.Address)
	}

	mdAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	err = serveRPC("metadata", mdAddr, func(srv *rpc.Server) error {
		return srv.RegisterName("MetadataAPI", NewMetadataAPI(md))
	})
	if err != nil {
		log.Fatalw("metadata rpc", "err", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infow("shutting down")
}
