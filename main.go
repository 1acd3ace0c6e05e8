package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainguild/cgp/event"
	"github.com/chainguild/cgp/relay"
	"github.com/chainguild/cgp/store"
)

// Config holds the relay's startup configuration. PORT and DB environment
// variables override the listen port and leveldb path.
type Config struct {
	// Hex-encoded secp256k1 secret the relay signs checkpoints with. A fresh
	// key is generated when empty.
	RelaySecret string `json:"relay_secret"`

	Port int `json:"port"`

	// Store backing: memory, leveldb or redis.
	Store  string `json:"store"`
	DBPath string `json:"db_path"`

	RedisAddress  string `json:"redis_address"`
	RedisPassword string `json:"redis_password"`
	RedisDatabase int    `json:"redis_database"`
	RedisPrefix   string `json:"redis_prefix"`

	// NATS bridge; disabled when the address is empty.
	NatsAddress string `json:"nats_address"`
	NatsSubject string `json:"nats_subject"`

	PruneIntervalSeconds      int `json:"prune_interval_seconds"`
	CheckpointIntervalSeconds int `json:"checkpoint_interval_seconds"`
}

func loadConfig(path string, log zerolog.Logger) Config {
	cfg := Config{
		Port:        7447,
		Store:       "leveldb",
		DBPath:      "./relay-db",
		NatsSubject: "cgp.events",
	}

	raw, err := ioutil.ReadFile(path)
	if err == nil {
		if err = json.Unmarshal(raw, &cfg); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("config is not valid JSON")
		}
	} else if !os.IsNotExist(err) {
		log.Fatal().Err(err).Str("path", path).Msg("could not read config")
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			log.Fatal().Str("PORT", port).Msg("PORT is not a number")
		}
		cfg.Port = p
	}
	if db := os.Getenv("DB"); db != "" {
		cfg.DBPath = db
	}
	return cfg
}

func openStore(cfg Config, clean bool, log zerolog.Logger) store.Store {
	switch cfg.Store {
	case "memory":
		return store.NewMemoryStore()

	case "leveldb", "":
		if clean {
			log.Info().Str("path", cfg.DBPath).Msg("clearing leveldb store")
			if err := os.RemoveAll(cfg.DBPath); err != nil {
				log.Fatal().Err(err).Msg("could not clear leveldb store")
			}
		}
		st, err := store.NewLevelStore(cfg.DBPath)
		if err != nil {
			log.Fatal().Err(err).Msg("could not open leveldb store")
		}
		return st

	case "redis":
		st, err := store.NewRedisStore(cfg.RedisAddress, cfg.RedisPassword, cfg.RedisDatabase, cfg.RedisPrefix)
		if err != nil {
			log.Fatal().Err(err).Msg("could not connect to redis")
		}
		if clean {
			log.Info().Msg("clearing redis store")
			if err = st.Clean(); err != nil {
				log.Fatal().Err(err).Msg("could not clear redis store")
			}
		}
		return st

	default:
		log.Fatal().Str("store", cfg.Store).Msg("unknown store backing")
		return nil
	}
}

func relayKeypair(cfg Config, log zerolog.Logger) *event.Keypair {
	if cfg.RelaySecret == "" {
		keypair, err := event.GenerateKeypair()
		if err != nil {
			log.Fatal().Err(err).Msg("could not generate relay keypair")
		}
		log.Warn().Str("relay", keypair.UserID()).Msg("no relay_secret configured, generated an ephemeral keypair")
		return keypair
	}
	keypair, err := event.KeypairFromHex(cfg.RelaySecret)
	if err != nil {
		log.Fatal().Err(err).Msg("relay_secret is not a valid key")
	}
	return keypair
}

func main() {
	configPath := flag.String("config", "config.json", "path to the relay configuration")
	clean := flag.Bool("clean", false, "wipe the store before starting")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg := loadConfig(*configPath, log)
	st := openStore(cfg, *clean, log)
	keypair := relayKeypair(cfg, log)

	engine := relay.NewEngine(st, keypair, log)
	server := relay.NewServer(engine, log)

	var bridge *relay.Bridge
	if cfg.NatsAddress != "" {
		var err error
		bridge, err = relay.NewBridge(cfg.NatsAddress, cfg.NatsSubject, log)
		if err != nil {
			log.Fatal().Err(err).Msg("could not connect to NATS")
		}
		engine.SetForward(bridge.Forward)
	}

	retainer := relay.NewRetainer(engine,
		time.Duration(cfg.PruneIntervalSeconds)*time.Second,
		time.Duration(cfg.CheckpointIntervalSeconds)*time.Second,
		log)
	retainer.Start()

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Str("relay", keypair.UserID()).Msg("relay started, ^C to stop")

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	log.Info().Msg("shutting down")
	retainer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	if bridge != nil {
		bridge.Close()
	}
	if err := st.Close(); err != nil {
		log.Error().Err(err).Msg("store close failed")
	}
}
