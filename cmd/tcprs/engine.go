package main

import (
	"fmt"

	"github.com/donkomura/tcprs/pkg/config"
	"github.com/donkomura/tcprs/pkg/logging"
	"github.com/donkomura/tcprs/pkg/tcp"
	"github.com/donkomura/tcprs/pkg/tun"
)

// buildEngine loads configuration, opens the TUN device, and assembles a
// running engine. The caller owns shutdown.
func buildEngine(configPath string) (*tcp.Engine, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		if err := config.LoadFromFile(configPath, cfg); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		return nil, err
	}

	tcpCfg, err := cfg.EngineTCPConfig()
	if err != nil {
		return nil, err
	}

	dev, err := tun.CreateTUN(cfg.Device.Name, cfg.Device.MTU)
	if err != nil {
		return nil, err
	}

	eng, err := tcp.NewEngine(tcpCfg, dev)
	if err != nil {
		dev.Stop()
		return nil, err
	}
	if err := eng.Start(); err != nil {
		return nil, err
	}
	logging.Infof("engine up on %s as %s", cfg.Device.Name, cfg.Engine.LocalAddress)
	return eng, nil
}
