// Command navoracle runs the NAV consensus oracle as a standalone service:
// the HTTP query/submission API, the staleness monitor and, when configured,
// the NATS update transmitter.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"

	"github.com/brics-protocol/nav-oracle/api"
	"github.com/brics-protocol/nav-oracle/oracle"
	natstransmit "github.com/brics-protocol/nav-oracle/pkg/nats"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:          "navoracle",
		Short:        "NAV consensus oracle server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(configFile); err != nil {
				return err
			}
			return run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to a config file (optional; env vars with prefix NAV_ also apply)")
	return cmd
}

func loadConfig(configFile string) error {
	viper.SetEnvPrefix("NAV")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("api-addr", ":8000")
	viper.SetDefault("nats-client-name", "nav-oracle")
	viper.SetDefault("monitor-interval", oracle.DefaultMonitorInterval)

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}
	return nil
}

func parseAddress(key string) (common.Address, error) {
	raw := viper.GetString(key)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s: %q is not a hex address", key, raw)
	}
	return common.HexToAddress(raw), nil
}

func buildOracleConfig() (oracle.Config, error) {
	var cfg oracle.Config

	admin, err := parseAddress("admin")
	if err != nil {
		return cfg, err
	}
	var signers []common.Address
	for _, raw := range viper.GetStringSlice("signers") {
		if !common.IsHexAddress(raw) {
			return cfg, fmt.Errorf("signers: %q is not a hex address", raw)
		}
		signers = append(signers, common.HexToAddress(raw))
	}

	seedNav, ok := new(big.Int).SetString(viper.GetString("seed-nav-ray"), 10)
	if !ok {
		return cfg, fmt.Errorf("seed-nav-ray: %q is not a base-10 integer", viper.GetString("seed-nav-ray"))
	}
	seedTs := viper.GetUint64("seed-timestamp")
	if seedTs == 0 {
		seedTs = uint64(time.Now().Unix())
	}

	return oracle.Config{
		Admin:             admin,
		Signers:           signers,
		Quorum:            viper.GetInt("quorum"),
		ModelHash:         common.HexToHash(viper.GetString("model-hash")),
		SeedNavRay:        seedNav,
		SeedTimestamp:     seedTs,
		MaxAttestationAge: viper.GetDuration("max-attestation-age"),
		DegradeAfter:      viper.GetDuration("degrade-after"),
	}, nil
}

func signingKey(lggr logger.Logger) (ed25519.PrivateKey, error) {
	raw := viper.GetString("api-signing-key")
	if raw == "" {
		// Ephemeral key; fine for development, rotated on every restart.
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, err
		}
		lggr.Warnw("No api-signing-key configured, generated an ephemeral one", "pubkey", hex.EncodeToString(pub))
		return priv, nil
	}
	seed, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("api-signing-key must be a %d-byte hex seed", ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func run(ctx context.Context) error {
	lggr, err := logger.New()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = lggr.Sync() }()

	oracleCfg, err := buildOracleConfig()
	if err != nil {
		return err
	}
	o, err := oracle.NewOracle(lggr, oracleCfg)
	if err != nil {
		return fmt.Errorf("failed to create oracle: %w", err)
	}

	key, err := signingKey(lggr)
	if err != nil {
		return err
	}
	apiServer, err := api.NewServer(api.ServerOpts{
		Logger:     lggr,
		Oracle:     o,
		Addr:       viper.GetString("api-addr"),
		SigningKey: key,
	})
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}

	svcs := []services.Service{
		apiServer,
		oracle.NewStalenessMonitor(lggr, o, viper.GetDuration("monitor-interval")),
	}
	if urls := viper.GetStringSlice("nats-urls"); len(urls) > 0 {
		transmitter, err := natstransmit.NewTransmitter(natstransmit.TransmitterOpts{
			Logger:        lggr,
			ServerURLs:    urls,
			ClientName:    viper.GetString("nats-client-name"),
			SubjectPrefix: viper.GetString("nats-subject-prefix"),
		}, o)
		if err != nil {
			return fmt.Errorf("failed to create NATS transmitter: %w", err)
		}
		svcs = append(svcs, transmitter)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var started []services.Service
	defer func() {
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].Close(); err != nil {
				lggr.Errorw("Failed to close service", "service", started[i].Name(), "err", err)
			}
		}
	}()
	for _, svc := range svcs {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s: %w", svc.Name(), err)
		}
		started = append(started, svc)
	}
	lggr.Infow("NAV oracle is up", "api", apiServer.Addr(), "signers", len(oracleCfg.Signers), "quorum", oracleCfg.Quorum)

	<-ctx.Done()
	lggr.Info("Shutting down")
	return nil
}
