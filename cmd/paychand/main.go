package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"paychan/config"
	"paychan/crypto"
	"paychan/native/channel"
	"paychan/observability/logging"
	"paychan/storage"
)

func main() {
	configPath := flag.String("config", "paychand.toml", "path to the node configuration file")
	inspect := flag.String("channel", "", "bech32 channel address to inspect")
	flag.Parse()

	logger := logging.Setup("paychand", os.Getenv("PAYCHAN_ENV"))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		logger.Error("open state database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	ledger := channel.NewLedger(storage.NewKV(db))
	logger.Info("settlement state opened",
		"dataDir", cfg.DataDir,
		"chainId", cfg.ChainID,
		"exitDelayBlocks", cfg.ExitDelayBlocks,
		"token", cfg.TokenSymbol,
	)

	if *inspect == "" {
		return
	}

	addr, err := crypto.DecodeAddress(*inspect)
	if err != nil {
		logger.Error("decode channel address", "err", err)
		os.Exit(1)
	}
	var id [20]byte
	copy(id[:], addr.Bytes())

	ch, ok, err := ledger.ChannelGet(id)
	if err != nil {
		logger.Error("read channel", "err", err)
		os.Exit(1)
	}
	if !ok {
		logger.Warn("channel not initialized", "channel", *inspect)
		os.Exit(1)
	}

	encoded, err := json.MarshalIndent(channelSummary(ch), "", "  ")
	if err != nil {
		logger.Error("encode channel", "err", err)
		os.Exit(1)
	}
	fmt.Println(string(encoded))
}

type summary struct {
	Channel          string `json:"channel"`
	Operator         string `json:"operator"`
	HermesContract   string `json:"hermesContract"`
	HermesOperator   string `json:"hermesOperator"`
	Settled          string `json:"settled"`
	ExitTimelock     uint64 `json:"exitTimelockBlock"`
	ExitBeneficiary  string `json:"exitBeneficiary,omitempty"`
	LastNonce        uint64 `json:"lastNonce"`
	FundsDestination string `json:"fundsDestination"`
}

func channelSummary(ch *channel.Channel) summary {
	bech := func(b [20]byte) string {
		if b == ([20]byte{}) {
			return ""
		}
		return crypto.NewAddress(crypto.PayPrefix, b[:]).String()
	}
	return summary{
		Channel:          bech(ch.ID),
		Operator:         bech(ch.Operator),
		HermesContract:   bech(ch.Hermes.Contract),
		HermesOperator:   bech(ch.Hermes.Operator),
		Settled:          ch.Hermes.Settled.String(),
		ExitTimelock:     ch.Exit.TimelockBlock,
		ExitBeneficiary:  bech(ch.Exit.Beneficiary),
		LastNonce:        ch.LastNonce,
		FundsDestination: bech(ch.FundsDestination),
	}
}
