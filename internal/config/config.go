package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Xendit struct {
		APIKey string `yaml:"api_key"`
	} `yaml:"xendit"`
	Binance struct {
		APIKey    string `yaml:"api_key"`
		APISecret string `yaml:"api_secret"`
	} `yaml:"binance"`
	Indodax struct {
		APIKey        string `yaml:"api_key"`
		APISecret     string `yaml:"api_secret"`
		BankCode      string `yaml:"bank_code"`
		AccountNumber string `yaml:"account_number"`
		AccountHolder string `yaml:"account_holder"`
		USDTAddress   string `yaml:"usdt_address"`
		USDTMemo      string `yaml:"usdt_memo"`
	} `yaml:"indodax"`
	BTC struct {
		APIBase        string `yaml:"api_base"`
		WSBase         string `yaml:"ws_base"`
		Network        string `yaml:"network"`
		OperatorWIF    string `yaml:"operator_wif"`
		StorageAddress string `yaml:"storage_address"`
	} `yaml:"btc"`
	Hedera struct {
		MirrorBase  string `yaml:"mirror_base"`
		Network     string `yaml:"network"`
		OperatorID  string `yaml:"operator_id"`
		OperatorKey string `yaml:"operator_key"`
	} `yaml:"hedera"`
	Processor struct {
		IntervalSeconds         int64 `yaml:"interval_seconds"`
		FiatPollIntervalSeconds int64 `yaml:"fiat_poll_interval_seconds"`
		MaxTxAgeMinutes         int64 `yaml:"max_tx_age_minutes"`
	} `yaml:"processor"`
	Referral struct {
		LifetimeReferrers []string `yaml:"lifetime_referrers"`
	} `yaml:"referral"`
	Rebalance struct {
		XenditThresholdIDR float64 `yaml:"xendit_threshold_idr"`
	} `yaml:"rebalance"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if cfg.Xendit.APIKey == "" {
		return nil, errors.New("xendit.api_key is required")
	}
	if cfg.Binance.APIKey == "" || cfg.Binance.APISecret == "" {
		return nil, errors.New("binance credentials are required")
	}
	if cfg.BTC.APIBase == "" || cfg.BTC.OperatorWIF == "" {
		return nil, errors.New("btc config is incomplete")
	}
	if cfg.Hedera.MirrorBase == "" || cfg.Hedera.OperatorID == "" || cfg.Hedera.OperatorKey == "" {
		return nil, errors.New("hedera config is incomplete")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Processor.IntervalSeconds <= 0 {
		cfg.Processor.IntervalSeconds = 10
	}
	if cfg.Processor.FiatPollIntervalSeconds <= 0 {
		cfg.Processor.FiatPollIntervalSeconds = 3
	}
	if cfg.Processor.MaxTxAgeMinutes <= 0 {
		cfg.Processor.MaxTxAgeMinutes = 60
	}
	if cfg.BTC.Network == "" {
		cfg.BTC.Network = "mainnet"
	}
	if cfg.Hedera.Network == "" {
		cfg.Hedera.Network = "mainnet"
	}
	if cfg.Rebalance.XenditThresholdIDR <= 0 {
		cfg.Rebalance.XenditThresholdIDR = 50_000_000
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("XENDIT_API_KEY"); v != "" {
		cfg.Xendit.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Binance.APISecret = v
	}
	if v := os.Getenv("INDODAX_API_KEY"); v != "" {
		cfg.Indodax.APIKey = v
	}
	if v := os.Getenv("INDODAX_API_SECRET"); v != "" {
		cfg.Indodax.APISecret = v
	}
	if v := os.Getenv("INDODAX_BANK_CODE"); v != "" {
		cfg.Indodax.BankCode = v
	}
	if v := os.Getenv("INDODAX_ACCOUNT_NUMBER"); v != "" {
		cfg.Indodax.AccountNumber = v
	}
	if v := os.Getenv("INDODAX_ACCOUNT_HOLDER"); v != "" {
		cfg.Indodax.AccountHolder = v
	}
	if v := os.Getenv("INDODAX_USDT_ADDRESS"); v != "" {
		cfg.Indodax.USDTAddress = v
	}
	if v := os.Getenv("INDODAX_USDT_MEMO"); v != "" {
		cfg.Indodax.USDTMemo = v
	}
	if v := os.Getenv("BTC_API_BASE"); v != "" {
		cfg.BTC.APIBase = v
	}
	if v := os.Getenv("BTC_WS_BASE"); v != "" {
		cfg.BTC.WSBase = v
	}
	if v := os.Getenv("BTC_NETWORK"); v != "" {
		cfg.BTC.Network = v
	}
	if v := os.Getenv("BTC_OPERATOR_WIF"); v != "" {
		cfg.BTC.OperatorWIF = v
	}
	if v := os.Getenv("BTC_STORAGE_ADDRESS"); v != "" {
		cfg.BTC.StorageAddress = v
	}
	if v := os.Getenv("HEDERA_MIRROR_BASE"); v != "" {
		cfg.Hedera.MirrorBase = v
	}
	if v := os.Getenv("HEDERA_NETWORK"); v != "" {
		cfg.Hedera.Network = v
	}
	if v := os.Getenv("HEDERA_OPERATOR_ID"); v != "" {
		cfg.Hedera.OperatorID = v
	}
	if v := os.Getenv("HEDERA_OPERATOR_KEY"); v != "" {
		cfg.Hedera.OperatorKey = v
	}
	if v := os.Getenv("PROCESSOR_INTERVAL_SECONDS"); v != "" {
		cfg.Processor.IntervalSeconds = atoi64Or(cfg.Processor.IntervalSeconds, v)
	}
	if v := os.Getenv("FIAT_POLL_INTERVAL_SECONDS"); v != "" {
		cfg.Processor.FiatPollIntervalSeconds = atoi64Or(cfg.Processor.FiatPollIntervalSeconds, v)
	}
	if v := os.Getenv("MAX_TX_AGE_MINUTES"); v != "" {
		cfg.Processor.MaxTxAgeMinutes = atoi64Or(cfg.Processor.MaxTxAgeMinutes, v)
	}
	if v := os.Getenv("LIFETIME_REFERRERS"); v != "" {
		cfg.Referral.LifetimeReferrers = splitCommaList(v)
	}
	if v := os.Getenv("REBALANCE_XENDIT_THRESHOLD_IDR"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			cfg.Rebalance.XenditThresholdIDR = f
		}
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
