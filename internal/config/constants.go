package config

import "time"

// BIP-32 / BIP-84 derivation
const (
	BIP84Purpose = 84 // Native SegWit (bech32)
	BTCCoinType  = 0  // m/84'/0'/0'/{0,1}/N — mainnet
	BTCTestCoin  = 1  // m/84'/1'/0'/{0,1}/N — testnet
)

// Pagination
const (
	DefaultPage     = 1
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// Sync-wallet job (Component I)
const (
	SyncProgressBroadcastInterval = 500 * time.Millisecond
	WalletEngineRequestTimeout    = 15 * time.Second
	WalletEngineMaxRetries        = 3
	WalletEngineRetryBaseDelay    = 1 * time.Second
	SSEHubChannelBuffer           = 64
)

// Job retry policy (spec §7): a full batch/sync job runs at most 3 times in
// all (JobMaxAttempts counts the first run), with exponential backoff
// starting at 100ms.
const (
	JobMaxAttempts         = 3
	ExponentialBackoffBase = 100 * time.Millisecond
	ExponentialBackoffMax  = 10 * time.Second
)

// Fee estimator
const (
	FeeEstimatorDefaultTimeout = 10 * time.Second
	FeeEstimatorCacheDuration  = 30 * time.Second
)

// Server
const (
	ServerPort           = 8080
	ServerReadTimeout    = 30 * time.Second
	ServerWriteTimeout   = 60 * time.Second
	ServerIdleTimeout    = 120 * time.Second
	ServerMaxHeaderBytes = 1 << 20
	APITimeout           = 30 * time.Second
	SSEKeepAliveInterval = 15 * time.Second
	ShutdownTimeout      = 10 * time.Second
	APIRateLimitPerSec   = 20 // per-client-IP token bucket, golang.org/x/time/rate
	APIRateLimitBurst    = 40
)

// Logging
const (
	LogDir         = "./logs"
	LogFilePattern = "bria-core-%s-%s.log" // YYYY-MM-DD, level
	LogMaxAgeDays  = 30
)

// Database
const (
	DBPath        = "./data/bria.sqlite"
	DBTestPath    = "./data/bria_test.sqlite"
	DBWALMode     = true
	DBBusyTimeout = 5000 // milliseconds
)

// Batch assembly (Component F/G)
const (
	DustSatoshis          = 546 // below this, an output is folded into fees rather than created
	MaxInputsPerBatch     = 650 // conservative weight ceiling, see spec §4.3 "implementation-defined"
	DefaultConsolidateDust = true
)
