package hedged

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lncfg"
)

const defaultConfigFilename = "hedged.conf"

var (
	hedgeDirBase = btcutil.AppDataDir("hedge", false)

	defaultNetwork     = "signet"
	defaultLogLevel    = "info"
	defaultLogDirname  = "logs"
	defaultLogDir      = filepath.Join(hedgeDirBase, defaultLogDirname)
	defaultConfigFile  = filepath.Join(
		hedgeDirBase, defaultNetwork, defaultConfigFilename,
	)
	defaultKeyFile = filepath.Join(hedgeDirBase, "signing.key")

	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10

	defaultServerURL   = "http://localhost:8000/api"
	defaultWSURL       = "ws://localhost:8000/ws"
	defaultExplorerURL = "https://mempool.space/signet/api"
)

type hedgeServerConfig struct {
	URL   string `long:"url" description:"Base url of the hedge server REST API"`
	WSURL string `long:"wsurl" description:"Url of the hedge server websocket event feed"`

	HouseKey  string `long:"housekey" description:"Compressed house public key in hex, enables local deposit address verification together with oraclekey"`
	OracleKey string `long:"oraclekey" description:"Compressed oracle public key in hex"`
}

type Config struct {
	ShowVersion bool   `long:"version" description:"Display version information and exit"`
	Network     string `long:"network" description:"network to run on" choice:"regtest" choice:"testnet" choice:"signet"`

	HedgeDir       string `long:"hedgedir" description:"The directory for all of the daemon's data."`
	ConfigFile     string `long:"configfile" description:"Path to configuration file."`
	DataDir        string `long:"datadir" description:"Directory for the contract database."`
	LogDir         string `long:"logdir" description:"Directory to log output."`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`

	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	KeyFile     string `long:"keyfile" description:"Path to the file holding the hex encoded signing key"`
	ExplorerURL string `long:"explorerurl" description:"Base url of the block explorer API used for utxo lookup and broadcasting"`

	AutoSign bool `long:"autosign" description:"Sign and broadcast automatically when the server requests a signature"`

	MatchDelay    time.Duration `long:"matchdelay" description:"How long to wait after a deposit broadcast before asking the house to match"`
	MatchInterval time.Duration `long:"matchinterval" description:"Poll interval while waiting for the house match"`
	MatchAttempts int           `long:"matchattempts" description:"Maximum number of match polls per contract"`

	Server *hedgeServerConfig `group:"server" namespace:"server"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		Network:        defaultNetwork,
		HedgeDir:       hedgeDirBase,
		ConfigFile:     defaultConfigFile,
		DataDir:        hedgeDirBase,
		LogDir:         defaultLogDir,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		DebugLevel:     defaultLogLevel,
		KeyFile:        defaultKeyFile,
		ExplorerURL:    defaultExplorerURL,
		Server: &hedgeServerConfig{
			URL:   defaultServerURL,
			WSURL: defaultWSURL,
		},
	}
}

// Validate cleans up paths in the config provided and validates it.
func Validate(cfg *Config) error {
	// Cleanup any paths before we use them.
	cfg.HedgeDir = lncfg.CleanAndExpandPath(cfg.HedgeDir)
	cfg.DataDir = lncfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = lncfg.CleanAndExpandPath(cfg.LogDir)
	cfg.KeyFile = lncfg.CleanAndExpandPath(cfg.KeyFile)

	// Since our hedge directory overrides our log/data dir values, make
	// sure that they are not set when hedge dir is set. We fail here
	// rather than overwriting and potentially confusing the user.
	logDirSet := cfg.LogDir != defaultLogDir
	dataDirSet := cfg.DataDir != hedgeDirBase
	hedgeDirSet := cfg.HedgeDir != hedgeDirBase

	if hedgeDirSet {
		if logDirSet {
			return fmt.Errorf("hedgedir overwrites logdir, " +
				"please only set one value")
		}

		if dataDirSet {
			return fmt.Errorf("hedgedir overwrites datadir, " +
				"please only set one value")
		}

		cfg.LogDir = filepath.Join(cfg.HedgeDir, defaultLogDirname)
		cfg.DataDir = cfg.HedgeDir
	}

	// Append the network type to the data and log directories so they
	// are network specific.
	cfg.DataDir = filepath.Join(cfg.DataDir, cfg.Network)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.Network)

	// Create the hedge directory if it doesn't yet exist.
	if err := os.MkdirAll(cfg.DataDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create hedgedir: %v", err)
	}

	if cfg.Server.URL == "" || cfg.Server.WSURL == "" {
		return fmt.Errorf("server url and wsurl are required")
	}

	if (cfg.Server.HouseKey == "") != (cfg.Server.OracleKey == "") {
		return fmt.Errorf("housekey and oraclekey must be set " +
			"together")
	}

	return nil
}
