// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/corewallet/internal/cfgutil"
	"github.com/btcsuite/corewallet/keypool"
	"github.com/btcsuite/corewallet/keystore"
	"github.com/btcsuite/corewallet/wallet"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultCAFilename     = "btcd.cert"
	defaultConfigFilename = "corewallet.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "corewallet.log"
)

var (
	btcdDefaultCAFile  = filepath.Join(btcutil.AppDataDir("btcd", false), "rpc.cert")
	defaultAppDataDir  = btcutil.AppDataDir("corewallet", false)
	defaultConfigFile  = filepath.Join(defaultAppDataDir, defaultConfigFilename)
	defaultLogDir      = filepath.Join(defaultAppDataDir, defaultLogDirname)
	defaultFeeRate     = txrules.DefaultRelayFeePerKb
	localhostListeners = map[string]struct{}{
		"localhost": {},
		"127.0.0.1": {},
		"::1":       {},
	}
)

type config struct {
	// General application behavior
	ConfigFile     string        `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion    bool          `short:"V" long:"version" description:"Display version information and exit"`
	Create         bool          `long:"create" description:"Create the wallet if it does not exist"`
	AppDataDir     string        `short:"A" long:"appdata" description:"Application data directory for wallet config, databases and logs"`
	TestNet3       bool          `long:"testnet" description:"Use the test Bitcoin network (version 3) (default mainnet)"`
	SimNet         bool          `long:"simnet" description:"Use the simulation test network (default mainnet)"`
	RegTest        bool          `long:"regtest" description:"Use the regression test network (default mainnet)"`
	NoFreelistSync bool          `long:"nofreelistsync" description:"Do not sync the database freelist to disk"`
	DBTimeout      time.Duration `long:"dbtimeout" description:"The timeout value to use when opening the wallet database"`
	DebugLevel     string        `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogDir         string        `long:"logdir" description:"Directory to log output."`
	Profile        string        `long:"profile" description:"Enable HTTP profiling on given port -- NOTE port must be between 1024 and 65536"`
	PromptPass     bool          `long:"promptpass" description:"Prompt for the private passphrase and unlock the wallet on startup"`

	// RPC client options
	RPCConnect       string `short:"c" long:"rpcconnect" description:"Hostname/IP and port of btcd RPC server to connect to (default localhost:8334, testnet: localhost:18334, simnet: localhost:18556)"`
	CAFile           string `long:"cafile" description:"File containing root certificates to authenticate a TLS connections with btcd"`
	DisableClientTLS bool   `long:"noclienttls" description:"Disable TLS for the RPC client -- NOTE: This is only allowed if the RPC client is connecting to localhost"`
	BtcdUsername     string `long:"btcdusername" description:"Username for btcd authentication"`
	BtcdPassword     string `long:"btcdpassword" default-mask:"-" description:"Password for btcd authentication"`
	PollChain        bool   `long:"pollchain" description:"Poll btcd over HTTP POST for new blocks and mempool transactions instead of using websocket notifications"`

	// Wallet policy options
	KeyPoolSize       int                 `long:"keypoolsize" description:"Number of unused keys kept in the key pool"`
	FeeRate           *cfgutil.AmountFlag `long:"feerate" description:"Fee per kilobyte paid by created transactions, also used as the dust relay fee (BTC/kB)"`
	MinConfMine       int32               `long:"minconfmine" description:"Confirmations required before spending outputs of transactions created by this wallet"`
	MinConfTheirs     int32               `long:"minconftheirs" description:"Confirmations required before spending outputs received from others"`
	NoUnlabeledChange bool                `long:"nounlabeledchange" description:"Only count outputs paying keys reserved as change as change, not every owned address missing from the address book"`
	ResendInterval    time.Duration       `long:"resendinterval" description:"How often unconfirmed wallet transactions are rebroadcast (0 disables)"`
	MaxFeeRetries     int                 `long:"maxfeeretries" description:"Maximum rounds spent converging on the fee of a new transaction"`
	FastScrypt        bool                `long:"fastscrypt" description:"Use cheap passphrase key derivation -- NOTE: only allowed on simnet and regtest"`
}

// walletConfig returns the wallet policy selected by the parsed options.
func (cfg *config) walletConfig() *wallet.Config {
	wcfg := wallet.DefaultConfig(activeNet.Params)
	wcfg.FeeRate = cfg.FeeRate.Amount
	wcfg.MinConfMine = cfg.MinConfMine
	wcfg.MinConfTheirs = cfg.MinConfTheirs
	wcfg.TreatUnlabeledAsChange = !cfg.NoUnlabeledChange
	wcfg.MaxFeeRetries = cfg.MaxFeeRetries
	wcfg.KeyPoolSize = cfg.KeyPoolSize
	wcfg.ResendInterval = cfg.ResendInterval
	if cfg.FastScrypt {
		wcfg.ScryptOptions = &keystore.FastScryptOptions
	}
	return wcfg
}

// cleanAndExpandPath expands environement variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultAppDataDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but they variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// defaultConfig returns a config populated with the default settings.
func defaultConfig() config {
	return config{
		DebugLevel:     defaultLogLevel,
		ConfigFile:     defaultConfigFile,
		AppDataDir:     defaultAppDataDir,
		LogDir:         defaultLogDir,
		DBTimeout:      wallet.DefaultDBTimeout,
		KeyPoolSize:    keypool.DefaultSize,
		FeeRate:        cfgutil.NewAmountFlag(defaultFeeRate),
		MinConfMine:    wallet.DefaultMinConfMine,
		MinConfTheirs:  wallet.DefaultMinConfTheirs,
		ResendInterval: wallet.DefaultResendInterval,
		MaxFeeRetries:  wallet.DefaultMaxFeeRetries,
	}
}

// selectNetwork sets activeNet from the network flags.  Multiple networks
// can't be selected simultaneously.
func selectNetwork(cfg *config) error {
	numNets := 0
	activeNet = &mainNetParams
	if cfg.TestNet3 {
		activeNet = &testNet3Params
		numNets++
	}
	if cfg.SimNet {
		activeNet = &simNetParams
		numNets++
	}
	if cfg.RegTest {
		activeNet = &regTestParams
		numNets++
	}
	if numNets > 1 {
		return errors.New("the testnet, simnet and regtest params " +
			"can't be used together -- choose one")
	}
	return nil
}

// validatePolicy checks the wallet policy options.
func validatePolicy(cfg *config) error {
	switch {
	case cfg.KeyPoolSize < 1:
		return fmt.Errorf("keypoolsize must be positive, got %d",
			cfg.KeyPoolSize)

	case cfg.MinConfMine < 0 || cfg.MinConfTheirs < 0:
		return errors.New("minconfmine and minconftheirs must not " +
			"be negative")

	case cfg.MaxFeeRetries < 1:
		return fmt.Errorf("maxfeeretries must be positive, got %d",
			cfg.MaxFeeRetries)

	case cfg.ResendInterval < 0:
		return errors.New("resendinterval must not be negative")

	case cfg.FastScrypt && activeNet != &simNetParams &&
		activeNet != &regTestParams:

		return errors.New("fastscrypt is only allowed on simnet " +
			"and regtest")
	}
	return nil
}

// normalizeRPCOptions fills in the default btcd address and certificate and
// checks TLS may only be disabled for localhost.
func normalizeRPCOptions(cfg *config) error {
	if cfg.RPCConnect == "" {
		cfg.RPCConnect = net.JoinHostPort("localhost",
			activeNet.rpcClientPort)
	}

	// Add default port to connect flag if missing.
	var err error
	cfg.RPCConnect, err = cfgutil.NormalizeAddress(cfg.RPCConnect,
		activeNet.rpcClientPort)
	if err != nil {
		return fmt.Errorf("invalid rpcconnect network address: %w", err)
	}

	rpcHost, _, err := net.SplitHostPort(cfg.RPCConnect)
	if err != nil {
		return err
	}
	if cfg.DisableClientTLS {
		if _, ok := localhostListeners[rpcHost]; !ok {
			return fmt.Errorf("the --noclienttls option may not be "+
				"used when connecting RPC to non localhost "+
				"addresses: %s", cfg.RPCConnect)
		}
		return nil
	}

	// If CAFile is unset, choose either the copy or local btcd cert.
	if cfg.CAFile == "" {
		cfg.CAFile = filepath.Join(cfg.AppDataDir, defaultCAFilename)

		// If the CA copy does not exist, check if we're connecting to
		// a local btcd and switch to its RPC cert if it exists.
		certExists, err := cfgutil.FileExists(cfg.CAFile)
		if err != nil {
			return err
		}
		if !certExists {
			if _, ok := localhostListeners[rpcHost]; ok {
				btcdCertExists, err := cfgutil.FileExists(
					btcdDefaultCAFile)
				if err != nil {
					return err
				}
				if btcdCertExists {
					cfg.CAFile = btcdDefaultCAFile
				}
			}
		}
	}
	cfg.CAFile = cleanAndExpandPath(cfg.CAFile)
	return nil
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in corewallet functioning properly without any config
// settings while still allowing the user to override settings with config files
// and command line options.  Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	funcName := "loadConfig"
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// If an alternate data directory was specified, and the config file
	// is still the default, look for it inside the data directory.
	configFilePath := preCfg.ConfigFile
	if preCfg.AppDataDir != defaultAppDataDir &&
		configFilePath == defaultConfigFile {

		configFilePath = filepath.Join(
			cleanAndExpandPath(preCfg.AppDataDir),
			defaultConfigFilename,
		)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(cleanAndExpandPath(configFilePath))
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	if err := selectNetwork(&cfg); err != nil {
		err := fmt.Errorf("%s: %w", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	cfg.AppDataDir = cleanAndExpandPath(cfg.AppDataDir)
	if cfg.LogDir == defaultLogDir && cfg.AppDataDir != defaultAppDataDir {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
	}

	// Append the network type to the log directory so it is "namespaced"
	// per network.
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, activeNet.Params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	setLogLevels(defaultLogLevel)

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %w", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	if err := validatePolicy(&cfg); err != nil {
		err := fmt.Errorf("%s: %w", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Ensure the wallet exists or create it when the create flag is set.
	netDir := networkDir(cfg.AppDataDir, activeNet.Params)
	dbPath := filepath.Join(netDir, wallet.WalletDBName)
	dbFileExists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	switch {
	case cfg.Create:
		// Error if the create flag is set and the wallet already
		// exists.
		if dbFileExists {
			err := fmt.Errorf("the wallet database file `%v` "+
				"already exists", dbPath)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}

		// Perform the initial wallet creation wizard.
		if err := createWallet(&cfg); err != nil {
			fmt.Fprintln(os.Stderr, "Unable to create wallet:", err)
			return nil, nil, err
		}

		// Created successfully, so exit now with success.
		os.Exit(0)

	case !dbFileExists:
		err := errors.New("the wallet does not exist.  Run with the " +
			"--create option to initialize and create it")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if err := normalizeRPCOptions(&cfg); err != nil {
		err := fmt.Errorf("%s: %w", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	return &cfg, remainingArgs, nil
}
