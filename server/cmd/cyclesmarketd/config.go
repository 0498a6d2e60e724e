// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	flags "github.com/jessevdk/go-flags"
	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/calc"
	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/server/market"
	"decred.org/cyclesmarket/server/matcher"
)

const (
	defaultConfigFilename  = "cyclesmarketd.conf"
	defaultLogFilename     = "cyclesmarketd.log"
	defaultRPCCertFilename = "rpc.cert"
	defaultRPCKeyFilename  = "rpc.key"
	defaultDataDirname     = "data"
	defaultLogLevel        = "info"
	defaultLogDirname      = "logs"
	defaultMaxLogZips      = 16
	defaultRPCHost         = "127.0.0.1"
	defaultRPCPort         = "7432"
	defaultAdminSrvAddr    = "127.0.0.1:7433"
	defaultSimLedgerListen = "127.0.0.1:7434"
	defaultDBDriver        = "bolt"
	defaultPGHost          = "127.0.0.1:5432"
	defaultPGUser          = "cyclesmarket"
	defaultPGDBName        = "cyclesmarket"
	defaultTokenDecimals   = 8
	defaultTokenLedgerFee  = 10_000
	defaultCyclesLedgerFee = 100_000_000

	// Storage node caps. A node is marked full when either is reached.
	defaultStorageMaxPayload = 20 << 30
	defaultStorageMaxIndex   = 1 << 30

	// simnetSelf is the market principal on simnet.
	simnetSelf = "cyclesmarket-simnet"
)

var (
	defaultAppDataDir = dcrutil.AppDataDir("cyclesmarketd", false)
)

type procOpts struct {
	HTTPProfile bool
	CPUProfile  string
}

// simnetFund is a balance minted to a principal's wallet on simnet.
type simnetFund struct {
	Owner  icrc.Principal
	Cycles uint128.Uint128
	Tokens uint128.Uint128
}

// marketConf is the validated configuration consumed by mainCore.
type marketConf struct {
	Simnet     bool
	SimnetFund []simnetFund
	Self       icrc.Principal

	DataDir         string
	CyclesLedgerURL string
	TokenLedgerURL  string
	CyclesLedgerFee uint128.Uint128
	TokenLedgerFee  uint128.Uint128
	TokenDecimals   int32

	RPCCert     string
	RPCKey      string
	RPCListen   []string
	AltDNSNames []string
	NoTLS       bool
	GlobalRate  float64
	GlobalBurst int

	AdminSrvOn   bool
	AdminSrvAddr string
	AdminSrvPW   []byte

	SimLedgerListen string

	DBDriver string
	DBName   string
	DBUser   string
	DBPass   string
	DBHost   string
	DBPort   string

	StorageMaxPayload uint64
	StorageMaxIndex   uint64
	StorageMaxRecords uint64

	Market market.Config

	NATSURL      string
	NATSSubject  string
	KafkaBrokers []string
	KafkaTopic   string

	LogMaker *dex.LoggerMaker
}

type flagsData struct {
	// General application behavior
	AppDataDir  string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}, optionally with SUBSYS=level pairs. Use show to list subsystems."`
	MaxLogZips  int    `long:"maxlogzips" description:"The number of zipped log files created by the log rotator to be retained. Setting to 0 will keep all."`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`

	Simnet          bool     `long:"simnet" description:"Run both ledgers in-process with simulated balances"`
	SimnetFund      []string `long:"simnetfund" description:"principal:cycles:tokens minted to the principal's wallet on simnet. May be repeated."`
	SimLedgerListen string   `long:"simledgerlisten" description:"Address serving the simulated ledger gateways on simnet, under /cycles and /tokens. Empty disables."`

	Self            string `long:"self" description:"The market's own principal, owner of the deposit and positions subaccounts"`
	CyclesLedgerURL string `long:"cyclesledger" description:"URL of the cycles ledger gateway"`
	TokenLedgerURL  string `long:"tokenledger" description:"URL of the token ledger gateway"`
	CyclesLedgerFee uint64 `long:"cyclesledgerfee" description:"Cycles ledger transfer fee used until the ledger reports its own"`
	TokenLedgerFee  uint64 `long:"tokenledgerfee" description:"Token ledger transfer fee used until the ledger reports its own"`
	TokenDecimals   int32  `long:"tokendecimals" description:"Decimal places of the token, for display"`

	RPCCert     string   `long:"rpccert" description:"RPC server TLS certificate file"`
	RPCKey      string   `long:"rpckey" description:"RPC server TLS private key file"`
	RPCListen   []string `long:"rpclisten" description:"IP addresses on which the RPC server should listen for incoming connections"`
	AltDNSNames []string `long:"altdnsnames" description:"A list of hostnames to include in the RPC certificate (X509v3 Subject Alternative Name)"`
	NoTLS       bool     `long:"notls" description:"Serve the public API without TLS"`
	GlobalRate  float64  `long:"globalrate" description:"Requests per second allowed across all clients"`
	GlobalBurst int      `long:"globalburst" description:"Request burst allowed across all clients"`

	AdminSrvOn   bool   `long:"adminsrvon" description:"Turn on the administration HTTPS server"`
	AdminSrvAddr string `long:"adminsrvaddr" description:"Administration HTTPS server address"`
	AdminSrvPW   string `long:"adminsrvpass" description:"Admin server password. INSECURE. Do not set unless absolutely necessary."`

	DBDriver     string `long:"dbdriver" description:"Snapshot store: bolt, pg, or none"`
	PGDBName     string `long:"pgdbname" description:"PostgreSQL DB name."`
	PGUser       string `long:"pguser" description:"PostgreSQL DB user."`
	PGPass       string `long:"pgpass" description:"PostgreSQL DB password."`
	PGHost       string `long:"pghost" description:"PostgreSQL server host:port or UNIX socket (e.g. /run/postgresql)."`
	HidePGConfig bool   `long:"hidepgconfig" description:"Blocks logging of the PostgreSQL db configuration on system start up."`

	StorageMaxPayload uint64 `long:"storagemaxpayload" description:"Record bytes per storage node before it is marked full"`
	StorageMaxIndex   uint64 `long:"storagemaxindex" description:"Index bytes per storage node before it is marked full"`
	StorageMaxRecords uint64 `long:"storagemaxrecords" description:"Records per storage node before it is marked full. 0 means no limit."`

	MinCycles           uint64        `long:"mincyclesmatch" description:"Minimum cycles of a position or match"`
	MinTokens           uint64        `long:"mintokensmatch" description:"Minimum token units of a position or match"`
	MaxCyclesPositions  int           `long:"maxcyclespositions" description:"Maximum resting cycles positions"`
	MaxTokenPositions   int           `long:"maxtokenpositions" description:"Maximum resting token positions"`
	BumpMarginBp        uint64        `long:"bumpmarginbp" description:"Rate improvement over the worst resting position, in basis points, needed to bump it from a full book"`
	MaxBalanceLocks     int           `long:"maxbalancelocks" description:"Maximum simultaneous caller balance locks"`
	MatchLimit          int           `long:"matchlimit" description:"Maximum matches per trade call"`
	PayoutChunk         int           `long:"payoutchunk" description:"Payouts per category in one pass"`
	MaxPositionLifetime time.Duration `long:"maxpositionlifetime" description:"Age at which resting positions are voided"`
	MinVoidWait         time.Duration `long:"minvoidwait" description:"Time a position must rest before its positor may void it"`
	PayoutInterval      time.Duration `long:"payoutinterval" description:"Interval of the maintenance and payout pass"`
	SnapshotInterval    time.Duration `long:"snapshotinterval" description:"Interval between market snapshots"`
	FlushThreshold      int           `long:"flushthreshold" description:"Buffered log bytes that trigger a flush to storage"`

	NATSURL      string   `long:"natsurl" description:"NATS server URL for the trade feed. Empty disables."`
	NATSSubject  string   `long:"natssubject" description:"NATS subject of the trade feed"`
	KafkaBrokers []string `long:"kafkabroker" description:"Kafka broker address for the trade feed. May be repeated."`
	KafkaTopic   string   `long:"kafkatopic" description:"Kafka topic of the trade feed"`

	HTTPProfile bool   `long:"httpprof" short:"p" description:"Start HTTP profiler."`
	CPUProfile  string `long:"cpuprofile" description:"File for CPU profiling."`
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser to
	// otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// normalizeNetworkAddress checks for a valid local network address format and
// adds default host and port if not present. Invalidates addresses that include
// a protocol identifier.
func normalizeNetworkAddress(a, defaultHost, defaultPort string) (string, error) {
	if strings.Contains(a, "://") {
		return a, fmt.Errorf("address %s contains a protocol identifier, which is not allowed", a)
	}
	if a == "" {
		return defaultHost + ":" + defaultPort, nil
	}
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		if strings.Contains(err.Error(), "missing port in address") {
			normalized := a + ":" + defaultPort
			host, port, err = net.SplitHostPort(normalized)
			if err != nil {
				return a, fmt.Errorf("unable to address %s after port resolution: %w", normalized, err)
			}
		} else {
			return a, fmt.Errorf("unable to normalize address %s: %w", a, err)
		}
	}
	if host == "" {
		host = defaultHost
	}
	if port == "" {
		port = defaultPort
	}
	return host + ":" + port, nil
}

// parseSimnetFund parses a principal:cycles:tokens entry.
func parseSimnetFund(s string) (*simnetFund, error) {
	// Textual principals contain dashes but never colons, so the amounts are
	// the last two fields.
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return nil, fmt.Errorf("simnet fund %q is not principal:cycles:tokens", s)
	}
	j := strings.LastIndex(s[:i], ":")
	if j < 0 {
		return nil, fmt.Errorf("simnet fund %q is not principal:cycles:tokens", s)
	}
	owner, err := icrc.ParsePrincipal(s[:j])
	if err != nil {
		return nil, fmt.Errorf("simnet fund %q: %w", s, err)
	}
	cycles, err := uint128.FromString(s[j+1 : i])
	if err != nil {
		return nil, fmt.Errorf("simnet fund %q cycles: %w", s, err)
	}
	tokens, err := uint128.FromString(s[i+1:])
	if err != nil {
		return nil, fmt.Errorf("simnet fund %q tokens: %w", s, err)
	}
	return &simnetFund{Owner: owner, Cycles: cycles, Tokens: tokens}, nil
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) (*dex.LoggerMaker, error) {
	lm, err := dex.NewLoggerMaker(logWriter{}, debugLevel)
	if err != nil {
		return nil, err
	}
	for subsysID := range lm.Levels {
		if _, exists := subsystemLoggers[subsysID]; !exists {
			return nil, fmt.Errorf("the specified subsystem [%v] is invalid -- "+
				"supported subsystems %v", subsysID, supportedSubsystems())
		}
	}
	setLogLevels(lm)
	return lm, nil
}

// loadConfig initializes and parses the config using a config file and command
// line options.
func loadConfig() (*marketConf, *procOpts, error) {
	loadConfigError := func(err error) (*marketConf, *procOpts, error) {
		return nil, nil, err
	}

	// Default config
	cfg := flagsData{
		AppDataDir: defaultAppDataDir,
		// Defaults for ConfigFile, LogDir, and DataDir are set relative to
		// AppDataDir. They are not to be set here.
		MaxLogZips:        defaultMaxLogZips,
		RPCCert:           defaultRPCCertFilename,
		RPCKey:            defaultRPCKeyFilename,
		DebugLevel:        defaultLogLevel,
		AdminSrvAddr:      defaultAdminSrvAddr,
		SimLedgerListen:   defaultSimLedgerListen,
		DBDriver:          defaultDBDriver,
		PGDBName:          defaultPGDBName,
		PGUser:            defaultPGUser,
		PGHost:            defaultPGHost,
		TokenDecimals:     defaultTokenDecimals,
		CyclesLedgerFee:   defaultCyclesLedgerFee,
		TokenLedgerFee:    defaultTokenLedgerFee,
		StorageMaxPayload: defaultStorageMaxPayload,
		StorageMaxIndex:   defaultStorageMaxIndex,
		MinCycles:         market.DefaultMinimumCycles,
		MinTokens:         market.DefaultMinimumTokens,
		MinVoidWait:       market.DefaultMinVoidWait,
		BumpMarginBp:      matcher.DefaultBumpMarginBp,
	}

	// Pre-parse the command line options to see if an alternative config file
	// or the version flag was specified. Any errors aside from the help message
	// error can be ignored here since they will be caught by the final parse
	// below.
	var preCfg flagsData // zero values as defaults
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Special show command to list supported subsystems and exit.
	if preCfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// A non-default appdata on the command line moves the default config
	// file under it. An explicitly specified config file is used regardless.
	if preCfg.AppDataDir != "" {
		cfg.AppDataDir, err = filepath.Abs(cleanAndExpandPath(preCfg.AppDataDir))
		if err != nil {
			return loadConfigError(fmt.Errorf("unable to determine working directory: %w", err))
		}
	}
	isDefaultConfigFile := preCfg.ConfigFile == ""
	if isDefaultConfigFile {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, defaultConfigFilename)
	} else if !filepath.IsAbs(preCfg.ConfigFile) {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, preCfg.ConfigFile)
	}

	// Config file name for logging.
	configFile := "NONE (defaults)"

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		// Non-default config file must exist.
		if !isDefaultConfigFile {
			return loadConfigError(err)
		}
		fmt.Printf("Config file (%s) does not exist. Using defaults.\n",
			preCfg.ConfigFile)
	} else {
		err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			parser.WriteHelp(os.Stderr)
			return loadConfigError(err)
		}
		configFile = preCfg.ConfigFile
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return loadConfigError(err)
	}

	network := "mainnet"
	if cfg.Simnet {
		network = "simnet"
	}

	// Create the app data directory if it doesn't already exist.
	err = os.MkdirAll(cfg.AppDataDir, 0700)
	if err != nil {
		return loadConfigError(fmt.Errorf("failed to create home directory: %w", err))
	}

	// If datadir or logdir are defaults or non-default relative paths, prepend
	// the appdata directory.
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.AppDataDir, defaultDataDirname)
	} else if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(cfg.AppDataDir, cfg.DataDir)
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
	} else if !filepath.IsAbs(cfg.LogDir) {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, cfg.LogDir)
	}

	// Data and logs are namespaced per network.
	cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir), network)
	if err = os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return loadConfigError(err)
	}
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir), network)

	if !filepath.IsAbs(cfg.RPCCert) {
		cfg.RPCCert = filepath.Join(cfg.AppDataDir, cfg.RPCCert)
	}
	if !filepath.IsAbs(cfg.RPCKey) {
		cfg.RPCKey = filepath.Join(cfg.AppDataDir, cfg.RPCKey)
	}

	// Validate each RPC listen host:port.
	var rpcListen []string
	if len(cfg.RPCListen) == 0 {
		rpcListen = []string{defaultRPCHost + ":" + defaultRPCPort}
	}
	for i := range cfg.RPCListen {
		listen, err := normalizeNetworkAddress(cfg.RPCListen[i], defaultRPCHost, defaultRPCPort)
		if err != nil {
			return loadConfigError(err)
		}
		rpcListen = append(rpcListen, listen)
	}

	// Initialize log rotation. After log rotation has been initialized, the
	// logger variables may be used. This creates the LogDir if needed.
	if cfg.MaxLogZips < 0 {
		cfg.MaxLogZips = 0
	}
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogZips)

	// Parse, validate, and set debug log level(s).
	logMaker, err := parseAndSetDebugLevels(cfg.DebugLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return loadConfigError(err)
	}

	log.Infof("App data folder: %s", cfg.AppDataDir)
	log.Infof("Data folder:     %s", cfg.DataDir)
	log.Infof("Log folder:      %s", cfg.LogDir)
	log.Infof("Config file:     %s", configFile)

	var self icrc.Principal
	switch {
	case cfg.Self != "":
		if self, err = icrc.ParsePrincipal(cfg.Self); err != nil {
			return loadConfigError(fmt.Errorf("invalid --self principal: %w", err))
		}
	case cfg.Simnet:
		self = icrc.Principal(simnetSelf)
	default:
		return loadConfigError(errors.New("--self is required"))
	}

	if !cfg.Simnet && (cfg.CyclesLedgerURL == "" || cfg.TokenLedgerURL == "") {
		return loadConfigError(errors.New("--cyclesledger and --tokenledger are required unless --simnet"))
	}

	var funds []simnetFund
	if len(cfg.SimnetFund) > 0 && !cfg.Simnet {
		return loadConfigError(errors.New("--simnetfund requires --simnet"))
	}
	for _, s := range cfg.SimnetFund {
		f, err := parseSimnetFund(s)
		if err != nil {
			return loadConfigError(err)
		}
		funds = append(funds, *f)
	}

	switch cfg.DBDriver {
	case "bolt", "pg", "none":
	default:
		return loadConfigError(fmt.Errorf("unknown --dbdriver %q", cfg.DBDriver))
	}

	var dbHost, dbPort string = cfg.PGHost, ""
	// For UNIX sockets, do not attempt to parse out a port.
	if cfg.DBDriver == "pg" && !strings.HasPrefix(dbHost, "/") {
		dbHost, dbPort, err = net.SplitHostPort(cfg.PGHost)
		if err != nil {
			return loadConfigError(fmt.Errorf("invalid DB host %q: %w", cfg.PGHost, err))
		}
		if _, err := strconv.ParseUint(dbPort, 10, 16); err != nil {
			return loadConfigError(fmt.Errorf("invalid DB port %q: %w", dbPort, err))
		}
	}
	if cfg.DBDriver == "pg" && !cfg.HidePGConfig {
		log.Infof("PostgreSQL: %s@%s:%s/%s", cfg.PGUser, dbHost, dbPort, cfg.PGDBName)
	}

	if cfg.TokenDecimals < 0 {
		return loadConfigError(fmt.Errorf("invalid --tokendecimals %d", cfg.TokenDecimals))
	}

	mktCfg := &marketConf{
		Simnet:          cfg.Simnet,
		SimnetFund:      funds,
		Self:            self,
		DataDir:         cfg.DataDir,
		CyclesLedgerURL: cfg.CyclesLedgerURL,
		TokenLedgerURL:  cfg.TokenLedgerURL,
		CyclesLedgerFee: uint128.From64(cfg.CyclesLedgerFee),
		TokenLedgerFee:  uint128.From64(cfg.TokenLedgerFee),
		TokenDecimals:   cfg.TokenDecimals,

		RPCCert:     cfg.RPCCert,
		RPCKey:      cfg.RPCKey,
		RPCListen:   rpcListen,
		AltDNSNames: cfg.AltDNSNames,
		NoTLS:       cfg.NoTLS,
		GlobalRate:  cfg.GlobalRate,
		GlobalBurst: cfg.GlobalBurst,

		AdminSrvOn:   cfg.AdminSrvOn,
		AdminSrvAddr: cfg.AdminSrvAddr,
		AdminSrvPW:   []byte(cfg.AdminSrvPW),

		DBDriver: cfg.DBDriver,
		DBName:   cfg.PGDBName,
		DBUser:   cfg.PGUser,
		DBPass:   cfg.PGPass,
		DBHost:   dbHost,
		DBPort:   dbPort,

		StorageMaxPayload: cfg.StorageMaxPayload,
		StorageMaxIndex:   cfg.StorageMaxIndex,
		StorageMaxRecords: cfg.StorageMaxRecords,

		Market: market.Config{
			Self: self,
			Minimums: order.Minimums{
				Cycles: uint128.From64(cfg.MinCycles),
				Tokens: uint128.From64(cfg.MinTokens),
			},
			FeeTiers:            calc.DefaultFeeTiers,
			MaxCyclesPositions:  cfg.MaxCyclesPositions,
			MaxTokenPositions:   cfg.MaxTokenPositions,
			BumpMarginBp:        cfg.BumpMarginBp,
			MaxMatches:          cfg.MatchLimit,
			MaxBalanceLocks:     cfg.MaxBalanceLocks,
			PayoutChunk:         cfg.PayoutChunk,
			MaxPositionLifetime: cfg.MaxPositionLifetime,
			MinVoidWait:         cfg.MinVoidWait,
			PayoutInterval:      cfg.PayoutInterval,
			SnapshotInterval:    cfg.SnapshotInterval,
			FlushThreshold:      cfg.FlushThreshold,
		},

		NATSURL:      cfg.NATSURL,
		NATSSubject:  cfg.NATSSubject,
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,

		LogMaker: logMaker,
	}
	if cfg.Simnet {
		mktCfg.SimLedgerListen = cfg.SimLedgerListen
	}

	opts := &procOpts{
		CPUProfile:  cfg.CPUProfile,
		HTTPProfile: cfg.HTTPProfile,
	}

	return mktCfg, opts, nil
}
