package conf

import "time"

// Bootstrap is the root configuration of the ProxyLane daemon.
type Bootstrap struct {
	Server   *Server
	Data     *Data
	Auth     *Auth
	Log      *Log
	Pool     *Pool
	Upstream *Upstream
	Cron     *Cron
}

// Server holds the admin HTTP listener settings.
type Server struct {
	Http     *Server_HTTP
	AdminKey string
}

type Server_HTTP struct {
	Network string
	Addr    string
	Timeout time.Duration
}

// Data holds storage settings.
type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
}

type Data_Database struct {
	// Driver is one of mysql, postgres, sqlite.
	Driver string
	Source string
}

type Data_Redis struct {
	Network      string
	Addr         string
	Password     string
	DB           int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Auth struct {
	Encryption *Auth_Encryption
}

type Auth_Encryption struct {
	Key string
}

type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}

// Pool configures account selection and health tracking.
type Pool struct {
	CircuitBreaker     *Pool_CircuitBreaker
	QuotaProtection    *Pool_QuotaProtection
	Scheduling         *Pool_Scheduling
	PreferredAccountID string
	MaxRetryAttempts   int
	// RefreshSkew is how long before expiry a credential is refreshed on selection.
	RefreshSkew     time.Duration
	ShutdownTimeout time.Duration
}

type Pool_CircuitBreaker struct {
	Enabled      bool
	BackoffSteps []time.Duration
}

type Pool_QuotaProtection struct {
	Enabled             bool
	ThresholdPercentage int
	MonitoredModels     []string
	RelaxOnExhaustion   bool
}

type Pool_Scheduling struct {
	// Mode is one of cache_first, balance, performance_first.
	Mode        string
	MaxWait     time.Duration
	StickyTTL   time.Duration
	MaxSessions int
}

// Upstream configures the clients the pool talks to.
type Upstream struct {
	OAuth    *Upstream_OAuth
	Quota    *Upstream_Quota
	Fallback *Upstream_Fallback
}

type Upstream_OAuth struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	ProxyURL     string
	Timeout      time.Duration
	MaxRetries   int
}

type Upstream_Quota struct {
	BaseURL           string
	ProxyURL          string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

type Upstream_Fallback struct {
	Enabled bool
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// MaxFailures consecutive failures open the fallback breaker.
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Cron holds schedules for background tasks, in robfig/cron seconds format.
type Cron struct {
	CredentialRefresh string
	QuotaRefresh      string
}
