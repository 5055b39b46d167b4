package main

import (
	"time"

	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "mandi.ini"

// Config is the top-level configuration object of a mandi server. Env names
// match the deployment's canonical variables (DATABASE_URL, JWT_SECRET, ...)
// rather than the flag namespaces.
var Config = new(struct {
	Server struct {
		Port        uint16 `long:"port" env:"PORT" default:"8080" description:"HTTP service port"`
		Environment string `long:"environment" env:"ENVIRONMENT" default:"development" description:"Deployment environment name"`
		JWTSecret   string `long:"jwt-secret" env:"JWT_SECRET" description:"HMAC secret signing dashboard tokens (32 bytes minimum)"`
		Inflight    int    `long:"inflight" env:"INGEST_INFLIGHT" default:"64" description:"Concurrent webhook requests served before shedding with 503"`
	} `group:"Server" namespace:"server"`

	DB struct {
		URL string `long:"url" env:"DATABASE_URL" required:"true" description:"PostgreSQL connection string"`
	} `group:"Database" namespace:"db"`

	Redis struct {
		URL string `long:"url" env:"REDIS_URL" description:"Redis URL for cross-instance dedup (optional)"`
	} `group:"Redis" namespace:"redis"`

	Broker struct {
		URL string `long:"url" env:"BROKER_URL" description:"AMQP broker URL for domain events and escalations (optional)"`
	} `group:"Broker" namespace:"broker"`

	Gateway struct {
		URL   string `long:"url" env:"GATEWAY_URL" description:"Messaging gateway base URL (optional; outbound chat is dropped without it)"`
		Token string `long:"token" env:"GATEWAY_TOKEN" description:"Messaging gateway bearer token"`
	} `group:"Gateway" namespace:"gateway"`

	Extractor struct {
		URL   string `long:"url" env:"EXTRACTOR_URL" description:"Image extraction service base URL (optional; image orders park for review without it)"`
		Token string `long:"token" env:"EXTRACTOR_TOKEN" description:"Image extraction service bearer token"`
	} `group:"Extractor" namespace:"extractor"`

	Uploads struct {
		Dir string `long:"dir" env:"UPLOAD_DIR" description:"Directory spooling uploaded order images"`
	} `group:"Uploads" namespace:"uploads"`

	Selection struct {
		Strategy           string `long:"strategy" env:"SELECTION_STRATEGY" default:"round-robin" description:"Tiebreak among equally scored vendors (round-robin | least-loaded)"`
		WeightResponse     int    `long:"weight-response" env:"SCORE_WEIGHT_RESPONSE" default:"25" description:"Score weight: response speed"`
		WeightAcceptance   int    `long:"weight-acceptance" env:"SCORE_WEIGHT_ACCEPTANCE" default:"20" description:"Score weight: acceptance rate"`
		WeightPrice        int    `long:"weight-price" env:"SCORE_WEIGHT_PRICE" default:"20" description:"Score weight: price competitiveness"`
		WeightDelivery     int    `long:"weight-delivery" env:"SCORE_WEIGHT_DELIVERY" default:"25" description:"Score weight: delivery success"`
		WeightCancellation int    `long:"weight-cancellation" env:"SCORE_WEIGHT_CANCELLATION" default:"10" description:"Score weight: cancellation rate"`
	} `group:"Selection" namespace:"selection"`

	Recovery struct {
		Interval          time.Duration `long:"interval" env:"RECOVERY_INTERVAL" default:"2m" description:"Recovery scan interval"`
		Batch             int           `long:"batch" env:"RECOVERY_BATCH" default:"50" description:"Items claimed per recovery pass"`
		StalledThreshold  time.Duration `long:"stalled-threshold" env:"STALLED_THRESHOLD" default:"15m" description:"Age of a CONFIRMED order without a vendor before re-selection"`
		StalledEscalation time.Duration `long:"stalled-escalation" env:"STALLED_ESCALATION" default:"24h" description:"Stalled age before the order is escalated to an admin"`
		NudgeAfterDays    int           `long:"nudge-after-days" env:"REORDER_NUDGE_DAYS" default:"7" description:"Idle days before a retailer gets a quick-reorder nudge"`
	} `group:"Recovery" namespace:"recovery"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})
