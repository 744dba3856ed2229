package api

import (
	"time"

	"delta-relay/internal/config"
)

// Response is the JSON body answering one webhook delivery.
//
// Exactly one of the outcome fields is meaningful: Error for failed
// dispatches, Dedup/Ignored/Queued for deliveries that did not run the
// chain, Status for ones that did.
type Response struct {
	OK         bool         `json:"ok"`
	DispatchID string       `json:"dispatch_id,omitempty"`
	Dedup      bool         `json:"dedup,omitempty"`
	Ignored    string       `json:"ignored,omitempty"`
	Queued     string       `json:"queued,omitempty"` // "waiting_for_<STEP>"
	Status     string       `json:"status,omitempty"` // "done" or "progressed"
	Have       []string     `json:"have,omitempty"`
	Did        []string     `json:"did,omitempty"`
	Progressed []StepResult `json:"progressed,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// Outcome buckets the response for metrics and logging.
func (r Response) Outcome() string {
	switch {
	case r.Error != "":
		return "error"
	case r.Dedup:
		return "dedup"
	case r.Ignored != "":
		return "ignored"
	case r.Queued != "":
		return "queued"
	case r.Status != "":
		return r.Status
	default:
		return "ok"
	}
}

// StepResult is one chain step's progress entry.
type StepResult struct {
	Step      string `json:"step"`           // "CANCAL", "ENTER", "BATCH_TPS"
	Status    string `json:"status"`         // "done" or "skipped"
	Note      string `json:"note,omitempty"` // "auto" when the cancel was synthesized
	Side      string `json:"side,omitempty"`
	Lots      int    `json:"lots,omitempty"`
	Orders    int    `json:"orders,omitempty"`
	Cancelled int    `json:"cancelled,omitempty"`
	Closed    int    `json:"closed,omitempty"`
}

// StateSnapshot is the full relay state served on /debug/state and pushed to
// new stream clients.
type StateSnapshot struct {
	Timestamp  time.Time             `json:"timestamp"`
	Chains     []ChainStatus         `json:"chains"`
	Seen       []SeenEntry           `json:"seen"`
	Memos      map[string]MemoStatus `json:"memos"`
	LotMults   map[string]float64    `json:"lot_mults"`
	QueueDepth int                   `json:"queue_depth"`
	Config     ConfigSummary         `json:"config"`
}

// ChainStatus is one live signal chain.
type ChainStatus struct {
	Key         string   `json:"key"`
	SigID       string   `json:"sig_id"`
	Symbol      string   `json:"symbol"`
	AgeSeconds  float64  `json:"age_seconds"`
	IdleSeconds float64  `json:"idle_seconds"`
	Have        []string `json:"have"`
	Did         []string `json:"did"`
	CancelNote  string   `json:"cancel_note,omitempty"`
	Done        bool     `json:"done"`
}

// SeenEntry is one fingerprint in the idempotency window.
type SeenEntry struct {
	Fingerprint string  `json:"fingerprint"`
	AgeSeconds  float64 `json:"age_seconds"`
}

// MemoStatus is one last-entry memo.
type MemoStatus struct {
	Lots       int     `json:"lots"`
	Side       string  `json:"side"`
	LotMult    float64 `json:"lot_mult"`
	AgeSeconds float64 `json:"age_seconds"`
}

// ConfigSummary is the non-secret configuration, for the debug surface.
type ConfigSummary struct {
	DryRun  bool   `json:"dry_run"`
	BaseURL string `json:"base_url"`

	StrictSequence bool `json:"strict_sequence"`

	DefaultLeverage int     `json:"default_leverage"`
	FxINRPerUSD     float64 `json:"fx_inr_per_usd"`
	MarginBufferPct float64 `json:"margin_buffer_pct"`
	MaxLotsPerOrder int     `json:"max_lots_per_order"`

	FlatPollInterval string `json:"flat_poll_interval"`
	FlatTimeout      string `json:"flat_timeout"`

	ChainWindow       string `json:"chain_window"`
	ChainTTL          string `json:"chain_ttl"`
	AutoCancelOnEnter bool   `json:"auto_cancel_on_enter"`
	FastEnter         bool   `json:"fast_enter"`
}

// NewConfigSummary builds the debug view of the configuration. Credentials
// and the webhook token never appear here.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		DryRun:  cfg.DryRun,
		BaseURL: cfg.Exchange.BaseURL,

		StrictSequence: cfg.Webhook.StrictSequence,

		DefaultLeverage: cfg.Sizing.DefaultLeverage,
		FxINRPerUSD:     cfg.Sizing.FxINRPerUSD,
		MarginBufferPct: cfg.Sizing.MarginBufferPct,
		MaxLotsPerOrder: cfg.Sizing.MaxLotsPerOrder,

		FlatPollInterval: cfg.Flatten.PollInterval.String(),
		FlatTimeout:      cfg.Flatten.Timeout.String(),

		ChainWindow:       cfg.Chain.Window.String(),
		ChainTTL:          cfg.Chain.TTL.String(),
		AutoCancelOnEnter: cfg.Chain.AutoCancelOnEnter,
		FastEnter:         cfg.Chain.FastEnter,
	}
}
