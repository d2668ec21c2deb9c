package domain

import (
	"time"
)

// Core Enums and Types

// QuestionType identifies how a question is rendered and answered.
type QuestionType string

const (
	TypeText     QuestionType = "text"
	TypeTextarea QuestionType = "textarea"
	TypeRadio    QuestionType = "radio"
	TypeSelect   QuestionType = "select"
	TypeCheckbox QuestionType = "checkbox"
	TypeDropdown QuestionType = "dropdown"
	TypeNumber   QuestionType = "number"
	TypeDate     QuestionType = "date"
	TypeEmail    QuestionType = "email"
	TypeTel      QuestionType = "tel"
	TypeURL      QuestionType = "url"
	TypeInfo     QuestionType = "info"
)

// EvalMode selects which audience's questions are considered during
// visibility resolution. It is always passed explicitly; the engine keeps
// no ambient mode state.
type EvalMode string

const (
	ModePatient  EvalMode = "patient"
	ModeOptician EvalMode = "optician"
)

// ConditionType identifies one entry in an advanced show_if condition set.
type ConditionType string

const (
	ConditionAnswer       ConditionType = "answer"
	ConditionAnyAnswer    ConditionType = "any_answer"
	ConditionSectionScore ConditionType = "section_score"
)

// ConditionLogic combines the entries of an advanced condition set.
type ConditionLogic string

const (
	LogicAnd ConditionLogic = "and"
	LogicOr  ConditionLogic = "or"
)

// ScoreOperator compares a section score against a threshold.
type ScoreOperator string

const (
	OpLessThan    ScoreOperator = "less_than"
	OpGreaterThan ScoreOperator = "greater_than"
	OpEquals      ScoreOperator = "equals"
)

// Schema Models

// FormTemplate is the immutable, organization-authored definition of one
// examination form. It is fetched as an opaque JSON blob and never mutated
// at runtime.
type FormTemplate struct {
	ID             string         `json:"id,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Title          string         `json:"title"`
	Sections       []FormSection  `json:"sections"`
	ScoringConfig  *ScoringConfig `json:"scoring_config,omitempty"`
	KioskMode      bool           `json:"kiosk_mode,omitempty"`
}

// FormSection is an ordered group of questions with an optional visibility
// rule.
type FormSection struct {
	SectionTitle string         `json:"section_title,omitempty"`
	ShowIf       *ShowIf        `json:"show_if,omitempty"`
	Questions    []FormQuestion `json:"questions"`
}

// FormQuestion is a single question definition inside a section.
type FormQuestion struct {
	ID                  string           `json:"id"`
	Label               string           `json:"label"`
	Type                QuestionType     `json:"type"`
	Options             []QuestionOption `json:"options,omitempty"`
	Required            bool             `json:"required,omitempty"`
	ShowIf              *ShowIf          `json:"show_if,omitempty"`
	IsFollowupTemplate  bool             `json:"is_followup_template,omitempty"`
	FollowupQuestionIDs []string         `json:"followup_question_ids,omitempty"`
	ShowInMode          string           `json:"show_in_mode,omitempty"` // patient, optician or all
	Scoring             *QuestionScoring `json:"scoring,omitempty"`
}

// QuestionOption is one selectable option. Schemas store options either as
// plain strings or as objects; UnmarshalJSON in option.go accepts both.
type QuestionOption struct {
	Label             string `json:"label"`
	TriggersFollowups bool   `json:"triggers_followups,omitempty"`
}

// ShowIf is a declarative visibility rule on a section or question. The
// legacy shape uses Question plus Equals/Contains; the advanced shape uses
// Conditions plus Logic. A rule carrying both is evaluated in advanced form.
type ShowIf struct {
	// Legacy shape
	Question string      `json:"question,omitempty"`
	Equals   interface{} `json:"equals,omitempty"` // string or []string
	Contains string      `json:"contains,omitempty"`

	// Advanced shape
	Conditions []Condition    `json:"conditions,omitempty"`
	Logic      ConditionLogic `json:"logic,omitempty"` // defaults to "or"
}

// Condition is one entry of an advanced condition set.
type Condition struct {
	Type ConditionType `json:"type"`

	// answer: check a named question's value
	Question string      `json:"question,omitempty"`
	Equals   interface{} `json:"equals,omitempty"`
	Contains string      `json:"contains,omitempty"`

	// any_answer: any question inside Section holds Value
	Section int         `json:"section"`
	Value   interface{} `json:"value,omitempty"`

	// section_score: Section's score compared against Threshold
	Operator  ScoreOperator `json:"operator,omitempty"`
	Threshold float64       `json:"threshold,omitempty"`
}

// QuestionScoring is the per-question scoring block.
type QuestionScoring struct {
	Enabled       bool     `json:"enabled"`
	MinValue      float64  `json:"min_value,omitempty"`
	MaxValue      float64  `json:"max_value,omitempty"`
	FlagThreshold *float64 `json:"flag_threshold,omitempty"`
	WarningText   string   `json:"warning_text,omitempty"`
}

// ScoringConfig is the form-level scoring block.
type ScoringConfig struct {
	TotalThreshold     float64 `json:"total_threshold"`
	ShowScoreToPatient bool    `json:"show_score_to_patient,omitempty"`
	DisableAISummary   bool    `json:"disable_ai_summary,omitempty"`
}

// Runtime Models

// AnswerMap is the flat mapping from question id (static or runtime) to the
// user's answer. It is the authoritative input driving all visibility and
// scoring computation. Values are strings, numbers, booleans or string
// slices for multi-select.
type AnswerMap map[string]interface{}

// DynamicQuestion is a runtime-only instantiation of a follow-up template,
// one per distinct selected value of its parent question. It is re-derived
// on every resolution pass and never persisted independently.
type DynamicQuestion struct {
	RuntimeID   string       `json:"runtime_id"`
	OriginalID  string       `json:"original_id"`
	ParentID    string       `json:"parent_id"`
	ParentValue string       `json:"parent_value"`
	Section     int          `json:"section"`
	Question    FormQuestion `json:"question"`
}

// Submission Models

// SubmissionDocument is the normalized, section-grouped, visibility-filtered
// record of a user's answers. A section appears iff it is currently visible
// and holds at least one non-empty response.
type SubmissionDocument struct {
	FormTitle   string            `json:"form_title"`
	Sections    []AnsweredSection `json:"answered_sections"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// AnsweredSection groups the non-empty responses of one visible section.
type AnsweredSection struct {
	SectionTitle string     `json:"section_title"`
	Responses    []Response `json:"responses"`
}

// Response is a single captured answer, keyed by the question's runtime id
// for dynamic follow-ups and by its static id otherwise.
type Response struct {
	ID     string      `json:"id"`
	Answer interface{} `json:"answer"`
}

// Scoring Models

// ScoringResult is the ephemeral outcome of scoring a template against an
// answer map. It is computed fresh on every call and never mutated in place.
type ScoringResult struct {
	TotalScore        float64           `json:"total_score"`
	MaxPossible       float64           `json:"max_possible"`
	Percentage        float64           `json:"percentage"`
	ThresholdExceeded bool              `json:"threshold_exceeded"`
	FlaggedQuestions  []FlaggedQuestion `json:"flagged_questions"`
}

// FlaggedQuestion is one question whose score met or exceeded its own
// flag threshold.
type FlaggedQuestion struct {
	ID          string  `json:"id"`
	Label       string  `json:"label"`
	Score       float64 `json:"score"`
	WarningText string  `json:"warning_text,omitempty"`
}

// Database Models

// EntryRecord is a persisted form submission: the finalized document plus
// the raw answer map it was derived from and the scoring snapshot.
type EntryRecord struct {
	ID          string              `json:"id"`
	TemplateID  string              `json:"template_id"`
	Submission  *SubmissionDocument `json:"submission"`
	RawAnswers  AnswerMap           `json:"raw_answers"`
	Scoring     *ScoringResult      `json:"scoring,omitempty"`
	Mode        EvalMode            `json:"mode"`
	SubmittedAt time.Time           `json:"submitted_at"`
	CreatedAt   time.Time           `json:"created_at,omitempty"`
}

// Draft is a partially completed answer map saved for session resume.
type Draft struct {
	SessionID  string    `json:"session_id"`
	TemplateID string    `json:"template_id"`
	Answers    AnswerMap `json:"answers"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Configuration Models

// Config is the main application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Drafts   DraftsConfig   `mapstructure:"drafts"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig is the HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	RateLimit    int           `mapstructure:"rate_limit"` // requests per second per client
	RateBurst    int           `mapstructure:"rate_burst"`
}

// DatabaseConfig is the Postgres connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// CacheConfig is the template cache configuration.
type CacheConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
	MemorySize  int           `mapstructure:"memory_size"` // hot LRU tier entries
}

// DraftsConfig is the local draft store configuration.
type DraftsConfig struct {
	Path   string        `mapstructure:"path"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

// WebhookConfig is the downstream submission webhook configuration.
type WebhookConfig struct {
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  int           `mapstructure:"rate_limit"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// EngineConfig tunes the evaluation engine.
type EngineConfig struct {
	// MaxResolvePasses caps the visibility fixed-point iteration. It is a
	// safety valve against non-converging schemas, not a semantic guarantee.
	MaxResolvePasses int `mapstructure:"max_resolve_passes"`
	// DebounceWindow coalesces rapid answer updates in a live session.
	DebounceWindow time.Duration `mapstructure:"debounce_window"`
	// ResolutionCacheSize bounds the memoized resolution LRU.
	ResolutionCacheSize int `mapstructure:"resolution_cache_size"`
}

// LoggingConfig is the logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
