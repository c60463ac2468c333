package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// AllJobStatuses lists statuses in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusProcessing,
	JobStatusCompleted,
	JobStatusFailed,
}

type JobType string

const (
	JobTypeSingle JobType = "single" // every scene is a script search
	JobTypeMixed  JobType = "mixed"  // direct file, script or keyword scenes
)

func (t JobType) Valid() bool {
	return t == JobTypeSingle || t == JobTypeMixed
}

type SelectionMethod string

const (
	SelectionDirectFile    SelectionMethod = "direct_file"
	SelectionScriptSearch  SelectionMethod = "script_search"
	SelectionKeywordSearch SelectionMethod = "keyword_search"
)

// Candidate ceiling bounds for a single similarity search.
const (
	MinCandidatesPerSearch     = 1
	MaxCandidatesPerSearch     = 50
	DefaultCandidatesPerSearch = 10
)

var (
	ErrInvalidStory     = errors.New("invalid story")
	ErrInvalidSceneSpec = errors.New("invalid scene spec")
	ErrInvalidOptions   = errors.New("invalid generation options")
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unsupported JSONB source %T", value)
	}
	return json.Unmarshal(bytes, j)
}

// GenerationOptions is the cross-scene policy supplied once per job.
type GenerationOptions struct {
	AvoidDuplicateAssets   bool `json:"avoid_duplicate_assets"`
	ExcludePortraitAssets  bool `json:"exclude_portrait_assets"`
	MaxCandidatesPerSearch int  `json:"max_candidates_per_search"`
	SkipUnresolvableScenes bool `json:"skip_unresolvable_scenes"`
}

// WithDefaults fills an unset candidate ceiling.
func (o GenerationOptions) WithDefaults(maxCandidates int) GenerationOptions {
	if o.MaxCandidatesPerSearch == 0 {
		if maxCandidates <= 0 {
			maxCandidates = DefaultCandidatesPerSearch
		}
		o.MaxCandidatesPerSearch = maxCandidates
	}
	return o
}

func (o GenerationOptions) Validate() error {
	if o.MaxCandidatesPerSearch < MinCandidatesPerSearch || o.MaxCandidatesPerSearch > MaxCandidatesPerSearch {
		return fmt.Errorf("%w: max_candidates_per_search must be between %d and %d, got %d",
			ErrInvalidOptions, MinCandidatesPerSearch, MaxCandidatesPerSearch, o.MaxCandidatesPerSearch)
	}
	return nil
}

// Models

// ResolvedScene is immutable once the resolver hands it out.
type ResolvedScene struct {
	SceneIndex      int             `json:"scene_index"`
	AssetID         string          `json:"asset_id"`
	AssetPath       string          `json:"asset_path"`
	AudioPath       string          `json:"audio_path"`
	SubtitleText    string          `json:"subtitle_text"`
	SelectionMethod SelectionMethod `json:"selection_method"`
	MatchMetadata   JSONB           `json:"match_metadata,omitempty"`
}

type SkippedScene struct {
	SceneIndex      int             `json:"scene_index"`
	Reason          string          `json:"reason"`
	SelectionMethod SelectionMethod `json:"selection_method,omitempty"`
}

type JobResult struct {
	OutputPath      string            `json:"output_path"`
	RecordID        uuid.UUID         `json:"record_id"`
	PublicURL       *string           `json:"public_url,omitempty"`
	VideosUsed      []string          `json:"videos_used,omitempty"` // only with avoid_duplicate_assets
	SkippedScenes   []SkippedScene    `json:"skipped_scenes,omitempty"`
	ProcessedScenes int               `json:"processed_scenes"`
	OptionsUsed     GenerationOptions `json:"options_used"`
}

type JobError struct {
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// Job is one unit of asynchronous work. Values handed out by the queue are copies.
type Job struct {
	ID          uuid.UUID         `json:"id"`
	Type        JobType           `json:"type"`
	Status      JobStatus         `json:"status"`
	Progress    int               `json:"progress"`
	Story       *StoryRequest     `json:"story,omitempty"`
	Options     GenerationOptions `json:"options"`
	Result      *JobResult        `json:"result,omitempty"`
	Error       *JobError         `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at,omitempty"`
}

// GenerationRecord is the durable audit entry of one render.
type GenerationRecord struct {
	ID                uuid.UUID         `json:"id"`
	JobType           JobType           `json:"job_type"`
	OutputPath        string            `json:"output_path"`
	StoragePath       *string           `json:"storage_path,omitempty"`
	PublicURL         *string           `json:"public_url,omitempty"`
	ResolvedScenes    []ResolvedScene   `json:"resolved_scenes"`
	StoryRequest      *StoryRequest     `json:"story_request,omitempty"` // nil for legacy records
	GenerationOptions GenerationOptions `json:"generation_options"`
	CreatedAt         time.Time         `json:"created_at"`
}

// AssetMetadata describes an indexed clip. Zero dimensions mean unknown.
type AssetMetadata struct {
	FileName    string `json:"file_name"`
	Description string `json:"description,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

func (m AssetMetadata) HasDimensions() bool {
	return m.Width > 0 && m.Height > 0
}

// AssetCandidate is one ranked hit from the asset index.
type AssetCandidate struct {
	AssetID  string        `json:"asset_id"`
	Metadata AssetMetadata `json:"metadata"`
	Score    float64       `json:"score"`
}

// AssetEmbedding is a stored index entry.
type AssetEmbedding struct {
	AssetMetadata
	Model     string    `json:"model"`
	Vector    []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IndexVersion summarizes the stored embeddings of one model. Any import or
// removal changes it.
type IndexVersion struct {
	Count        int       `json:"count"`
	LatestUpdate time.Time `json:"latest_update"`
}

func (v IndexVersion) Equal(o IndexVersion) bool {
	return v.Count == o.Count && v.LatestUpdate.Equal(o.LatestUpdate)
}

type QueueMetrics struct {
	IsRunning     bool              `json:"is_running"`
	QueueDepth    int64             `json:"queue_depth"`
	TotalJobs     int               `json:"total_jobs"`
	CountByStatus map[JobStatus]int `json:"count_by_status"`
}

// DTOs for API requests and responses

type GenerateRequest struct {
	Type    JobType            `json:"type,omitempty"` // Default: "mixed"
	Story   StoryRequest       `json:"story"`
	Options *GenerationOptions `json:"options,omitempty"`
}

type SubmitJobResponse struct {
	JobID         uuid.UUID `json:"job_id"`
	Status        JobStatus `json:"status"`
	QueuePosition int       `json:"queue_position"`
}

type JobStatusResponse struct {
	Job           Job    `json:"job"`
	QueuePosition *int   `json:"queue_position,omitempty"`
	Source        string `json:"source"` // "memory" or "database"
}

type QueueStatusResponse struct {
	Queue      QueueMetrics `json:"queue"`
	RecentJobs []Job        `json:"recent_jobs"`
}

type RecordListResponse struct {
	Records       []GenerationRecord `json:"records"`
	Total         int                `json:"total"`
	ReturnedCount int                `json:"returned_count"`
	Limit         int                `json:"limit"`
	Offset        int                `json:"offset"`
}

type RecordResponse struct {
	Record     GenerationRecord `json:"record"`
	FileExists bool             `json:"file_exists"`
}

type DeleteRecordResponse struct {
	RecordID    uuid.UUID `json:"record_id"`
	FileDeleted bool      `json:"file_deleted"`
}
