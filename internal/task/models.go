package task

import "time"

type Status string

const (
	// StatusProcessing means the provider has (or may have) accepted the work
	// and no terminal signal has been observed yet.
	StatusProcessing Status = "processing"
	// StatusUploading is a transient sub-state of processing: a terminal
	// provider result has been observed and the result relay is in flight.
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Kind string

const (
	KindUpscale           Kind = "upscale"
	KindBackgroundRemoval Kind = "background_removal"
	KindTextToImage       Kind = "text_to_image"
	KindImageEdit         Kind = "image_edit"
)

// KindSpec carries the per-kind orchestration knobs: credit cost, the soft
// timeout after which a client poll triggers a fallback provider query, the
// absolute age ceiling after which the task is force-failed, and a cosmetic
// completion estimate returned at submission.
type KindSpec struct {
	Cost          int
	SoftTimeout   time.Duration
	AgeCeiling    time.Duration
	EstimatedTime time.Duration
}

var kindSpecs = map[Kind]KindSpec{
	KindUpscale:           {Cost: 2, SoftTimeout: 30 * time.Second, AgeCeiling: 10 * time.Minute, EstimatedTime: 20 * time.Second},
	KindBackgroundRemoval: {Cost: 1, SoftTimeout: 20 * time.Second, AgeCeiling: 5 * time.Minute, EstimatedTime: 10 * time.Second},
	KindTextToImage:       {Cost: 4, SoftTimeout: 60 * time.Second, AgeCeiling: 15 * time.Minute, EstimatedTime: 45 * time.Second},
	KindImageEdit:         {Cost: 3, SoftTimeout: 45 * time.Second, AgeCeiling: 15 * time.Minute, EstimatedTime: 30 * time.Second},
}

// SpecFor returns the orchestration knobs for a kind.
func SpecFor(k Kind) (KindSpec, bool) {
	s, ok := kindSpecs[k]
	return s, ok
}

// ValidKind reports whether k names a supported operation.
func ValidKind(k Kind) bool {
	_, ok := kindSpecs[k]
	return ok
}

// Task is the durable record of one unit of submitted work. The internal ULID
// id is the stable primary key; the provider-assigned id lives in a separate
// nullable unique column so webhooks and polls can key off it without the
// delete-and-recreate id swap.
type Task struct {
	ID string `gorm:"primaryKey;size:26" json:"id"`

	OwnerID    string `gorm:"size:64;index;not null" json:"-"`
	OwnerTrial bool   `gorm:"not null" json:"-"`

	Provider       string  `gorm:"size:32;not null" json:"provider"`
	Kind           Kind    `gorm:"type:varchar(32);index;not null" json:"kind"`
	ProviderTaskID *string `gorm:"type:varchar(128);uniqueIndex" json:"-"`

	// Operation-specific knobs; opaque to the orchestration core.
	Params string `gorm:"type:text" json:"-"`

	CreditsConsumed int `gorm:"not null" json:"credits_consumed"`

	// Provider key used for submission; slot committed once the provider
	// accepted the job.
	KeyID *uint64 `gorm:"index" json:"-"`

	SourceObjectKey *string `gorm:"type:varchar(256)" json:"-"`
	ResultObjectKey *string `gorm:"type:varchar(256)" json:"-"`
	ResultURL       *string `gorm:"type:varchar(512)" json:"result_url,omitempty"`

	Error *string `gorm:"type:text" json:"error,omitempty"`

	Status Status `gorm:"type:varchar(16);index;not null" json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"-"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (Task) TableName() string { return "tasks" }
