package models

import "time"

// ProcessingStatus is the pipeline state of a video
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingProcessing ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

// Terminal reports whether no further automatic transition can happen
func (s ProcessingStatus) Terminal() bool {
	return s == ProcessingCompleted || s == ProcessingFailed
}

// SensitivityStatus is the outcome of the sensitivity classifier
type SensitivityStatus string

const (
	SensitivityPending SensitivityStatus = "pending"
	SensitivitySafe    SensitivityStatus = "safe"
	SensitivityFlagged SensitivityStatus = "flagged"
)

// SensitivityDetails holds the classifier's score and flag set
type SensitivityDetails struct {
	Score  int      `json:"score"`
	Reason string   `json:"reason"`
	Flags  []string `json:"flags"`
}

// MediaInfo is the extracted media attributes of a video
type MediaInfo struct {
	Duration  float64 `json:"duration"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frameRate"`
}

// Video is the persisted record of an uploaded video. It is also the manifest
// for the stored bytes: StoragePath is the blob key.
type Video struct {
	ID       string `json:"id"`
	OwnerID  string `json:"ownerId"`
	TenantID string `json:"tenantId"`

	Filename         string `json:"filename"`
	OriginalFilename string `json:"originalFilename"`
	Size             int64  `json:"size"`
	MimeType         string `json:"mimeType"`
	Extension        string `json:"extension"`
	StoragePath      string `json:"storagePath"`
	Checksum         string `json:"checksum,omitempty"`

	Duration  *float64 `json:"duration"`
	Width     *int     `json:"width"`
	Height    *int     `json:"height"`
	FrameRate *float64 `json:"frameRate"`

	ProcessingStatus    ProcessingStatus `json:"processingStatus"`
	ProcessingProgress  int              `json:"processingProgress"`
	ProcessingError     string           `json:"processingError,omitempty"`
	ProcessingStartedAt *time.Time       `json:"processingStartedAt,omitempty"`

	SensitivityStatus  SensitivityStatus   `json:"sensitivityStatus"`
	SensitivityDetails *SensitivityDetails `json:"sensitivityDetails"`

	IsPublic    bool     `json:"isPublic"`
	Views       int64    `json:"views"`
	Tags        []string `json:"tags"`
	Description string   `json:"description"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SizeGB returns the byte size in GiB, the unit tenant usage is kept in
func (v *Video) SizeGB() float64 {
	return float64(v.Size) / (1 << 30)
}

// Clone returns a deep copy so callers can't mutate shared state
func (v *Video) Clone() *Video {
	c := *v
	if v.Duration != nil {
		d := *v.Duration
		c.Duration = &d
	}
	if v.Width != nil {
		w := *v.Width
		c.Width = &w
	}
	if v.Height != nil {
		h := *v.Height
		c.Height = &h
	}
	if v.FrameRate != nil {
		f := *v.FrameRate
		c.FrameRate = &f
	}
	if v.ProcessingStartedAt != nil {
		t := *v.ProcessingStartedAt
		c.ProcessingStartedAt = &t
	}
	if v.SensitivityDetails != nil {
		sd := *v.SensitivityDetails
		sd.Flags = append([]string(nil), v.SensitivityDetails.Flags...)
		c.SensitivityDetails = &sd
	}
	c.Tags = append([]string(nil), v.Tags...)
	return &c
}

// VideoStatus is the body of the status endpoint
type VideoStatus struct {
	VideoID            string            `json:"videoId"`
	ProcessingStatus   ProcessingStatus  `json:"processingStatus"`
	ProcessingProgress int               `json:"processingProgress"`
	SensitivityStatus  SensitivityStatus `json:"sensitivityStatus"`
	SensitivityScore   *int              `json:"sensitivityScore"`
	ProcessingError    string            `json:"processingError,omitempty"`
}

// StatusOf projects a video onto its status view
func StatusOf(v *Video) *VideoStatus {
	st := &VideoStatus{
		VideoID:            v.ID,
		ProcessingStatus:   v.ProcessingStatus,
		ProcessingProgress: v.ProcessingProgress,
		SensitivityStatus:  v.SensitivityStatus,
		ProcessingError:    v.ProcessingError,
	}
	if v.SensitivityDetails != nil {
		score := v.SensitivityDetails.Score
		st.SensitivityScore = &score
	}
	return st
}

// VideoFilter narrows a listing
type VideoFilter struct {
	// OwnerID restricts results to videos owned by this user or public ones
	OwnerID           string
	ProcessingStatus  ProcessingStatus
	SensitivityStatus SensitivityStatus
	Limit             int
	Offset            int
}

// MetadataEdit is an owner-initiated change. Nil fields are left untouched.
type MetadataEdit struct {
	Description *string   `json:"description"`
	Tags        *[]string `json:"tags"`
	IsPublic    *bool     `json:"isPublic"`
}

// Role is a user's role inside a tenant
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

var roleRank = map[Role]int{RoleViewer: 1, RoleEditor: 2, RoleAdmin: 3}

// AtLeast reports whether r grants at least the permissions of min
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min] && roleRank[r] > 0
}

// Requester identifies who is making a call
type Requester struct {
	UserID   string
	TenantID string
	Role     Role
}

// Event names emitted by the processing pipeline
const (
	EventProcessingStarted   = "processing_started"
	EventProcessingProgress  = "processing_progress"
	EventProcessingCompleted = "processing_completed"
	EventProcessingFailed    = "processing_failed"
)

// Event is a pipeline lifecycle notification delivered to a tenant room
type Event struct {
	Name              string            `json:"event"`
	VideoID           string            `json:"videoId"`
	Progress          int               `json:"progress,omitempty"`
	Message           string            `json:"message,omitempty"`
	Video             *Video            `json:"video,omitempty"`
	SensitivityStatus SensitivityStatus `json:"sensitivityStatus,omitempty"`
	Error             string            `json:"error,omitempty"`
}
